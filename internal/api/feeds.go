package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	vesperrs "github.com/jdholdren/vesper/internal/errors"
	"github.com/jdholdren/vesper/internal/serverutil"
	"github.com/jdholdren/vesper/internal/sync"
	"github.com/jdholdren/vesper/internal/vesper"
)

type PostFeedReq struct {
	URL      string  `json:"url"`
	FolderID *string `json:"folder_id"`
}

func (req PostFeedReq) Validate() error {
	if strings.TrimSpace(req.URL) == "" {
		return vesperrs.E("url is required", http.StatusBadRequest, vesperrs.Field("url", "is required"))
	}

	return nil
}

type FeedResp struct {
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	Title         string     `json:"title"`
	Website       string     `json:"website"`
	FolderID      *string    `json:"folder_id"`
	LastFetchedAt *time.Time `json:"last_fetched_at"`
	LastError     *string    `json:"last_error"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func apiFeed(f vesper.Feed) FeedResp {
	return FeedResp{
		ID:            f.ID,
		URL:           f.URL,
		Title:         f.DisplayTitle(),
		Website:       f.Website,
		FolderID:      f.FolderID,
		LastFetchedAt: f.LastFetchedAt,
		LastError:     f.LastError,
		CreatedAt:     f.CreatedAt,
		UpdatedAt:     f.UpdatedAt,
	}
}

type SyncedFeedResp struct {
	Feed   FeedResp    `json:"feed"`
	Result sync.Result `json:"result"`
}

func (s Server) postFeeds(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()
	body, err := serverutil.DecodeValid[PostFeedReq](r.Body)
	if err != nil {
		return badRequest(err)
	}

	feed, res, err := s.subscriber.Subscribe(ctx, body.URL, body.FolderID)
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusCreated, SyncedFeedResp{
		Feed:   apiFeed(feed),
		Result: res,
	})
}

type FeedListResp struct {
	Feeds []FeedResp `json:"feeds"`
}

func (s Server) getFeeds(w http.ResponseWriter, r *http.Request) error {
	feeds, err := s.repo.AllFeeds(r.Context())
	if err != nil {
		return err
	}

	resp := FeedListResp{Feeds: make([]FeedResp, 0, len(feeds))}
	for _, feed := range feeds {
		resp.Feeds = append(resp.Feeds, apiFeed(feed))
	}

	return serverutil.WriteJSON(w, http.StatusOK, resp)
}

func (s Server) getFeed(w http.ResponseWriter, r *http.Request) error {
	feed, err := s.repo.Feed(r.Context(), mux.Vars(r)["feedID"])
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, apiFeed(feed))
}

func (s Server) postFeedSync(w http.ResponseWriter, r *http.Request) error {
	var (
		ctx    = r.Context()
		feedID = mux.Vars(r)["feedID"]
	)

	// Unknown feeds shouldn't count as sync failures.
	if _, err := s.repo.Feed(ctx, feedID); err != nil {
		return err
	}

	res, err := s.refresher.SyncFeed(ctx, feedID)
	if err != nil {
		return err
	}
	feed, err := s.repo.Feed(ctx, feedID)
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, SyncedFeedResp{
		Feed:   apiFeed(feed),
		Result: res,
	})
}

func (s Server) postFeedRead(w http.ResponseWriter, r *http.Request) error {
	var (
		ctx    = r.Context()
		feedID = mux.Vars(r)["feedID"]
	)

	if _, err := s.repo.Feed(ctx, feedID); err != nil {
		return err
	}
	if err := s.repo.MarkFeedRead(ctx, feedID); err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

package api

import (
	"encoding/json"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/mux"

	vesperrs "github.com/jdholdren/vesper/internal/errors"
	"github.com/jdholdren/vesper/internal/serverutil"
	"github.com/jdholdren/vesper/internal/vesper"
)

const maxSettingBytes = 64 << 10

type FolderResp struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Collapsed bool      `json:"collapsed"`
	CreatedAt time.Time `json:"created_at"`
}

type FolderListResp struct {
	Folders []FolderResp `json:"folders"`
}

func apiFolder(f vesper.Folder) FolderResp {
	return FolderResp{
		ID:        f.ID,
		Name:      f.Name,
		Collapsed: f.Collapsed,
		CreatedAt: f.CreatedAt,
	}
}

func (s Server) getFolders(w http.ResponseWriter, r *http.Request) error {
	folders, err := s.repo.Folders(r.Context())
	if err != nil {
		return err
	}

	resp := FolderListResp{Folders: make([]FolderResp, 0, len(folders))}
	for _, f := range folders {
		resp.Folders = append(resp.Folders, apiFolder(f))
	}

	return serverutil.WriteJSON(w, http.StatusOK, resp)
}

type PostFolderReq struct {
	Name string `json:"name"`
}

func (req PostFolderReq) Validate() error {
	if strings.TrimSpace(req.Name) == "" {
		return vesperrs.E("name is required", http.StatusBadRequest, vesperrs.Field("name", "is required"))
	}

	return nil
}

func (s Server) postFolders(w http.ResponseWriter, r *http.Request) error {
	body, err := serverutil.DecodeValid[PostFolderReq](r.Body)
	if err != nil {
		return badRequest(err)
	}

	folder, err := s.repo.InsertFolder(r.Context(), strings.TrimSpace(body.Name))
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusCreated, apiFolder(folder))
}

type PutFeedFolderReq struct {
	// Empty moves the feed out of any folder.
	FolderID string `json:"folder_id"`
}

func (req PutFeedFolderReq) Validate() error { return nil }

func (s Server) putFeedFolder(w http.ResponseWriter, r *http.Request) error {
	var (
		ctx    = r.Context()
		feedID = mux.Vars(r)["feedID"]
	)
	body, err := serverutil.DecodeValid[PutFeedFolderReq](r.Body)
	if err != nil {
		return badRequest(err)
	}
	if body.FolderID != "" {
		folders, err := s.repo.Folders(ctx)
		if err != nil {
			return err
		}
		if !slices.ContainsFunc(folders, func(f vesper.Folder) bool { return f.ID == body.FolderID }) {
			return vesperrs.E(http.StatusNotFound, "folder not found")
		}
	}

	if err := s.repo.UpdateFeed(ctx, feedID, vesper.UpdateFeedArgs{FolderID: &body.FolderID}); err != nil {
		return err
	}
	feed, err := s.repo.Feed(ctx, feedID)
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, apiFeed(feed))
}

type SettingResp struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (s Server) getSetting(w http.ResponseWriter, r *http.Request) error {
	setting, err := s.repo.Setting(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, SettingResp{
		Key:       setting.Key,
		Value:     json.RawMessage(setting.Value),
		UpdatedAt: setting.UpdatedAt,
	})
}

// putSetting stores the request body, any JSON value, under the key.
func (s Server) putSetting(w http.ResponseWriter, r *http.Request) error {
	var (
		ctx = r.Context()
		key = mux.Vars(r)["key"]
	)

	value, err := io.ReadAll(io.LimitReader(r.Body, maxSettingBytes+1))
	if err != nil {
		return vesperrs.E(http.StatusBadRequest, err)
	}
	if len(value) > maxSettingBytes {
		return vesperrs.E(http.StatusRequestEntityTooLarge, "setting value is too large")
	}
	if !json.Valid(value) {
		return vesperrs.E(http.StatusBadRequest, "setting value must be valid json")
	}

	if err := s.repo.PutSetting(ctx, key, string(value)); err != nil {
		return err
	}
	setting, err := s.repo.Setting(ctx, key)
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, SettingResp{
		Key:       setting.Key,
		Value:     json.RawMessage(setting.Value),
		UpdatedAt: setting.UpdatedAt,
	})
}

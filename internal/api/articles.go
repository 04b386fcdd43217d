package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/gorilla/mux"
	"github.com/sym01/htmlsanitizer"

	vesperrs "github.com/jdholdren/vesper/internal/errors"
	"github.com/jdholdren/vesper/internal/resolve"
	"github.com/jdholdren/vesper/internal/search"
	"github.com/jdholdren/vesper/internal/serverutil"
	"github.com/jdholdren/vesper/internal/vesper"
	"github.com/jdholdren/vesper/logger"
)

const maxMarkRead = 1000

type ArticleResp struct {
	ID          string    `json:"id"`
	FeedID      string    `json:"feed_id"`
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Snippet     string    `json:"snippet"`
	Content     string    `json:"content,omitempty"`
	Author      string    `json:"author"`
	PublishedAt time.Time `json:"published_at"`
	ReceivedAt  time.Time `json:"received_at"`
	Read        bool      `json:"read"`
	Starred     bool      `json:"starred"`
}

func apiArticle(a vesper.Article, withContent bool) ArticleResp {
	resp := ArticleResp{
		ID:          a.ID,
		FeedID:      a.FeedID,
		Title:       a.Title,
		Link:        a.Link,
		Snippet:     a.Snippet,
		Author:      a.Author,
		PublishedAt: a.PublishedAt,
		ReceivedAt:  a.ReceivedAt,
		Read:        a.Read,
		Starred:     a.Starred,
	}
	if withContent {
		resp.Content = a.Content
	}

	return resp
}

type ArticleListResp struct {
	Items      []ArticleResp  `json:"items"`
	Pagination paginationMeta `json:"pagination"`
}

func (s Server) getArticles(w http.ResponseWriter, r *http.Request) error {
	var (
		ctx   = r.Context()
		query = r.URL.Query()
		text  = strings.TrimSpace(query.Get("q"))
	)

	// Parse pagination parameters
	limit, offset := parsePaginationParams(r, 50, 200) // default=50, max=200

	resp := ArticleListResp{
		Items:      []ArticleResp{},
		Pagination: calculatePaginationMeta(limit, offset, 0),
	}

	terms := search.Tokenize(text)
	if text != "" && len(terms) == 0 {
		// Nothing searchable in the query, so nothing can match.
		return serverutil.WriteJSON(w, http.StatusOK, resp)
	}

	// One extra row tells us whether there's another page.
	articles, err := s.repo.Articles(ctx, vesper.ArticleQuery{
		FeedID:  query.Get("feed_id"),
		Unread:  query.Get("unread") == "true",
		Starred: query.Get("starred") == "true",
		Terms:   terms,
		Limit:   limit + 1,
		Offset:  offset,
	})
	if err != nil {
		return err
	}

	resp.Pagination = calculatePaginationMeta(limit, offset, len(articles))
	for i, a := range articles {
		if i == limit {
			break
		}
		resp.Items = append(resp.Items, apiArticle(a, false))
	}

	return serverutil.WriteJSON(w, http.StatusOK, resp)
}

func (s Server) getArticle(w http.ResponseWriter, r *http.Request) error {
	article, err := s.repo.Article(r.Context(), mux.Vars(r)["articleID"])
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, apiArticle(article, true))
}

type PostArticlesReadReq struct {
	IDs  []string `json:"ids"`
	Read *bool    `json:"read"`
}

func (req PostArticlesReadReq) Validate() error {
	switch {
	case len(req.IDs) == 0:
		return vesperrs.E("ids is required", http.StatusBadRequest, vesperrs.Field("ids", "is required"))
	case len(req.IDs) > maxMarkRead:
		return vesperrs.E(fmt.Sprintf("at most %d ids can be marked at once", maxMarkRead), http.StatusBadRequest)
	}

	return nil
}

func (s Server) postArticlesRead(w http.ResponseWriter, r *http.Request) error {
	body, err := serverutil.DecodeValid[PostArticlesReadReq](r.Body)
	if err != nil {
		return badRequest(err)
	}

	read := true
	if body.Read != nil {
		read = *body.Read
	}
	if err := s.repo.MarkRead(r.Context(), body.IDs, read); err != nil {
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

type PostArticleStarReq struct {
	Starred bool `json:"starred"`
}

func (req PostArticleStarReq) Validate() error { return nil }

func (s Server) postArticleStar(w http.ResponseWriter, r *http.Request) error {
	var (
		ctx       = r.Context()
		articleID = mux.Vars(r)["articleID"]
	)
	body, err := serverutil.DecodeValid[PostArticleStarReq](r.Body)
	if err != nil {
		return badRequest(err)
	}

	if err := s.repo.SetStarred(ctx, articleID, body.Starred); err != nil {
		return err
	}
	article, err := s.repo.Article(ctx, articleID)
	if err != nil {
		return err
	}

	return serverutil.WriteJSON(w, http.StatusOK, apiArticle(article, false))
}

type ReaderResp struct {
	ID            string `json:"id"`
	FeedID        string `json:"feed_id"`
	URL           string `json:"url"`
	Title         string `json:"title"`
	Byline        string `json:"byline"`
	ReaderContent string `json:"reader_content"`
}

func (s Server) getArticleReader(w http.ResponseWriter, r *http.Request) error {
	var (
		ctx       = r.Context()
		articleID = mux.Vars(r)["articleID"]
	)

	// Cache results for less processing and prevent refetches
	if resp, ok := s.readerCache.Get(articleID); ok {
		return serverutil.WriteJSON(w, http.StatusOK, resp)
	}

	article, err := s.repo.Article(ctx, articleID)
	if err != nil {
		return err
	}
	if article.Link == "" {
		return vesperrs.E(http.StatusUnprocessableEntity, "article has no link to read")
	}
	u, err := resolve.ValidateFeedURL(article.Link)
	if err != nil {
		var vErr *vesper.ValidationError
		if errors.As(err, &vErr) {
			return vesperrs.E(http.StatusUnprocessableEntity, fmt.Sprintf("article link can't be read: %s", vErr.Reason))
		}
		return err
	}
	ctx = logger.Ctx(ctx, slog.String("article_id", articleID), slog.String("link", u.String()))

	// Fetch the actual site
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("error building request: %s", err)
	}
	resp, err := s.fetchClient.Do(req)
	if err != nil {
		slog.WarnContext(ctx, "error fetching article page", "error", err)
		return vesperrs.E(http.StatusBadGateway, "error fetching the article page")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return vesperrs.E(http.StatusBadGateway, fmt.Sprintf("article page responded with status %d", resp.StatusCode))
	}

	// Strip it for readability and sanitize
	parser := readability.NewParser()
	parsed, err := parser.Parse(resp.Body, u)
	if err != nil {
		return vesperrs.E(http.StatusUnprocessableEntity, fmt.Sprintf("error extracting article: %s", err))
	}

	santizer := htmlsanitizer.NewHTMLSanitizer()
	contents, err := santizer.SanitizeString(parsed.Content)
	if err != nil {
		return err
	}

	ret := ReaderResp{
		ID:            article.ID,
		FeedID:        article.FeedID,
		URL:           article.Link,
		Title:         article.Title,
		Byline:        parsed.Byline,
		ReaderContent: contents,
	}
	// Add to the cache for next time
	s.readerCache.Add(article.ID, ret)

	return serverutil.WriteJSON(w, http.StatusOK, ret)
}

// Package api is the HTTP surface of the reader: feed management, article
// listing and search, the reader view and manual refreshes.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"

	vesperrs "github.com/jdholdren/vesper/internal/errors"
	"github.com/jdholdren/vesper/internal/proxy"
	"github.com/jdholdren/vesper/internal/refresh"
	"github.com/jdholdren/vesper/internal/serverutil"
	"github.com/jdholdren/vesper/internal/sync"
	"github.com/jdholdren/vesper/internal/vesper"
)

type (
	Subscriber interface {
		Subscribe(ctx context.Context, rawURL string, folderID *string) (vesper.Feed, sync.Result, error)
	}

	Refresher interface {
		RefreshAll(ctx context.Context, force bool) ([]refresh.Outcome, error)
		SyncFeed(ctx context.Context, feedID string) (sync.Result, error)
		Progress() *refresh.Progress
	}

	// Server handles requests from the reader frontend.
	Server struct {
		*http.Server

		fetchClient *http.Client
		readerCache *lru.Cache[string, ReaderResp]

		repo       vesper.Repository
		subscriber Subscriber
		refresher  Refresher
	}

	ServerConfig struct {
		Port       int
		CorsOrigin string
	}
)

func NewServer(config ServerConfig, repo vesper.Repository, subscriber Subscriber, refresher Refresher, relay *proxy.Handler) *Server {
	var (
		r        = serverutil.ErrRouter{Router: mux.NewRouter()}
		cache, _ = lru.New[string, ReaderResp](1024)
		origin   = config.CorsOrigin
	)
	if origin == "" {
		origin = "*"
	}

	srvr := Server{
		fetchClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		readerCache: cache,
		repo:        repo,
		subscriber:  subscriber,
		refresher:   refresher,
		Server: &http.Server{
			Addr:        fmt.Sprintf(":%d", config.Port),
			ReadTimeout: 5 * time.Second,
			// Syncing a feed can walk several candidates and routes.
			WriteTimeout: 2 * time.Minute,
			Handler: handlers.CORS(
				handlers.AllowedOrigins([]string{origin}),
				handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
				handlers.AllowedHeaders([]string{"content-type"}),
			)(r),
		},
	}

	r.Use(serverutil.AccessLogMiddleware) // Log everything

	// Feeds
	r.HandleFuncE("/api/feeds", mapErrors(srvr.postFeeds)).Methods(http.MethodPost)
	r.HandleFuncE("/api/feeds", mapErrors(srvr.getFeeds)).Methods(http.MethodGet)
	r.HandleFuncE("/api/feeds/{feedID}", mapErrors(srvr.getFeed)).Methods(http.MethodGet)
	r.HandleFuncE("/api/feeds/{feedID}/sync", mapErrors(srvr.postFeedSync)).Methods(http.MethodPost)
	r.HandleFuncE("/api/feeds/{feedID}/read", mapErrors(srvr.postFeedRead)).Methods(http.MethodPost)
	r.HandleFuncE("/api/feeds/{feedID}/folder", mapErrors(srvr.putFeedFolder)).Methods(http.MethodPut)

	// Sweeps
	r.HandleFuncE("/api/refresh", mapErrors(srvr.postRefresh)).Methods(http.MethodPost)
	r.HandleFuncE("/api/refresh", mapErrors(srvr.getRefresh)).Methods(http.MethodGet)

	// Articles
	r.HandleFuncE("/api/articles", mapErrors(srvr.getArticles)).Methods(http.MethodGet)
	r.HandleFuncE("/api/articles/read", mapErrors(srvr.postArticlesRead)).Methods(http.MethodPost)
	r.HandleFuncE("/api/articles/{articleID}", mapErrors(srvr.getArticle)).Methods(http.MethodGet)
	r.HandleFuncE("/api/articles/{articleID}/reader", mapErrors(srvr.getArticleReader)).Methods(http.MethodGet)
	r.HandleFuncE("/api/articles/{articleID}/star", mapErrors(srvr.postArticleStar)).Methods(http.MethodPost)

	// Folders and settings
	r.HandleFuncE("/api/folders", mapErrors(srvr.getFolders)).Methods(http.MethodGet)
	r.HandleFuncE("/api/folders", mapErrors(srvr.postFolders)).Methods(http.MethodPost)
	r.HandleFuncE("/api/settings/{key}", mapErrors(srvr.getSetting)).Methods(http.MethodGet)
	r.HandleFuncE("/api/settings/{key}", mapErrors(srvr.putSetting)).Methods(http.MethodPut)

	// First-party relay for browser clients
	if relay != nil {
		r.HandleFuncE("/api/fetch-feed", relay.ServeFeed).Methods(http.MethodGet)
	}

	slog.Debug("configured api server", "port", config.Port)

	return &srvr
}

// mapErrors turns domain errors into structured errors with the right status.
func mapErrors(f serverutil.HandlerFuncE) serverutil.HandlerFuncE {
	return func(w http.ResponseWriter, r *http.Request) error {
		err := f(w, r)
		if err == nil {
			return nil
		}

		var (
			structured *vesperrs.Error
			validation *vesper.ValidationError
			fetchErr   *vesper.FetchError
		)
		switch {
		case errors.As(err, &structured):
			return structured
		case errors.As(err, &validation):
			return vesperrs.E(http.StatusBadRequest, validation, vesperrs.Field("url", validation.Reason))
		case errors.Is(err, vesper.ErrNotFound):
			return vesperrs.E(http.StatusNotFound, err)
		case errors.Is(err, vesper.ErrConflict):
			return vesperrs.E(http.StatusConflict, err)
		case errors.As(err, &fetchErr):
			return vesperrs.E(http.StatusBadGateway, fetchErr)
		case errors.Is(err, refresh.ErrThrottled):
			return vesperrs.E(http.StatusTooManyRequests, err)
		case errors.Is(err, refresh.ErrInProgress):
			return vesperrs.E(http.StatusConflict, err)
		}

		return err
	}
}

// badRequest keeps validation errors as they are and turns anything else
// from decoding into a 400.
func badRequest(err error) error {
	var structured *vesperrs.Error
	if errors.As(err, &structured) {
		return structured
	}
	return vesperrs.E(http.StatusBadRequest, err)
}

// Package proxy is the first-party fetch relay: it retrieves a feed on behalf
// of a browser client that can't reach it directly because of CORS.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	vesperrs "github.com/jdholdren/vesper/internal/errors"
	"github.com/jdholdren/vesper/internal/normalize"
	"github.com/jdholdren/vesper/internal/resolve"
	"github.com/jdholdren/vesper/internal/serverutil"
	"github.com/jdholdren/vesper/logger"
)

const (
	DefaultMaxBytes  = 2 << 20
	DefaultTimeout   = 10 * time.Second
	DefaultCacheTTL  = time.Hour
	DefaultCacheSize = 256

	userAgent = "Mozilla/5.0 (compatible; vesper-proxy/1.0; +https://github.com/jdholdren/vesper)"
)

type (
	Config struct {
		MaxBytes  int64
		Timeout   time.Duration
		CacheTTL  time.Duration
		CacheSize int

		// Sent as Access-Control-Allow-Origin. Empty echoes the request's origin.
		AllowedOrigin string
	}

	// Handler relays feed documents. Successful bodies are cached for CacheTTL.
	Handler struct {
		client *http.Client
		config Config
		cache  *expirable.LRU[string, cachedFeed]

		// Lets tests reach servers on loopback.
		allowPrivate bool
	}

	cachedFeed struct {
		body        []byte
		contentType string
	}
)

func New(config Config) *Handler {
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultMaxBytes
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultCacheTTL
	}
	if config.CacheSize <= 0 {
		config.CacheSize = DefaultCacheSize
	}

	h := &Handler{
		config: config,
		cache:  expirable.NewLRU[string, cachedFeed](config.CacheSize, nil, config.CacheTTL),
	}

	h.client = resolve.NewGuardedClient(resolve.GuardConfig{
		DialTimeout: config.Timeout,
		Trusted:     func(string) bool { return h.allowPrivate },
	})

	return h
}

// ServeFeed handles GET /api/fetch-feed?url=<feed>[&refresh=true][&format=json].
func (h *Handler) ServeFeed(w http.ResponseWriter, r *http.Request) error {
	h.setCORS(w, r)

	var (
		q       = r.URL.Query()
		refresh = q.Get("refresh") == "true"
		asJSON  = q.Get("format") == "json"
	)
	target, err := h.target(q.Get("url"))
	if err != nil {
		return err
	}
	key := target.String()
	ctx := logger.Ctx(r.Context(), slog.String("target", key))

	if !refresh {
		if cached, ok := h.cache.Get(key); ok {
			slog.DebugContext(ctx, "serving cached feed")
			return h.write(w, cached, refresh, asJSON)
		}
	}

	feed, err := h.fetch(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "error relaying feed", "error", err)
		return err
	}
	h.cache.Add(key, feed)

	return h.write(w, feed, refresh, asJSON)
}

func (h *Handler) target(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, vesperrs.E(http.StatusBadRequest, "url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, vesperrs.E(http.StatusBadRequest, "url is not valid")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, vesperrs.E(http.StatusBadRequest, "only http and https urls can be fetched")
	}
	if u.User != nil {
		return nil, vesperrs.E(http.StatusBadRequest, "urls with credentials can't be fetched")
	}
	if resolve.IsPrivateHost(u.Hostname()) && !h.allowPrivate {
		return nil, vesperrs.E(http.StatusForbidden, "private addresses can't be fetched")
	}

	return u, nil
}

func (h *Handler) fetch(ctx context.Context, target string) (cachedFeed, error) {
	ctx, cancel := context.WithTimeout(ctx, h.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return cachedFeed{}, vesperrs.E(http.StatusBadRequest, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5")

	resp, err := h.client.Do(req)
	if err != nil {
		return cachedFeed{}, upstreamError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return cachedFeed{}, vesperrs.E(resp.StatusCode, fmt.Sprintf("upstream responded with status %d", resp.StatusCode))
	}
	if resp.ContentLength > h.config.MaxBytes {
		return cachedFeed{}, vesperrs.E(http.StatusRequestEntityTooLarge, "feed is too large")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxBytes+1))
	if err != nil {
		return cachedFeed{}, upstreamError(err)
	}
	if int64(len(body)) > h.config.MaxBytes {
		return cachedFeed{}, vesperrs.E(http.StatusRequestEntityTooLarge, "feed is too large")
	}

	return cachedFeed{body: body, contentType: resp.Header.Get("Content-Type")}, nil
}

func upstreamError(err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, resolve.ErrPrivateAddress):
		return vesperrs.E(http.StatusForbidden, "private addresses can't be fetched")
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return vesperrs.E(http.StatusGatewayTimeout, "upstream timed out")
	default:
		return vesperrs.E(http.StatusBadGateway, fmt.Sprintf("error fetching upstream: %s", err))
	}
}

func (h *Handler) write(w http.ResponseWriter, feed cachedFeed, refresh, asJSON bool) error {
	if refresh {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	} else {
		w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", int(h.config.CacheTTL.Seconds())))
	}

	if asJSON {
		parsed, err := normalize.Parse(feed.body)
		if err != nil {
			return vesperrs.E(http.StatusBadGateway, err)
		}
		return serverutil.WriteJSON(w, http.StatusOK, parsed)
	}

	contentType := feed.contentType
	if contentType == "" {
		contentType = "application/xml; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(feed.body); err != nil {
		return fmt.Errorf("error writing feed: %s", err)
	}

	return nil
}

func (h *Handler) setCORS(w http.ResponseWriter, r *http.Request) {
	origin := h.config.AllowedOrigin
	if origin == "" {
		origin = r.Header.Get("Origin")
	}
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
}

// Package fetch retrieves and normalizes feeds, working through every URL
// candidate and proxy route until one yields a clean parse.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/jdholdren/vesper/internal/normalize"
	"github.com/jdholdren/vesper/internal/resolve"
	"github.com/jdholdren/vesper/internal/vesper"
	"github.com/jdholdren/vesper/logger"
)

const (
	DefaultMaxRetries     = 2
	DefaultRetryDelay     = 500 * time.Millisecond
	DefaultAttemptTimeout = 10 * time.Second
	DefaultMaxBytes       = 2 << 20

	userAgent = "Mozilla/5.0 (compatible; vesper/1.0; +https://github.com/jdholdren/vesper)"
	accept    = "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5"
)

type (
	// Resolver produces the URLs and routes to try for a feed.
	Resolver interface {
		Candidates(feedURL string) ([]string, error)
		Routes(refresh bool) []resolve.Route
	}

	Config struct {
		// Retries per candidate after the first attempt.
		MaxRetries int
		// The n-th retry waits RetryDelay * n.
		RetryDelay time.Duration
		// Budget for a single HTTP request.
		AttemptTimeout time.Duration
		// Bodies larger than this are rejected.
		MaxBytes int64
		// Minimum spacing between requests to the same host. Zero disables it.
		HostInterval time.Duration

		// Called before sleeping for a retry.
		OnRetry func(candidate string, retry int, delay time.Duration)
	}

	Options struct {
		// Refresh skips request sharing and asks proxies for an uncached copy.
		Refresh bool
	}

	// Executor fetches feeds. It is safe for concurrent use.
	Executor struct {
		client   *http.Client
		resolver Resolver
		config   Config
		limiter  *hostLimiter
		inflight singleflight.Group
	}
)

func NewExecutor(client *http.Client, resolver Resolver, config Config) *Executor {
	if client == nil {
		client = &http.Client{}
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = DefaultAttemptTimeout
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultMaxBytes
	}

	return &Executor{
		client:   client,
		resolver: resolver,
		config:   config,
		limiter:  newHostLimiter(config.HostInterval),
	}
}

// Fetch returns the normalized feed at feedURL.
//
// Concurrent calls for the same URL share one fetch unless opts.Refresh is set,
// so the returned feed must be treated as read-only. Failures are a [*vesper.FetchError]
// wrapping the last failure seen, or a [*vesper.ValidationError].
func (e *Executor) Fetch(ctx context.Context, feedURL string, opts Options) (*normalize.Feed, error) {
	key, err := resolve.NormalizeURL(feedURL)
	if err != nil {
		return nil, err
	}

	if opts.Refresh {
		return e.fetch(ctx, key, true)
	}

	// The shared fetch must outlive whichever caller happened to start it.
	v, err, shared := e.inflight.Do(key, func() (any, error) {
		return e.fetch(context.WithoutCancel(ctx), key, false)
	})
	if shared {
		slog.DebugContext(ctx, "shared in-flight fetch", "url", key)
	}
	if err != nil {
		return nil, err
	}

	return v.(*normalize.Feed), nil
}

func (e *Executor) fetch(ctx context.Context, feedURL string, refresh bool) (*normalize.Feed, error) {
	ctx = logger.Ctx(ctx, slog.String("feed_url", feedURL))

	candidates, err := e.resolver.Candidates(feedURL)
	if err != nil {
		return nil, err
	}
	routes := e.resolver.Routes(refresh)

	var lastErr error
	for _, candidate := range candidates {
		feed, err := e.fetchCandidate(ctx, candidate, routes, refresh)
		if err == nil {
			return feed, nil
		}

		slog.WarnContext(ctx, "candidate failed", "candidate", candidate, "error", err)
		lastErr = err
	}

	return nil, &vesper.FetchError{URL: feedURL, Err: lastErr}
}

// fetchCandidate retries one candidate for as long as its failures are transient.
func (e *Executor) fetchCandidate(ctx context.Context, candidate string, routes []resolve.Route, refresh bool) (*normalize.Feed, error) {
	var (
		feed    *normalize.Feed
		retries int
	)
	backoff := retry.WithMaxRetries(uint64(e.config.MaxRetries), retry.BackoffFunc(func() (time.Duration, bool) {
		retries++
		delay := e.config.RetryDelay * time.Duration(retries)
		if e.config.OnRetry != nil {
			e.config.OnRetry(candidate, retries, delay)
		}
		return delay, false
	}))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		f, err := e.attempt(ctx, candidate, routes, refresh)
		if err == nil {
			feed = f
			return nil
		}
		if vesper.Retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	return feed, nil
}

// attempt tries every route once, returning the first clean parse or the last failure.
func (e *Executor) attempt(ctx context.Context, candidate string, routes []resolve.Route, refresh bool) (*normalize.Feed, error) {
	// Spaced per upstream host, whichever proxy carries the request.
	if err := e.limiter.Wait(ctx, candidate); err != nil {
		return nil, classify(candidate, err)
	}

	var lastErr error
	for _, route := range routes {
		body, err := e.get(ctx, route.URL(candidate, refresh))
		if err != nil {
			slog.DebugContext(ctx, "route failed", "route", route.Kind.String(), "error", err)
			lastErr = err
			continue
		}

		feed, err := normalize.Parse(body)
		if err != nil {
			lastErr = err
			continue
		}

		return feed, nil
	}

	return nil, lastErr
}

// get performs a single HTTP request under the attempt timeout.
func (e *Executor) get(ctx context.Context, target string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &vesper.NetworkError{URL: target, Err: fmt.Errorf("error building request: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", accept)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, classify(target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &vesper.HTTPStatusError{URL: target, StatusCode: resp.StatusCode}
	}
	if resp.ContentLength > e.config.MaxBytes {
		return nil, &vesper.HTTPStatusError{URL: target, StatusCode: http.StatusRequestEntityTooLarge}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxBytes+1))
	if err != nil {
		return nil, classify(target, err)
	}
	if int64(len(body)) > e.config.MaxBytes {
		return nil, &vesper.HTTPStatusError{URL: target, StatusCode: http.StatusRequestEntityTooLarge}
	}
	if isHTMLPage(resp.Header.Get("Content-Type"), body) {
		return nil, &vesper.HTTPStatusError{URL: target, StatusCode: resp.StatusCode, HTMLPage: true}
	}

	return body, nil
}

func classify(target string, err error) error {
	if errors.Is(err, resolve.ErrPrivateAddress) {
		return &vesper.ValidationError{URL: target, Reason: "resolves to a private address"}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &vesper.TimeoutError{URL: target}
	}
	return &vesper.NetworkError{URL: target, Err: err}
}

var (
	htmlPrefixes = [][]byte{[]byte("<!doctype html"), []byte("<html")}
	feedPrefixes = [][]byte{[]byte("<?xml"), []byte("<rss"), []byte("<feed"), []byte("<rdf")}
)

// isHTMLPage reports whether a response is a web page rather than a feed,
// which is what most proxies and CDNs answer with when something went wrong.
// Feeds mislabeled as text/html still get through.
func isHTMLPage(contentType string, body []byte) bool {
	head := bytes.TrimLeft(body, "\ufeff \t\r\n")
	if len(head) > 64 {
		head = head[:64]
	}
	head = bytes.ToLower(head)
	if hasAnyPrefix(head, htmlPrefixes) {
		return true
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "text/html" && !hasAnyPrefix(head, feedPrefixes)
}

func hasAnyPrefix(b []byte, prefixes [][]byte) bool {
	for _, p := range prefixes {
		if bytes.HasPrefix(b, p) {
			return true
		}
	}
	return false
}

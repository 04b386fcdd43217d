// Package sync refreshes a single feed end to end: fetch, diff against what's
// stored, backfill links, triage and persist.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jdholdren/vesper/internal/fetch"
	"github.com/jdholdren/vesper/internal/normalize"
	"github.com/jdholdren/vesper/internal/resolve"
	"github.com/jdholdren/vesper/internal/sanitize"
	"github.com/jdholdren/vesper/internal/search"
	"github.com/jdholdren/vesper/internal/vesper"
	"github.com/jdholdren/vesper/logger"
)

const (
	DefaultUnreadLimit = 50

	// Longest failure message stored on a feed.
	maxErrorLength = 300
)

type (
	Fetcher interface {
		Fetch(ctx context.Context, feedURL string, opts fetch.Options) (*normalize.Feed, error)
	}

	// Store is the slice of the repository a sync needs.
	Store interface {
		Feed(ctx context.Context, id string) (vesper.Feed, error)
		FeedByURL(ctx context.Context, url string) (vesper.Feed, error)
		InsertFeed(ctx context.Context, feed vesper.Feed) (vesper.Feed, error)
		UpdateFeed(ctx context.Context, id string, args vesper.UpdateFeedArgs) error
		RecordFeedError(ctx context.Context, id string, msg string) error
		ArticlesByGUIDs(ctx context.Context, feedID string, guids []string) ([]vesper.Article, error)
		LinklessArticles(ctx context.Context, feedID string) ([]vesper.Article, error)
		SaveArticles(ctx context.Context, backfills []vesper.LinkBackfill, articles []vesper.Article) error
	}

	Config struct {
		// How many of the newly found articles stay unread. The rest are archived.
		UnreadLimit int
		// Defaults to time.Now.
		Now func() time.Time
	}

	Options struct {
		Refresh bool
	}

	// Result counts what a sync stored.
	Result struct {
		Unread     int `json:"unread"`
		Archived   int `json:"archived"`
		Total      int `json:"total"`
		Backfilled int `json:"backfilled"`
	}

	// Engine syncs feeds. Syncs of the same feed never overlap.
	Engine struct {
		fetcher Fetcher
		store   Store
		config  Config
		locks   *keyedMutex
	}

	// An incoming item mapped onto an article, plus what's needed to match it.
	candidate struct {
		article  vesper.Article
		rawTitle string
	}
)

func NewEngine(fetcher Fetcher, store Store, config Config) *Engine {
	if config.UnreadLimit <= 0 {
		config.UnreadLimit = DefaultUnreadLimit
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Engine{
		fetcher: fetcher,
		store:   store,
		config:  config,
		locks:   newKeyedMutex(),
	}
}

// SyncFeed fetches the feed and stores whatever is new.
//
// A failed fetch is recorded on the feed and returned; stored articles are untouched.
func (e *Engine) SyncFeed(ctx context.Context, feedID string, opts Options) (Result, error) {
	unlock := e.locks.Lock(feedID)
	defer unlock()

	ctx = logger.Ctx(ctx, slog.String("feed_id", feedID))

	feed, err := e.store.Feed(ctx, feedID)
	if err != nil {
		return Result{}, fmt.Errorf("error getting feed: %w", err)
	}

	parsed, err := e.fetcher.Fetch(ctx, feed.URL, fetch.Options{Refresh: opts.Refresh})
	if err != nil {
		e.recordFailure(ctx, feed.ID, err)
		return Result{}, fmt.Errorf("error fetching feed: %w", err)
	}

	return e.ingest(ctx, feed, parsed)
}

// Subscribe validates and fetches rawURL, stores it as a new feed and performs its first sync.
func (e *Engine) Subscribe(ctx context.Context, rawURL string, folderID *string) (vesper.Feed, Result, error) {
	u, err := resolve.ValidateFeedURL(rawURL)
	if err != nil {
		return vesper.Feed{}, Result{}, err
	}
	feedURL := u.String()

	_, err = e.store.FeedByURL(ctx, feedURL)
	if err == nil {
		return vesper.Feed{}, Result{}, fmt.Errorf("already subscribed to %s: %w", feedURL, vesper.ErrConflict)
	}
	if !errors.Is(err, vesper.ErrNotFound) {
		return vesper.Feed{}, Result{}, fmt.Errorf("error looking up feed: %w", err)
	}

	// Fetch before storing anything so a bad url never becomes a subscription.
	parsed, err := e.fetcher.Fetch(ctx, feedURL, fetch.Options{})
	if err != nil {
		return vesper.Feed{}, Result{}, fmt.Errorf("error fetching new feed: %w", err)
	}

	website := resolveLink(parsed.Link, "", []string{feedURL})
	if website == "" {
		website = feedURL
	}
	feed, err := e.store.InsertFeed(ctx, vesper.Feed{
		URL:      feedURL,
		Title:    firstNonEmpty(sanitize.Strip(parsed.Title), u.Hostname()),
		Website:  website,
		FolderID: folderID,
	})
	if err != nil {
		return vesper.Feed{}, Result{}, fmt.Errorf("error inserting feed: %w", err)
	}

	unlock := e.locks.Lock(feed.ID)
	defer unlock()

	res, err := e.ingest(logger.Ctx(ctx, slog.String("feed_id", feed.ID)), feed, parsed)
	if err != nil {
		return feed, Result{}, err
	}

	feed, err = e.store.Feed(ctx, feed.ID)
	if err != nil {
		return vesper.Feed{}, Result{}, fmt.Errorf("error reloading feed: %w", err)
	}

	return feed, res, nil
}

// ingest runs everything after a successful fetch. The feed's lock must be held.
func (e *Engine) ingest(ctx context.Context, feed vesper.Feed, parsed *normalize.Feed) (Result, error) {
	now := e.config.Now().UTC()

	args := vesper.UpdateFeedArgs{LastFetched: now, ClearError: true}
	if feed.Title == "" {
		args.Title = firstNonEmpty(sanitize.Strip(parsed.Title), "Unknown Feed")
	}
	if feed.Website == "" {
		args.Website = resolveLink(parsed.Link, "", []string{feed.URL})
		feed.Website = args.Website
	}
	if err := e.store.UpdateFeed(ctx, feed.ID, args); err != nil {
		e.recordFailure(ctx, feed.ID, err)
		return Result{}, fmt.Errorf("error updating feed: %w", err)
	}

	candidates := e.candidates(feed, parsed.Items, now)
	if len(candidates) == 0 {
		return Result{}, nil
	}

	guids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		guids = append(guids, c.article.GUID)
	}
	existing, err := e.store.ArticlesByGUIDs(ctx, feed.ID, guids)
	if err != nil {
		return Result{}, fmt.Errorf("error looking up existing articles: %w", err)
	}

	backfills, fresh, err := e.diff(ctx, feed.ID, candidates, existing)
	if err != nil {
		return Result{}, err
	}

	res := triage(fresh, e.config.UnreadLimit)
	res.Backfilled = len(backfills)

	if err := e.store.SaveArticles(ctx, backfills, fresh); err != nil {
		return Result{}, fmt.Errorf("error saving articles: %w", err)
	}

	slog.InfoContext(ctx, "synced feed",
		"unread", res.Unread,
		"archived", res.Archived,
		"backfilled", res.Backfilled,
	)

	return res, nil
}

// candidates maps the items of a fetched feed onto articles, dropping repeated guids.
func (e *Engine) candidates(feed vesper.Feed, items []normalize.Item, now time.Time) []candidate {
	var (
		bases = []string{feed.Website, feed.URL}
		seen  = map[string]struct{}{}
		out   = make([]candidate, 0, len(items))
	)
	for _, item := range items {
		guid := firstNonEmpty(item.GUID, item.Comments, item.Link, item.Title)
		if guid == "" {
			guid = uuid.NewString()
		}
		if _, ok := seen[guid]; ok {
			continue
		}
		seen[guid] = struct{}{}

		published := item.Published()
		if published.IsZero() {
			published = now
		}

		title := sanitize.Strip(item.Title)
		content := sanitize.HTML(item.Content)
		out = append(out, candidate{
			rawTitle: title,
			article: vesper.Article{
				FeedID:      feed.ID,
				GUID:        guid,
				Title:       firstNonEmpty(title, "Untitled"),
				Link:        resolveLink(item.Link, item.GUID, bases),
				Content:     content,
				Snippet:     sanitize.Snippet(content),
				Author:      sanitize.Strip(item.Author),
				PublishedAt: published,
				ReceivedAt:  now,
				Terms:       search.Tokenize(title + " " + sanitize.Text(content)),
			},
		})
	}

	return out
}

// diff splits candidates into link backfills for stored articles and articles that are new.
func (e *Engine) diff(ctx context.Context, feedID string, candidates []candidate, existing []vesper.Article) ([]vesper.LinkBackfill, []vesper.Article, error) {
	byGUID := make(map[string]vesper.Article, len(existing))
	for _, a := range existing {
		byGUID[a.GUID] = a
	}

	var (
		backfills  []vesper.LinkBackfill
		backfilled = map[string]struct{}{}
		unmatched  []candidate
	)
	for _, c := range candidates {
		stored, ok := byGUID[c.article.GUID]
		if !ok {
			unmatched = append(unmatched, c)
			continue
		}
		if stored.Link == "" && c.article.Link != "" {
			backfills = append(backfills, vesper.LinkBackfill{ArticleID: stored.ID, Link: c.article.Link})
			backfilled[stored.ID] = struct{}{}
		}
	}

	// The guid of an item can drift between runs; fall back to its title
	// for stored articles that never got a link.
	var byTitle map[string][]vesper.Article
	if slices.ContainsFunc(unmatched, func(c candidate) bool { return c.article.Link != "" && c.rawTitle != "" }) {
		linkless, err := e.store.LinklessArticles(ctx, feedID)
		if err != nil {
			return nil, nil, fmt.Errorf("error looking up linkless articles: %w", err)
		}
		byTitle = map[string][]vesper.Article{}
		for _, a := range linkless {
			if _, ok := backfilled[a.ID]; ok {
				continue
			}
			key := strings.ToLower(strings.TrimSpace(a.Title))
			byTitle[key] = append(byTitle[key], a)
		}
	}

	fresh := make([]vesper.Article, 0, len(unmatched))
	for _, c := range unmatched {
		if c.article.Link != "" && c.rawTitle != "" {
			key := strings.ToLower(c.rawTitle)
			if matches := byTitle[key]; len(matches) > 0 {
				backfills = append(backfills, vesper.LinkBackfill{ArticleID: matches[0].ID, Link: c.article.Link, GUID: c.article.GUID})
				byTitle[key] = matches[1:]
				continue
			}
		}
		fresh = append(fresh, c.article)
	}

	return backfills, fresh, nil
}

// triage orders articles newest first and archives everything past the unread limit.
func triage(articles []vesper.Article, unreadLimit int) Result {
	slices.SortStableFunc(articles, func(a, b vesper.Article) int {
		return b.PublishedAt.Compare(a.PublishedAt)
	})

	var res Result
	for i := range articles {
		articles[i].Read = i >= unreadLimit
		if articles[i].Read {
			res.Archived++
		} else {
			res.Unread++
		}
	}
	res.Total = len(articles)

	return res
}

func (e *Engine) recordFailure(ctx context.Context, feedID string, cause error) {
	if err := e.store.RecordFeedError(ctx, feedID, truncate(cause.Error(), maxErrorLength)); err != nil {
		slog.ErrorContext(ctx, "error recording feed failure", "error", err)
	}
}

// resolveLink returns the first of link and guid that resolves to an absolute
// http(s) URL against one of bases.
//
// Relative links are resolved as-is, but a guid only counts when it already looks
// like a URL or an absolute path; opaque ids would otherwise become bogus links.
func resolveLink(link, guid string, bases []string) string {
	if resolved := resolveAgainst(link, bases); resolved != "" {
		return resolved
	}

	guid = strings.TrimSpace(guid)
	if strings.HasPrefix(guid, "/") || strings.Contains(guid, "://") {
		return resolveAgainst(guid, bases)
	}
	return ""
}

func resolveAgainst(ref string, bases []string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if r.IsAbs() {
		if isWebURL(r) {
			return r.String()
		}
		return ""
	}

	for _, base := range bases {
		b, err := url.Parse(base)
		if err != nil || !isWebURL(b) {
			continue
		}
		if resolved := b.ResolveReference(r); isWebURL(resolved) {
			return resolved.String()
		}
	}
	return ""
}

func isWebURL(u *url.URL) bool {
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

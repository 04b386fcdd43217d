package sync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/vesper/internal/fetch"
	"github.com/jdholdren/vesper/internal/migrations"
	"github.com/jdholdren/vesper/internal/resolve"
	"github.com/jdholdren/vesper/internal/sqlite"
	"github.com/jdholdren/vesper/internal/vesper"
)

const testFeedURL = "https://blog.example.com/feed.xml"

type testItem struct {
	title string
	link  string
	guid  string
	body  string
	date  time.Time
}

func rssDoc(items ...testItem) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>Example Blog</title><link>https://blog.example.com/</link>`)
	for _, it := range items {
		b.WriteString("<item>")
		if it.title != "" {
			fmt.Fprintf(&b, "<title>%s</title>", it.title)
		}
		if it.link != "" {
			fmt.Fprintf(&b, "<link>%s</link>", it.link)
		}
		if it.guid != "" {
			fmt.Fprintf(&b, `<guid isPermaLink="false">%s</guid>`, it.guid)
		}
		if !it.date.IsZero() {
			fmt.Fprintf(&b, "<pubDate>%s</pubDate>", it.date.Format(time.RFC1123Z))
		}
		body := it.body
		if body == "" {
			body = "Body of the post"
		}
		fmt.Fprintf(&b, "<description><![CDATA[%s]]></description></item>", body)
	}
	b.WriteString("</channel></rss>")
	return b.String()
}

// upstream serves whatever document it currently holds, for any host.
type upstream struct {
	mu     gosync.Mutex
	body   string
	status int
	hits   int
}

func (u *upstream) set(status int, body string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status, u.body = status, body
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hits++
	if u.status != 0 && u.status != http.StatusOK {
		w.WriteHeader(u.status)
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml")
	fmt.Fprint(w, u.body)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

type testEnv struct {
	repo     sqlite.Repo
	engine   *Engine
	upstream *upstream
}

func newTestEnv(t *testing.T, unreadLimit int) testEnv {
	t.Helper()

	dbx, err := sqlite.Open(filepath.Join(t.TempDir(), "vesper.db"))
	require.NoError(t, err)
	t.Cleanup(func() { dbx.Close() })
	require.NoError(t, migrations.Run(dbx))

	up := &upstream{}
	client := &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		up.ServeHTTP(rec, req)
		return rec.Result(), nil
	})}

	repo := sqlite.New(dbx)
	executor := fetch.NewExecutor(client, resolve.New(resolve.Config{}), fetch.Config{RetryDelay: time.Millisecond})

	return testEnv{
		repo:     repo,
		engine:   NewEngine(executor, repo, Config{UnreadLimit: unreadLimit}),
		upstream: up,
	}
}

func (e testEnv) insertFeed(t *testing.T) vesper.Feed {
	t.Helper()

	f, err := e.repo.InsertFeed(context.Background(), vesper.Feed{URL: testFeedURL})
	require.NoError(t, err)
	return f
}

func (e testEnv) articles(t *testing.T, q vesper.ArticleQuery) []vesper.Article {
	t.Helper()

	got, err := e.repo.Articles(context.Background(), q)
	require.NoError(t, err)
	return got
}

func TestSyncFeed_StoresArticlesAndMetadata(t *testing.T) {
	var (
		env  = newTestEnv(t, 50)
		feed = env.insertFeed(t)
		ctx  = context.Background()
		now  = time.Now().UTC().Truncate(time.Second)
	)
	env.upstream.set(http.StatusOK, rssDoc(
		testItem{title: "Second", link: "https://blog.example.com/2", guid: "2", date: now},
		testItem{title: "First", link: "/1", guid: "1", date: now.Add(-time.Hour)},
	))

	res, err := env.engine.SyncFeed(ctx, feed.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, Result{Unread: 2, Total: 2}, res)

	got, err := env.repo.Feed(ctx, feed.ID)
	require.NoError(t, err)
	assert.Equal(t, "Example Blog", got.Title)
	assert.Equal(t, "https://blog.example.com/", got.Website)
	assert.NotNil(t, got.LastFetchedAt)
	assert.Nil(t, got.LastError)

	articles := env.articles(t, vesper.ArticleQuery{FeedID: feed.ID})
	require.Len(t, articles, 2)
	assert.Equal(t, "Second", articles[0].Title)
	assert.Equal(t, "https://blog.example.com/1", articles[1].Link, "relative links resolve against the website")
	assert.Equal(t, "Body of the post", articles[1].Snippet)

	hits := env.articles(t, vesper.ArticleQuery{Terms: []string{"second"}})
	require.Len(t, hits, 1)
}

func TestSyncFeed_Dedup(t *testing.T) {
	var (
		env  = newTestEnv(t, 50)
		feed = env.insertFeed(t)
		ctx  = context.Background()
		now  = time.Now().UTC()
	)

	env.upstream.set(http.StatusOK, rssDoc(
		testItem{title: "A", link: "https://blog.example.com/a", guid: "a", date: now},
		testItem{title: "B", link: "https://blog.example.com/b", guid: "b", date: now},
	))
	_, err := env.engine.SyncFeed(ctx, feed.ID, Options{})
	require.NoError(t, err)

	env.upstream.set(http.StatusOK, rssDoc(
		testItem{title: "B", link: "https://blog.example.com/b", guid: "b", date: now},
		testItem{title: "C", link: "https://blog.example.com/c", guid: "c", date: now},
		testItem{title: "C again", link: "https://blog.example.com/c", guid: "c", date: now},
	))
	res, err := env.engine.SyncFeed(ctx, feed.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)

	articles := env.articles(t, vesper.ArticleQuery{FeedID: feed.ID})
	require.Len(t, articles, 3)
	seen := map[string]bool{}
	for _, a := range articles {
		assert.False(t, seen[a.GUID], "guid %s stored twice", a.GUID)
		seen[a.GUID] = true
	}
}

func TestSyncFeed_AutoArchive(t *testing.T) {
	var (
		env   = newTestEnv(t, 50)
		feed  = env.insertFeed(t)
		ctx   = context.Background()
		start = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
		items []testItem
	)
	for i := range 70 {
		// Out of order on purpose, dates are distinct.
		n := (i * 37) % 70
		items = append(items, testItem{
			title: fmt.Sprintf("Post %d", n),
			link:  fmt.Sprintf("https://blog.example.com/%d", n),
			guid:  fmt.Sprintf("post-%d", n),
			date:  start.Add(-time.Duration(n) * time.Hour),
		})
	}
	env.upstream.set(http.StatusOK, rssDoc(items...))

	res, err := env.engine.SyncFeed(ctx, feed.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, Result{Unread: 50, Archived: 20, Total: 70}, res)

	unread := env.articles(t, vesper.ArticleQuery{FeedID: feed.ID, Unread: true})
	require.Len(t, unread, 50)
	for _, a := range unread {
		// Post 0 is the newest, post 69 the oldest.
		assert.False(t, a.PublishedAt.Before(start.Add(-49*time.Hour)), "%s should have been archived", a.GUID)
	}
	assert.Len(t, env.articles(t, vesper.ArticleQuery{FeedID: feed.ID}), 70)
}

func TestSyncFeed_BackfillsLinkByGUID(t *testing.T) {
	var (
		env  = newTestEnv(t, 50)
		feed = env.insertFeed(t)
		ctx  = context.Background()
		now  = time.Now().UTC()
	)

	env.upstream.set(http.StatusOK, rssDoc(testItem{title: "No link yet", guid: "opaque-1", date: now}))
	_, err := env.engine.SyncFeed(ctx, feed.ID, Options{})
	require.NoError(t, err)

	stored := env.articles(t, vesper.ArticleQuery{FeedID: feed.ID})
	require.Len(t, stored, 1)
	assert.Empty(t, stored[0].Link, "opaque guids are not links")

	env.upstream.set(http.StatusOK, rssDoc(testItem{title: "No link yet", link: "https://blog.example.com/p/1", guid: "opaque-1", date: now}))
	res, err := env.engine.SyncFeed(ctx, feed.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, Result{Backfilled: 1}, res)

	got, err := env.repo.Article(ctx, stored[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "https://blog.example.com/p/1", got.Link)
}

func TestSyncFeed_BackfillsLinkByTitle(t *testing.T) {
	var (
		env  = newTestEnv(t, 50)
		feed = env.insertFeed(t)
		ctx  = context.Background()
		now  = time.Now().UTC()
	)

	env.upstream.set(http.StatusOK, rssDoc(testItem{title: "Drifting Post", guid: "v1", date: now}))
	_, err := env.engine.SyncFeed(ctx, feed.ID, Options{})
	require.NoError(t, err)

	env.upstream.set(http.StatusOK, rssDoc(testItem{title: "drifting post", link: "https://blog.example.com/drift", guid: "v2", date: now}))
	res, err := env.engine.SyncFeed(ctx, feed.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
	assert.Equal(t, 1, res.Backfilled)

	articles := env.articles(t, vesper.ArticleQuery{FeedID: feed.ID})
	require.Len(t, articles, 1)
	assert.Equal(t, "https://blog.example.com/drift", articles[0].Link)
	assert.Equal(t, "v2", articles[0].GUID)

	// The backfilled article now matches by guid.
	res, err = env.engine.SyncFeed(ctx, feed.ID, Options{})
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Len(t, env.articles(t, vesper.ArticleQuery{FeedID: feed.ID}), 1)
}

func TestSyncFeed_IndexesTextNotMarkup(t *testing.T) {
	var (
		env  = newTestEnv(t, 50)
		feed = env.insertFeed(t)
		ctx  = context.Background()
	)

	env.upstream.set(http.StatusOK, rssDoc(testItem{
		title: "Lunch",
		guid:  "lunch",
		body:  "<p>Tom&#39;s fish &amp; chips</p>",
		date:  time.Now(),
	}))
	_, err := env.engine.SyncFeed(ctx, feed.ID, Options{})
	require.NoError(t, err)

	assert.Len(t, env.articles(t, vesper.ArticleQuery{Terms: []string{"chips"}}), 1)
	assert.Empty(t, env.articles(t, vesper.ArticleQuery{Terms: []string{"amp"}}))
	assert.Empty(t, env.articles(t, vesper.ArticleQuery{Terms: []string{"39"}}))
}

func TestSyncFeed_RecordsFailure(t *testing.T) {
	var (
		env  = newTestEnv(t, 50)
		feed = env.insertFeed(t)
		ctx  = context.Background()
	)

	env.upstream.set(http.StatusOK, rssDoc(testItem{title: "Kept", guid: "k", date: time.Now()}))
	_, err := env.engine.SyncFeed(ctx, feed.ID, Options{})
	require.NoError(t, err)

	env.upstream.set(http.StatusBadGateway, "")
	_, err = env.engine.SyncFeed(ctx, feed.ID, Options{Refresh: true})
	require.Error(t, err)
	var fetchErr *vesper.FetchError
	assert.ErrorAs(t, err, &fetchErr)

	got, err := env.repo.Feed(ctx, feed.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "502")
	assert.LessOrEqual(t, len([]rune(*got.LastError)), maxErrorLength)
	assert.Len(t, env.articles(t, vesper.ArticleQuery{FeedID: feed.ID}), 1)

	env.upstream.set(http.StatusOK, rssDoc(testItem{title: "Kept", guid: "k", date: time.Now()}))
	_, err = env.engine.SyncFeed(ctx, feed.ID, Options{Refresh: true})
	require.NoError(t, err)
	got, err = env.repo.Feed(ctx, feed.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastError)
}

func TestSyncFeed_ConcurrentSyncsOfOneFeed(t *testing.T) {
	var (
		env   = newTestEnv(t, 50)
		feed  = env.insertFeed(t)
		ctx   = context.Background()
		now   = time.Now().UTC()
		items []testItem
	)
	for i := range 10 {
		items = append(items, testItem{title: fmt.Sprintf("T%d", i), guid: fmt.Sprintf("g%d", i), date: now})
	}
	env.upstream.set(http.StatusOK, rssDoc(items...))

	var (
		wg      gosync.WaitGroup
		results = make([]Result, 4)
	)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.engine.SyncFeed(ctx, feed.ID, Options{Refresh: true})
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += r.Total
	}
	assert.Equal(t, 10, total)
	assert.Len(t, env.articles(t, vesper.ArticleQuery{FeedID: feed.ID}), 10)
}

func TestSubscribe_MalformedFeed(t *testing.T) {
	var (
		env = newTestEnv(t, 50)
		ctx = context.Background()
	)
	env.upstream.set(http.StatusOK, `<?xml version="1.0"?>
<rss version="2.0"><channel><title>Sloppy</title><link>http://example.com</link>
<item><title>A</title><link/>http://example.com/a</link>
<description><![CDATA[<p>Hello <script>x()</script>there</p></description>
</item></channel></rss>`)

	feed, res, err := env.engine.Subscribe(ctx, "sloppy.example.com/rss", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://sloppy.example.com/rss", feed.URL)
	assert.Equal(t, "Sloppy", feed.Title)
	assert.Equal(t, "http://example.com", feed.Website)
	assert.Equal(t, 1, res.Total)

	articles := env.articles(t, vesper.ArticleQuery{FeedID: feed.ID})
	require.Len(t, articles, 1)
	assert.Equal(t, "http://example.com/a", articles[0].Link)
	assert.Equal(t, "http://example.com/a", articles[0].GUID, "guid falls back to the link")
	assert.Equal(t, "<p>Hello there</p>", articles[0].Content)

	_, _, err = env.engine.Subscribe(ctx, "https://sloppy.example.com/rss", nil)
	assert.ErrorIs(t, err, vesper.ErrConflict)
}

func TestSubscribe_Rejections(t *testing.T) {
	var (
		env = newTestEnv(t, 50)
		ctx = context.Background()
	)

	_, _, err := env.engine.Subscribe(ctx, "http://192.168.1.1/feed", nil)
	var vErr *vesper.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Zero(t, env.upstream.hits, "private hosts are never fetched")

	env.upstream.set(http.StatusOK, "<!DOCTYPE html><html><body>Not a feed</body></html>")
	_, _, err = env.engine.Subscribe(ctx, "https://example.org/", nil)
	require.Error(t, err)
	_, err = env.repo.FeedByURL(ctx, "https://example.org/")
	assert.ErrorIs(t, err, vesper.ErrNotFound, "nothing stored for a feed that failed to fetch")
}

func TestResolveLink(t *testing.T) {
	bases := []string{"https://blog.example.com/posts/", "https://blog.example.com/feed.xml"}

	tests := []struct {
		name string
		link string
		guid string
		want string
	}{
		{name: "absolute link", link: "https://other.example.com/x", want: "https://other.example.com/x"},
		{name: "relative link", link: "x/y", want: "https://blog.example.com/posts/x/y"},
		{name: "rooted guid", guid: "/p/1", want: "https://blog.example.com/p/1"},
		{name: "url guid", guid: "http://blog.example.com/?p=4", want: "http://blog.example.com/?p=4"},
		{name: "opaque guid", guid: "tag:blog.example.com,2024:1", want: ""},
		{name: "plain guid", guid: "12345", want: ""},
		{name: "non web link", link: "mailto:me@example.com", want: ""},
		{name: "nothing", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveLink(tt.link, tt.guid, bases))
		})
	}

	assert.Empty(t, resolveLink("/x", "", []string{"", "not a url"}))
}

func TestTriage(t *testing.T) {
	now := time.Now()
	articles := []vesper.Article{
		{GUID: "old", PublishedAt: now.Add(-2 * time.Hour)},
		{GUID: "new", PublishedAt: now},
		{GUID: "mid", PublishedAt: now.Add(-time.Hour)},
	}

	res := triage(articles, 2)
	assert.Equal(t, Result{Unread: 2, Archived: 1, Total: 3}, res)
	assert.Equal(t, "new", articles[0].GUID)
	assert.False(t, articles[1].Read)
	assert.True(t, articles[2].Read)
	assert.Equal(t, "old", articles[2].GUID)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()

	unlockA := k.Lock("a")
	unlockB := k.Lock("b") // Different keys don't block.

	done := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		unlock()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second lock of a key acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	<-done
	unlockB()

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}

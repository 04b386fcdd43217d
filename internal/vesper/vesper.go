package vesper

import (
	"context"
	"errors"
	"time"
)

var (
	ErrConflict = errors.New("resource already exists")
	ErrNotFound = errors.New("resource not found")
)

type (
	// Feed represents a subscribed RSS/Atom source.
	Feed struct {
		ID            string     `db:"id"`
		URL           string     `db:"url"`
		Title         string     `db:"title"`
		Website       string     `db:"website"`
		FolderID      *string    `db:"folder_id"`
		LastFetchedAt *time.Time `db:"last_fetched_at"`
		LastError     *string    `db:"last_error"`
		CreatedAt     time.Time  `db:"created_at"`
		UpdatedAt     time.Time  `db:"updated_at"`
	}

	// Article is a single stored item of a feed.
	//
	// The pair (FeedID, GUID) is unique.
	Article struct {
		ID          string    `db:"id"`
		FeedID      string    `db:"feed_id"`
		GUID        string    `db:"guid"`
		Title       string    `db:"title"`
		Link        string    `db:"link"`
		Content     string    `db:"content"`
		Snippet     string    `db:"snippet"`
		Author      string    `db:"author"`
		PublishedAt time.Time `db:"published_at"`
		ReceivedAt  time.Time `db:"received_at"`
		Read        bool      `db:"read"`
		Starred     bool      `db:"starred"`

		// Search terms, stored separately from the article row.
		Terms []string `db:"-"`
	}

	Folder struct {
		ID        string    `db:"id"`
		Name      string    `db:"name"`
		Collapsed bool      `db:"collapsed"`
		CreatedAt time.Time `db:"created_at"`
	}

	// Setting is a single key/value pair. Values are JSON text.
	Setting struct {
		Key       string    `db:"key"`
		Value     string    `db:"value"`
		UpdatedAt time.Time `db:"updated_at"`
	}

	// Holds the optional fields for updating a feed.
	UpdateFeedArgs struct {
		Title       string
		Website     string
		LastFetched time.Time
		ClearError  bool
		FolderID    *string
	}

	// LinkBackfill sets the link of an already stored article. A non-empty GUID
	// replaces the stored one, for items matched by title after their guid drifted.
	LinkBackfill struct {
		ArticleID string
		Link      string
		GUID      string
	}

	// ArticleQuery filters a listing of articles. Zero values mean "don't filter".
	ArticleQuery struct {
		FeedID  string
		Unread  bool
		Starred bool
		Terms   []string
		Limit   int
		Offset  int
	}

	FeedRepo interface {
		Feed(ctx context.Context, id string) (Feed, error)
		FeedByURL(ctx context.Context, url string) (Feed, error)
		AllFeeds(ctx context.Context) ([]Feed, error)
		InsertFeed(ctx context.Context, feed Feed) (Feed, error)
		UpdateFeed(ctx context.Context, id string, args UpdateFeedArgs) error
		RecordFeedError(ctx context.Context, id string, msg string) error
	}

	ArticleRepo interface {
		Article(ctx context.Context, id string) (Article, error)
		// ArticlesByGUIDs returns the stored articles of a feed matching any of the guids.
		ArticlesByGUIDs(ctx context.Context, feedID string, guids []string) ([]Article, error)
		// LinklessArticles returns the stored articles of a feed with an empty link.
		LinklessArticles(ctx context.Context, feedID string) ([]Article, error)
		// SaveArticles applies the backfills and inserts the articles in one transaction.
		SaveArticles(ctx context.Context, backfills []LinkBackfill, articles []Article) error
		Articles(ctx context.Context, q ArticleQuery) ([]Article, error)
		MarkRead(ctx context.Context, ids []string, read bool) error
		MarkFeedRead(ctx context.Context, feedID string) error
		SetStarred(ctx context.Context, id string, starred bool) error
	}

	LibraryRepo interface {
		Folders(ctx context.Context) ([]Folder, error)
		InsertFolder(ctx context.Context, name string) (Folder, error)
		Setting(ctx context.Context, key string) (Setting, error)
		PutSetting(ctx context.Context, key, value string) error
	}

	Repository interface {
		FeedRepo
		ArticleRepo
		LibraryRepo
	}
)

// DisplayTitle is the title shown for a feed, falling back when none is known.
func (f Feed) DisplayTitle() string {
	if f.Title != "" {
		return f.Title
	}
	return "Unknown Feed"
}

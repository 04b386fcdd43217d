package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/jdholdren/vesper/internal/vesper"
)

func (r Repo) Feed(ctx context.Context, id string) (vesper.Feed, error) {
	const q = `SELECT * FROM feeds WHERE id = ?;`

	var feed vesper.Feed
	err := r.db.GetContext(ctx, &feed, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return vesper.Feed{}, vesper.ErrNotFound
	}
	if err != nil {
		return vesper.Feed{}, fmt.Errorf("error fetching feed: %s", err)
	}

	return feed, nil
}

func (r Repo) FeedByURL(ctx context.Context, url string) (vesper.Feed, error) {
	const q = `SELECT * FROM feeds WHERE url = ?;`

	var feed vesper.Feed
	err := r.db.GetContext(ctx, &feed, q, url)
	if errors.Is(err, sql.ErrNoRows) {
		return vesper.Feed{}, vesper.ErrNotFound
	}
	if err != nil {
		return vesper.Feed{}, fmt.Errorf("error fetching feed: %s", err)
	}

	return feed, nil
}

// AllFeeds retrieves _all_ feeds from the database, oldest subscription first.
func (r Repo) AllFeeds(ctx context.Context) ([]vesper.Feed, error) {
	const q = "SELECT * FROM feeds ORDER BY created_at, id;"

	feeds := []vesper.Feed{}
	if err := r.db.SelectContext(ctx, &feeds, q); err != nil {
		return nil, fmt.Errorf("error selecting all feeds: %s", err)
	}

	return feeds, nil
}

// InsertFeed stores a new subscription. The id and timestamps of the argument are ignored.
func (r Repo) InsertFeed(ctx context.Context, feed vesper.Feed) (vesper.Feed, error) {
	const q = `INSERT INTO feeds (id, url, title, website, folder_id, created_at, updated_at)
	VALUES (:id, :url, :title, :website, :folder_id, :created_at, :updated_at);`

	now := time.Now().UTC()
	feed.ID = fmt.Sprintf("%s%s", uuid.NewString(), feedNamespace)
	feed.CreatedAt, feed.UpdatedAt = now, now

	_, err := r.db.NamedExecContext(ctx, q, feed)
	if isUniqueConflict(err) {
		return vesper.Feed{}, fmt.Errorf("feed already exists: %w", vesper.ErrConflict)
	}
	if err != nil {
		return vesper.Feed{}, fmt.Errorf("error inserting feed: %s", err)
	}

	return r.Feed(ctx, feed.ID)
}

func (r Repo) UpdateFeed(ctx context.Context, id string, args vesper.UpdateFeedArgs) error {
	q := sq.Update("feeds").Set("updated_at", time.Now().UTC())
	if args.Title != "" {
		q = q.Set("title", args.Title)
	}
	if args.Website != "" {
		q = q.Set("website", args.Website)
	}
	if !args.LastFetched.IsZero() {
		q = q.Set("last_fetched_at", args.LastFetched.UTC())
	}
	if args.ClearError {
		q = q.Set("last_error", nil)
	}
	if args.FolderID != nil {
		if *args.FolderID == "" {
			q = q.Set("folder_id", nil)
		} else {
			q = q.Set("folder_id", *args.FolderID)
		}
	}
	q = q.Where(sq.Eq{"id": id})

	query, qArgs, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %s", err)
	}
	res, err := r.db.ExecContext(ctx, query, qArgs...)
	if err != nil {
		return fmt.Errorf("error executing feed update: %s", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vesper.ErrNotFound
	}

	return nil
}

// RecordFeedError stores the message of the last failed sync on the feed.
func (r Repo) RecordFeedError(ctx context.Context, id string, msg string) error {
	const q = `UPDATE feeds SET last_error = ?, updated_at = ? WHERE id = ?;`

	if _, err := r.db.ExecContext(ctx, q, msg, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("error recording feed error: %s", err)
	}

	return nil
}

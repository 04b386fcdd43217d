package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jdholdren/vesper/internal/vesper"
)

type articleTerm struct {
	ArticleID string `db:"article_id"`
	Term      string `db:"term"`
}

func (r Repo) Article(ctx context.Context, id string) (vesper.Article, error) {
	const q = `SELECT * FROM articles WHERE id = ?;`

	var article vesper.Article
	err := r.db.GetContext(ctx, &article, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return vesper.Article{}, vesper.ErrNotFound
	}
	if err != nil {
		return vesper.Article{}, fmt.Errorf("error fetching article: %s", err)
	}

	return article, nil
}

func (r Repo) ArticlesByGUIDs(ctx context.Context, feedID string, guids []string) ([]vesper.Article, error) {
	articles := []vesper.Article{}
	for _, chunk := range chunks(guids, insertChunkSize) {
		query, args, err := sq.Select("*").
			From("articles").
			Where(sq.Eq{"feed_id": feedID, "guid": chunk}).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("error constructing sql: %s", err)
		}

		var found []vesper.Article
		if err := r.db.SelectContext(ctx, &found, query, args...); err != nil {
			return nil, fmt.Errorf("error fetching articles by guid: %s", err)
		}
		articles = append(articles, found...)
	}

	return articles, nil
}

func (r Repo) LinklessArticles(ctx context.Context, feedID string) ([]vesper.Article, error) {
	const q = `SELECT * FROM articles WHERE feed_id = ? AND link = '';`

	articles := []vesper.Article{}
	if err := r.db.SelectContext(ctx, &articles, q, feedID); err != nil {
		return nil, fmt.Errorf("error fetching linkless articles: %s", err)
	}

	return articles, nil
}

// SaveArticles applies link backfills and inserts new articles (and their search terms)
// in a single transaction. Articles colliding on (feed_id, guid) are skipped.
func (r Repo) SaveArticles(ctx context.Context, backfills []vesper.LinkBackfill, articles []vesper.Article) error {
	if len(backfills) == 0 && len(articles) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %s", err)
	}
	defer tx.Rollback()

	for _, b := range backfills {
		const q = `UPDATE articles SET link = ?, guid = COALESCE(NULLIF(?, ''), guid) WHERE id = ? AND link = '';`
		if _, err := tx.ExecContext(ctx, q, b.Link, b.GUID, b.ArticleID); err != nil {
			return fmt.Errorf("error backfilling article link: %s", err)
		}
	}

	if err := insertArticles(ctx, tx, articles); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing articles: %s", err)
	}

	return nil
}

func insertArticles(ctx context.Context, tx *sqlx.Tx, articles []vesper.Article) error {
	if len(articles) == 0 {
		return nil
	}

	var (
		now   = time.Now().UTC()
		terms []articleTerm
		ids   = make([]string, 0, len(articles))
	)
	for i := range articles {
		articles[i].ID = fmt.Sprintf("%s%s", uuid.NewString(), articleNamespace)
		if articles[i].ReceivedAt.IsZero() {
			articles[i].ReceivedAt = now
		}
		articles[i].PublishedAt = articles[i].PublishedAt.UTC()
		ids = append(ids, articles[i].ID)
		for _, term := range articles[i].Terms {
			terms = append(terms, articleTerm{ArticleID: articles[i].ID, Term: term})
		}
	}

	const q = `INSERT INTO articles (id, feed_id, guid, title, link, content, snippet, author, published_at, received_at, read, starred)
	VALUES (:id, :feed_id, :guid, :title, :link, :content, :snippet, :author, :published_at, :received_at, :read, :starred)
	ON CONFLICT(feed_id, guid) DO NOTHING;`
	for _, chunk := range chunks(articles, insertChunkSize/12) {
		if _, err := tx.NamedExecContext(ctx, q, chunk); err != nil {
			return fmt.Errorf("error inserting articles: %s", err)
		}
	}

	const tq = `INSERT OR IGNORE INTO article_terms (article_id, term) VALUES (:article_id, :term);`
	for _, chunk := range chunks(terms, insertChunkSize) {
		if _, err := tx.NamedExecContext(ctx, tq, chunk); err != nil {
			return fmt.Errorf("error inserting article terms: %s", err)
		}
	}

	// Terms of articles that lost the conflict have nothing to point at.
	for _, chunk := range chunks(ids, insertChunkSize) {
		query, args, err := sq.Delete("article_terms").
			Where(sq.Eq{"article_id": chunk}).
			Where("article_id NOT IN (SELECT id FROM articles)").
			ToSql()
		if err != nil {
			return fmt.Errorf("error constructing sql: %s", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("error pruning orphaned terms: %s", err)
		}
	}

	return nil
}

// Articles lists articles newest first. Every search term must match.
func (r Repo) Articles(ctx context.Context, aq vesper.ArticleQuery) ([]vesper.Article, error) {
	q := sq.Select("*").From("articles")
	if aq.FeedID != "" {
		q = q.Where(sq.Eq{"feed_id": aq.FeedID})
	}
	if aq.Unread {
		q = q.Where(sq.Eq{"read": false})
	}
	if aq.Starred {
		q = q.Where(sq.Eq{"starred": true})
	}
	if len(aq.Terms) > 0 {
		sub, subArgs, err := sq.Select("article_id").
			From("article_terms").
			Where(sq.Eq{"term": aq.Terms}).
			GroupBy("article_id").
			Having("COUNT(DISTINCT term) = ?", len(aq.Terms)).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("error constructing sql: %s", err)
		}
		q = q.Where(sq.Expr("id IN ("+sub+")", subArgs...))
	}
	q = q.OrderBy("published_at DESC", "id")
	if aq.Limit > 0 {
		q = q.Limit(uint64(aq.Limit)).Offset(uint64(aq.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("error constructing sql: %s", err)
	}

	articles := []vesper.Article{}
	if err := r.db.SelectContext(ctx, &articles, query, args...); err != nil {
		return nil, fmt.Errorf("error listing articles: %s", err)
	}

	return articles, nil
}

func (r Repo) MarkRead(ctx context.Context, ids []string, read bool) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sq.Update("articles").Set("read", read).Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return fmt.Errorf("error constructing sql: %s", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("error marking articles read: %s", err)
	}

	return nil
}

func (r Repo) MarkFeedRead(ctx context.Context, feedID string) error {
	const q = `UPDATE articles SET read = 1 WHERE feed_id = ? AND read = 0;`

	if _, err := r.db.ExecContext(ctx, q, feedID); err != nil {
		return fmt.Errorf("error marking feed read: %s", err)
	}

	return nil
}

func (r Repo) SetStarred(ctx context.Context, id string, starred bool) error {
	const q = `UPDATE articles SET starred = ? WHERE id = ?;`

	res, err := r.db.ExecContext(ctx, q, starred, id)
	if err != nil {
		return fmt.Errorf("error starring article: %s", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vesper.ErrNotFound
	}

	return nil
}

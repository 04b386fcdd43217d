package sqlite

import (
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"

	"github.com/jdholdren/vesper/internal/vesper"
)

// Ensure Repo implements the Repository interface
var _ vesper.Repository = (*Repo)(nil)

const (
	feedNamespace    = "-fd"
	articleNamespace = "-art"
	folderNamespace  = "-fldr"

	// SQLITE_CONSTRAINT_UNIQUE
	codeUniqueConstraint = 2067

	// Keeps a single statement well under sqlite's bound variable limit.
	insertChunkSize = 500
)

// Open opens the database at path. Writers wait on each other for up to
// five seconds instead of failing with SQLITE_BUSY.
func Open(path string) (*sqlx.DB, error) {
	dbx, err := sqlx.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("error opening database: %s", err)
	}

	return dbx, nil
}

// DSN builds the modernc driver's connection string for path.
func DSN(path string) string {
	return fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
}

type Repo struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) Repo {
	return Repo{db: db}
}

func isUniqueConflict(err error) bool {
	sqliteErr := &sqlite.Error{}
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == codeUniqueConstraint
}

func chunks[T any](s []T, size int) [][]T {
	var out [][]T
	for size < len(s) {
		s, out = s[size:], append(out, s[:size])
	}
	if len(s) > 0 {
		out = append(out, s)
	}
	return out
}

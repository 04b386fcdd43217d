package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jdholdren/vesper/internal/vesper"
)

func (r Repo) Folders(ctx context.Context) ([]vesper.Folder, error) {
	const q = `SELECT * FROM folders ORDER BY name;`

	folders := []vesper.Folder{}
	if err := r.db.SelectContext(ctx, &folders, q); err != nil {
		return nil, fmt.Errorf("error selecting folders: %s", err)
	}

	return folders, nil
}

func (r Repo) InsertFolder(ctx context.Context, name string) (vesper.Folder, error) {
	const q = `INSERT INTO folders (id, name, created_at) VALUES (?, ?, ?);`

	f := vesper.Folder{
		ID:        fmt.Sprintf("%s%s", uuid.NewString(), folderNamespace),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx, q, f.ID, f.Name, f.CreatedAt)
	if isUniqueConflict(err) {
		return vesper.Folder{}, fmt.Errorf("folder already exists: %w", vesper.ErrConflict)
	}
	if err != nil {
		return vesper.Folder{}, fmt.Errorf("error inserting folder: %s", err)
	}

	return f, nil
}

func (r Repo) Setting(ctx context.Context, key string) (vesper.Setting, error) {
	const q = `SELECT * FROM settings WHERE key = ?;`

	var s vesper.Setting
	err := r.db.GetContext(ctx, &s, q, key)
	if errors.Is(err, sql.ErrNoRows) {
		return vesper.Setting{}, vesper.ErrNotFound
	}
	if err != nil {
		return vesper.Setting{}, fmt.Errorf("error fetching setting: %s", err)
	}

	return s, nil
}

func (r Repo) PutSetting(ctx context.Context, key, value string) error {
	const q = `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`

	if _, err := r.db.ExecContext(ctx, q, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("error storing setting: %s", err)
	}

	return nil
}

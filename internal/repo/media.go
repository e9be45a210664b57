package repo

import (
	"context"
	"database/sql"

	"fieldline/internal/domain"
)

func (r Repo) InsertMedia(ctx context.Context, m domain.MediaObject) error {
	if m.CreatedAt == "" {
		m.CreatedAt = r.now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO media(name, content_type, size, created_at) VALUES (?,?,?,?)`,
		m.Name, m.ContentType, m.Size, m.CreatedAt)
	return err
}

func (r Repo) GetMedia(ctx context.Context, name string) (domain.MediaObject, error) {
	var m domain.MediaObject
	err := r.DB.QueryRowContext(ctx, `SELECT name, content_type, size, created_at FROM media WHERE name=?`, name).
		Scan(&m.Name, &m.ContentType, &m.Size, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

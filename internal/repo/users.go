package repo

import (
	"context"
	"database/sql"
	"errors"

	"fieldline/internal/domain"
)

// UpsertUser creates the user or refreshes its name, email and role.
func (r Repo) UpsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.ID == "" {
		return domain.User{}, errors.New("user id required")
	}
	if u.Name == "" {
		u.Name = u.ID
	}
	if u.Role == "" {
		u.Role = "reporter"
	}
	now := r.now()
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id, name, email, role, created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, role=excluded.role`,
		u.ID, u.Name, nullable(u.Email), u.Role, now)
	if err != nil {
		return domain.User{}, err
	}
	return r.GetUser(ctx, u.ID)
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id, name, COALESCE(email,''), role FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.Role)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, name, COALESCE(email,''), role FROM users ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.User{}
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.Role); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

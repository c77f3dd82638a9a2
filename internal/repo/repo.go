package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// GetSessionToken returns the token stored under key.
func (r Repo) GetSessionToken(ctx context.Context, key string) (string, error) {
	var token string
	err := r.DB.QueryRowContext(ctx, `SELECT token FROM session_tokens WHERE key=?`, key).Scan(&token)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return token, err
}

// PutSessionToken stores token under key, replacing any previous value.
func (r Repo) PutSessionToken(ctx context.Context, key, token string, now time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO session_tokens(key,token,updated_at) VALUES (?,?,?)
ON CONFLICT(key) DO UPDATE SET token=excluded.token, updated_at=excluded.updated_at`,
		key, token, now.UTC().Format(time.RFC3339))
	return err
}

func (r Repo) DeleteSessionToken(ctx context.Context, key string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM session_tokens WHERE key=?`, key)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

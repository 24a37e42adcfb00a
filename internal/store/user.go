package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertUser records the latest profile seen for a user. Empty fields do not
// overwrite known values.
func (db *DB) UpsertUser(ctx context.Context, u *User) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = COALESCE(NULLIF(excluded.display_name, ''), users.display_name),
			email = COALESCE(NULLIF(excluded.email, ''), users.email),
			updated_at = excluded.updated_at`,
		u.ID, u.DisplayName, u.Email, time.Now().UnixMilli())
	return err
}

// GetUser returns a cached profile, or nil.
func (db *DB) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := db.GetContext(ctx, &u, `SELECT id, display_name, email, updated_at FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Stats counts live rows for the admin socket.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	err := db.GetContext(ctx, &s, `
		SELECT
			(SELECT COUNT(*) FROM conversations WHERE is_deleted = 0) AS conversations,
			(SELECT COUNT(*) FROM messages WHERE is_deleted = 0) AS messages,
			(SELECT COUNT(*) FROM messages WHERE is_deleted = 0 AND is_read = 0) AS unread,
			(SELECT COUNT(*) FROM users) AS users`)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

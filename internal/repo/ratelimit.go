package repo

import (
	"context"
	"database/sql"

	"gamedex/internal/domain"
)

// DeleteExpiredWindow lazily evicts the window row once its expiry has passed.
// There is no background sweep; the next guarded call cleans up after itself.
func (r Repo) DeleteExpiredWindow(ctx context.Context, identityKey, action, now string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM rate_limit_windows WHERE identity_key=? AND action=? AND expires_at <= ?`,
		identityKey, action, now)
	return err
}

// InsertWindow opens a fresh window with count 1. Returns false when a window
// row already exists for the key.
func (r Repo) InsertWindow(ctx context.Context, w domain.RateLimitWindow) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO rate_limit_windows(identity_key,action,count,expires_at) VALUES (?,?,?,?)`,
		w.IdentityKey, w.Action, w.Count, w.ExpiresAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IncrementWindow bumps the count only while it is below max, in a single
// guarded statement. Returns false when the window is at capacity.
func (r Repo) IncrementWindow(ctx context.Context, identityKey, action string, maxCount int) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE rate_limit_windows SET count = count + 1 WHERE identity_key=? AND action=? AND count < ?`,
		identityKey, action, maxCount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetWindow returns the current window row for a key, if any.
func (r Repo) GetWindow(ctx context.Context, identityKey, action string) (domain.RateLimitWindow, error) {
	var w domain.RateLimitWindow
	err := r.DB.QueryRowContext(ctx, `SELECT identity_key,action,count,expires_at FROM rate_limit_windows WHERE identity_key=? AND action=?`,
		identityKey, action).Scan(&w.IdentityKey, &w.Action, &w.Count, &w.ExpiresAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

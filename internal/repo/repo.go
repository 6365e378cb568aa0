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

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// EnsureActor inserts the actor row if it does not exist yet.
func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, kind string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	if kind == "" {
		kind = "user"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT OR IGNORE INTO actors(id, kind, created_at) VALUES (?,?,?)`, actorID, kind, now)
	return err
}

// GetActor returns an actor by id.
func (r Repo) GetActor(ctx context.Context, id string) (string, string, error) {
	var actorID, kind string
	err := r.DB.QueryRowContext(ctx, `SELECT id, kind FROM actors WHERE id=?`, id).Scan(&actorID, &kind)
	if err == sql.ErrNoRows {
		return "", "", ErrNotFound
	}
	return actorID, kind, err
}

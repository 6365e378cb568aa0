package moderation

import (
	"context"
	"time"

	"gamedex/internal/domain"
	"gamedex/internal/repo"
)

// RateLimiter bounds how often an identity may perform a guarded action within
// a rolling window. Best-effort throttling, not a security boundary: two
// simultaneous requests from one identity may both slip under the limit.
type RateLimiter struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (l RateLimiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// CheckAndIncrement admits the call and bumps the window count, or denies it
// once the window is full. Denied calls do not increment the count. Expired
// windows are evicted lazily on the next call for the same key.
func (l RateLimiter) CheckAndIncrement(ctx context.Context, identityKey, action string, window time.Duration, maxCount int) (bool, error) {
	now := l.now().UTC()
	if err := l.Repo.DeleteExpiredWindow(ctx, identityKey, action, now.Format(time.RFC3339)); err != nil {
		return false, err
	}
	bumped, err := l.Repo.IncrementWindow(ctx, identityKey, action, maxCount)
	if err != nil {
		return false, err
	}
	if bumped {
		return true, nil
	}
	// Either no window exists yet or it is at capacity.
	if _, err := l.Repo.GetWindow(ctx, identityKey, action); err == nil {
		return false, nil
	} else if err != repo.ErrNotFound {
		return false, err
	}
	created, err := l.Repo.InsertWindow(ctx, domain.RateLimitWindow{
		IdentityKey: identityKey,
		Action:      action,
		Count:       1,
		ExpiresAt:   now.Add(window).Format(time.RFC3339),
	})
	if err != nil {
		return false, err
	}
	if created {
		return true, nil
	}
	// Lost a race to another request creating the window; count it there.
	return l.Repo.IncrementWindow(ctx, identityKey, action, maxCount)
}

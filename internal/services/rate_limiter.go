package services

import (
	"context"
	"fmt"
	"time"

	"giveaway/internal/models"
)

// DefaultCooldown is the wait between two draws of the same user in the same
// game when no per-game policy overrides it.
const DefaultCooldown = 30 * time.Second

// LastEventLookup fetches the most recent draw of a user in a game, or nil.
type LastEventLookup func(ctx context.Context, userID string, gameID int64) (*models.DrawEvent, error)

// CooldownPolicy returns the cooldown that applies to a game.
type CooldownPolicy func(gameID int64) time.Duration

// FixedCooldown applies the same cooldown to every game.
func FixedCooldown(d time.Duration) CooldownPolicy {
	return func(int64) time.Duration { return d }
}

// RateLimiter enforces the per user and game draw cooldown. It reads the
// ledger without locking, so concurrent draws of one user may both pass.
type RateLimiter struct {
	now func() time.Time
}

// NewRateLimiter creates a RateLimiter using now as its clock; nil means time.Now.
func NewRateLimiter(now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{now: now}
}

// CheckEligible returns a *RateLimitError when the user's last draw in the
// game happened less than cooldown ago.
func (l *RateLimiter) CheckEligible(ctx context.Context, userID string, gameID int64, cooldown time.Duration, lookup LastEventLookup) error {
	last, err := lookup(ctx, userID, gameID)
	if err != nil {
		return fmt.Errorf("look up last draw: %w", err)
	}
	if last == nil || cooldown <= 0 {
		return nil
	}

	if elapsed := l.now().Sub(last.CreatedAt); elapsed < cooldown {
		return &RateLimitError{TryAgainAt: last.CreatedAt.Add(cooldown)}
	}
	return nil
}

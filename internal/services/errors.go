package services

import (
	"errors"
	"fmt"
	"time"

	"giveaway/internal/storage"
)

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrRateLimitExceeded = errors.New("draw cooldown has not elapsed")
	ErrNoPrizesInStock   = errors.New("no prizes in stock")
	ErrValidation        = errors.New("invalid draw request")
	ErrGameNotFound      = errors.New("game not found")
	// ErrLockContention means the game's stock lock was not acquired in time.
	ErrLockContention = storage.ErrLockTimeout
)

// RateLimitError carries the earliest time the subject may draw again.
type RateLimitError struct {
	TryAgainAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v: try again at %s", ErrRateLimitExceeded, e.TryAgainAt.Format(time.RFC3339))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// ValidationError names the offending request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IsRetryable reports whether err is a transient infrastructure failure that
// can be retried right away.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockContention)
}

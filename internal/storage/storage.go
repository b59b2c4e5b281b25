// Package storage defines the persistence contracts of the draw engine:
// game lookup, locked prize inventory and the append-only draw ledger.
// Backends live in the memory, sqlite and gormstore subpackages.
package storage

import (
	"context"
	"errors"
	"time"

	"giveaway/internal/models"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a game does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrLockTimeout is returned when the stock lock of a game could not be
	// acquired before the context expired. Callers may retry.
	ErrLockTimeout = errors.New("stock lock not acquired in time")
	// ErrPrizeConflict is returned when seeding a prize whose id belongs to
	// a different game.
	ErrPrizeConflict = errors.New("prize id belongs to another game")
)

// GameLookup resolves games by id.
type GameLookup interface {
	FindGame(ctx context.Context, gameID int64) (*models.Game, error)
}

// StockTx is the write side of a locked inventory scope. Everything written
// through it commits or rolls back together with the stock mutation.
type StockTx interface {
	SavePrize(ctx context.Context, prize *models.Prize) error
	AppendEvent(ctx context.Context, ev *models.DrawEvent) error
	LastDrawEvent(ctx context.Context, userID string, gameID int64) (*models.DrawEvent, error)
}

// LockedStockFunc receives the in-stock prizes of a game while they are
// exclusively locked. Returning an error rolls back the whole scope.
type LockedStockFunc func(locked []*models.Prize, tx StockTx) error

// InventoryStore is the transactional boundary over prize stock.
type InventoryStore interface {
	// CountInStock counts prizes of the game with stock left, without locking.
	CountInStock(ctx context.Context, gameID int64) (int64, error)
	// WithLockedStock locks every in-stock prize of the game, runs fn and
	// commits. Concurrent callers for the same game serialize here.
	WithLockedStock(ctx context.Context, gameID int64, fn LockedStockFunc) error
}

// DrawEventLedger is the append-only record of draw outcomes.
type DrawEventLedger interface {
	NewEvent(userID string, gameID int64) *models.DrawEvent
	AppendEvent(ctx context.Context, ev *models.DrawEvent) error
	// LastDrawEvent returns nil and no error when the user never drew in the game.
	LastDrawEvent(ctx context.Context, userID string, gameID int64) (*models.DrawEvent, error)
	// ListDrawEvents returns matching events, newest first.
	ListDrawEvents(ctx context.Context, filter models.DrawFilter) ([]*models.DrawEvent, error)
}

// Seeder loads games and prizes maintained outside the engine.
type Seeder interface {
	SeedGame(ctx context.Context, game *models.Game, prizes []*models.Prize) error
}

// Store is what a complete backend provides.
type Store interface {
	GameLookup
	InventoryStore
	DrawEventLedger
	Seeder
	Close() error
}

// NewDrawEvent builds an unsaved event with a fresh id. Backends use it to
// implement DrawEventLedger.NewEvent.
func NewDrawEvent(userID string, gameID int64, now time.Time) *models.DrawEvent {
	return &models.DrawEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		GameID:    gameID,
		CreatedAt: now.UTC(),
	}
}

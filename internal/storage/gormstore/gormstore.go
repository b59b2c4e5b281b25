// Package gormstore is the PostgreSQL storage backend. Winning draws lock the
// in-stock prize rows of the game with SELECT ... FOR UPDATE.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"giveaway/internal/models"
	"giveaway/internal/storage"

	"github.com/google/logger"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// lockNotAvailable is the SQLSTATE raised when lock_timeout expires.
const lockNotAvailable = "55P03"

// Store persists games, prizes and draw events through gorm.
type Store struct {
	db          *gorm.DB
	lockTimeout time.Duration
	now         func() time.Time
}

// Open connects to PostgreSQL and migrates the schema. lockTimeout bounds
// the wait for the stock row lock; zero leaves the server default.
func Open(dsn string, lockTimeout time.Duration) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.AutoMigrate(&models.Game{}, &models.Prize{}, &models.DrawEvent{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Infof("Connected to PostgreSQL draw store")
	return &Store{db: db, lockTimeout: lockTimeout, now: time.Now}, nil
}

// DSN builds a PostgreSQL connection string.
func DSN(host, port, user, password, dbName string) string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbName)
}

// lockErr maps lock waits cut short by lock_timeout or the context to
// storage.ErrLockTimeout and passes every other error through.
func lockErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return storage.ErrLockTimeout
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == lockNotAvailable {
		return storage.ErrLockTimeout
	}
	return err
}

// SeedGame saves the game and its prizes in one transaction. A prize id
// already owned by another game fails with storage.ErrPrizeConflict.
func (s *Store) SeedGame(ctx context.Context, game *models.Game, prizes []*models.Prize) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(game).Error; err != nil {
			return fmt.Errorf("save game %d: %w", game.ID, err)
		}
		for _, p := range prizes {
			if p.ID != 0 {
				var owner models.Prize
				err := tx.Select("id", "game_id").First(&owner, p.ID).Error
				if err == nil && owner.GameID != game.ID {
					return fmt.Errorf("prize %d of game %d: %w", p.ID, owner.GameID, storage.ErrPrizeConflict)
				} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
					return fmt.Errorf("find prize %d: %w", p.ID, err)
				}
			}
			p.GameID = game.ID
			if err := tx.Save(p).Error; err != nil {
				return fmt.Errorf("save prize %q: %w", p.Name, err)
			}
		}
		return nil
	})
}

func (s *Store) FindGame(ctx context.Context, gameID int64) (*models.Game, error) {
	var game models.Game
	err := s.db.WithContext(ctx).First(&game, gameID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("find game %d: %w", gameID, err)
	}
	return &game, nil
}

// Prizes returns every prize of the game ordered by id.
func (s *Store) Prizes(ctx context.Context, gameID int64) ([]*models.Prize, error) {
	var prizes []*models.Prize
	err := s.db.WithContext(ctx).Where("game_id = ?", gameID).Order("id").Find(&prizes).Error
	return prizes, err
}

func (s *Store) CountInStock(ctx context.Context, gameID int64) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Prize{}).
		Where("game_id = ? AND current_stock > 0", gameID).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count in stock: %w", err)
	}
	return n, nil
}

// WithLockedStock locks the game's in-stock prize rows for update and runs fn
// in the same transaction.
func (s *Store) WithLockedStock(ctx context.Context, gameID int64, fn storage.LockedStockFunc) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.lockTimeout > 0 {
			// SET LOCAL does not take bind parameters.
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("set lock timeout: %w", err)
			}
		}

		var locked []*models.Prize
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("game_id = ? AND current_stock > 0", gameID).
			Order("id").
			Find(&locked).Error
		if err != nil {
			return lockErr(err)
		}

		return fn(locked, &stockTx{tx: tx})
	})
	return lockErr(err)
}

func (s *Store) NewEvent(userID string, gameID int64) *models.DrawEvent {
	return storage.NewDrawEvent(userID, gameID, s.now())
}

func (s *Store) AppendEvent(ctx context.Context, ev *models.DrawEvent) error {
	return createEvent(s.db.WithContext(ctx), ev)
}

func createEvent(db *gorm.DB, ev *models.DrawEvent) error {
	// The prize row is saved on its own inside the locked scope.
	if err := db.Omit(clause.Associations).Create(ev).Error; err != nil {
		return fmt.Errorf("create draw event: %w", err)
	}
	return nil
}

func (s *Store) LastDrawEvent(ctx context.Context, userID string, gameID int64) (*models.DrawEvent, error) {
	return lastEvent(s.db.WithContext(ctx), userID, gameID)
}

func lastEvent(db *gorm.DB, userID string, gameID int64) (*models.DrawEvent, error) {
	var ev models.DrawEvent
	err := db.Preload("Prize").
		Where("user_id = ? AND game_id = ?", userID, gameID).
		Order("created_at DESC").
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("last draw event: %w", err)
	}
	return &ev, nil
}

func (s *Store) ListDrawEvents(ctx context.Context, filter models.DrawFilter) ([]*models.DrawEvent, error) {
	q := s.db.WithContext(ctx).Preload("Prize").Order("created_at DESC")
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if filter.GameID != 0 {
		q = q.Where("game_id = ?", filter.GameID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var events []*models.DrawEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list draw events: %w", err)
	}
	return events, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type stockTx struct {
	tx *gorm.DB
}

func (t *stockTx) SavePrize(_ context.Context, prize *models.Prize) error {
	if prize.CurrentStock < 0 {
		return fmt.Errorf("save prize %d: negative stock %d", prize.ID, prize.CurrentStock)
	}
	if err := t.tx.Save(prize).Error; err != nil {
		return fmt.Errorf("save prize %d: %w", prize.ID, lockErr(err))
	}
	return nil
}

func (t *stockTx) AppendEvent(_ context.Context, ev *models.DrawEvent) error {
	return createEvent(t.tx, ev)
}

func (t *stockTx) LastDrawEvent(_ context.Context, userID string, gameID int64) (*models.DrawEvent, error) {
	return lastEvent(t.tx, userID, gameID)
}

var _ storage.Store = (*Store)(nil)

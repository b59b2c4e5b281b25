// Package sqlite is an embedded storage backend on modernc.org/sqlite.
//
// The database runs in WAL mode with one writer connection and a separate
// read-only pool. The stock lock is a per-game in-process lock: the locked
// scope reads through the pool, stages its writes and applies them in one
// short writer transaction guarded on the stock values it read. Games only
// contend with each other for that commit.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"giveaway/internal/models"
	"giveaway/internal/storage"

	"github.com/google/logger"
	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store persists games, prizes and draw events in a SQLite database.
type Store struct {
	db   *sql.DB // single writer connection
	read *sql.DB

	mu    sync.Mutex
	locks map[int64]chan struct{} // Key: gameID

	now func() time.Time
}

// Open creates the database file and schema if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS games (
			id        INTEGER PRIMARY KEY,
			name      TEXT    NOT NULL DEFAULT '',
			win_rate  REAL    NOT NULL CHECK (win_rate >= 0 AND win_rate <= 1)
		)`,
		`CREATE TABLE IF NOT EXISTS prizes (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			game_id        INTEGER NOT NULL REFERENCES games(id),
			name           TEXT    NOT NULL DEFAULT '',
			weight         REAL    NOT NULL CHECK (weight >= 0),
			current_stock  INTEGER NOT NULL CHECK (current_stock >= 0),
			initial_stock  INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS draw_events (
			id          TEXT    PRIMARY KEY,
			user_id     TEXT    NOT NULL,
			game_id     INTEGER NOT NULL REFERENCES games(id),
			prize_id    INTEGER REFERENCES prizes(id),
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_prizes_game_stock ON prizes(game_id, current_stock)`,
		`CREATE INDEX IF NOT EXISTS idx_draw_user_game ON draw_events(user_id, game_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_draw_game ON draw_events(game_id, created_at)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema (%s): %w", stmt, err)
		}
	}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM draw_events`).Scan(&count); err != nil {
		db.Close()
		return nil, fmt.Errorf("read draw count: %w", err)
	}

	read, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=query_only(1)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite reader: %w", err)
	}
	read.SetMaxOpenConns(readConns)

	logger.Infof("Opened draw store path=%s draws=%d", path, count)

	return &Store{db: db, read: read, locks: make(map[int64]chan struct{}), now: time.Now}, nil
}

const readConns = 4

// SetClock replaces time.Now for event timestamps.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// lockErr maps a locked scope that could not finish in time, or a database
// held by another process, to storage.ErrLockTimeout.
func lockErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return storage.ErrLockTimeout
	}
	var se *moderncsqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_BUSY {
		return storage.ErrLockTimeout
	}
	return err
}

// SeedGame upserts the game and its prizes. Prizes with a zero id are
// inserted; an id owned by another game fails with storage.ErrPrizeConflict.
func (s *Store) SeedGame(ctx context.Context, game *models.Game, prizes []*models.Prize) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO games (id, name, win_rate) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, win_rate = excluded.win_rate`,
		game.ID, game.Name, game.WinRate,
	); err != nil {
		return fmt.Errorf("upsert game %d: %w", game.ID, err)
	}

	for _, p := range prizes {
		if p.ID != 0 {
			var owner int64
			err := tx.QueryRowContext(ctx, `SELECT game_id FROM prizes WHERE id = ?`, p.ID).Scan(&owner)
			if err == nil && owner != game.ID {
				return fmt.Errorf("prize %d of game %d: %w", p.ID, owner, storage.ErrPrizeConflict)
			} else if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("find prize %d: %w", p.ID, err)
			}
		}
		p.GameID = game.ID
		if p.ID == 0 {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO prizes (game_id, name, weight, current_stock, initial_stock) VALUES (?, ?, ?, ?, ?)`,
				p.GameID, p.Name, p.Weight, p.CurrentStock, p.InitialStock,
			)
			if err != nil {
				return fmt.Errorf("insert prize %q: %w", p.Name, err)
			}
			if p.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("prize id: %w", err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO prizes (id, game_id, name, weight, current_stock, initial_stock) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET name = excluded.name, weight = excluded.weight,
			   current_stock = excluded.current_stock, initial_stock = excluded.initial_stock`,
			p.ID, p.GameID, p.Name, p.Weight, p.CurrentStock, p.InitialStock,
		); err != nil {
			return fmt.Errorf("upsert prize %d: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) FindGame(ctx context.Context, gameID int64) (*models.Game, error) {
	var g models.Game
	err := s.read.QueryRowContext(ctx, `SELECT id, name, win_rate FROM games WHERE id = ?`, gameID).
		Scan(&g.ID, &g.Name, &g.WinRate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("find game %d: %w", gameID, err)
	}
	return &g, nil
}

// Prizes returns every prize of the game ordered by id.
func (s *Store) Prizes(ctx context.Context, gameID int64) ([]*models.Prize, error) {
	return queryPrizes(ctx, s.read, `SELECT id, game_id, name, weight, current_stock, initial_stock
		FROM prizes WHERE game_id = ? ORDER BY id`, gameID)
}

func (s *Store) CountInStock(ctx context.Context, gameID int64) (int64, error) {
	var n int64
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prizes WHERE game_id = ? AND current_stock > 0`, gameID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count in stock: %w", err)
	}
	return n, nil
}

// WithLockedStock holds the game lock while fn decides on a fresh snapshot
// of the in-stock prizes, then commits the staged writes.
func (s *Store) WithLockedStock(ctx context.Context, gameID int64, fn storage.LockedStockFunc) error {
	lock := s.gameLock(gameID)
	if ctx.Err() != nil {
		return storage.ErrLockTimeout
	}
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return storage.ErrLockTimeout
	}
	defer func() { <-lock }()

	locked, err := queryPrizes(ctx, s.read, `SELECT id, game_id, name, weight, current_stock, initial_stock
		FROM prizes WHERE game_id = ? AND current_stock > 0 ORDER BY id`, gameID)
	if err != nil {
		return fmt.Errorf("read stock: %w", lockErr(err))
	}

	tx := &stockTx{store: s, gameID: gameID, read: make(map[int64]int, len(locked))}
	for _, p := range locked {
		tx.read[p.ID] = p.CurrentStock
	}
	if err := fn(locked, tx); err != nil {
		return err
	}
	if err := s.commit(ctx, tx); err != nil {
		return fmt.Errorf("commit draw: %w", lockErr(err))
	}
	return nil
}

func (s *Store) gameLock(gameID int64) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[gameID]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[gameID] = lock
	}
	return lock
}

// commit applies the staged prizes and events. Each prize update only
// matches while the row still holds the stock read under the lock.
func (s *Store) commit(ctx context.Context, stx *stockTx) error {
	if len(stx.prizes) == 0 && len(stx.events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range stx.prizes {
		res, err := tx.ExecContext(ctx,
			`UPDATE prizes SET name = ?, weight = ?, current_stock = ?
			 WHERE id = ? AND game_id = ? AND current_stock = ?`,
			p.Name, p.Weight, p.CurrentStock, p.ID, stx.gameID, stx.read[p.ID],
		)
		if err != nil {
			return fmt.Errorf("update prize %d: %w", p.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return fmt.Errorf("prize %d: stock changed outside the game lock", p.ID)
		}
	}
	for _, ev := range stx.events {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func queryPrizes(ctx context.Context, q querier, query string, args ...any) ([]*models.Prize, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Prize
	for rows.Next() {
		var p models.Prize
		if err := rows.Scan(&p.ID, &p.GameID, &p.Name, &p.Weight, &p.CurrentStock, &p.InitialStock); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *Store) NewEvent(userID string, gameID int64) *models.DrawEvent {
	return storage.NewDrawEvent(userID, gameID, s.now())
}

func (s *Store) AppendEvent(ctx context.Context, ev *models.DrawEvent) error {
	return insertEvent(ctx, s.db, ev)
}

func insertEvent(ctx context.Context, q querier, ev *models.DrawEvent) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO draw_events (id, user_id, game_id, prize_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.GameID, ev.PrizeID, ev.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert draw event: %w", err)
	}
	return nil
}

func (s *Store) LastDrawEvent(ctx context.Context, userID string, gameID int64) (*models.DrawEvent, error) {
	return lastEvent(ctx, s.read, userID, gameID)
}

const eventColumns = `e.id, e.user_id, e.game_id, e.prize_id, e.created_at,
	p.id, p.game_id, p.name, p.weight, p.current_stock, p.initial_stock`

func lastEvent(ctx context.Context, q querier, userID string, gameID int64) (*models.DrawEvent, error) {
	events, err := queryEvents(ctx, q, `SELECT `+eventColumns+`
		FROM draw_events e LEFT JOIN prizes p ON p.id = e.prize_id
		WHERE e.user_id = ? AND e.game_id = ?
		ORDER BY e.created_at DESC, e.rowid DESC LIMIT 1`, userID, gameID)
	if err != nil {
		return nil, fmt.Errorf("last draw event: %w", err)
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

func (s *Store) ListDrawEvents(ctx context.Context, filter models.DrawFilter) ([]*models.DrawEvent, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "e.user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.GameID != 0 {
		where = append(where, "e.game_id = ?")
		args = append(args, filter.GameID)
	}

	query := `SELECT ` + eventColumns + ` FROM draw_events e LEFT JOIN prizes p ON p.id = e.prize_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY e.created_at DESC, e.rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return queryEvents(ctx, s.read, query, args...)
}

func queryEvents(ctx context.Context, q querier, query string, args ...any) ([]*models.DrawEvent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.DrawEvent
	for rows.Next() {
		var (
			ev        models.DrawEvent
			prizeID   sql.NullInt64
			createdAt int64
			pID       sql.NullInt64
			pGameID   sql.NullInt64
			pName     sql.NullString
			pWeight   sql.NullFloat64
			pStock    sql.NullInt64
			pInitial  sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.GameID, &prizeID, &createdAt,
			&pID, &pGameID, &pName, &pWeight, &pStock, &pInitial); err != nil {
			return nil, err
		}
		ev.CreatedAt = time.Unix(0, createdAt).UTC()
		if prizeID.Valid {
			id := prizeID.Int64
			ev.PrizeID = &id
		}
		if pID.Valid {
			ev.Prize = &models.Prize{
				ID:           pID.Int64,
				GameID:       pGameID.Int64,
				Name:         pName.String,
				Weight:       pWeight.Float64,
				CurrentStock: int(pStock.Int64),
				InitialStock: int(pInitial.Int64),
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return errors.Join(s.read.Close(), s.db.Close())
}

// stockTx stages writes of a locked scope until commit.
type stockTx struct {
	store  *Store
	gameID int64
	read   map[int64]int // Key: prizeID, stock when the scope began
	prizes []*models.Prize
	events []*models.DrawEvent
}

func (t *stockTx) SavePrize(_ context.Context, prize *models.Prize) error {
	if prize.CurrentStock < 0 {
		return fmt.Errorf("save prize %d: negative stock %d", prize.ID, prize.CurrentStock)
	}
	if _, ok := t.read[prize.ID]; !ok {
		return fmt.Errorf("save prize %d: not an in-stock prize of game %d", prize.ID, t.gameID)
	}
	c := *prize
	for i, staged := range t.prizes {
		if staged.ID == c.ID {
			t.prizes[i] = &c
			return nil
		}
	}
	t.prizes = append(t.prizes, &c)
	return nil
}

func (t *stockTx) AppendEvent(_ context.Context, ev *models.DrawEvent) error {
	c := *ev
	t.events = append(t.events, &c)
	return nil
}

func (t *stockTx) LastDrawEvent(ctx context.Context, userID string, gameID int64) (*models.DrawEvent, error) {
	for i := len(t.events) - 1; i >= 0; i-- {
		if ev := t.events[i]; ev.UserID == userID && ev.GameID == gameID {
			c := *ev
			return &c, nil
		}
	}
	return t.store.LastDrawEvent(ctx, userID, gameID)
}

var _ storage.Store = (*Store)(nil)

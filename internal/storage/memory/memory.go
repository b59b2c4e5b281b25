// Package memory is a single-node storage backend. Stock mutual exclusion
// is a per-game lock held for the duration of WithLockedStock.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"giveaway/internal/models"
	"giveaway/internal/storage"
)

// gameState holds one game's prizes and the lock guarding their stock.
type gameState struct {
	game   models.Game
	prizes []*models.Prize
	// lock is a one-slot semaphore so acquisition can give up on ctx.Done.
	lock chan struct{}
}

// Store keeps games, prizes and draw events in process memory.
type Store struct {
	mu          sync.RWMutex
	games       map[int64]*gameState // Key: gameID
	events      []*models.DrawEvent
	lastByUser  map[string]*models.DrawEvent // Key: userID/gameID
	nextPrizeID int64
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		games:      make(map[int64]*gameState),
		lastByUser: make(map[string]*models.DrawEvent),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func userGameKey(userID string, gameID int64) string {
	return fmt.Sprintf("%s/%d", userID, gameID)
}

func copyPrize(p *models.Prize) *models.Prize {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

func copyEvent(ev *models.DrawEvent) *models.DrawEvent {
	c := *ev
	if ev.PrizeID != nil {
		id := *ev.PrizeID
		c.PrizeID = &id
	}
	c.Prize = copyPrize(ev.Prize)
	return &c
}

// SeedGame creates or replaces a game and upserts its prizes by id.
// Prizes with a zero id get a fresh one. An id already used by another game
// is rejected with storage.ErrPrizeConflict.
func (s *Store) SeedGame(_ context.Context, game *models.Game, prizes []*models.Prize) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range prizes {
		if p.ID == 0 {
			continue
		}
		for id, other := range s.games {
			if id == game.ID {
				continue
			}
			for _, existing := range other.prizes {
				if existing.ID == p.ID {
					return fmt.Errorf("prize %d of game %d: %w", p.ID, id, storage.ErrPrizeConflict)
				}
			}
		}
	}

	st, exists := s.games[game.ID]
	if !exists {
		st = &gameState{lock: make(chan struct{}, 1)}
		s.games[game.ID] = st
	}
	st.game = *game

	for _, p := range prizes {
		p.GameID = game.ID
		if p.ID == 0 {
			s.nextPrizeID++
			p.ID = s.nextPrizeID
		} else if p.ID > s.nextPrizeID {
			s.nextPrizeID = p.ID
		}
		replaced := false
		for i, existing := range st.prizes {
			if existing.ID == p.ID {
				st.prizes[i] = copyPrize(p)
				replaced = true
				break
			}
		}
		if !replaced {
			st.prizes = append(st.prizes, copyPrize(p))
		}
	}
	return nil
}

// FindGame returns a copy of the game.
func (s *Store) FindGame(_ context.Context, gameID int64) (*models.Game, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.games[gameID]
	if !exists {
		return nil, storage.ErrNotFound
	}
	g := st.game
	return &g, nil
}

// Prizes returns copies of every prize of the game, in seed order.
func (s *Store) Prizes(gameID int64) []*models.Prize {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.games[gameID]
	if !exists {
		return nil
	}
	out := make([]*models.Prize, 0, len(st.prizes))
	for _, p := range st.prizes {
		out = append(out, copyPrize(p))
	}
	return out
}

// CountInStock counts prizes with stock left without taking the game lock.
func (s *Store) CountInStock(_ context.Context, gameID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, exists := s.games[gameID]
	if !exists {
		return 0, nil
	}
	var n int64
	for _, p := range st.prizes {
		if p.CurrentStock > 0 {
			n++
		}
	}
	return n, nil
}

// WithLockedStock takes the game lock, hands fn a snapshot of the in-stock
// prizes and applies the staged writes only when fn succeeds.
func (s *Store) WithLockedStock(ctx context.Context, gameID int64, fn storage.LockedStockFunc) error {
	s.mu.RLock()
	st, exists := s.games[gameID]
	s.mu.RUnlock()
	if !exists {
		return storage.ErrNotFound
	}

	if ctx.Err() != nil {
		return storage.ErrLockTimeout
	}
	select {
	case st.lock <- struct{}{}:
	case <-ctx.Done():
		return storage.ErrLockTimeout
	}
	defer func() { <-st.lock }()

	s.mu.RLock()
	locked := make([]*models.Prize, 0, len(st.prizes))
	for _, p := range st.prizes {
		if p.CurrentStock > 0 {
			locked = append(locked, copyPrize(p))
		}
	}
	s.mu.RUnlock()

	tx := &stockTx{store: s, prizes: make(map[int64]*models.Prize)}
	if err := fn(locked, tx); err != nil {
		return err
	}
	s.commit(st, tx)
	return nil
}

func (s *Store) commit(st *gameState, tx *stockTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range st.prizes {
		if staged, ok := tx.prizes[p.ID]; ok {
			st.prizes[i] = staged
		}
	}
	for _, ev := range tx.events {
		s.appendLocked(ev)
	}
}

func (s *Store) appendLocked(ev *models.DrawEvent) {
	s.events = append(s.events, ev)
	key := userGameKey(ev.UserID, ev.GameID)
	if last, ok := s.lastByUser[key]; !ok || !ev.CreatedAt.Before(last.CreatedAt) {
		s.lastByUser[key] = ev
	}
}

// NewEvent builds an unsaved draw event stamped with the store clock.
func (s *Store) NewEvent(userID string, gameID int64) *models.DrawEvent {
	return storage.NewDrawEvent(userID, gameID, s.now())
}

// AppendEvent records an event outside any stock lock.
func (s *Store) AppendEvent(_ context.Context, ev *models.DrawEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(copyEvent(ev))
	return nil
}

// LastDrawEvent returns the user's most recent event in the game.
func (s *Store) LastDrawEvent(_ context.Context, userID string, gameID int64) (*models.DrawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last, ok := s.lastByUser[userGameKey(userID, gameID)]
	if !ok {
		return nil, nil
	}
	return copyEvent(last), nil
}

// ListDrawEvents returns matching events, newest first.
func (s *Store) ListDrawEvents(_ context.Context, filter models.DrawFilter) ([]*models.DrawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.DrawEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if !filter.Match(ev) {
			continue
		}
		out = append(out, copyEvent(ev))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// stockTx stages writes until the locked scope commits.
type stockTx struct {
	store  *Store
	prizes map[int64]*models.Prize
	events []*models.DrawEvent
}

func (tx *stockTx) SavePrize(_ context.Context, prize *models.Prize) error {
	if prize.CurrentStock < 0 {
		return fmt.Errorf("save prize %d: negative stock %d", prize.ID, prize.CurrentStock)
	}
	tx.prizes[prize.ID] = copyPrize(prize)
	return nil
}

func (tx *stockTx) AppendEvent(_ context.Context, ev *models.DrawEvent) error {
	tx.events = append(tx.events, copyEvent(ev))
	return nil
}

func (tx *stockTx) LastDrawEvent(ctx context.Context, userID string, gameID int64) (*models.DrawEvent, error) {
	for i := len(tx.events) - 1; i >= 0; i-- {
		if ev := tx.events[i]; ev.UserID == userID && ev.GameID == gameID {
			return copyEvent(ev), nil
		}
	}
	return tx.store.LastDrawEvent(ctx, userID, gameID)
}

var _ storage.Store = (*Store)(nil)

package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"giveaway/internal/models"
	"giveaway/internal/storage"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := New()
	err := s.SeedGame(context.Background(), &models.Game{ID: 1, WinRate: 0.5}, []*models.Prize{
		{Name: "pen", Weight: 1, CurrentStock: 2, InitialStock: 2},
		{Name: "hat", Weight: 1, CurrentStock: 0, InitialStock: 1},
	})
	if err != nil {
		t.Fatalf("Failed to seed: %v", err)
	}
	return s
}

func TestStore_SeedAndLookup(t *testing.T) {
	s := seeded(t)

	g, err := s.FindGame(context.Background(), 1)
	if err != nil || g.WinRate != 0.5 {
		t.Fatalf("Expected game 1, but got %+v, %v", g, err)
	}
	if _, err := s.FindGame(context.Background(), 2); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, but got %v", err)
	}

	prizes := s.Prizes(1)
	if len(prizes) != 2 || prizes[0].ID != 1 || prizes[1].ID != 2 {
		t.Fatalf("Expected prizes with ids 1 and 2, but got %+v", prizes)
	}
	n, _ := s.CountInStock(context.Background(), 1)
	if n != 1 {
		t.Errorf("Expected 1 prize in stock, but got %d", n)
	}
}

func TestStore_SeedRejectsPrizeOfAnotherGame(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	err := s.SeedGame(ctx, &models.Game{ID: 2}, []*models.Prize{
		{ID: 1, Name: "stolen pen", Weight: 1, CurrentStock: 5, InitialStock: 5},
	})
	if !errors.Is(err, storage.ErrPrizeConflict) {
		t.Fatalf("Expected ErrPrizeConflict, but got %v", err)
	}
	if _, err := s.FindGame(ctx, 2); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected the rejected game to stay unseeded, but got %v", err)
	}
	if prizes := s.Prizes(1); prizes[0].Name != "pen" || prizes[0].CurrentStock != 2 {
		t.Errorf("Expected game 1's pen untouched, but got %+v", prizes[0])
	}
}

func TestStore_WithLockedStock_Commit(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()

	err := s.WithLockedStock(ctx, 1, func(locked []*models.Prize, tx storage.StockTx) error {
		if len(locked) != 1 || locked[0].Name != "pen" {
			t.Fatalf("Expected only the pen to be locked, but got %+v", locked)
		}
		locked[0].CurrentStock--
		if err := tx.SavePrize(ctx, locked[0]); err != nil {
			return err
		}
		ev := s.NewEvent("alice", 1)
		ev.PrizeID = &locked[0].ID
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}
		last, err := tx.LastDrawEvent(ctx, "alice", 1)
		if err != nil || last == nil || last.ID != ev.ID {
			t.Errorf("Expected staged event to be visible inside the scope, but got %v, %v", last, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}

	if got := s.Prizes(1)[0].CurrentStock; got != 1 {
		t.Errorf("Expected pen stock 1, but got %d", got)
	}
	last, _ := s.LastDrawEvent(ctx, "alice", 1)
	if last == nil || !last.IsWin() {
		t.Errorf("Expected committed winning event, but got %v", last)
	}
}

func TestStore_WithLockedStock_Rollback(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithLockedStock(ctx, 1, func(locked []*models.Prize, tx storage.StockTx) error {
		locked[0].CurrentStock--
		_ = tx.SavePrize(ctx, locked[0])
		_ = tx.AppendEvent(ctx, s.NewEvent("alice", 1))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, but got %v", err)
	}

	if got := s.Prizes(1)[0].CurrentStock; got != 2 {
		t.Errorf("Expected stock restored to 2, but got %d", got)
	}
	if last, _ := s.LastDrawEvent(ctx, "alice", 1); last != nil {
		t.Errorf("Expected no event after rollback, but got %v", last)
	}
}

func TestStore_SnapshotIsolation(t *testing.T) {
	s := seeded(t)
	_ = s.WithLockedStock(context.Background(), 1, func(locked []*models.Prize, _ storage.StockTx) error {
		locked[0].CurrentStock = 99
		return nil
	})
	if got := s.Prizes(1)[0].CurrentStock; got != 2 {
		t.Errorf("Expected unsaved mutation to be ignored, but stock is %d", got)
	}
}

func TestStore_NegativeStockRejected(t *testing.T) {
	s := seeded(t)
	err := s.WithLockedStock(context.Background(), 1, func(locked []*models.Prize, tx storage.StockTx) error {
		locked[0].CurrentStock = -1
		return tx.SavePrize(context.Background(), locked[0])
	})
	if err == nil {
		t.Fatal("Expected negative stock to be rejected")
	}
	if got := s.Prizes(1)[0].CurrentStock; got != 2 {
		t.Errorf("Expected stock 2, but got %d", got)
	}
}

func TestStore_LockSerializesPerGame(t *testing.T) {
	s := seeded(t)
	if err := s.SeedGame(context.Background(), &models.Game{ID: 2}, []*models.Prize{{Weight: 1, CurrentStock: 1}}); err != nil {
		t.Fatalf("Failed to seed: %v", err)
	}

	held := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.WithLockedStock(context.Background(), 1, func([]*models.Prize, storage.StockTx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WithLockedStock(ctx, 1, func([]*models.Prize, storage.StockTx) error { return nil })
	if !errors.Is(err, storage.ErrLockTimeout) {
		t.Errorf("Expected ErrLockTimeout on the same game, but got %v", err)
	}

	if err := s.WithLockedStock(context.Background(), 2, func([]*models.Prize, storage.StockTx) error { return nil }); err != nil {
		t.Errorf("Expected another game not to block, but got %v", err)
	}

	close(release)
	wg.Wait()
}

func TestStore_ListDrawEvents(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { now = now.Add(time.Second); return now }))
	ctx := context.Background()
	for _, user := range []string{"alice", "bob", "alice"} {
		if err := s.AppendEvent(ctx, s.NewEvent(user, 1)); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	evs, _ := s.ListDrawEvents(ctx, models.DrawFilter{UserID: "alice"})
	if len(evs) != 2 || !evs[0].CreatedAt.After(evs[1].CreatedAt) {
		t.Errorf("Expected alice's 2 events newest first, but got %v", evs)
	}
	evs, _ = s.ListDrawEvents(ctx, models.DrawFilter{Limit: 1})
	if len(evs) != 1 || evs[0].UserID != "alice" {
		t.Errorf("Expected the single newest event, but got %v", evs)
	}
}

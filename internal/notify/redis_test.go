package notify

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"giveaway/internal/models"
)

func winningEvent() *models.DrawEvent {
	prizeID := int64(3)
	return &models.DrawEvent{
		ID:        "ev-1",
		UserID:    "alice",
		GameID:    9,
		PrizeID:   &prizeID,
		Prize:     &models.Prize{ID: 3, Name: "scooter"},
		CreatedAt: time.UnixMilli(1767225600000).UTC(),
	}
}

func TestNewWinData(t *testing.T) {
	data, err := NewWinData(winningEvent())
	if err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	want := WinData{EventID: "ev-1", UserID: "alice", GameID: 9, PrizeID: 3, PrizeName: "scooter", Timestamp: 1767225600000}
	if data != want {
		t.Errorf("Expected %+v, but got %+v", want, data)
	}

	if _, err := NewWinData(&models.DrawEvent{ID: "ev-2"}); err == nil {
		t.Error("Expected an error for a losing event")
	}
}

func TestKeys(t *testing.T) {
	if got := WinKey(9, "ev-1"); got != "giveaway:win:9:ev-1" {
		t.Errorf("Unexpected win key %q", got)
	}
	if got := WinChannel(9); got != "giveaway:wins:9" {
		t.Errorf("Unexpected win channel %q", got)
	}
}

func TestRedisPublisher_PublishWin(t *testing.T) {
	addr := os.Getenv("GIVEAWAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GIVEAWAY_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := Connect(ctx, addr, "")
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	sub := client.Subscribe(ctx, WinChannel(9))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}

	ev := winningEvent()
	if err := NewRedisPublisher(client, time.Minute).PublishWin(ctx, ev); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}

	stored, err := client.Get(ctx, WinKey(9, ev.ID)).Result()
	if err != nil {
		t.Fatalf("Expected stored win, but got %v", err)
	}
	var data WinData
	if err := json.Unmarshal([]byte(stored), &data); err != nil || data.PrizeName != "scooter" {
		t.Errorf("Unexpected stored payload %q: %v", stored, err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Payload != stored {
			t.Errorf("Expected published payload to match stored one, got %q", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Error("Expected a published win")
	}
}

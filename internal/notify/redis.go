// Package notify announces committed wins on Redis for live win feeds.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"giveaway/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/logger"
)

// DefaultWinTTL is how long a win stays readable under its key.
const DefaultWinTTL = time.Minute

// WinData is the payload stored and published for a single win.
type WinData struct {
	EventID   string `json:"eventId"`
	UserID    string `json:"userId"`
	GameID    int64  `json:"gameId"`
	PrizeID   int64  `json:"prizeId"`
	PrizeName string `json:"prizeName"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// NewWinData builds the payload of a winning event.
func NewWinData(ev *models.DrawEvent) (WinData, error) {
	if !ev.IsWin() {
		return WinData{}, fmt.Errorf("event %s is not a win", ev.ID)
	}
	data := WinData{
		EventID:   ev.ID,
		UserID:    ev.UserID,
		GameID:    ev.GameID,
		PrizeID:   *ev.PrizeID,
		Timestamp: ev.CreatedAt.UnixMilli(),
	}
	if ev.Prize != nil {
		data.PrizeName = ev.Prize.Name
	}
	return data, nil
}

// WinKey is the key a win is stored under.
func WinKey(gameID int64, eventID string) string {
	return fmt.Sprintf("giveaway:win:%d:%s", gameID, eventID)
}

// WinChannel is the pub/sub channel carrying a game's wins.
func WinChannel(gameID int64) string {
	return fmt.Sprintf("giveaway:wins:%d", gameID)
}

// RedisPublisher stores each win under a short-lived key and publishes it on
// the game's channel.
type RedisPublisher struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect opens a Redis client and checks it with PING.
func Connect(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	logger.Infof("Connected to Redis at %s", addr)
	return client, nil
}

// NewRedisPublisher creates a RedisPublisher; ttl <= 0 uses DefaultWinTTL.
func NewRedisPublisher(client *redis.Client, ttl time.Duration) *RedisPublisher {
	if ttl <= 0 {
		ttl = DefaultWinTTL
	}
	return &RedisPublisher{client: client, ttl: ttl}
}

// PublishWin stores and publishes a winning event.
func (p *RedisPublisher) PublishWin(ctx context.Context, ev *models.DrawEvent) error {
	data, err := NewWinData(ev)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal win: %w", err)
	}

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, WinKey(ev.GameID, ev.ID), payload, p.ttl)
	pipe.Publish(ctx, WinChannel(ev.GameID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish win %s: %w", ev.ID, err)
	}
	return nil
}

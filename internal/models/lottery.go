package models

import (
	"encoding/json"
	"slices"
	"time"
)

// Roles understood by the authorization gate. Admins bypass the draw cooldown
// and may read any draw history.
const (
	RoleAdmin  = "admin"
	RolePlayer = "player"
)

// Game is a prize pool with a configured win rate.
// WinRate is the probability in [0,1] that a single draw wins.
type Game struct {
	ID      int64   `gorm:"primaryKey" json:"id"`
	Name    string  `json:"name"`
	WinRate float64 `json:"winRate"`
}

// Prize belongs to exactly one game.
// Weight is the relative selection likelihood, CurrentStock the units still
// available and InitialStock the stock the prize was created with.
type Prize struct {
	ID           int64   `gorm:"primaryKey" json:"id"`
	GameID       int64   `gorm:"index:idx_prize_game_stock" json:"gameId"`
	Name         string  `json:"name"`
	Weight       float64 `json:"weight"`
	CurrentStock int     `gorm:"index:idx_prize_game_stock" json:"currentStock"`
	InitialStock int     `json:"initialStock"`
}

// DrawEvent records the outcome of a single draw attempt.
// A nil PrizeID means the draw lost.
type DrawEvent struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"index:idx_draw_user_game;size:64" json:"userId"`
	GameID    int64     `gorm:"index:idx_draw_user_game" json:"gameId"`
	PrizeID   *int64    `json:"prizeId"`
	Prize     *Prize    `gorm:"foreignKey:PrizeID;constraint:OnDelete:RESTRICT;" json:"prize"`
	CreatedAt time.Time `gorm:"index:idx_draw_user_game" json:"createdAt"`
}

// IsWin reports whether the draw awarded a prize.
func (e *DrawEvent) IsWin() bool {
	return e.PrizeID != nil
}

// MarshalJSON adds the derived isWin field.
func (e DrawEvent) MarshalJSON() ([]byte, error) {
	type plain DrawEvent
	return json.Marshal(struct {
		plain
		IsWin bool `json:"isWin"`
	}{plain: plain(e), IsWin: e.IsWin()})
}

// Subject is the authenticated caller of a draw. The engine treats UserID as
// an opaque identity.
type Subject struct {
	UserID string   `json:"userId"`
	Roles  []string `json:"roles"`
}

// HasRole reports whether the subject carries role.
func (s Subject) HasRole(role string) bool {
	return slices.Contains(s.Roles, role)
}

// IsAdmin reports whether the subject is an administrator.
func (s Subject) IsAdmin() bool {
	return s.HasRole(RoleAdmin)
}

// DrawFilter narrows a draw history query. Zero values match everything;
// Limit <= 0 means no limit.
type DrawFilter struct {
	UserID string
	GameID int64
	Limit  int
}

// Match reports whether ev satisfies the user and game constraints of the filter.
func (f DrawFilter) Match(ev *DrawEvent) bool {
	if f.UserID != "" && ev.UserID != f.UserID {
		return false
	}
	if f.GameID != 0 && ev.GameID != f.GameID {
		return false
	}
	return true
}

package model

import (
	"math"
	"time"
)

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type EventType string

const (
	EventSports    EventType = "sports"
	EventPolitics  EventType = "politics"
	EventEconomics EventType = "economics"
	EventOther     EventType = "other"
)

func ValidEventType(t EventType) bool {
	switch t {
	case EventSports, EventPolitics, EventEconomics, EventOther:
		return true
	}
	return false
}

type EventStatus string

const (
	EventUpcoming  EventStatus = "upcoming"
	EventLive      EventStatus = "live"
	EventCompleted EventStatus = "completed"
	EventCancelled EventStatus = "cancelled"
)

type WagerStatus string

const (
	WagerPending   WagerStatus = "pending"
	WagerSettled   WagerStatus = "settled"
	WagerCancelled WagerStatus = "cancelled"
)

// ── Domain Objects ───────────────────────────────────

type Account struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	BalanceCents int64     `json:"balance_cents"`
	CreatedAt    time.Time `json:"created_at"`
}

// OddsEntry is one snapshot in an event's odds history. Entries are
// append-only while the event is live and never mutated afterwards.
type OddsEntry struct {
	Option    string    `json:"option"`
	Value     float64   `json:"value"` // multiplier, >= 1.0
	Timestamp time.Time `json:"timestamp"`
}

type Event struct {
	ID        string      `json:"id"`
	Title     string      `json:"title"`
	Type      EventType   `json:"type"`
	Status    EventStatus `json:"status"`
	StartTime time.Time   `json:"start_time"`
	EndTime   *time.Time  `json:"end_time,omitempty"`
	Odds      []OddsEntry `json:"odds"`
	Result    *string     `json:"result,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

type Wager struct {
	ID              string      `json:"id"`
	AccountID       string      `json:"account_id"`
	EventID         string      `json:"event_id"`
	AmountCents     int64       `json:"amount_cents"`
	SelectedOption  string      `json:"selected_option"`
	OddsAtPlacement float64     `json:"odds_at_placement"` // pinned at creation, never re-read
	Status          WagerStatus `json:"status"`
	Result          *string     `json:"result,omitempty"`
	SettledCents    *int64      `json:"settled_cents,omitempty"`
	SettledAt       *time.Time  `json:"settled_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// PotentialWinnings is the payout this wager earns if its option wins.
func (w Wager) PotentialWinnings() int64 {
	return Payout(w.AmountCents, w.OddsAtPlacement)
}

// Payout converts a stake and a pinned odds multiplier into a credit,
// rounded to the nearest cent.
func Payout(amountCents int64, odds float64) int64 {
	return int64(math.Round(float64(amountCents) * odds))
}

// ── API Types ────────────────────────────────────────

type PlaceWagerReq struct {
	EventID        string `json:"event_id"`
	AmountCents    int64  `json:"amount_cents"`
	SelectedOption string `json:"selected_option"`
}

type OddsUpdateReq struct {
	Option string  `json:"option"`
	Value  float64 `json:"value"`
}

type WagerStats struct {
	TotalWagers   int   `json:"total_wagers"`
	TotalStaked   int64 `json:"total_staked_cents"`
	TotalSettled  int64 `json:"total_settled_cents"`
	PendingWagers int   `json:"pending_wagers"`
}

type EventStats struct {
	EventID      string                `json:"event_id"`
	ByStatus     map[WagerStatus]int   `json:"by_status"`
	StakedCents  map[WagerStatus]int64 `json:"staked_cents"`
	SettledCents int64                 `json:"settled_cents"`
}

// SettleReport summarizes one settlement sweep over an event.
type SettleReport struct {
	EventID string `json:"event_id"`
	Settled int    `json:"settled"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
}

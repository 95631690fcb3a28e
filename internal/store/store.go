// Package store implements the persistence contract of the core: per-record
// CRUD plus the atomic primitives (conditional balance adjust, status
// compare-and-swap) that the ledger, registry and settlement components build
// their serialization guarantees on.
package store

import (
	"context"
	"time"

	"odds-market/internal/model"
)

// EventFilter narrows ListEvents. Zero values mean "any".
type EventFilter struct {
	Type       model.EventType
	Status     model.EventStatus
	StartAfter *time.Time
}

// Store is the durable-storage boundary. Implementations must make
// AdjustBalance and the wager/event status transitions atomic: concurrent
// calls on the same account, event or wager behave as if serialized.
type Store interface {
	// Accounts
	CreateAccount(ctx context.Context, a *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*model.Account, error)
	ListAccounts(ctx context.Context) ([]model.Account, error)
	// AdjustBalance applies balance += delta and returns the new balance.
	// Fails with model.ErrInsufficientFunds, making no change, if the result
	// would be negative. The read-check-write is one critical section per
	// account.
	AdjustBalance(ctx context.Context, accountID string, deltaCents int64) (int64, error)

	// Events
	CreateEvent(ctx context.Context, e *model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error)
	// ListLiveEvents returns live events ordered by start time descending.
	ListLiveEvents(ctx context.Context) ([]model.Event, error)
	// UpdateEventStatus swaps status from→to, recording result and endTime
	// (completed only). Returns false, without change, when the current
	// status is not `from`.
	UpdateEventStatus(ctx context.Context, id string, from, to model.EventStatus, result *string, endTime *time.Time) (bool, error)
	// AppendOdds appends entries to the event's odds history. Fails with
	// model.ErrInvalidStateTransition unless the event is live; the status
	// check and the append are one atomic unit.
	AppendOdds(ctx context.Context, eventID string, entries []model.OddsEntry) error

	// Wagers
	CreateWager(ctx context.Context, w *model.Wager) error
	GetWager(ctx context.Context, id string) (*model.Wager, error)
	ListAccountWagers(ctx context.Context, accountID string, status model.WagerStatus) ([]model.Wager, error)
	ListEventWagers(ctx context.Context, eventID string, status model.WagerStatus) ([]model.Wager, error)
	// SettleWager flips pending→settled, setting result, settled amount and
	// settled time together. Returns false when the wager is no longer
	// pending (settled or cancelled concurrently).
	SettleWager(ctx context.Context, id string, result string, settledCents int64, settledAt time.Time) (bool, error)
	// ReopenWager reverts from→pending, clearing the settlement fields.
	// Compensation path for a settle or cancel whose balance credit failed.
	ReopenWager(ctx context.Context, id string, from model.WagerStatus) error
	// CancelWager flips pending→cancelled. Returns false when the wager is
	// no longer pending.
	CancelWager(ctx context.Context, id string) (bool, error)
}

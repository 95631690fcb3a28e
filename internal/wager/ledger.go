// Package wager owns wager records: placement against the latest odds
// snapshot, cancellation with refund, and per-account/per-event views.
// Placement debits and wager creation form one atomic unit: a debit whose
// wager cannot be persisted is credited back before the error returns.
package wager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"odds-market/internal/ledger"
	"odds-market/internal/market"
	"odds-market/internal/metrics"
	"odds-market/internal/model"
	"odds-market/internal/store"
)

type Ledger struct {
	store    store.Store
	balances *ledger.Ledger
	log      *zap.Logger
	now      func() time.Time
}

func New(s store.Store, balances *ledger.Ledger, log *zap.Logger) *Ledger {
	return &Ledger{store: s, balances: balances, log: log, now: time.Now}
}

// Place creates a pending wager on a live event, pinning the latest odds for
// the selected option. The stake debit and the wager record are one atomic
// unit: no wager without a debit, no debit without a wager.
func (l *Ledger) Place(ctx context.Context, accountID, eventID string, amountCents int64, option string) (*model.Wager, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("stake must be positive, got %d", amountCents)
	}

	e, err := l.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if e.Status != model.EventLive {
		metrics.WagersRejected.WithLabelValues("event_not_live").Inc()
		return nil, fmt.Errorf("event is %s, wagers require live: %w", e.Status, model.ErrInvalidStateTransition)
	}

	odds, err := market.LatestOdds(e, option)
	if err != nil {
		metrics.WagersRejected.WithLabelValues("invalid_option").Inc()
		return nil, err
	}

	if _, err := l.balances.Adjust(ctx, accountID, -amountCents); err != nil {
		if errors.Is(err, model.ErrInsufficientFunds) {
			metrics.WagersRejected.WithLabelValues("insufficient_funds").Inc()
		}
		return nil, err
	}

	w := &model.Wager{
		ID:              uuid.New().String(),
		AccountID:       accountID,
		EventID:         eventID,
		AmountCents:     amountCents,
		SelectedOption:  option,
		OddsAtPlacement: odds.Value,
		Status:          model.WagerPending,
		CreatedAt:       l.now(),
	}
	if err := l.store.CreateWager(ctx, w); err != nil {
		// Compensate the debit before surfacing the failure.
		if _, cerr := l.balances.Adjust(ctx, accountID, amountCents); cerr != nil {
			l.log.Error("debit compensation failed after wager persist error",
				zap.String("account_id", accountID),
				zap.Int64("amount_cents", amountCents),
				zap.Error(cerr))
		}
		return nil, fmt.Errorf("persist wager: %w", err)
	}

	metrics.WagersPlaced.Inc()
	l.log.Info("wager placed",
		zap.String("wager_id", w.ID),
		zap.String("account_id", accountID),
		zap.String("event_id", eventID),
		zap.Int64("amount_cents", amountCents),
		zap.Float64("odds", odds.Value))
	return w, nil
}

// Cancel refunds a pending wager. Permitted only while the event has not
// started trading outcomes: status upcoming, or live with the start time
// still in the future. The status flip and the refund are one atomic unit.
func (l *Ledger) Cancel(ctx context.Context, wagerID, accountID string) (*model.Wager, error) {
	w, err := l.store.GetWager(ctx, wagerID)
	if err != nil {
		return nil, err
	}
	if w.AccountID != accountID {
		return nil, fmt.Errorf("wager %s: %w", wagerID, model.ErrNotFound)
	}
	if w.Status != model.WagerPending {
		return nil, fmt.Errorf("wager %s is %s: %w", wagerID, w.Status, model.ErrAlreadySettled)
	}

	e, err := l.store.GetEvent(ctx, w.EventID)
	if err != nil {
		return nil, err
	}
	cancellable := e.Status == model.EventUpcoming ||
		(e.Status == model.EventLive && l.now().Before(e.StartTime))
	if !cancellable {
		return nil, fmt.Errorf("event already started: %w", model.ErrInvalidStateTransition)
	}

	ok, err := l.store.CancelWager(ctx, wagerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Settled or cancelled concurrently.
		return nil, fmt.Errorf("wager %s no longer pending: %w", wagerID, model.ErrAlreadySettled)
	}

	if _, err := l.balances.Adjust(ctx, accountID, w.AmountCents); err != nil {
		// Refund failed: put the wager back so a later cancel can retry.
		if rerr := l.store.ReopenWager(ctx, wagerID, model.WagerCancelled); rerr != nil {
			l.log.Error("cancel compensation failed",
				zap.String("wager_id", wagerID), zap.Error(rerr))
		}
		return nil, fmt.Errorf("refund stake: %w", err)
	}

	l.log.Info("wager cancelled",
		zap.String("wager_id", wagerID),
		zap.String("account_id", accountID),
		zap.Int64("refund_cents", w.AmountCents))
	return l.store.GetWager(ctx, wagerID)
}

// Get returns a wager owned by the account.
func (l *Ledger) Get(ctx context.Context, wagerID, accountID string) (*model.Wager, error) {
	w, err := l.store.GetWager(ctx, wagerID)
	if err != nil {
		return nil, err
	}
	if w.AccountID != accountID {
		return nil, fmt.Errorf("wager %s: %w", wagerID, model.ErrNotFound)
	}
	return w, nil
}

// ListByAccount returns the account's wagers, optionally filtered by status,
// newest first.
func (l *Ledger) ListByAccount(ctx context.Context, accountID string, status model.WagerStatus) ([]model.Wager, error) {
	return l.store.ListAccountWagers(ctx, accountID, status)
}

// Stats aggregates an account's wagers.
func (l *Ledger) Stats(ctx context.Context, accountID string) (*model.WagerStats, error) {
	wagers, err := l.store.ListAccountWagers(ctx, accountID, "")
	if err != nil {
		return nil, err
	}
	stats := &model.WagerStats{}
	for _, w := range wagers {
		stats.TotalWagers++
		stats.TotalStaked += w.AmountCents
		if w.Status == model.WagerSettled && w.SettledCents != nil {
			stats.TotalSettled += *w.SettledCents
		}
		if w.Status == model.WagerPending {
			stats.PendingWagers++
		}
	}
	return stats, nil
}

// EventStats aggregates wagers referencing one event, by status.
func (l *Ledger) EventStats(ctx context.Context, eventID string) (*model.EventStats, error) {
	wagers, err := l.store.ListEventWagers(ctx, eventID, "")
	if err != nil {
		return nil, err
	}
	stats := &model.EventStats{
		EventID:     eventID,
		ByStatus:    make(map[model.WagerStatus]int),
		StakedCents: make(map[model.WagerStatus]int64),
	}
	for _, w := range wagers {
		stats.ByStatus[w.Status]++
		stats.StakedCents[w.Status] += w.AmountCents
		if w.Status == model.WagerSettled && w.SettledCents != nil {
			stats.SettledCents += *w.SettledCents
		}
	}
	return stats, nil
}

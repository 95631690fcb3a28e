// Package settle resolves every pending wager of a concluded event into a
// paid or unpaid final state, exactly once per wager. The sweep is
// re-invocable: each wager is claimed with a pending→settled compare-and-swap
// before any money moves, so a second pass settles nothing new.
package settle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"odds-market/internal/ledger"
	"odds-market/internal/metrics"
	"odds-market/internal/model"
	"odds-market/internal/pubsub"
	"odds-market/internal/store"
)

type Engine struct {
	store    store.Store
	balances *ledger.Ledger
	publish  pubsub.PublishFunc
	log      *zap.Logger
	now      func() time.Time
}

func NewEngine(s store.Store, balances *ledger.Ledger, publish pubsub.PublishFunc, log *zap.Logger) *Engine {
	if publish == nil {
		publish = func(string, string, any) {}
	}
	return &Engine{store: s, balances: balances, publish: publish, log: log, now: time.Now}
}

// Settle batch-resolves all pending wagers for a completed event. The event
// must already be completed with result recorded; otherwise ErrNotReady.
// Failures are isolated per wager: a wager whose credit fails stays pending
// for the next sweep and is counted, never re-raised.
func (e *Engine) Settle(ctx context.Context, eventID, result string) (*model.SettleReport, error) {
	ev, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status != model.EventCompleted || ev.Result == nil || *ev.Result != result {
		return nil, fmt.Errorf("event %s is %s with result %v: %w",
			eventID, ev.Status, ev.Result, model.ErrNotReady)
	}

	pending, err := e.store.ListEventWagers(ctx, eventID, model.WagerPending)
	if err != nil {
		return nil, err
	}

	report := &model.SettleReport{EventID: eventID}
	for _, w := range pending {
		switch e.settleOne(ctx, w, result) {
		case outcomeSettled:
			report.Settled++
		case outcomeSkipped:
			report.Skipped++
		case outcomeFailed:
			report.Failed++
		}
	}

	e.log.Info("settlement sweep finished",
		zap.String("event_id", eventID),
		zap.String("result", result),
		zap.Int("settled", report.Settled),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, nil
}

type outcome int

const (
	outcomeSettled outcome = iota
	outcomeSkipped
	outcomeFailed
)

// settleOne claims a single wager and credits its payout. The claim and the
// credit are one atomic unit per wager: a failed credit reopens the claim.
func (e *Engine) settleOne(ctx context.Context, w model.Wager, result string) outcome {
	payout := int64(0)
	label := "lost"
	if w.SelectedOption == result {
		payout = model.Payout(w.AmountCents, w.OddsAtPlacement)
		label = "won"
	}

	settledAt := e.now()
	ok, err := e.store.SettleWager(ctx, w.ID, result, payout, settledAt)
	if err != nil {
		metrics.SettlementFailures.Inc()
		e.log.Error("wager settle claim failed", zap.String("wager_id", w.ID), zap.Error(err))
		return outcomeFailed
	}
	if !ok {
		// Settled or cancelled concurrently; idempotent skip.
		return outcomeSkipped
	}

	if payout > 0 {
		if _, err := e.balances.Adjust(ctx, w.AccountID, payout); err != nil {
			// Leave the wager pending for the next sweep.
			if rerr := e.store.ReopenWager(ctx, w.ID, model.WagerSettled); rerr != nil {
				e.log.Error("settlement compensation failed",
					zap.String("wager_id", w.ID), zap.Error(rerr))
			}
			metrics.SettlementFailures.Inc()
			e.log.Error("payout credit failed",
				zap.String("wager_id", w.ID),
				zap.String("account_id", w.AccountID),
				zap.Int64("payout_cents", payout),
				zap.Error(err))
			return outcomeFailed
		}
	}

	metrics.WagersSettled.WithLabelValues(label).Inc()
	metrics.BroadcastMessages.WithLabelValues("account").Inc()
	e.publish(pubsub.AccountTopic(w.AccountID), "wager_settled", map[string]any{
		"wager_id":      w.ID,
		"event_id":      w.EventID,
		"result":        result,
		"settled_cents": payout,
		"settled_at":    settledAt,
	})
	return outcomeSettled
}

// VoidEvent refunds every pending wager of a cancelled event: stake credited
// back, wager marked cancelled. Same per-wager isolation as Settle.
func (e *Engine) VoidEvent(ctx context.Context, eventID string) (*model.SettleReport, error) {
	ev, err := e.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if ev.Status != model.EventCancelled {
		return nil, fmt.Errorf("event %s is %s, void requires cancelled: %w",
			eventID, ev.Status, model.ErrNotReady)
	}

	pending, err := e.store.ListEventWagers(ctx, eventID, model.WagerPending)
	if err != nil {
		return nil, err
	}

	report := &model.SettleReport{EventID: eventID}
	for _, w := range pending {
		ok, err := e.store.CancelWager(ctx, w.ID)
		if err != nil {
			report.Failed++
			e.log.Error("wager void failed", zap.String("wager_id", w.ID), zap.Error(err))
			continue
		}
		if !ok {
			report.Skipped++
			continue
		}
		if _, err := e.balances.Adjust(ctx, w.AccountID, w.AmountCents); err != nil {
			if rerr := e.store.ReopenWager(ctx, w.ID, model.WagerCancelled); rerr != nil {
				e.log.Error("void compensation failed",
					zap.String("wager_id", w.ID), zap.Error(rerr))
			}
			report.Failed++
			continue
		}
		report.Settled++
		metrics.BroadcastMessages.WithLabelValues("account").Inc()
		e.publish(pubsub.AccountTopic(w.AccountID), "wager_voided", map[string]any{
			"wager_id":     w.ID,
			"event_id":     w.EventID,
			"refund_cents": w.AmountCents,
		})
	}

	e.log.Info("void sweep finished",
		zap.String("event_id", eventID),
		zap.Int("refunded", report.Settled),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, nil
}

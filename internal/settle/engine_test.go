package settle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"odds-market/internal/ledger"
	"odds-market/internal/market"
	"odds-market/internal/model"
	"odds-market/internal/pubsub"
	"odds-market/internal/store"
	"odds-market/internal/wager"
)

type fixture struct {
	store    *store.Memory
	balances *ledger.Ledger
	registry *market.Registry
	wagers   *wager.Ledger
	engine   *Engine

	mu        sync.Mutex
	published []pubsub.Envelope
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := store.NewMemory()
	log := zap.NewNop()
	f := &fixture{store: m}
	f.balances = ledger.New(m, log)
	f.registry = market.NewRegistry(m, log)
	f.wagers = wager.New(m, f.balances, log)
	f.engine = NewEngine(m, f.balances, f.record, log)
	return f
}

func (f *fixture) record(topic, msgType string, data any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, pubsub.Envelope{Topic: topic, Type: msgType, Data: data})
}

func (f *fixture) account(t *testing.T, id string, balance int64) {
	t.Helper()
	err := f.store.CreateAccount(context.Background(), &model.Account{
		ID:           id,
		Username:     "u-" + id,
		Email:        id + "@test.local",
		Role:         model.RoleUser,
		BalanceCents: balance,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
}

func (f *fixture) liveEvent(t *testing.T, odds ...model.OddsEntry) *model.Event {
	t.Helper()
	ctx := context.Background()
	e, err := f.registry.CreateEvent(ctx, "Final", model.EventSports, time.Now().Add(time.Hour), odds)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if _, err := f.registry.Transition(ctx, e.ID, model.EventLive, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	return e
}

func (f *fixture) complete(t *testing.T, eventID, result string) {
	t.Helper()
	if _, err := f.registry.Transition(context.Background(), eventID, model.EventCompleted, &result); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	b, err := f.balances.Balance(context.Background(), accountID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return b
}

func TestSettleWinningWager(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "a1", 100)
	e := f.liveEvent(t,
		model.OddsEntry{Option: "Home", Value: 1.8},
		model.OddsEntry{Option: "Away", Value: 2.5})

	w, err := f.wagers.Place(ctx, "a1", e.ID, 20, "Home")
	if err != nil {
		t.Fatalf("Place: %v", err)
	}
	if got := f.balance(t, "a1"); got != 80 {
		t.Fatalf("balance after place = %d, want 80", got)
	}

	f.complete(t, e.ID, "Home")
	report, err := f.engine.Settle(ctx, e.ID, "Home")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if report.Settled != 1 || report.Skipped != 0 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}

	// 20 * 1.8 = 36 credited.
	if got := f.balance(t, "a1"); got != 116 {
		t.Fatalf("balance after settle = %d, want 116", got)
	}
	settled, _ := f.wagers.Get(ctx, w.ID, "a1")
	if settled.Status != model.WagerSettled {
		t.Fatalf("status = %s, want settled", settled.Status)
	}
	if settled.SettledCents == nil || *settled.SettledCents != 36 {
		t.Fatalf("settled cents = %v, want 36", settled.SettledCents)
	}
	if settled.SettledAt == nil || settled.Result == nil || *settled.Result != "Home" {
		t.Fatalf("settlement fields missing: %+v", settled)
	}

	// Outcome pushed to the account topic.
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) != 1 {
		t.Fatalf("published = %d messages, want 1", len(f.published))
	}
	msg := f.published[0]
	if msg.Topic != pubsub.AccountTopic("a1") || msg.Type != "wager_settled" {
		t.Fatalf("published = %+v", msg)
	}
}

func TestSettleLosingWager(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "a1", 100)
	e := f.liveEvent(t,
		model.OddsEntry{Option: "Home", Value: 1.8},
		model.OddsEntry{Option: "Away", Value: 2.5})

	w, _ := f.wagers.Place(ctx, "a1", e.ID, 20, "Home")
	f.complete(t, e.ID, "Away")

	report, err := f.engine.Settle(ctx, e.ID, "Away")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if report.Settled != 1 {
		t.Fatalf("report = %+v", report)
	}

	// Stake stays spent, nothing credited.
	if got := f.balance(t, "a1"); got != 80 {
		t.Fatalf("balance = %d, want 80", got)
	}
	settled, _ := f.wagers.Get(ctx, w.ID, "a1")
	if settled.SettledCents == nil || *settled.SettledCents != 0 {
		t.Fatalf("settled cents = %v, want 0", settled.SettledCents)
	}
	if settled.Status != model.WagerSettled {
		t.Fatalf("status = %s, want settled", settled.Status)
	}
}

// Running the sweep again settles nothing new and credits nothing twice.
func TestSettleIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "a1", 100)
	f.account(t, "a2", 100)
	f.account(t, "a3", 100)
	e := f.liveEvent(t,
		model.OddsEntry{Option: "Home", Value: 2.0},
		model.OddsEntry{Option: "Away", Value: 2.0})

	f.wagers.Place(ctx, "a1", e.ID, 10, "Home")
	f.wagers.Place(ctx, "a2", e.ID, 10, "Away")
	f.wagers.Place(ctx, "a3", e.ID, 10, "Away")

	f.complete(t, e.ID, "Home")

	first, err := f.engine.Settle(ctx, e.ID, "Home")
	if err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if first.Settled != 3 {
		t.Fatalf("first sweep = %+v, want 3 settled", first)
	}
	if got := f.balance(t, "a1"); got != 110 {
		t.Fatalf("winner balance = %d, want 110", got)
	}

	second, err := f.engine.Settle(ctx, e.ID, "Home")
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if second.Settled != 0 || second.Failed != 0 {
		t.Fatalf("second sweep = %+v, want nothing settled", second)
	}
	if got := f.balance(t, "a1"); got != 110 {
		t.Fatalf("winner balance after re-run = %d, want 110 (no double credit)", got)
	}
}

// A wager claimed by someone else between the list and the CAS is skipped.
func TestSettleSkipsConcurrentlyClaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "a1", 100)
	e := f.liveEvent(t, model.OddsEntry{Option: "Home", Value: 2.0})

	w, _ := f.wagers.Place(ctx, "a1", e.ID, 10, "Home")
	f.complete(t, e.ID, "Home")

	pending, _ := f.store.ListEventWagers(ctx, e.ID, model.WagerPending)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	// Claim it out from under the sweep.
	if ok, _ := f.store.SettleWager(ctx, w.ID, "Home", 20, time.Now()); !ok {
		t.Fatal("manual claim failed")
	}

	report, err := f.engine.Settle(ctx, e.ID, "Home")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if report.Settled != 0 || report.Skipped != 0 || report.Failed != 0 {
		// The sweep re-lists pending wagers, so the claimed one never
		// even enters the loop.
		t.Fatalf("report = %+v, want all zero", report)
	}
}

// One broken wager must not stop the rest of the sweep.
func TestSettleIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "a1", 100)
	e := f.liveEvent(t, model.OddsEntry{Option: "Home", Value: 2.0})

	f.wagers.Place(ctx, "a1", e.ID, 10, "Home")

	// A winning wager whose account does not exist: its credit will fail.
	err := f.store.CreateWager(ctx, &model.Wager{
		ID:              "w-ghost",
		AccountID:       "missing",
		EventID:         e.ID,
		AmountCents:     10,
		SelectedOption:  "Home",
		OddsAtPlacement: 2.0,
		Status:          model.WagerPending,
		CreatedAt:       time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateWager: %v", err)
	}

	f.complete(t, e.ID, "Home")
	report, err := f.engine.Settle(ctx, e.ID, "Home")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if report.Settled != 1 || report.Failed != 1 {
		t.Fatalf("report = %+v, want 1 settled 1 failed", report)
	}
	if got := f.balance(t, "a1"); got != 110 {
		t.Fatalf("healthy wager balance = %d, want 110", got)
	}

	// The failed wager is back to pending for the next sweep.
	ghost, _ := f.store.GetWager(ctx, "w-ghost")
	if ghost.Status != model.WagerPending {
		t.Fatalf("failed wager status = %s, want pending", ghost.Status)
	}
}

func TestSettleRequiresCompletedWithMatchingResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "a1", 100)
	e := f.liveEvent(t, model.OddsEntry{Option: "Home", Value: 2.0})

	// Still live.
	if _, err := f.engine.Settle(ctx, e.ID, "Home"); !errors.Is(err, model.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	f.complete(t, e.ID, "Home")

	// Result mismatch.
	if _, err := f.engine.Settle(ctx, e.ID, "Away"); !errors.Is(err, model.ErrNotReady) {
		t.Fatalf("expected ErrNotReady on result mismatch, got %v", err)
	}

	if _, err := f.engine.Settle(ctx, "missing", "Home"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestVoidEventRefundsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account(t, "a1", 100)
	e := f.liveEvent(t, model.OddsEntry{Option: "Home", Value: 2.0})

	w, _ := f.wagers.Place(ctx, "a1", e.ID, 30, "Home")
	if got := f.balance(t, "a1"); got != 70 {
		t.Fatalf("balance = %d, want 70", got)
	}

	// Void requires a cancelled event.
	if _, err := f.engine.VoidEvent(ctx, e.ID); !errors.Is(err, model.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}

	if _, err := f.registry.Transition(ctx, e.ID, model.EventCancelled, nil); err != nil {
		t.Fatalf("cancel event: %v", err)
	}
	report, err := f.engine.VoidEvent(ctx, e.ID)
	if err != nil {
		t.Fatalf("VoidEvent: %v", err)
	}
	if report.Settled != 1 {
		t.Fatalf("report = %+v, want 1 refunded", report)
	}
	if got := f.balance(t, "a1"); got != 100 {
		t.Fatalf("balance after void = %d, want 100", got)
	}
	voided, _ := f.store.GetWager(ctx, w.ID)
	if voided.Status != model.WagerCancelled {
		t.Fatalf("status = %s, want cancelled", voided.Status)
	}

	// Re-running the void finds nothing pending.
	again, err := f.engine.VoidEvent(ctx, e.ID)
	if err != nil {
		t.Fatalf("second void: %v", err)
	}
	if again.Settled != 0 {
		t.Fatalf("second void = %+v, want nothing refunded", again)
	}
	if got := f.balance(t, "a1"); got != 100 {
		t.Fatalf("balance after re-void = %d, want 100", got)
	}
}

func TestPayoutRounding(t *testing.T) {
	cases := []struct {
		amount int64
		odds   float64
		want   int64
	}{
		{20, 1.8, 36},
		{100, 2.0, 200},
		{33, 1.5, 50},  // 49.5 rounds up
		{10, 1.01, 10}, // 10.1 rounds down
		{1, 1.0, 1},
	}
	for _, c := range cases {
		if got := model.Payout(c.amount, c.odds); got != c.want {
			t.Errorf("Payout(%d, %.2f) = %d, want %d", c.amount, c.odds, got, c.want)
		}
	}
}

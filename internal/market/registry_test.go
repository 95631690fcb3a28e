package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"odds-market/internal/model"
	"odds-market/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(store.NewMemory(), zap.NewNop())
}

func mustCreate(t *testing.T, r *Registry, odds ...model.OddsEntry) *model.Event {
	t.Helper()
	e, err := r.CreateEvent(context.Background(), "Final", model.EventSports,
		time.Now().Add(time.Hour), odds)
	if err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	return e
}

func TestCreateEventValidation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.CreateEvent(ctx, "", model.EventSports, time.Now(), nil); err == nil {
		t.Fatal("empty title accepted")
	}
	if _, err := r.CreateEvent(ctx, "x", "weather", time.Now(), nil); err == nil {
		t.Fatal("unknown type accepted")
	}
	if _, err := r.CreateEvent(ctx, "x", model.EventSports, time.Now(),
		[]model.OddsEntry{{Option: "Home", Value: 0.9}}); err == nil {
		t.Fatal("odds below 1.0 accepted")
	}

	e := mustCreate(t, r, model.OddsEntry{Option: "Home", Value: 1.8})
	if e.Status != model.EventUpcoming {
		t.Fatalf("new event status = %s, want upcoming", e.Status)
	}
	if len(e.Odds) != 1 || e.Odds[0].Timestamp.IsZero() {
		t.Fatalf("initial odds not timestamped: %+v", e.Odds)
	}
}

func TestTransitionLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	result := "Home"

	// upcoming -> live -> completed
	e := mustCreate(t, r)
	if _, err := r.Transition(ctx, e.ID, model.EventLive, nil); err != nil {
		t.Fatalf("upcoming->live: %v", err)
	}
	done, err := r.Transition(ctx, e.ID, model.EventCompleted, &result)
	if err != nil {
		t.Fatalf("live->completed: %v", err)
	}
	if done.Result == nil || *done.Result != "Home" {
		t.Fatalf("result = %v, want Home", done.Result)
	}
	if done.EndTime == nil {
		t.Fatal("end time not stamped on completion")
	}

	// upcoming -> cancelled
	e2 := mustCreate(t, r)
	if _, err := r.Transition(ctx, e2.ID, model.EventCancelled, nil); err != nil {
		t.Fatalf("upcoming->cancelled: %v", err)
	}

	// live -> cancelled
	e3 := mustCreate(t, r)
	r.Transition(ctx, e3.ID, model.EventLive, nil)
	if _, err := r.Transition(ctx, e3.ID, model.EventCancelled, nil); err != nil {
		t.Fatalf("live->cancelled: %v", err)
	}
}

func TestTransitionRejected(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	result := "Home"

	e := mustCreate(t, r)

	// upcoming -> completed skips live.
	if _, err := r.Transition(ctx, e.ID, model.EventCompleted, &result); !errors.Is(err, model.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}

	// Completing without a result.
	r.Transition(ctx, e.ID, model.EventLive, nil)
	if _, err := r.Transition(ctx, e.ID, model.EventCompleted, nil); !errors.Is(err, model.ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}

	// Terminal states never move.
	r.Transition(ctx, e.ID, model.EventCompleted, &result)
	for _, to := range []model.EventStatus{model.EventLive, model.EventCancelled, model.EventUpcoming} {
		if _, err := r.Transition(ctx, e.ID, to, nil); !errors.Is(err, model.ErrInvalidStateTransition) {
			t.Fatalf("completed->%s: expected ErrInvalidStateTransition, got %v", to, err)
		}
	}

	if _, err := r.Transition(ctx, "missing", model.EventLive, nil); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendOddsOnlyWhileLive(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	update := []model.OddsUpdateReq{{Option: "Home", Value: 2.0}}

	e := mustCreate(t, r, model.OddsEntry{Option: "Home", Value: 1.8})
	if _, err := r.AppendOdds(ctx, e.ID, update); !errors.Is(err, model.ErrInvalidStateTransition) {
		t.Fatalf("append on upcoming: expected ErrInvalidStateTransition, got %v", err)
	}

	r.Transition(ctx, e.ID, model.EventLive, nil)
	got, err := r.AppendOdds(ctx, e.ID, update)
	if err != nil {
		t.Fatalf("append on live: %v", err)
	}
	if len(got.Odds) != 2 {
		t.Fatalf("odds history length = %d, want 2 (append-only)", len(got.Odds))
	}
	if got.Odds[0].Value != 1.8 {
		t.Fatal("prior odds entry mutated")
	}

	result := "Home"
	r.Transition(ctx, e.ID, model.EventCompleted, &result)
	if _, err := r.AppendOdds(ctx, e.ID, update); !errors.Is(err, model.ErrInvalidStateTransition) {
		t.Fatalf("append on completed: expected ErrInvalidStateTransition, got %v", err)
	}

	// History survives completion untouched.
	final, _ := r.Get(ctx, e.ID)
	if len(final.Odds) != 2 {
		t.Fatalf("odds history after completion = %d, want 2", len(final.Odds))
	}
}

func TestAppendOddsValidation(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	e := mustCreate(t, r)
	r.Transition(ctx, e.ID, model.EventLive, nil)

	if _, err := r.AppendOdds(ctx, e.ID, nil); err == nil {
		t.Fatal("empty update accepted")
	}
	if _, err := r.AppendOdds(ctx, e.ID, []model.OddsUpdateReq{{Option: "", Value: 1.5}}); err == nil {
		t.Fatal("missing option accepted")
	}
	if _, err := r.AppendOdds(ctx, e.ID, []model.OddsUpdateReq{{Option: "Home", Value: 0.5}}); err == nil {
		t.Fatal("odds below 1.0 accepted")
	}
}

func TestLatestOddsPicksGreatestTimestamp(t *testing.T) {
	base := time.Unix(1000, 0)
	e := &model.Event{Odds: []model.OddsEntry{
		{Option: "Home", Value: 1.5, Timestamp: base.Add(10 * time.Second)},
		{Option: "Home", Value: 1.8, Timestamp: base.Add(30 * time.Second)},
		{Option: "Home", Value: 1.6, Timestamp: base.Add(20 * time.Second)},
		{Option: "Away", Value: 3.0, Timestamp: base.Add(40 * time.Second)},
	}}

	got, err := LatestOdds(e, "Home")
	if err != nil {
		t.Fatalf("LatestOdds: %v", err)
	}
	if got.Value != 1.8 {
		t.Fatalf("latest Home odds = %.2f, want 1.80", got.Value)
	}
}

// Equal timestamps resolve to the last appended entry.
func TestLatestOddsTieBreakInsertionOrder(t *testing.T) {
	base := time.Unix(1000, 0)

	e := &model.Event{Odds: []model.OddsEntry{
		{Option: "Home", Value: 1.5, Timestamp: base.Add(10 * time.Second)},
		{Option: "Home", Value: 1.7, Timestamp: base.Add(10 * time.Second)},
		{Option: "Home", Value: 2.0, Timestamp: base.Add(20 * time.Second)},
	}}
	got, err := LatestOdds(e, "Home")
	if err != nil {
		t.Fatalf("LatestOdds: %v", err)
	}
	if got.Value != 2.0 {
		t.Fatalf("latest = %.2f, want 2.00", got.Value)
	}

	tied := &model.Event{Odds: []model.OddsEntry{
		{Option: "Home", Value: 1.8, Timestamp: base.Add(10 * time.Second)},
		{Option: "Home", Value: 1.9, Timestamp: base.Add(10 * time.Second)},
	}}
	got, err = LatestOdds(tied, "Home")
	if err != nil {
		t.Fatalf("LatestOdds: %v", err)
	}
	if got.Value != 1.9 {
		t.Fatalf("tie-break latest = %.2f, want 1.90 (last appended)", got.Value)
	}
}

func TestLatestOddsUnknownOption(t *testing.T) {
	e := &model.Event{Odds: []model.OddsEntry{
		{Option: "Home", Value: 1.5, Timestamp: time.Now()},
	}}
	if _, err := LatestOdds(e, "Draw"); !errors.Is(err, model.ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption, got %v", err)
	}
	if _, err := LatestOdds(&model.Event{}, "Home"); !errors.Is(err, model.ErrInvalidOption) {
		t.Fatalf("empty history: expected ErrInvalidOption, got %v", err)
	}
}

func TestCurrentOdds(t *testing.T) {
	base := time.Unix(1000, 0)
	e := &model.Event{Odds: []model.OddsEntry{
		{Option: "Home", Value: 1.5, Timestamp: base},
		{Option: "Away", Value: 2.5, Timestamp: base},
		{Option: "Home", Value: 1.9, Timestamp: base.Add(time.Minute)},
	}}

	cur := CurrentOdds(e)
	if len(cur) != 2 {
		t.Fatalf("current odds count = %d, want 2", len(cur))
	}
	if cur[0].Option != "Home" || cur[0].Value != 1.9 {
		t.Fatalf("current Home = %+v, want value 1.9", cur[0])
	}
	if cur[1].Option != "Away" || cur[1].Value != 2.5 {
		t.Fatalf("current Away = %+v, want value 2.5", cur[1])
	}
}

func TestListLive(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	a := mustCreate(t, r)
	mustCreate(t, r)
	r.Transition(ctx, a.ID, model.EventLive, nil)

	live, err := r.ListLive(ctx)
	if err != nil {
		t.Fatalf("ListLive: %v", err)
	}
	if len(live) != 1 || live[0].ID != a.ID {
		t.Fatalf("live = %+v, want only %s", live, a.ID)
	}
}

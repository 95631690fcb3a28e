// Package market owns event records and their odds history: the lifecycle
// state machine, append-only odds snapshots while live, and the latest-odds
// resolution wagers are priced against.
package market

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"odds-market/internal/metrics"
	"odds-market/internal/model"
	"odds-market/internal/store"
)

type Registry struct {
	store store.Store
	log   *zap.Logger
	now   func() time.Time
}

func NewRegistry(s store.Store, log *zap.Logger) *Registry {
	return &Registry{store: s, log: log, now: time.Now}
}

// validTransitions is the event lifecycle: upcoming→live, upcoming→cancelled,
// live→completed, live→cancelled. Everything else is rejected.
var validTransitions = map[model.EventStatus][]model.EventStatus{
	model.EventUpcoming: {model.EventLive, model.EventCancelled},
	model.EventLive:     {model.EventCompleted, model.EventCancelled},
}

func transitionAllowed(from, to model.EventStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CreateEvent registers a new upcoming event with initialOdds as the first
// odds snapshots, timestamped at creation.
func (r *Registry) CreateEvent(ctx context.Context, title string, typ model.EventType, startTime time.Time, initialOdds []model.OddsEntry) (*model.Event, error) {
	if title == "" {
		return nil, fmt.Errorf("title required")
	}
	if !model.ValidEventType(typ) {
		return nil, fmt.Errorf("unknown event type %q", typ)
	}
	now := r.now()
	odds := make([]model.OddsEntry, 0, len(initialOdds))
	for _, o := range initialOdds {
		if o.Value < 1.0 {
			return nil, fmt.Errorf("odds value %.2f for %q below 1.0", o.Value, o.Option)
		}
		odds = append(odds, model.OddsEntry{Option: o.Option, Value: o.Value, Timestamp: now})
	}

	e := &model.Event{
		ID:        uuid.New().String(),
		Title:     title,
		Type:      typ,
		Status:    model.EventUpcoming,
		StartTime: startTime,
		Odds:      odds,
		CreatedAt: now,
	}
	if err := r.store.CreateEvent(ctx, e); err != nil {
		return nil, err
	}
	r.log.Info("event created",
		zap.String("event_id", e.ID),
		zap.String("title", title),
		zap.String("type", string(typ)))
	return e, nil
}

// Transition moves an event to newStatus. Completing requires a result and
// stamps endTime (defaulting to now) exactly once.
func (r *Registry) Transition(ctx context.Context, eventID string, newStatus model.EventStatus, result *string) (*model.Event, error) {
	e, err := r.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(e.Status, newStatus) {
		return nil, fmt.Errorf("%s -> %s: %w", e.Status, newStatus, model.ErrInvalidStateTransition)
	}
	if newStatus == model.EventCompleted && (result == nil || *result == "") {
		return nil, fmt.Errorf("completing an event requires a result: %w", model.ErrInvalidStateTransition)
	}

	end := r.now()
	ok, err := r.store.UpdateEventStatus(ctx, eventID, e.Status, newStatus, result, &end)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race with another transition; the status we validated
		// against is gone.
		return nil, fmt.Errorf("%s -> %s: %w", e.Status, newStatus, model.ErrInvalidStateTransition)
	}
	r.log.Info("event transitioned",
		zap.String("event_id", eventID),
		zap.String("from", string(e.Status)),
		zap.String("to", string(newStatus)))
	return r.store.GetEvent(ctx, eventID)
}

// AppendOdds records new odds snapshots for a live event, timestamped now.
// History is append-only: prior entries are never mutated or removed.
func (r *Registry) AppendOdds(ctx context.Context, eventID string, updates []model.OddsUpdateReq) (*model.Event, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("no odds entries supplied")
	}
	now := r.now()
	entries := make([]model.OddsEntry, 0, len(updates))
	for _, u := range updates {
		if u.Option == "" {
			return nil, fmt.Errorf("odds entry missing option")
		}
		if u.Value < 1.0 {
			return nil, fmt.Errorf("odds value %.2f for %q below 1.0", u.Value, u.Option)
		}
		entries = append(entries, model.OddsEntry{Option: u.Option, Value: u.Value, Timestamp: now})
	}
	if err := r.store.AppendOdds(ctx, eventID, entries); err != nil {
		return nil, err
	}
	metrics.OddsUpdates.Add(float64(len(entries)))
	return r.store.GetEvent(ctx, eventID)
}

// LatestOdds resolves the current odds entry for an option: the entry with
// the greatest timestamp, ties broken by insertion order (last appended
// wins). Not-found when the option has no recorded entry.
func (r *Registry) LatestOdds(ctx context.Context, eventID, option string) (*model.OddsEntry, error) {
	e, err := r.store.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return LatestOdds(e, option)
}

// LatestOdds scans an event's odds history for the freshest entry for option.
// The history is in insertion order, so >= on the timestamp makes the last
// appended entry win ties.
func LatestOdds(e *model.Event, option string) (*model.OddsEntry, error) {
	var latest *model.OddsEntry
	for i := range e.Odds {
		o := &e.Odds[i]
		if o.Option != option {
			continue
		}
		if latest == nil || !o.Timestamp.Before(latest.Timestamp) {
			latest = o
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("no odds for option %q: %w", option, model.ErrInvalidOption)
	}
	cp := *latest
	return &cp, nil
}

// CurrentOdds returns the freshest entry per option, for broadcast payloads.
func CurrentOdds(e *model.Event) []model.OddsEntry {
	latest := make(map[string]model.OddsEntry)
	var order []string
	for _, o := range e.Odds {
		if _, seen := latest[o.Option]; !seen {
			order = append(order, o.Option)
		}
		if cur, seen := latest[o.Option]; !seen || !o.Timestamp.Before(cur.Timestamp) {
			latest[o.Option] = o
		}
	}
	out := make([]model.OddsEntry, 0, len(order))
	for _, opt := range order {
		out = append(out, latest[opt])
	}
	return out
}

// Get returns one event with its full odds history.
func (r *Registry) Get(ctx context.Context, eventID string) (*model.Event, error) {
	return r.store.GetEvent(ctx, eventID)
}

// List returns events matching the filter, start time descending.
func (r *Registry) List(ctx context.Context, f store.EventFilter) ([]model.Event, error) {
	return r.store.ListEvents(ctx, f)
}

// ListLive returns all live events, start time descending.
func (r *Registry) ListLive(ctx context.Context) ([]model.Event, error) {
	return r.store.ListLiveEvents(ctx)
}

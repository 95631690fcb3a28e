package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"odds-market/internal/model"
)

// Memory is an in-process Store used by tests and by dev mode when no
// Postgres DSN is configured. One mutex per account, one per event (status
// and odds share it), one per wager; cross-record operations compose these.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount
	events   map[string]*memEvent
	wagers   map[string]*memWager
	emails   map[string]string // email -> account id, unique-key constraint
	users    map[string]string // username -> account id
}

type memAccount struct {
	mu   sync.Mutex
	acct model.Account
}

type memEvent struct {
	mu sync.Mutex
	ev model.Event
}

type memWager struct {
	mu sync.Mutex
	w  model.Wager
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]*memAccount),
		events:   make(map[string]*memEvent),
		wagers:   make(map[string]*memWager),
		emails:   make(map[string]string),
		users:    make(map[string]string),
	}
}

// ── Accounts ─────────────────────────────────────────

func (m *Memory) CreateAccount(_ context.Context, a *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.emails[a.Email]; dup {
		return fmt.Errorf("email %q already registered", a.Email)
	}
	if _, dup := m.users[a.Username]; dup {
		return fmt.Errorf("username %q already registered", a.Username)
	}
	cp := *a
	m.accounts[a.ID] = &memAccount{acct: cp}
	m.emails[a.Email] = a.ID
	m.users[a.Username] = a.ID
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id string) (*model.Account, error) {
	m.mu.RLock()
	rec, ok := m.accounts[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, model.ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	cp := rec.acct
	return &cp, nil
}

func (m *Memory) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	m.mu.RLock()
	id, ok := m.emails[email]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("account %s: %w", email, model.ErrNotFound)
	}
	return m.GetAccount(ctx, id)
}

func (m *Memory) ListAccounts(_ context.Context) ([]model.Account, error) {
	m.mu.RLock()
	recs := make([]*memAccount, 0, len(m.accounts))
	for _, rec := range m.accounts {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()
	out := make([]model.Account, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.acct)
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AdjustBalance(_ context.Context, accountID string, deltaCents int64) (int64, error) {
	m.mu.RLock()
	rec, ok := m.accounts[accountID]
	m.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("account %s: %w", accountID, model.ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	next := rec.acct.BalanceCents + deltaCents
	if next < 0 {
		return rec.acct.BalanceCents, fmt.Errorf("balance %d, delta %d: %w",
			rec.acct.BalanceCents, deltaCents, model.ErrInsufficientFunds)
	}
	rec.acct.BalanceCents = next
	return next, nil
}

// ── Events ───────────────────────────────────────────

func (m *Memory) CreateEvent(_ context.Context, e *model.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	cp.Odds = append([]model.OddsEntry(nil), e.Odds...)
	m.events[e.ID] = &memEvent{ev: cp}
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id string) (*model.Event, error) {
	m.mu.RLock()
	rec, ok := m.events[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, model.ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	cp := rec.ev
	cp.Odds = append([]model.OddsEntry(nil), rec.ev.Odds...)
	return &cp, nil
}

func (m *Memory) ListEvents(_ context.Context, f EventFilter) ([]model.Event, error) {
	m.mu.RLock()
	recs := make([]*memEvent, 0, len(m.events))
	for _, rec := range m.events {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	var out []model.Event
	for _, rec := range recs {
		rec.mu.Lock()
		ev := rec.ev
		ev.Odds = append([]model.OddsEntry(nil), rec.ev.Odds...)
		rec.mu.Unlock()
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if f.Status != "" && ev.Status != f.Status {
			continue
		}
		if f.StartAfter != nil && ev.StartTime.Before(*f.StartAfter) {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	return out, nil
}

func (m *Memory) ListLiveEvents(ctx context.Context) ([]model.Event, error) {
	return m.ListEvents(ctx, EventFilter{Status: model.EventLive})
}

func (m *Memory) UpdateEventStatus(_ context.Context, id string, from, to model.EventStatus, result *string, endTime *time.Time) (bool, error) {
	m.mu.RLock()
	rec, ok := m.events[id]
	m.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("event %s: %w", id, model.ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.ev.Status != from {
		return false, nil
	}
	rec.ev.Status = to
	if to == model.EventCompleted {
		rec.ev.Result = result
		if rec.ev.EndTime == nil {
			rec.ev.EndTime = endTime
		}
	}
	return true, nil
}

func (m *Memory) AppendOdds(_ context.Context, eventID string, entries []model.OddsEntry) error {
	m.mu.RLock()
	rec, ok := m.events[eventID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("event %s: %w", eventID, model.ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.ev.Status != model.EventLive {
		return fmt.Errorf("odds append on %s event: %w", rec.ev.Status, model.ErrInvalidStateTransition)
	}
	rec.ev.Odds = append(rec.ev.Odds, entries...)
	return nil
}

// ── Wagers ───────────────────────────────────────────

func (m *Memory) CreateWager(_ context.Context, w *model.Wager) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.wagers[w.ID] = &memWager{w: cp}
	return nil
}

func (m *Memory) GetWager(_ context.Context, id string) (*model.Wager, error) {
	m.mu.RLock()
	rec, ok := m.wagers[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("wager %s: %w", id, model.ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	cp := rec.w
	return &cp, nil
}

func (m *Memory) ListAccountWagers(_ context.Context, accountID string, status model.WagerStatus) ([]model.Wager, error) {
	return m.listWagers(func(w model.Wager) bool {
		return w.AccountID == accountID && (status == "" || w.Status == status)
	})
}

func (m *Memory) ListEventWagers(_ context.Context, eventID string, status model.WagerStatus) ([]model.Wager, error) {
	return m.listWagers(func(w model.Wager) bool {
		return w.EventID == eventID && (status == "" || w.Status == status)
	})
}

func (m *Memory) listWagers(keep func(model.Wager) bool) ([]model.Wager, error) {
	m.mu.RLock()
	recs := make([]*memWager, 0, len(m.wagers))
	for _, rec := range m.wagers {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()
	var out []model.Wager
	for _, rec := range recs {
		rec.mu.Lock()
		w := rec.w
		rec.mu.Unlock()
		if keep(w) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SettleWager(_ context.Context, id string, result string, settledCents int64, settledAt time.Time) (bool, error) {
	m.mu.RLock()
	rec, ok := m.wagers[id]
	m.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("wager %s: %w", id, model.ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.w.Status != model.WagerPending {
		return false, nil
	}
	rec.w.Status = model.WagerSettled
	rec.w.Result = &result
	rec.w.SettledCents = &settledCents
	rec.w.SettledAt = &settledAt
	return true, nil
}

func (m *Memory) ReopenWager(_ context.Context, id string, from model.WagerStatus) error {
	m.mu.RLock()
	rec, ok := m.wagers[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("wager %s: %w", id, model.ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.w.Status != from {
		return fmt.Errorf("reopen %s wager: %w", rec.w.Status, model.ErrInvalidStateTransition)
	}
	rec.w.Status = model.WagerPending
	rec.w.Result = nil
	rec.w.SettledCents = nil
	rec.w.SettledAt = nil
	return nil
}

func (m *Memory) CancelWager(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	rec, ok := m.wagers[id]
	m.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("wager %s: %w", id, model.ErrNotFound)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.w.Status != model.WagerPending {
		return false, nil
	}
	rec.w.Status = model.WagerCancelled
	return true, nil
}

var _ Store = (*Memory)(nil)

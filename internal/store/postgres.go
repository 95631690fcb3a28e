package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"odds-market/internal/model"
)

// Postgres is the durable Store. Atomicity relies on conditional UPDATEs:
// the balance adjust and the status flips are single statements, so the
// read-check-write happens inside the row lock held by the UPDATE.
type Postgres struct{ DB *sql.DB }

func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{DB: db}, nil
}

func (s *Postgres) Close() error { return s.DB.Close() }

func (s *Postgres) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// ── Accounts ─────────────────────────────────────────

func (s *Postgres) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO accounts (id, username, email, password_hash, role, balance_cents, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		a.ID, a.Username, a.Email, a.PasswordHash, a.Role, a.BalanceCents, a.CreatedAt)
	return err
}

func (s *Postgres) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.getAccount(ctx, `WHERE id=$1`, id)
}

func (s *Postgres) GetAccountByEmail(ctx context.Context, email string) (*model.Account, error) {
	return s.getAccount(ctx, `WHERE email=$1`, email)
}

func (s *Postgres) getAccount(ctx context.Context, where string, arg any) (*model.Account, error) {
	a := &model.Account{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, role, balance_cents, created_at
		 FROM accounts `+where, arg,
	).Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.Role, &a.BalanceCents, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %v: %w", arg, model.ErrNotFound)
	}
	return a, err
}

func (s *Postgres) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, username, email, password_hash, role, balance_cents, created_at
		 FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Account
	for rows.Next() {
		var a model.Account
		if err := rows.Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.Role, &a.BalanceCents, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Postgres) AdjustBalance(ctx context.Context, accountID string, deltaCents int64) (int64, error) {
	var balance int64
	err := s.DB.QueryRowContext(ctx,
		`UPDATE accounts SET balance_cents = balance_cents + $1
		 WHERE id=$2 AND balance_cents + $1 >= 0
		 RETURNING balance_cents`, deltaCents, accountID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		// Either the account does not exist or the debit would go negative.
		var current int64
		err := s.DB.QueryRowContext(ctx,
			`SELECT balance_cents FROM accounts WHERE id=$1`, accountID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("account %s: %w", accountID, model.ErrNotFound)
		}
		if err != nil {
			return 0, err
		}
		return current, fmt.Errorf("balance %d, delta %d: %w", current, deltaCents, model.ErrInsufficientFunds)
	}
	return balance, err
}

// ── Events ───────────────────────────────────────────

func (s *Postgres) CreateEvent(ctx context.Context, e *model.Event) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (id, title, type, status, start_time, end_time, result, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.Title, e.Type, e.Status, e.StartTime, e.EndTime, e.Result, e.CreatedAt)
	if err != nil {
		return err
	}
	for _, o := range e.Odds {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_odds (event_id, option, value, ts) VALUES ($1,$2,$3,$4)`,
			e.ID, o.Option, o.Value, o.Timestamp); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Postgres) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	e := &model.Event{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, title, type, status, start_time, end_time, result, created_at
		 FROM events WHERE id=$1`, id,
	).Scan(&e.ID, &e.Title, &e.Type, &e.Status, &e.StartTime, &e.EndTime, &e.Result, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := s.attachOdds(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Postgres) ListEvents(ctx context.Context, f EventFilter) ([]model.Event, error) {
	q := `SELECT id, title, type, status, start_time, end_time, result, created_at FROM events`
	var conds []string
	var args []any
	if f.Type != "" {
		args = append(args, f.Type)
		conds = append(conds, fmt.Sprintf("type=$%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conds = append(conds, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.StartAfter != nil {
		args = append(args, *f.StartAfter)
		conds = append(conds, fmt.Sprintf("start_time >= $%d", len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			q += " WHERE " + c
		} else {
			q += " AND " + c
		}
	}
	q += " ORDER BY start_time DESC"

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.Title, &e.Type, &e.Status, &e.StartTime, &e.EndTime, &e.Result, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := s.attachOdds(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Postgres) ListLiveEvents(ctx context.Context) ([]model.Event, error) {
	return s.ListEvents(ctx, EventFilter{Status: model.EventLive})
}

// attachOdds loads the append-only odds history in insertion order.
func (s *Postgres) attachOdds(ctx context.Context, e *model.Event) error {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT option, value, ts FROM event_odds WHERE event_id=$1 ORDER BY id`, e.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var o model.OddsEntry
		if err := rows.Scan(&o.Option, &o.Value, &o.Timestamp); err != nil {
			return err
		}
		e.Odds = append(e.Odds, o)
	}
	return rows.Err()
}

func (s *Postgres) UpdateEventStatus(ctx context.Context, id string, from, to model.EventStatus, result *string, endTime *time.Time) (bool, error) {
	var res sql.Result
	var err error
	if to == model.EventCompleted {
		res, err = s.DB.ExecContext(ctx,
			`UPDATE events SET status=$1, result=$2, end_time=COALESCE(end_time, $3)
			 WHERE id=$4 AND status=$5`, to, result, endTime, id, from)
	} else {
		res, err = s.DB.ExecContext(ctx,
			`UPDATE events SET status=$1 WHERE id=$2 AND status=$3`, to, id, from)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish a lost race from a missing event.
		var exists bool
		if err := s.DB.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM events WHERE id=$1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, fmt.Errorf("event %s: %w", id, model.ErrNotFound)
		}
		return false, nil
	}
	return true, nil
}

func (s *Postgres) AppendOdds(ctx context.Context, eventID string, entries []model.OddsEntry) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status model.EventStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM events WHERE id=$1 FOR UPDATE`, eventID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("event %s: %w", eventID, model.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if status != model.EventLive {
		return fmt.Errorf("odds append on %s event: %w", status, model.ErrInvalidStateTransition)
	}
	for _, o := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_odds (event_id, option, value, ts) VALUES ($1,$2,$3,$4)`,
			eventID, o.Option, o.Value, o.Timestamp); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ── Wagers ───────────────────────────────────────────

func (s *Postgres) CreateWager(ctx context.Context, w *model.Wager) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO wagers (id, account_id, event_id, amount_cents, selected_option,
		                     odds_at_placement, status, result, settled_cents, settled_at, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		w.ID, w.AccountID, w.EventID, w.AmountCents, w.SelectedOption,
		w.OddsAtPlacement, w.Status, w.Result, w.SettledCents, w.SettledAt, w.CreatedAt)
	return err
}

const wagerCols = `id, account_id, event_id, amount_cents, selected_option,
	odds_at_placement, status, result, settled_cents, settled_at, created_at`

func (s *Postgres) GetWager(ctx context.Context, id string) (*model.Wager, error) {
	w := &model.Wager{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT `+wagerCols+` FROM wagers WHERE id=$1`, id,
	).Scan(&w.ID, &w.AccountID, &w.EventID, &w.AmountCents, &w.SelectedOption,
		&w.OddsAtPlacement, &w.Status, &w.Result, &w.SettledCents, &w.SettledAt, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wager %s: %w", id, model.ErrNotFound)
	}
	return w, err
}

func (s *Postgres) ListAccountWagers(ctx context.Context, accountID string, status model.WagerStatus) ([]model.Wager, error) {
	return s.listWagers(ctx, "account_id", accountID, status)
}

func (s *Postgres) ListEventWagers(ctx context.Context, eventID string, status model.WagerStatus) ([]model.Wager, error) {
	return s.listWagers(ctx, "event_id", eventID, status)
}

func (s *Postgres) listWagers(ctx context.Context, col, val string, status model.WagerStatus) ([]model.Wager, error) {
	q := `SELECT ` + wagerCols + ` FROM wagers WHERE ` + col + `=$1`
	args := []any{val}
	if status != "" {
		q += ` AND status=$2`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Wager
	for rows.Next() {
		var w model.Wager
		if err := rows.Scan(&w.ID, &w.AccountID, &w.EventID, &w.AmountCents, &w.SelectedOption,
			&w.OddsAtPlacement, &w.Status, &w.Result, &w.SettledCents, &w.SettledAt, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Postgres) SettleWager(ctx context.Context, id string, result string, settledCents int64, settledAt time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE wagers SET status=$1, result=$2, settled_cents=$3, settled_at=$4
		 WHERE id=$5 AND status=$6`,
		model.WagerSettled, result, settledCents, settledAt, id, model.WagerPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Postgres) ReopenWager(ctx context.Context, id string, from model.WagerStatus) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE wagers SET status=$1, result=NULL, settled_cents=NULL, settled_at=NULL
		 WHERE id=$2 AND status=$3`,
		model.WagerPending, id, from)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("reopen wager %s: %w", id, model.ErrInvalidStateTransition)
	}
	return nil
}

func (s *Postgres) CancelWager(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE wagers SET status=$1 WHERE id=$2 AND status=$3`,
		model.WagerCancelled, id, model.WagerPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

var _ Store = (*Postgres)(nil)

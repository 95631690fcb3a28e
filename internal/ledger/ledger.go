// Package ledger owns the mutable balance of every account. All mutations go
// through Adjust, which is atomic per account and never lets a balance go
// negative, not even transiently.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"odds-market/internal/model"
	"odds-market/internal/store"
)

type Ledger struct {
	store store.Store
	log   *zap.Logger
}

func New(s store.Store, log *zap.Logger) *Ledger {
	return &Ledger{store: s, log: log}
}

// Adjust applies balance += deltaCents and returns the new balance. A debit
// that would drive the balance negative fails with ErrInsufficientFunds and
// changes nothing. Concurrent adjusts on one account serialize; adjusts on
// different accounts proceed independently.
func (l *Ledger) Adjust(ctx context.Context, accountID string, deltaCents int64) (int64, error) {
	balance, err := l.store.AdjustBalance(ctx, accountID, deltaCents)
	if err != nil {
		if !errors.Is(err, model.ErrInsufficientFunds) && !errors.Is(err, model.ErrNotFound) {
			l.log.Error("balance adjust failed",
				zap.String("account_id", accountID),
				zap.Int64("delta_cents", deltaCents),
				zap.Error(err))
		}
		return balance, err
	}
	return balance, nil
}

// Deposit credits an account. Amount must be positive.
func (l *Ledger) Deposit(ctx context.Context, accountID string, amountCents int64) (int64, error) {
	if amountCents <= 0 {
		return 0, fmt.Errorf("deposit must be positive, got %d", amountCents)
	}
	return l.Adjust(ctx, accountID, amountCents)
}

// Balance reads the current balance.
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	a, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return a.BalanceCents, nil
}

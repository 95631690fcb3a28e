package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"odds-market/internal/model"
	"odds-market/internal/store"
)

func newLedger(t *testing.T, balance int64) *Ledger {
	t.Helper()
	m := store.NewMemory()
	err := m.CreateAccount(context.Background(), &model.Account{
		ID:           "a1",
		Username:     "alice",
		Email:        "alice@test.local",
		Role:         model.RoleUser,
		BalanceCents: balance,
		CreatedAt:    time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	return New(m, zap.NewNop())
}

func TestAdjustAndBalance(t *testing.T) {
	l := newLedger(t, 100)
	ctx := context.Background()

	got, err := l.Adjust(ctx, "a1", -40)
	if err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	if got != 60 {
		t.Fatalf("balance = %d, want 60", got)
	}

	if _, err := l.Adjust(ctx, "a1", -100); !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	b, err := l.Balance(ctx, "a1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if b != 60 {
		t.Fatalf("balance = %d, want 60 (failed debit must not change it)", b)
	}
}

func TestDepositRequiresPositiveAmount(t *testing.T) {
	l := newLedger(t, 0)
	ctx := context.Background()

	if _, err := l.Deposit(ctx, "a1", 0); err == nil {
		t.Fatal("zero deposit accepted")
	}
	if _, err := l.Deposit(ctx, "a1", -10); err == nil {
		t.Fatal("negative deposit accepted")
	}

	got, err := l.Deposit(ctx, "a1", 250)
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if got != 250 {
		t.Fatalf("balance = %d, want 250", got)
	}
}

package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/foresight/exchange-engine/internal/ledger"
	"github.com/foresight/exchange-engine/internal/model"
	"github.com/foresight/exchange-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedUser(t *testing.T, ms *store.MemoryStore, id string, balance float64) {
	t.Helper()
	err := ms.ExecTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateUser(context.Background(), &model.User{
			ID:        id,
			Balance:   d(balance),
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func TestRecord_UserToUser(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedUser(t, ms, "alice", 100)
	seedUser(t, ms, "bob", 0)

	err := ms.ExecTx(ctx, func(tx store.Tx) error {
		_, err := ledger.Record(ctx, tx, &model.Txn{
			FromType: model.EndpointUser,
			FromID:   "alice",
			ToType:   model.EndpointUser,
			ToID:     "bob",
			Amount:   d(40),
			Category: model.CategoryManaPayment,
		})
		return err
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	alice, _ := ms.GetUser(ctx, "alice")
	bob, _ := ms.GetUser(ctx, "bob")
	if !alice.Balance.Equal(d(60)) {
		t.Errorf("alice: expected 60, got %s", alice.Balance)
	}
	if !bob.Balance.Equal(d(40)) {
		t.Errorf("bob: expected 40, got %s", bob.Balance)
	}

	txns, _ := ms.GetTxnsByUser(ctx, "alice", 10, 0)
	if len(txns) != 1 {
		t.Fatalf("expected 1 txn, got %d", len(txns))
	}
	if txns[0].ID == "" || txns[0].CreatedAt.IsZero() {
		t.Error("txn id and timestamp should be assigned")
	}
}

func TestRecord_InsufficientBalanceLeavesNothing(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedUser(t, ms, "alice", 10)
	seedUser(t, ms, "bob", 0)

	err := ms.ExecTx(ctx, func(tx store.Tx) error {
		_, err := ledger.Record(ctx, tx, &model.Txn{
			FromType: model.EndpointUser,
			FromID:   "alice",
			ToType:   model.EndpointUser,
			ToID:     "bob",
			Amount:   d(50),
			Category: model.CategoryManaPayment,
		})
		return err
	})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	alice, _ := ms.GetUser(ctx, "alice")
	if !alice.Balance.Equal(d(10)) {
		t.Errorf("failed transfer must not touch balance: %s", alice.Balance)
	}
	txns, _ := ms.GetTxnsByUser(ctx, "alice", 10, 0)
	if len(txns) != 0 {
		t.Errorf("failed transfer must not record a txn, got %d", len(txns))
	}
}

func TestRecord_BankIsNeverBalanceChecked(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedUser(t, ms, "alice", 0)

	err := ms.ExecTx(ctx, func(tx store.Tx) error {
		_, err := ledger.Record(ctx, tx, &model.Txn{
			FromType: model.EndpointBank,
			FromID:   "bank",
			ToType:   model.EndpointUser,
			ToID:     "alice",
			Amount:   d(1000),
			Category: model.CategorySignupBonus,
		})
		return err
	})
	if err != nil {
		t.Fatalf("Record from bank: %v", err)
	}
	alice, _ := ms.GetUser(ctx, "alice")
	if !alice.Balance.Equal(d(1000)) {
		t.Errorf("expected 1000, got %s", alice.Balance)
	}
}

func TestRecord_Invalid(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedUser(t, ms, "alice", 100)

	cases := []struct {
		name string
		txn  model.Txn
		want error
	}{
		{"zero amount", model.Txn{FromType: model.EndpointBank, FromID: "bank", ToType: model.EndpointUser, ToID: "alice", Amount: d(0)}, ledger.ErrInvalidAmount},
		{"negative amount", model.Txn{FromType: model.EndpointBank, FromID: "bank", ToType: model.EndpointUser, ToID: "alice", Amount: d(-5)}, ledger.ErrInvalidAmount},
		{"bad endpoint", model.Txn{FromType: "WALLET", FromID: "x", ToType: model.EndpointUser, ToID: "alice", Amount: d(5)}, ledger.ErrInvalidEndpoint},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ms.ExecTx(ctx, func(tx store.Tx) error {
				_, err := ledger.Record(ctx, tx, &tc.txn)
				return err
			})
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDebitCredit(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	seedUser(t, ms, "alice", 100)

	err := ms.ExecTx(ctx, func(tx store.Tx) error {
		if err := ledger.Debit(ctx, tx, "alice", d(30)); err != nil {
			return err
		}
		return ledger.Credit(ctx, tx, "alice", d(10))
	})
	if err != nil {
		t.Fatalf("debit/credit: %v", err)
	}
	alice, _ := ms.GetUser(ctx, "alice")
	if !alice.Balance.Equal(d(80)) {
		t.Errorf("expected 80, got %s", alice.Balance)
	}

	err = ms.ExecTx(ctx, func(tx store.Tx) error {
		return ledger.Debit(ctx, tx, "alice", d(1000))
	})
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("overdraft: expected ErrInsufficientBalance, got %v", err)
	}
}

func TestBalanceDelta_Reconciles(t *testing.T) {
	txns := []model.Txn{
		{FromType: model.EndpointBank, FromID: "bank", ToType: model.EndpointUser, ToID: "alice", Amount: d(1000)},
		{FromType: model.EndpointUser, FromID: "alice", ToType: model.EndpointContract, ToID: "m1", Amount: d(100)},
		{FromType: model.EndpointContract, FromID: "m1", ToType: model.EndpointUser, ToID: "alice", Amount: d(250)},
		{FromType: model.EndpointUser, FromID: "bob", ToType: model.EndpointUser, ToID: "alice", Amount: d(5)},
	}
	got := ledger.BalanceDelta(txns, "alice")
	if !got.Equal(d(1155)) {
		t.Errorf("expected 1155, got %s", got)
	}
	if !ledger.BalanceDelta(txns, "bob").Equal(d(-5)) {
		t.Errorf("bob delta: expected -5, got %s", ledger.BalanceDelta(txns, "bob"))
	}
}

// Package ledger records every value movement in the system as an
// immutable, append-only txn, and is the only component permitted to
// mutate a user's balance. Every transfer and the balance writes it
// implies happen inside the caller's transactional scope, so a crash can
// never leave a balance debited without its txn (or vice versa).
//
// Reconciliation invariant: for any user, the signed sum of all txns
// touching them equals their balance delta since account creation.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/foresight/exchange-engine/internal/model"
	"github.com/foresight/exchange-engine/internal/store"
)

var (
	// ErrInvalidAmount is returned for a transfer amount that is not
	// strictly positive.
	ErrInvalidAmount = errors.New("ledger: transfer amount must be positive")

	// ErrInsufficientBalance is returned when a USER source cannot cover
	// the transfer.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrInvalidEndpoint is returned for an unknown endpoint type.
	ErrInvalidEndpoint = errors.New("ledger: invalid endpoint type")
)

// Record validates and persists one transfer inside the given scope,
// applying the implied balance mutations. USER sources are
// balance-checked and debited; USER destinations are credited; BANK and
// CONTRACT endpoints are unconstrained sources/sinks. Returns the
// persisted txn.
func Record(ctx context.Context, tx store.Tx, txn *model.Txn) (*model.Txn, error) {
	if txn.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if !validEndpoint(txn.FromType) || !validEndpoint(txn.ToType) {
		return nil, ErrInvalidEndpoint
	}

	if txn.FromType == model.EndpointUser {
		from, err := tx.GetUser(ctx, txn.FromID)
		if err != nil {
			return nil, err
		}
		if from.Balance.LessThan(txn.Amount) {
			return nil, ErrInsufficientBalance
		}
		if err := tx.SetUserBalance(ctx, from.ID, from.Balance.Sub(txn.Amount)); err != nil {
			return nil, err
		}
	}

	if txn.ToType == model.EndpointUser {
		to, err := tx.GetUser(ctx, txn.ToID)
		if err != nil {
			return nil, err
		}
		if err := tx.SetUserBalance(ctx, to.ID, to.Balance.Add(txn.Amount)); err != nil {
			return nil, err
		}
	}

	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	if err := tx.InsertTxn(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

// Debit moves amount out of a user's balance directly, without a
// separate txn record. Used when the bet record itself is the ledger
// entry for the stake ("bet is its own ledger record").
func Debit(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if u.Balance.LessThan(amount) {
		return ErrInsufficientBalance
	}
	return tx.SetUserBalance(ctx, userID, u.Balance.Sub(amount))
}

// Credit moves amount into a user's balance directly, the counterpart of
// Debit for redemption proceeds.
func Credit(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrInvalidAmount
	}
	if amount.IsZero() {
		return nil
	}
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	return tx.SetUserBalance(ctx, userID, u.Balance.Add(amount))
}

// BalanceDelta computes a user's signed balance change implied by a txn
// history: credits minus debits. Used by reconciliation checks.
func BalanceDelta(txns []model.Txn, userID string) decimal.Decimal {
	delta := decimal.Zero
	for _, t := range txns {
		if t.ToType == model.EndpointUser && t.ToID == userID {
			delta = delta.Add(t.Amount)
		}
		if t.FromType == model.EndpointUser && t.FromID == userID {
			delta = delta.Sub(t.Amount)
		}
	}
	return delta
}

func validEndpoint(e model.TxnEndpoint) bool {
	switch e {
	case model.EndpointUser, model.EndpointBank, model.EndpointContract:
		return true
	default:
		return false
	}
}

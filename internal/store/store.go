// Package store defines the persistence interface for the exchange
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache for the read model), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/foresight/exchange-engine/internal/model"
)

var (
	// ErrNotFound is returned when a market, user, or answer is missing.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict is returned when a market write observes a stale
	// version. Callers retry the whole settlement against fresh state.
	ErrVersionConflict = errors.New("store: market version conflict")

	// ErrDuplicate is returned when inserting a record whose id already
	// exists.
	ErrDuplicate = errors.New("store: duplicate record")
)

// Reader is the read model consumed by display collaborators. It must
// never be used as a path to mutate balances or pool state.
type Reader interface {
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetBetsByMarket(ctx context.Context, marketID string, limit, offset int) ([]model.Bet, error)
	GetBetsByUser(ctx context.Context, userID string, limit, offset int) ([]model.Bet, error)
	GetTxnsByUser(ctx context.Context, userID string, limit, offset int) ([]model.Txn, error)
}

// Tx is the mutation surface available inside one atomic scope. Every
// read through a Tx sees the scope's consistent snapshot; every write is
// rolled back if the scope returns an error.
type Tx interface {
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	CreateMarket(ctx context.Context, m *model.Market) error
	// UpdateMarket persists the market iff its stored version still equals
	// expectedVersion, then increments the version. Returns
	// ErrVersionConflict otherwise.
	UpdateMarket(ctx context.Context, m *model.Market, expectedVersion int64) error

	GetUser(ctx context.Context, id string) (*model.User, error)
	CreateUser(ctx context.Context, u *model.User) error
	// SetUserBalance is reserved for the ledger, the only balance writer.
	SetUserBalance(ctx context.Context, userID string, balance decimal.Decimal) error

	InsertBet(ctx context.Context, b *model.Bet) error
	GetBetsByMarket(ctx context.Context, marketID string) ([]model.Bet, error)
	GetUserBets(ctx context.Context, marketID, userID string) ([]model.Bet, error)
	CountNonRedemptionBets(ctx context.Context, marketID, userID string) (int, error)

	InsertTxn(ctx context.Context, t *model.Txn) error
	// HasPayoutTxn reports whether a resolution payout already exists for
	// (marketID, userID). Keeps resolution settlement idempotent.
	HasPayoutTxn(ctx context.Context, marketID, userID string) (bool, error)
}

// Store combines the read model with the atomic mutation scope.
type Store interface {
	Reader

	// ExecTx runs fn inside one atomic, serializable scope. Partial
	// writes never survive: if fn returns an error the scope is rolled
	// back completely.
	ExecTx(ctx context.Context, fn func(tx Tx) error) error
}

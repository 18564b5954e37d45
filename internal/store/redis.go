package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/foresight/exchange-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis
// read-through cache over the read model. Market and user snapshots are
// cached with a short TTL; a successful transaction invalidates every
// key it touched, so the cache never serves a market state older than
// the last committed settlement plus the in-flight window.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

// ExecTx delegates to the primary store and invalidates the cache keys
// of every market and user the transaction wrote.
func (s *CachedStore) ExecTx(ctx context.Context, fn func(tx Tx) error) error {
	rec := &recordingTx{}
	err := s.primary.ExecTx(ctx, func(tx Tx) error {
		rec.Tx = tx
		return fn(rec)
	})
	if err != nil {
		return err
	}
	for _, id := range rec.marketIDs {
		s.rdb.Del(ctx, marketKey(id))
	}
	for _, id := range rec.userIDs {
		s.rdb.Del(ctx, userKey(id))
	}
	return nil
}

// recordingTx passes every call through while noting which rows were
// written, for post-commit invalidation.
type recordingTx struct {
	Tx
	marketIDs []string
	userIDs   []string
}

func (t *recordingTx) CreateMarket(ctx context.Context, m *model.Market) error {
	t.marketIDs = append(t.marketIDs, m.ID)
	return t.Tx.CreateMarket(ctx, m)
}

func (t *recordingTx) UpdateMarket(ctx context.Context, m *model.Market, expectedVersion int64) error {
	t.marketIDs = append(t.marketIDs, m.ID)
	return t.Tx.UpdateMarket(ctx, m, expectedVersion)
}

func (t *recordingTx) CreateUser(ctx context.Context, u *model.User) error {
	t.userIDs = append(t.userIDs, u.ID)
	return t.Tx.CreateUser(ctx, u)
}

func (t *recordingTx) SetUserBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	t.userIDs = append(t.userIDs, userID)
	return t.Tx.SetUserBalance(ctx, userID, balance)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(id), data, s.ttl)
	}
	return m, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(u); err == nil {
		s.rdb.Set(ctx, userKey(id), data, s.ttl)
	}
	return u, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetBetsByMarket(ctx context.Context, marketID string, limit, offset int) ([]model.Bet, error) {
	return s.primary.GetBetsByMarket(ctx, marketID, limit, offset)
}

func (s *CachedStore) GetBetsByUser(ctx context.Context, userID string, limit, offset int) ([]model.Bet, error) {
	return s.primary.GetBetsByUser(ctx, userID, limit, offset)
}

func (s *CachedStore) GetTxnsByUser(ctx context.Context, userID string, limit, offset int) ([]model.Txn, error) {
	return s.primary.GetTxnsByUser(ctx, userID, limit, offset)
}

// --- Cache keys ---

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
func userKey(id string) string   { return fmt.Sprintf("user:%s", id) }

package store

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/foresight/exchange-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Transactions run against a staged deep copy that replaces
// the committed state only on success, so a failed scope leaves nothing
// behind; one mutex serializes commits, which makes every scope
// trivially serializable.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	markets map[string]*model.Market
	users   map[string]*model.User
	bets    []model.Bet
	txns    []model.Txn
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			markets: make(map[string]*model.Market),
			users:   make(map[string]*model.User),
		},
	}
}

// ExecTx runs fn against a staged clone and swaps it in on success.
func (s *MemoryStore) ExecTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	if err := fn(&memTx{state: staged}); err != nil {
		return err
	}
	s.state = staged
	return nil
}

// --- Reader (committed state) ---

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.state.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMarket(m), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	markets := make([]model.Market, 0, len(s.state.markets))
	for _, m := range s.state.markets {
		markets = append(markets, *cloneMarket(m))
	}
	return markets, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.state.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (s *MemoryStore) GetBetsByMarket(_ context.Context, marketID string, limit, offset int) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Bet
	for _, b := range s.state.bets {
		if b.MarketID == marketID {
			out = append(out, b)
		}
	}
	return paginate(out, limit, offset), nil
}

func (s *MemoryStore) GetBetsByUser(_ context.Context, userID string, limit, offset int) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Bet
	for _, b := range s.state.bets {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	return paginate(out, limit, offset), nil
}

func (s *MemoryStore) GetTxnsByUser(_ context.Context, userID string, limit, offset int) ([]model.Txn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Txn
	for _, t := range s.state.txns {
		if (t.FromType == model.EndpointUser && t.FromID == userID) ||
			(t.ToType == model.EndpointUser && t.ToID == userID) {
			out = append(out, cloneTxn(t))
		}
	}
	return paginate(out, limit, offset), nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// --- Tx (staged state, caller holds the store mutex) ---

type memTx struct {
	state *memState
}

func (t *memTx) GetMarket(_ context.Context, id string) (*model.Market, error) {
	m, ok := t.state.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMarket(m), nil
}

func (t *memTx) CreateMarket(_ context.Context, m *model.Market) error {
	if _, exists := t.state.markets[m.ID]; exists {
		return ErrDuplicate
	}
	t.state.markets[m.ID] = cloneMarket(m)
	return nil
}

func (t *memTx) UpdateMarket(_ context.Context, m *model.Market, expectedVersion int64) error {
	existing, ok := t.state.markets[m.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Version != expectedVersion {
		return ErrVersionConflict
	}
	m.Version = expectedVersion + 1
	t.state.markets[m.ID] = cloneMarket(m)
	return nil
}

func (t *memTx) GetUser(_ context.Context, id string) (*model.User, error) {
	u, ok := t.state.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (t *memTx) CreateUser(_ context.Context, u *model.User) error {
	if _, exists := t.state.users[u.ID]; exists {
		return ErrDuplicate
	}
	copied := *u
	t.state.users[u.ID] = &copied
	return nil
}

func (t *memTx) SetUserBalance(_ context.Context, userID string, balance decimal.Decimal) error {
	u, ok := t.state.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Balance = balance
	return nil
}

func (t *memTx) InsertBet(_ context.Context, b *model.Bet) error {
	t.state.bets = append(t.state.bets, *b)
	return nil
}

func (t *memTx) GetBetsByMarket(_ context.Context, marketID string) ([]model.Bet, error) {
	var out []model.Bet
	for _, b := range t.state.bets {
		if b.MarketID == marketID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t *memTx) GetUserBets(_ context.Context, marketID, userID string) ([]model.Bet, error) {
	var out []model.Bet
	for _, b := range t.state.bets {
		if b.MarketID == marketID && b.UserID == userID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t *memTx) CountNonRedemptionBets(_ context.Context, marketID, userID string) (int, error) {
	n := 0
	for _, b := range t.state.bets {
		if b.MarketID == marketID && b.UserID == userID && !b.IsRedemption {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertTxn(_ context.Context, txn *model.Txn) error {
	t.state.txns = append(t.state.txns, cloneTxn(*txn))
	return nil
}

func (t *memTx) HasPayoutTxn(_ context.Context, marketID, userID string) (bool, error) {
	for _, txn := range t.state.txns {
		if txn.Category == model.CategoryResolutionPayout &&
			txn.ToType == model.EndpointUser && txn.ToID == userID &&
			txn.Data["market_id"] == marketID {
			return true, nil
		}
	}
	return false, nil
}

// --- Deep-copy helpers ---

func (st *memState) clone() *memState {
	next := &memState{
		markets: make(map[string]*model.Market, len(st.markets)),
		users:   make(map[string]*model.User, len(st.users)),
		bets:    make([]model.Bet, len(st.bets)),
		txns:    make([]model.Txn, len(st.txns)),
	}
	for id, m := range st.markets {
		next.markets[id] = cloneMarket(m)
	}
	for id, u := range st.users {
		copied := *u
		next.users[id] = &copied
	}
	copy(next.bets, st.bets)
	for i, t := range st.txns {
		next.txns[i] = cloneTxn(t)
	}
	return next
}

func cloneMarket(m *model.Market) *model.Market {
	copied := *m
	if m.Answers != nil {
		copied.Answers = make([]model.Answer, len(m.Answers))
		copy(copied.Answers, m.Answers)
	}
	if m.CloseTime != nil {
		t := *m.CloseTime
		copied.CloseTime = &t
	}
	if m.ResolutionTime != nil {
		t := *m.ResolutionTime
		copied.ResolutionTime = &t
	}
	if m.ResolutionProbability != nil {
		p := *m.ResolutionProbability
		copied.ResolutionProbability = &p
	}
	return &copied
}

func cloneTxn(t model.Txn) model.Txn {
	if t.Data != nil {
		data := make(map[string]string, len(t.Data))
		for k, v := range t.Data {
			data[k] = v
		}
		t.Data = data
	}
	return t
}

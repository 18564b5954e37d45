package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/foresight/exchange-engine/internal/ledger"
	"github.com/foresight/exchange-engine/internal/market"
	"github.com/foresight/exchange-engine/internal/model"
	"github.com/foresight/exchange-engine/internal/store"
	"github.com/foresight/exchange-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a Service backed by the in-memory store.
func newTestEnv(t *testing.T) (*trade.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := trade.NewService(ms, trade.DefaultParams(), nil)
	return svc, ms
}

func seedUser(t *testing.T, ms *store.MemoryStore, id string, balance float64) {
	t.Helper()
	err := ms.ExecTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateUser(context.Background(), &model.User{
			ID:        id,
			Name:      id,
			Balance:   d(balance),
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
}

func createBinaryMarket(t *testing.T, svc *trade.Service, creatorID string) *model.Market {
	t.Helper()
	m, err := svc.CreateMarket(context.Background(), creatorID, "Will it rain tomorrow?", model.OutcomeTypeBinary, nil, nil)
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	return m
}

// --- Market creation ---

func TestCreateMarket_SeedsPoolFromAnte(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "creator", 1000)

	m := createBinaryMarket(t, svc, "creator")

	if !m.Pool.Yes.Equal(d(100)) || !m.Pool.No.Equal(d(100)) {
		t.Errorf("ante 100 should seed {100, 100}, got {%s, %s}", m.Pool.Yes, m.Pool.No)
	}
	if !m.Probability.Equal(d(0.5)) {
		t.Errorf("new market should open at 0.5, got %s", m.Probability)
	}

	creator, _ := ms.GetUser(context.Background(), "creator")
	if !creator.Balance.Equal(d(900)) {
		t.Errorf("ante should be debited from creator: expected 900, got %s", creator.Balance)
	}

	txns, _ := ms.GetTxnsByUser(context.Background(), "creator", 10, 0)
	if len(txns) != 1 || txns[0].Category != model.CategoryMarketAnte {
		t.Errorf("expected one MARKET_ANTE txn, got %+v", txns)
	}
}

func TestCreateMarket_MultipleChoice(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "creator", 1000)

	m, err := svc.CreateMarket(context.Background(), "creator", "Who wins the cup?",
		model.OutcomeTypeMultipleChoice, nil, []string{"Alice", "Bob", "Carol", "Dave"})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	if len(m.Answers) != 4 {
		t.Fatalf("expected 4 answers, got %d", len(m.Answers))
	}
	for _, a := range m.Answers {
		if !a.Probability.Equal(d(0.25)) {
			t.Errorf("answer %s should open at 0.25, got %s", a.Text, a.Probability)
		}
		if a.Pool.Yes.LessThanOrEqual(decimal.Zero) || a.Pool.No.LessThanOrEqual(decimal.Zero) {
			t.Errorf("answer %s pool not seeded: {%s, %s}", a.Text, a.Pool.Yes, a.Pool.No)
		}
	}
}

func TestCreateMarket_Invalid(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "creator", 1000)
	ctx := context.Background()

	if _, err := svc.CreateMarket(ctx, "creator", "", model.OutcomeTypeBinary, nil, nil); !errors.Is(err, trade.ErrInvalidMarket) {
		t.Errorf("empty question: expected ErrInvalidMarket, got %v", err)
	}
	past := time.Now().UTC().Add(-time.Hour)
	if _, err := svc.CreateMarket(ctx, "creator", "q", model.OutcomeTypeBinary, &past, nil); !errors.Is(err, trade.ErrInvalidMarket) {
		t.Errorf("past close time: expected ErrInvalidMarket, got %v", err)
	}
	if _, err := svc.CreateMarket(ctx, "creator", "q", model.OutcomeTypeMultipleChoice, nil, []string{"only"}); !errors.Is(err, trade.ErrInvalidMarket) {
		t.Errorf("single answer: expected ErrInvalidMarket, got %v", err)
	}
}

func TestCreateMarket_BrokeCreator(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "creator", 50) // ante is 100

	_, err := svc.CreateMarket(context.Background(), "creator", "q", model.OutcomeTypeBinary, nil, nil)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := ms.GetUser(context.Background(), "creator"); err != nil {
		t.Fatal(err)
	}
	markets, _ := ms.ListMarkets(context.Background())
	if len(markets) != 0 {
		t.Errorf("failed creation must not persist a market, got %d", len(markets))
	}
}

// --- Bets ---

func TestPlaceBet_SettlesAtomically(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "creator", 1000)
	seedUser(t, ms, "alice", 500)
	m := createBinaryMarket(t, svc, "creator")
	ctx := context.Background()

	bet, err := svc.PlaceBet(ctx, m.ID, "alice", d(50), model.OutcomeYes, "")
	if err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	if !bet.Shares.IsPositive() {
		t.Errorf("shares should be positive, got %s", bet.Shares)
	}
	if !bet.ProbAfter.GreaterThan(bet.ProbBefore) {
		t.Errorf("YES bet should raise probability: %s -> %s", bet.ProbBefore, bet.ProbAfter)
	}

	alice, _ := ms.GetUser(ctx, "alice")
	if !alice.Balance.Equal(d(450)) {
		t.Errorf("stake should be debited: expected 450, got %s", alice.Balance)
	}

	// Creator fee (1% of 50) lands immediately.
	creator, _ := ms.GetUser(ctx, "creator")
	if !creator.Balance.Equal(d(900.5)) {
		t.Errorf("creator should receive 0.5 fee: expected 900.5, got %s", creator.Balance)
	}

	got, _ := ms.GetMarket(ctx, m.ID)
	if !got.Volume.Equal(d(50)) {
		t.Errorf("volume: expected 50, got %s", got.Volume)
	}
	if got.UniqueBettorCount != 1 {
		t.Errorf("unique bettors: expected 1, got %d", got.UniqueBettorCount)
	}
	if got.Version != m.Version+1 {
		t.Errorf("version should advance: %d -> %d", m.Version, got.Version)
	}
}

func TestPlaceBet_InsufficientBalanceLeavesNothing(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "creator", 1000)
	seedUser(t, ms, "alice", 10)
	m := createBinaryMarket(t, svc, "creator")
	ctx := context.Background()

	before, _ := ms.GetMarket(ctx, m.ID)

	_, err := svc.PlaceBet(ctx, m.ID, "alice", d(50), model.OutcomeYes, "")
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	after, _ := ms.GetMarket(ctx, m.ID)
	if !after.Pool.Yes.Equal(before.Pool.Yes) || !after.Pool.No.Equal(before.Pool.No) {
		t.Error("failed bet must not move the pool")
	}
	bets, _ := ms.GetBetsByMarket(ctx, m.ID, 10, 0)
	if len(bets) != 0 {
		t.Errorf("failed bet must not be recorded, got %d", len(bets))
	}
	alice, _ := ms.GetUser(ctx, "alice")
	if !alice.Balance.Equal(d(10)) {
		t.Errorf("balance must be untouched: %s", alice.Balance)
	}
}

func TestPlaceBet_Validation(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "creator", 1000)
	seedUser(t, ms, "alice", 500)
	m := createBinaryMarket(t, svc, "creator")
	ctx := context.Background()

	if _, err := svc.PlaceBet(ctx, m.ID, "alice", d(0.5), model.OutcomeYes, ""); !errors.Is(err, trade.ErrBelowMinimumBet) {
		t.Errorf("below minimum: expected ErrBelowMinimumBet, got %v", err)
	}
	if _, err := svc.PlaceBet(ctx, m.ID, "alice", d(10), "MAYBE", ""); !errors.Is(err, trade.ErrInvalidOutcome) {
		t.Errorf("bad outcome: expected ErrInvalidOutcome, got %v", err)
	}
	if _, err := svc.PlaceBet(ctx, "missing", "alice", d(10), model.OutcomeYes, ""); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing market: expected ErrNotFound, got %v", err)
	}
}

func TestPlaceBet_RejectedOnResolvedMarket(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "creator", 1000)
	seedUser(t, ms, "alice", 500)
	m := createBinaryMarket(t, svc, "creator")
	ctx := context.Background()

	if err := svc.ResolveMarket(ctx, m.ID, "creator", model.ResolutionYes, "", nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := svc.PlaceBet(ctx, m.ID, "alice", d(10), model.OutcomeYes, ""); !errors.Is(err, market.ErrMarketResolved) {
		t.Errorf("expected ErrMarketResolved, got %v", err)
	}
}

func TestPlaceBet_ConcurrentBetsBothSettle(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "creator", 1000)
	seedUser(t, ms, "alice", 500)
	seedUser(t, ms, "bob", 500)
	m := createBinaryMarket(t, svc, "creator")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, user := range []string{"alice", "bob"} {
		i, user := i, user
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.PlaceBet(ctx, m.ID, user, d(50), model.OutcomeYes, "")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("bet %d failed: %v", i, err)
		}
	}

	got, _ := ms.GetMarket(ctx, m.ID)
	if !got.Volume.Equal(d(100)) {
		t.Errorf("both bets must be reflected in volume: expected 100, got %s", got.Volume)
	}
	if got.UniqueBettorCount != 2 {
		t.Errorf("expected 2 unique bettors, got %d", got.UniqueBettorCount)
	}
	bets, _ := ms.GetBetsByMarket(ctx, m.ID, 10, 0)
	if len(bets) != 2 {
		t.Errorf("expected 2 bet records, got %d", len(bets))
	}
}

// conflictStore wraps the memory store and fails the next n settlement
// scopes with ErrVersionConflict, standing in for concurrent writers
// winning the version race.
type conflictStore struct {
	*store.MemoryStore
	mu        sync.Mutex
	conflicts int
}

func (cs *conflictStore) setConflicts(n int) {
	cs.mu.Lock()
	cs.conflicts = n
	cs.mu.Unlock()
}

func (cs *conflictStore) ExecTx(ctx context.Context, fn func(tx store.Tx) error) error {
	cs.mu.Lock()
	if cs.conflicts > 0 {
		cs.conflicts--
		cs.mu.Unlock()
		return store.ErrVersionConflict
	}
	cs.mu.Unlock()
	return cs.MemoryStore.ExecTx(ctx, fn)
}

func TestPlaceBet_RetriesVersionConflicts(t *testing.T) {
	ms := store.NewMemoryStore()
	cs := &conflictStore{MemoryStore: ms}
	svc := trade.NewService(cs, trade.DefaultParams(), nil)
	seedUser(t, ms, "creator", 1000)
	seedUser(t, ms, "alice", 500)
	m := createBinaryMarket(t, svc, "creator")
	ctx := context.Background()

	// Three losses of the version race, then a clean commit.
	cs.setConflicts(3)
	bet, err := svc.PlaceBet(ctx, m.ID, "alice", d(50), model.OutcomeYes, "")
	if err != nil {
		t.Fatalf("bet should settle after retries: %v", err)
	}
	if bet.Shares.LessThanOrEqual(decimal.Zero) {
		t.Errorf("settled bet must carry shares, got %s", bet.Shares)
	}

	got, _ := ms.GetMarket(ctx, m.ID)
	if !got.Volume.Equal(d(50)) {
		t.Errorf("retried bet must settle exactly once: expected volume 50, got %s", got.Volume)
	}
	alice, _ := ms.GetUser(ctx, "alice")
	if !alice.Balance.Equal(d(450)) {
		t.Errorf("retried bet must debit exactly once: expected 450, got %s", alice.Balance)
	}
}

func TestPlaceBet_ConflictExhaustionSurfacesMarketBusy(t *testing.T) {
	ms := store.NewMemoryStore()
	cs := &conflictStore{MemoryStore: ms}
	svc := trade.NewService(cs, trade.DefaultParams(), nil)
	seedUser(t, ms, "creator", 1000)
	seedUser(t, ms, "alice", 500)
	m := createBinaryMarket(t, svc, "creator")
	ctx := context.Background()

	// More conflicts than the retry budget allows.
	cs.setConflicts(100)
	if _, err := svc.PlaceBet(ctx, m.ID, "alice", d(50), model.OutcomeYes, ""); !errors.Is(err, trade.ErrMarketBusy) {
		t.Fatalf("expected ErrMarketBusy, got %v", err)
	}

	// Nothing may have settled.
	alice, _ := ms.GetUser(ctx, "alice")
	if !alice.Balance.Equal(d(500)) {
		t.Errorf("exhausted bet must not debit: expected 500, got %s", alice.Balance)
	}
	bets, _ := ms.GetBetsByMarket(ctx, m.ID, 10, 0)
	if len(bets) != 0 {
		t.Errorf("exhausted bet must not persist, got %d bets", len(bets))
	}
}

func TestPlaceBet_CancelledContextStopsRetrying(t *testing.T) {
	ms := store.NewMemoryStore()
	cs := &conflictStore{MemoryStore: ms}
	svc := trade.NewService(cs, trade.DefaultParams(), nil)
	seedUser(t, ms, "creator", 1000)
	seedUser(t, ms, "alice", 500)
	m := createBinaryMarket(t, svc, "creator")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cs.setConflicts(100)
	if _, err := svc.PlaceBet(ctx, m.ID, "alice", d(50), model.OutcomeYes, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// --- Selling ---

func TestSellShares_RoundTrip(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "creator", 1000)
	seedUser(t, ms, "alice", 500)
	m := createBinaryMarket(t, svc, "creator")
	ctx := context.Background()

	buy, err := svc.PlaceBet(ctx, m.ID, "alice", d(50), model.OutcomeYes, "")
	if err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	// nil shares sells the entire position.
	sell, err := svc.SellShares(ctx, m.ID, "alice", model.OutcomeYes, nil, "")
	if err != nil {
		t.Fatalf("SellShares: %v", err)
	}
	if !sell.IsRedemption {
		t.Error("sale should be flagged as redemption")
	}
	if !sell.Shares.Equal(buy.Shares.Neg()) {
		t.Errorf("sell-all should negate the position: bought %s, sold %s", buy.Shares, sell.Shares)
	}

	// Fees make the round trip a net loss.
	alice, _ := ms.GetUser(ctx, "alice")
	if !alice.Balance.LessThan(d(500)) {
		t.Errorf("round trip with fees must lose money, balance %s", alice.Balance)
	}
	if alice.Balance.LessThan(d(490)) {
		t.Errorf("loss should be on the order of the fees, balance %s", alice.Balance)
	}

	// Position is now empty; another sell must fail.
	if _, err := svc.SellShares(ctx, m.ID, "alice", model.OutcomeYes, nil, ""); !errors.Is(err, trade.ErrInvalidShares) {
		t.Errorf("selling an empty position: expected ErrInvalidShares, got %v", err)
	}
}

func TestSellShares_CannotOversell(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "creator", 1000)
	seedUser(t, ms, "alice", 500)
	m := createBinaryMarket(t, svc, "creator")
	ctx := context.Background()

	bet, err := svc.PlaceBet(ctx, m.ID, "alice", d(50), model.OutcomeYes, "")
	if err != nil {
		t.Fatalf("PlaceBet: %v", err)
	}

	tooMany := bet.Shares.Add(d(1))
	if _, err := svc.SellShares(ctx, m.ID, "alice", model.OutcomeYes, &tooMany, ""); !errors.Is(err, trade.ErrInvalidShares) {
		t.Errorf("overselling: expected ErrInvalidShares, got %v", err)
	}
	// Holding YES grants no NO shares.
	if _, err := svc.SellShares(ctx, m.ID, "alice", model.OutcomeNo, nil, ""); !errors.Is(err, trade.ErrInvalidShares) {
		t.Errorf("selling the other side: expected ErrInvalidShares, got %v", err)
	}
}

// --- Resolution ---

func TestResolveMarket_CreatorOnlyAndOnce(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "creator", 1000)
	seedUser(t, ms, "mallory", 1000)
	m := createBinaryMarket(t, svc, "creator")
	ctx := context.Background()

	if err := svc.ResolveMarket(ctx, m.ID, "mallory", model.ResolutionYes, "", nil); !errors.Is(err, trade.ErrNotCreator) {
		t.Errorf("non-creator: expected ErrNotCreator, got %v", err)
	}
	if err := svc.ResolveMarket(ctx, m.ID, "creator", model.ResolutionYes, "", nil); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := svc.ResolveMarket(ctx, m.ID, "creator", model.ResolutionNo, "", nil); !errors.Is(err, market.ErrAlreadyResolved) {
		t.Errorf("double resolve: expected ErrAlreadyResolved, got %v", err)
	}

	got, _ := ms.GetMarket(ctx, m.ID)
	if got.Status != model.StatusResolved || got.Resolution != model.ResolutionYes {
		t.Errorf("resolution not persisted: %s / %s", got.Status, got.Resolution)
	}
}

// --- Users ---

func TestCreateUser_SignupGift(t *testing.T) {
	svc, ms := newTestEnv(t)
	ctx := context.Background()

	u, err := svc.CreateUser(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if !u.Balance.Equal(d(1000)) {
		t.Errorf("signup gift: expected 1000, got %s", u.Balance)
	}

	txns, _ := ms.GetTxnsByUser(ctx, u.ID, 10, 0)
	if len(txns) != 1 || txns[0].Category != model.CategorySignupBonus {
		t.Errorf("expected one SIGNUP_BONUS txn, got %+v", txns)
	}
}

// --- HTTP surface ---

func TestHTTP_PlaceBetFlow(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "creator", 1000)
	seedUser(t, ms, "alice", 500)
	m := createBinaryMarket(t, svc, "creator")

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) { svc.Routes(r) })

	body, _ := json.Marshal(map[string]any{
		"user_id": "alice",
		"amount":  "50",
		"outcome": "YES",
	})
	req := httptest.NewRequest("POST", "/api/v1/markets/"+m.ID+"/bets", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var bet model.Bet
	if err := json.Unmarshal(w.Body.Bytes(), &bet); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if bet.ID == "" || !bet.Shares.IsPositive() {
		t.Errorf("unexpected bet payload: %+v", bet)
	}
}

func TestHTTP_ErrorMapping(t *testing.T) {
	svc, ms := newTestEnv(t)
	seedUser(t, ms, "creator", 1000)
	seedUser(t, ms, "poor", 1)
	m := createBinaryMarket(t, svc, "creator")

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) { svc.Routes(r) })

	do := func(path string, payload map[string]any) *httptest.ResponseRecorder {
		body, _ := json.Marshal(payload)
		req := httptest.NewRequest("POST", path, bytes.NewReader(body))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := do("/api/v1/markets/missing/bets", map[string]any{"user_id": "poor", "amount": "10", "outcome": "YES"}); w.Code != http.StatusNotFound {
		t.Errorf("missing market: expected 404, got %d", w.Code)
	}
	if w := do("/api/v1/markets/"+m.ID+"/bets", map[string]any{"user_id": "poor", "amount": "10", "outcome": "YES"}); w.Code != http.StatusPaymentRequired {
		t.Errorf("broke bettor: expected 402, got %d", w.Code)
	}
	if w := do("/api/v1/markets/"+m.ID+"/bets", map[string]any{"user_id": "poor", "amount": "10", "outcome": "MAYBE"}); w.Code != http.StatusBadRequest {
		t.Errorf("bad outcome: expected 400, got %d", w.Code)
	}
	if w := do("/api/v1/markets/"+m.ID+"/resolve", map[string]any{"resolver_id": "poor", "resolution": "YES"}); w.Code != http.StatusForbidden {
		t.Errorf("non-creator resolve: expected 403, got %d", w.Code)
	}
}

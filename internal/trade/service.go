// Package trade implements the trade settlement orchestrator and the
// HTTP surface over it: placing bets, selling shares, creating markets,
// and resolving them. Every settlement runs as one atomic scope keyed by
// the market — pool write, balance moves, and the bet record commit or
// roll back together.
//
// All monetary values use shopspring/decimal — never float64 for money.
package trade

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/foresight/exchange-engine/internal/cpmm"
	"github.com/foresight/exchange-engine/internal/ledger"
	"github.com/foresight/exchange-engine/internal/market"
	"github.com/foresight/exchange-engine/internal/metrics"
	"github.com/foresight/exchange-engine/internal/model"
	"github.com/foresight/exchange-engine/internal/store"
)

var (
	// ErrBelowMinimumBet is returned when a bet amount is under the minimum.
	ErrBelowMinimumBet = errors.New("trade: bet amount below minimum")

	// ErrInvalidOutcome is returned for an unrecognised outcome side.
	ErrInvalidOutcome = errors.New("trade: outcome must be YES or NO")

	// ErrInvalidShares is returned when a sale's share count is not
	// positive or exceeds the user's holdings.
	ErrInvalidShares = errors.New("trade: shares must be positive and within holdings")

	// ErrMarketBusy is returned after version-conflict retries are
	// exhausted.
	ErrMarketBusy = errors.New("trade: market busy, retry later")

	// ErrNotCreator is returned when someone other than the market's
	// creator attempts resolution.
	ErrNotCreator = errors.New("trade: only the market creator may resolve")

	// ErrAnswerRequired is returned for a multiple-choice trade without an
	// answer id.
	ErrAnswerRequired = errors.New("trade: answer id required for multiple-choice market")

	// ErrInvalidMarket is returned for malformed market creation input.
	ErrInvalidMarket = errors.New("trade: invalid market definition")
)

// Params tunes the settlement policy. Zero values fall back to defaults.
type Params struct {
	BuyFees    cpmm.FeeSchedule
	Ante       decimal.Decimal
	MinBet     decimal.Decimal
	SignupGift decimal.Decimal
	MaxRetries int
}

// DefaultParams is the production policy: standard buy fees, flat 100
// ante, minimum bet 1, signup gift 1000, five conflict retries. Sells
// are always fee-free.
func DefaultParams() Params {
	return Params{
		BuyFees:    cpmm.DefaultFees,
		Ante:       decimal.NewFromInt(100),
		MinBet:     decimal.NewFromInt(1),
		SignupGift: decimal.NewFromInt(1000),
		MaxRetries: 5,
	}
}

// Service orchestrates trade settlement against the store. Concurrency
// control is optimistic: market writes are compare-and-swapped on the
// market version and the whole settlement is retried on conflict, so two
// trades against one market can never interleave their
// read-modify-write.
type Service struct {
	store     store.Store
	params    Params
	wsHub     *WSHub // optional hub for real-time broadcasts
	onResolve func(ctx context.Context, marketID string) error
}

// NewService creates a new settlement service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, params Params, hub *WSHub) *Service {
	if params.MaxRetries <= 0 {
		params.MaxRetries = 5
	}
	return &Service{store: st, params: params, wsHub: hub}
}

// Store exposes the read model backing this service.
func (s *Service) Store() store.Reader { return s.store }

// OnResolve registers a hook run after a market resolution commits.
// Used to kick off payout settlement.
func (s *Service) OnResolve(fn func(ctx context.Context, marketID string) error) {
	s.onResolve = fn
}

// withRetry runs one settlement attempt repeatedly until it commits,
// fails with a non-conflict error, or exhausts the retry budget. Each
// retry re-reads market state inside a fresh scope, so the losing writer
// recomputes on the post-update pool rather than its stale snapshot.
func (s *Service) withRetry(ctx context.Context, fn func(tx store.Tx) error) error {
	for attempt := 0; attempt < s.params.MaxRetries; attempt++ {
		err := s.store.ExecTx(ctx, fn)
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		metrics.VersionConflicts.Inc()
		backoff := time.Duration(attempt+1)*5*time.Millisecond + time.Duration(rand.Int63n(int64(5*time.Millisecond)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return ErrMarketBusy
}

// PlaceBet settles a buy of `outcome` for `amount` against the market.
// The bet itself is the ledger record for the stake; the creator fee is
// a separate txn from the market contract to the creator.
func (s *Service) PlaceBet(ctx context.Context, marketID, userID string, amount decimal.Decimal, outcome model.Outcome, answerID string) (*model.Bet, error) {
	if amount.LessThan(s.params.MinBet) {
		return nil, ErrBelowMinimumBet
	}
	if !outcome.IsValid() {
		return nil, ErrInvalidOutcome
	}

	start := time.Now()
	var bet *model.Bet

	err := s.withRetry(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := market.CheckTradable(m, now); err != nil {
			return err
		}

		pool, probBefore, err := tradePool(m, answerID)
		if err != nil {
			return err
		}

		res, err := cpmm.Buy(pool, amount, outcome, s.params.BuyFees)
		if err != nil {
			return err
		}

		// Stake leaves the bettor before anything else; insufficient
		// balance aborts the scope with no writes surviving.
		if err := ledger.Debit(ctx, tx, userID, amount); err != nil {
			return err
		}

		if res.Fees.Creator.IsPositive() {
			_, err := ledger.Record(ctx, tx, &model.Txn{
				FromType: model.EndpointContract,
				FromID:   m.ID,
				ToType:   model.EndpointUser,
				ToID:     m.CreatorID,
				Amount:   res.Fees.Creator,
				Category: model.CategoryBetFee,
				Data:     map[string]string{"market_id": m.ID},
			})
			if err != nil {
				return err
			}
		}

		priorBets, err := tx.CountNonRedemptionBets(ctx, m.ID, userID)
		if err != nil {
			return err
		}

		expected := m.Version
		if err := market.ApplyTrade(m, market.TradeDelta{
			AnswerID:    answerID,
			NewPool:     res.NewPool,
			NewProb:     res.NewProb,
			Volume:      amount,
			NewBettor:   priorBets == 0,
			LiquidityIn: res.Fees.Liquidity,
		}, now); err != nil {
			return err
		}
		if err := tx.UpdateMarket(ctx, m, expected); err != nil {
			return err
		}

		bet = &model.Bet{
			ID:         uuid.New().String(),
			MarketID:   m.ID,
			AnswerID:   answerID,
			UserID:     userID,
			Amount:     amount,
			Outcome:    outcome,
			Shares:     res.Shares,
			ProbBefore: probBefore,
			ProbAfter:  res.NewProb,
			Fees:       res.Fees,
			CreatedAt:  now,
		}
		return tx.InsertBet(ctx, bet)
	})
	if err != nil {
		return nil, err
	}

	metrics.BetsTotal.WithLabelValues(string(outcome), "buy").Inc()
	metrics.SettlementLatency.WithLabelValues("place_bet").Observe(time.Since(start).Seconds())

	slog.Info("bet settled",
		"bet_id", bet.ID,
		"market", marketID,
		"user", userID,
		"outcome", outcome,
		"amount", amount.String(),
		"shares", bet.Shares.String(),
		"prob_before", bet.ProbBefore.String(),
		"prob_after", bet.ProbAfter.String(),
	)
	s.broadcastTrade(bet)
	return bet, nil
}

// SellShares settles a sale of shares back into the pool. A nil
// shares argument sells the user's entire position in the outcome,
// derived from their bet history; position is never a stored quantity.
// Sells charge no fees under the default policy.
func (s *Service) SellShares(ctx context.Context, marketID, userID string, outcome model.Outcome, shares *decimal.Decimal, answerID string) (*model.Bet, error) {
	if !outcome.IsValid() {
		return nil, ErrInvalidOutcome
	}

	start := time.Now()
	var bet *model.Bet

	err := s.withRetry(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := market.CheckTradable(m, now); err != nil {
			return err
		}

		pool, probBefore, err := tradePool(m, answerID)
		if err != nil {
			return err
		}

		userBets, err := tx.GetUserBets(ctx, m.ID, userID)
		if err != nil {
			return err
		}
		owned := position(userBets, outcome, answerID)

		toSell := owned
		if shares != nil {
			toSell = *shares
		}
		if toSell.LessThanOrEqual(decimal.Zero) || toSell.GreaterThan(owned) {
			return ErrInvalidShares
		}

		res, err := cpmm.Sell(pool, toSell, outcome)
		if err != nil {
			return err
		}

		if err := ledger.Credit(ctx, tx, userID, res.SaleValue); err != nil {
			return err
		}

		expected := m.Version
		if err := market.ApplyTrade(m, market.TradeDelta{
			AnswerID: answerID,
			NewPool:  res.NewPool,
			NewProb:  res.NewProb,
			Volume:   res.SaleValue,
		}, now); err != nil {
			return err
		}
		if err := tx.UpdateMarket(ctx, m, expected); err != nil {
			return err
		}

		bet = &model.Bet{
			ID:           uuid.New().String(),
			MarketID:     m.ID,
			AnswerID:     answerID,
			UserID:       userID,
			Amount:       res.SaleValue.Neg(),
			Outcome:      outcome,
			Shares:       toSell.Neg(),
			ProbBefore:   probBefore,
			ProbAfter:    res.NewProb,
			IsRedemption: true,
			CreatedAt:    now,
		}
		return tx.InsertBet(ctx, bet)
	})
	if err != nil {
		return nil, err
	}

	metrics.BetsTotal.WithLabelValues(string(outcome), "sell").Inc()
	metrics.SettlementLatency.WithLabelValues("sell_shares").Observe(time.Since(start).Seconds())

	slog.Info("shares sold",
		"bet_id", bet.ID,
		"market", marketID,
		"user", userID,
		"outcome", outcome,
		"shares", bet.Shares.String(),
		"sale_value", bet.Amount.Neg().String(),
	)
	s.broadcastTrade(bet)
	return bet, nil
}

// CreateMarket opens a new market seeded by the creator's ante. Binary
// markets start at probability 0.5; multiple-choice markets split the
// ante evenly across answers, each sub-pool seeded at 1/N.
func (s *Service) CreateMarket(ctx context.Context, creatorID, question string, outcomeType model.OutcomeType, closeTime *time.Time, answers []string) (*model.Market, error) {
	if question == "" {
		return nil, ErrInvalidMarket
	}
	now := time.Now().UTC()
	if closeTime != nil && !closeTime.After(now) {
		return nil, ErrInvalidMarket
	}

	m := &model.Market{
		ID:             uuid.New().String(),
		CreatorID:      creatorID,
		Question:       question,
		OutcomeType:    outcomeType,
		TotalLiquidity: s.params.Ante,
		Volume:         decimal.Zero,
		Status:         model.StatusOpen,
		CloseTime:      closeTime,
		CreatedAt:      now,
	}

	half := decimal.NewFromFloat(0.5)
	switch outcomeType {
	case model.OutcomeTypeBinary:
		if len(answers) != 0 {
			return nil, ErrInvalidMarket
		}
		pool, err := cpmm.InitialPool(half, s.params.Ante)
		if err != nil {
			return nil, err
		}
		m.Pool = pool
		m.Probability = cpmm.Probability(pool)

	case model.OutcomeTypeMultipleChoice:
		if len(answers) < 2 {
			return nil, ErrInvalidMarket
		}
		n := decimal.NewFromInt(int64(len(answers)))
		prob := decimal.NewFromInt(1).Div(n).Round(cpmm.Scale)
		anteEach := s.params.Ante.Div(n).Round(cpmm.Scale)
		for _, text := range answers {
			pool, err := cpmm.InitialPool(prob, anteEach)
			if err != nil {
				return nil, err
			}
			m.Answers = append(m.Answers, model.Answer{
				ID:          uuid.New().String(),
				MarketID:    m.ID,
				Text:        text,
				Pool:        pool,
				Probability: cpmm.Probability(pool),
			})
		}

	default:
		return nil, ErrInvalidMarket
	}

	err := s.store.ExecTx(ctx, func(tx store.Tx) error {
		// Ante is creator-funded, not bank-funded.
		_, err := ledger.Record(ctx, tx, &model.Txn{
			FromType: model.EndpointUser,
			FromID:   creatorID,
			ToType:   model.EndpointContract,
			ToID:     m.ID,
			Amount:   s.params.Ante,
			Category: model.CategoryMarketAnte,
			Data:     map[string]string{"market_id": m.ID},
		})
		if err != nil {
			return err
		}
		return tx.CreateMarket(ctx, m)
	})
	if err != nil {
		return nil, err
	}

	metrics.MarketsCreated.WithLabelValues(string(outcomeType)).Inc()
	slog.Info("market created",
		"market", m.ID,
		"creator", creatorID,
		"outcome_type", outcomeType,
		"ante", s.params.Ante.String(),
	)
	return m, nil
}

// ResolveMarket sets the market's terminal resolution. Only the creator
// may resolve, and only once. Payout distribution is the separate
// settlement batch.
func (s *Service) ResolveMarket(ctx context.Context, marketID, resolverID string, kind model.ResolutionKind, answerID string, prob *decimal.Decimal) error {
	err := s.withRetry(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.CreatorID != resolverID {
			return ErrNotCreator
		}
		expected := m.Version
		if err := market.Resolve(m, kind, answerID, prob, time.Now().UTC()); err != nil {
			return err
		}
		return tx.UpdateMarket(ctx, m, expected)
	})
	if err != nil {
		return err
	}

	slog.Info("market resolved",
		"market", marketID,
		"resolver", resolverID,
		"resolution", kind,
	)
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:       "market_resolved",
			MarketID:   marketID,
			Resolution: string(kind),
		})
	}

	if s.onResolve != nil {
		if err := s.onResolve(ctx, marketID); err != nil {
			// Payouts are idempotent and re-runnable; resolution stands.
			slog.Error("payout settlement failed", "market", marketID, "err", err)
		}
	}
	return nil
}

// CreateUser registers a trader and issues the signup gift from the bank.
func (s *Service) CreateUser(ctx context.Context, name string) (*model.User, error) {
	u := &model.User{
		ID:        uuid.New().String(),
		Name:      name,
		Balance:   decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}
	err := s.store.ExecTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateUser(ctx, u); err != nil {
			return err
		}
		if !s.params.SignupGift.IsPositive() {
			return nil
		}
		_, err := ledger.Record(ctx, tx, &model.Txn{
			FromType: model.EndpointBank,
			FromID:   "bank",
			ToType:   model.EndpointUser,
			ToID:     u.ID,
			Amount:   s.params.SignupGift,
			Category: model.CategorySignupBonus,
		})
		if err != nil {
			return err
		}
		u.Balance = s.params.SignupGift
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("user created", "user", u.ID, "balance", u.Balance.String())
	return u, nil
}

// TopUp issues play currency from the bank to a user.
func (s *Service) TopUp(ctx context.Context, userID string, amount decimal.Decimal) (*model.Txn, error) {
	var txn *model.Txn
	err := s.store.ExecTx(ctx, func(tx store.Tx) error {
		var err error
		txn, err = ledger.Record(ctx, tx, &model.Txn{
			FromType: model.EndpointBank,
			FromID:   "bank",
			ToType:   model.EndpointUser,
			ToID:     userID,
			Amount:   amount,
			Category: model.CategoryManaPurchase,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// tradePool selects the pool a trade settles against: the market's own
// pool for binary markets, the answer's sub-pool for multiple choice.
func tradePool(m *model.Market, answerID string) (model.Pool, decimal.Decimal, error) {
	if m.OutcomeType == model.OutcomeTypeBinary {
		if answerID != "" {
			return model.Pool{}, decimal.Zero, ErrInvalidMarket
		}
		return m.Pool, m.Probability, nil
	}
	if answerID == "" {
		return model.Pool{}, decimal.Zero, ErrAnswerRequired
	}
	for i := range m.Answers {
		if m.Answers[i].ID == answerID {
			return m.Answers[i].Pool, m.Answers[i].Probability, nil
		}
	}
	return model.Pool{}, decimal.Zero, store.ErrNotFound
}

// position derives a user's current holdings in an outcome from their
// signed bet history: buys add, redemptions subtract.
func position(bets []model.Bet, outcome model.Outcome, answerID string) decimal.Decimal {
	total := decimal.Zero
	for _, b := range bets {
		if b.Outcome == outcome && b.AnswerID == answerID {
			total = total.Add(b.Shares)
		}
	}
	return total
}

func (s *Service) broadcastTrade(b *model.Bet) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:      "trade_settled",
		MarketID:  b.MarketID,
		AnswerID:  b.AnswerID,
		Outcome:   string(b.Outcome),
		Amount:    b.Amount.String(),
		Shares:    b.Shares.String(),
		ProbAfter: b.ProbAfter.String(),
	})
}

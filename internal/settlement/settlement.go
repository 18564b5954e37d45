// Package settlement distributes resolution payouts. Once a market is
// resolved, every holder's position is valued under the resolution
// policy and paid out from the market contract. Each user's payout is
// its own atomic scope and is idempotent: re-running settlement for a
// market never pays anyone twice.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/foresight/exchange-engine/internal/ledger"
	"github.com/foresight/exchange-engine/internal/metrics"
	"github.com/foresight/exchange-engine/internal/model"
	"github.com/foresight/exchange-engine/internal/store"
)

var (
	// ErrNotResolved is returned when settlement is requested for a
	// market that has no terminal resolution yet.
	ErrNotResolved = errors.New("settlement: market is not resolved")
)

// DefaultProfitFee is the platform's cut of realized profit on payout.
var DefaultProfitFee = decimal.NewFromFloat(0.05)

// Settler pays out resolved markets.
type Settler struct {
	store       store.Store
	profitFee   decimal.Decimal
	concurrency int
}

// NewSettler creates a settler. Concurrency bounds how many users are
// paid out in parallel; values below 1 are clamped to 4.
func NewSettler(st store.Store, profitFee decimal.Decimal, concurrency int) *Settler {
	if concurrency < 1 {
		concurrency = 4
	}
	return &Settler{store: st, profitFee: profitFee, concurrency: concurrency}
}

// position aggregates one user's standing in a market from their signed
// bet history.
type position struct {
	userID string
	// shares[answerID][outcome]; binary markets use the empty answer id.
	shares   map[string]map[model.Outcome]decimal.Decimal
	netStake decimal.Decimal
}

// SettleMarket values every holder's position under the market's
// resolution and issues the payout txns. Users already paid for this
// market are skipped, so the batch is safe to re-run after a partial
// failure.
func (s *Settler) SettleMarket(ctx context.Context, marketID string) error {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return err
	}
	if m.Status != model.StatusResolved || m.Resolution == "" {
		return ErrNotResolved
	}

	start := time.Now()
	positions, err := s.collectPositions(ctx, m)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, pos := range positions {
		pos := pos
		g.Go(func() error {
			return s.payOut(gctx, m, pos)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	metrics.SettlementLatency.WithLabelValues("resolve_payouts").Observe(time.Since(start).Seconds())
	slog.Info("market settled",
		"market", m.ID,
		"resolution", m.Resolution,
		"holders", len(positions),
	)
	return nil
}

func (s *Settler) collectPositions(ctx context.Context, m *model.Market) ([]*position, error) {
	const page = 500
	byUser := make(map[string]*position)
	var order []string

	for offset := 0; ; offset += page {
		bets, err := s.store.GetBetsByMarket(ctx, m.ID, page, offset)
		if err != nil {
			return nil, err
		}
		for _, b := range bets {
			pos, ok := byUser[b.UserID]
			if !ok {
				pos = &position{
					userID:   b.UserID,
					shares:   make(map[string]map[model.Outcome]decimal.Decimal),
					netStake: decimal.Zero,
				}
				byUser[b.UserID] = pos
				order = append(order, b.UserID)
			}
			if pos.shares[b.AnswerID] == nil {
				pos.shares[b.AnswerID] = make(map[model.Outcome]decimal.Decimal)
			}
			pos.shares[b.AnswerID][b.Outcome] = pos.shares[b.AnswerID][b.Outcome].Add(b.Shares)
			pos.netStake = pos.netStake.Add(b.Amount)
		}
		if len(bets) < page {
			break
		}
	}

	out := make([]*position, 0, len(order))
	for _, id := range order {
		out = append(out, byUser[id])
	}
	return out, nil
}

// payOut settles one user in one atomic scope. The payout txn and the
// profit fee txn commit together or not at all.
func (s *Settler) payOut(ctx context.Context, m *model.Market, pos *position) error {
	gross := payoutValue(m, pos)
	if !gross.IsPositive() {
		return nil
	}

	fee := decimal.Zero
	if m.Resolution != model.ResolutionCancel {
		profit := gross.Sub(pos.netStake)
		if profit.IsPositive() {
			fee = profit.Mul(s.profitFee).Round(8)
		}
	}
	net := gross.Sub(fee)

	err := s.store.ExecTx(ctx, func(tx store.Tx) error {
		paid, err := tx.HasPayoutTxn(ctx, m.ID, pos.userID)
		if err != nil {
			return err
		}
		if paid {
			return nil
		}

		if _, err := ledger.Record(ctx, tx, &model.Txn{
			FromType: model.EndpointContract,
			FromID:   m.ID,
			ToType:   model.EndpointUser,
			ToID:     pos.userID,
			Amount:   net,
			Category: model.CategoryResolutionPayout,
			Data:     map[string]string{"market_id": m.ID},
		}); err != nil {
			return err
		}

		if fee.IsPositive() {
			if _, err := ledger.Record(ctx, tx, &model.Txn{
				FromType: model.EndpointContract,
				FromID:   m.ID,
				ToType:   model.EndpointBank,
				ToID:     "bank",
				Amount:   fee,
				Category: model.CategoryResolutionFee,
				Data:     map[string]string{"market_id": m.ID, "user_id": pos.userID},
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.ResolutionPayouts.Inc()
	slog.Info("payout issued",
		"market", m.ID,
		"user", pos.userID,
		"gross", gross.String(),
		"fee", fee.String(),
	)
	return nil
}

// payoutValue prices a position under the market's resolution:
//
//	YES/NO: winning shares redeem at 1, losing shares at 0
//	MKT:    shares pro-rated at the resolution probability
//	CANCEL: net stake refunded
//	CHOICE: each answer resolves YES if it won, NO otherwise
func payoutValue(m *model.Market, pos *position) decimal.Decimal {
	switch m.Resolution {
	case model.ResolutionYes:
		return pos.shares[""][model.OutcomeYes]

	case model.ResolutionNo:
		return pos.shares[""][model.OutcomeNo]

	case model.ResolutionMkt:
		if m.ResolutionProbability == nil {
			return decimal.Zero
		}
		p := *m.ResolutionProbability
		yes := pos.shares[""][model.OutcomeYes]
		no := pos.shares[""][model.OutcomeNo]
		return yes.Mul(p).Add(no.Mul(decimal.NewFromInt(1).Sub(p)))

	case model.ResolutionCancel:
		return pos.netStake

	case model.ResolutionChoice:
		total := decimal.Zero
		for answerID, sides := range pos.shares {
			if answerID == m.ResolutionAnswerID {
				total = total.Add(sides[model.OutcomeYes])
			} else {
				total = total.Add(sides[model.OutcomeNo])
			}
		}
		return total

	default:
		return decimal.Zero
	}
}

// Package cpmm implements the constant-product market maker (CPMM) used
// to price trades against a two-sided YES/NO pool.
//
// The pricing rule holds pool.YES * pool.NO (the constant k) fixed across
// a trade, except for the liquidity-fee halves injected into each side,
// which permanently enlarge k. That enlargement is the liquidity
// provider's income, not drift.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Every function here is pure: no I/O, no shared state.
package cpmm

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/foresight/exchange-engine/internal/model"
)

var (
	// ErrInvalidAmount is returned when a buy amount is not positive.
	ErrInvalidAmount = errors.New("cpmm: trade amount must be positive")

	// ErrInvalidShares is returned when a sell share count is not positive.
	ErrInvalidShares = errors.New("cpmm: share count must be positive")

	// ErrEmptyPool is returned when a pool side is not strictly positive.
	ErrEmptyPool = errors.New("cpmm: pool sides must be positive")

	// ErrInvalidProbability is returned when an initial probability is
	// outside (0, 1).
	ErrInvalidProbability = errors.New("cpmm: probability must be within (0, 1)")

	// ErrInvalidAnte is returned when an ante is not positive.
	ErrInvalidAnte = errors.New("cpmm: ante must be positive")

	// MinProb is the probability floor. Keeps payouts bounded and the
	// pool division well-defined.
	MinProb = decimal.NewFromFloat(0.01)

	// MaxProb is the probability ceiling.
	MaxProb = decimal.NewFromFloat(0.99)

	// MinPoolQty is the strictly-positive floor applied to each pool side
	// after every trade.
	MinPoolQty = decimal.NewFromFloat(0.01)

	// Scale is the number of decimal places for share/value rounding.
	Scale int32 = 8
)

var two = decimal.NewFromInt(2)

// FeeSchedule is the fee policy applied to a trade, expressed as
// fractions of the trade amount. Fees are deducted before the amount
// touches the pool.
type FeeSchedule struct {
	CreatorFrac   decimal.Decimal
	PlatformFrac  decimal.Decimal
	LiquidityFrac decimal.Decimal
}

// DefaultFees is the standard buy-side schedule: 1% creator, 1% platform,
// 0.3% liquidity.
var DefaultFees = FeeSchedule{
	CreatorFrac:   decimal.NewFromFloat(0.01),
	PlatformFrac:  decimal.NewFromFloat(0.01),
	LiquidityFrac: decimal.NewFromFloat(0.003),
}

// NoFees charges nothing. Sells currently use this schedule; see the
// product note on the buy/sell fee asymmetry in DESIGN.md.
var NoFees = FeeSchedule{}

// Of computes the fee breakdown for a trade amount.
func (s FeeSchedule) Of(amount decimal.Decimal) model.Fees {
	return model.Fees{
		Creator:   amount.Mul(s.CreatorFrac),
		Platform:  amount.Mul(s.PlatformFrac),
		Liquidity: amount.Mul(s.LiquidityFrac),
	}
}

// Probability returns the market probability implied by a pool:
//
//	p = pool.NO / (pool.YES + pool.NO)
//
// clamped to [MinProb, MaxProb]. A fully empty pool (pre-initialization
// only) reports 0.5.
func Probability(pool model.Pool) decimal.Decimal {
	total := pool.Yes.Add(pool.No)
	if total.IsZero() {
		return decimal.NewFromFloat(0.5)
	}
	p := pool.No.Div(total).Round(Scale)
	return clampProb(p)
}

func clampProb(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinProb) {
		return MinProb
	}
	if p.GreaterThan(MaxProb) {
		return MaxProb
	}
	return p
}

// BuyResult is the outcome of pricing a buy against a pool.
type BuyResult struct {
	Shares  decimal.Decimal
	NewPool model.Pool
	NewProb decimal.Decimal
	Fees    model.Fees
}

// Buy prices a purchase of `outcome` shares for `amount` against the
// pool under the given fee schedule.
//
// Mechanics: with k = YES*NO taken pre-fee, the amount net of fees plus
// half the liquidity fee enlarges the side opposite the purchased
// outcome (buying YES enlarges NO). The purchased side is recomputed
// from k against the enlarged opposite side, and the shares received
// are the reserve released by that recomputation. The remaining half of
// the liquidity fee then tops up the purchased side, so k grows by
// exactly the injected fee halves.
func Buy(pool model.Pool, amount decimal.Decimal, outcome model.Outcome, sched FeeSchedule) (BuyResult, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return BuyResult{}, ErrInvalidAmount
	}
	if pool.Yes.LessThanOrEqual(decimal.Zero) || pool.No.LessThanOrEqual(decimal.Zero) {
		return BuyResult{}, ErrEmptyPool
	}

	k := pool.K()
	fees := sched.Of(amount)
	amountAfterFees := amount.Sub(fees.Total())
	liqHalf := fees.Liquidity.Div(two)

	opposite := outcome.Opposite()
	newOpposite := pool.Side(opposite).Add(amountAfterFees).Add(liqHalf)
	recomputed := k.Div(newOpposite).Round(Scale)

	shares := pool.Side(outcome).Sub(recomputed)
	if shares.IsNegative() {
		shares = decimal.Zero
	}
	shares = shares.Round(Scale)

	newPurchased := recomputed.Add(liqHalf)
	newPool := pool.
		WithSide(opposite, floorQty(newOpposite)).
		WithSide(outcome, floorQty(newPurchased))

	return BuyResult{
		Shares:  shares,
		NewPool: newPool,
		NewProb: Probability(newPool),
		Fees:    fees,
	}, nil
}

// SellResult is the outcome of pricing a sell against a pool.
type SellResult struct {
	SaleValue decimal.Decimal
	NewPool   model.Pool
	NewProb   decimal.Decimal
}

// Sell prices a sale of `shares` of `outcome` back into the pool: the
// inverse of Buy without fees. The sold shares enlarge the purchased
// side; the opposite side is recomputed from k and the reserve released
// is the sale value paid to the seller.
func Sell(pool model.Pool, shares decimal.Decimal, outcome model.Outcome) (SellResult, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return SellResult{}, ErrInvalidShares
	}
	if pool.Yes.LessThanOrEqual(decimal.Zero) || pool.No.LessThanOrEqual(decimal.Zero) {
		return SellResult{}, ErrEmptyPool
	}

	k := pool.K()
	opposite := outcome.Opposite()

	newPurchased := pool.Side(outcome).Add(shares)
	newOpposite := k.Div(newPurchased).Round(Scale)

	saleValue := pool.Side(opposite).Sub(newOpposite)
	if saleValue.IsNegative() {
		saleValue = decimal.Zero
	}
	saleValue = saleValue.Round(Scale)

	newPool := pool.
		WithSide(outcome, floorQty(newPurchased)).
		WithSide(opposite, floorQty(newOpposite))

	return SellResult{
		SaleValue: saleValue,
		NewPool:   newPool,
		NewProb:   Probability(newPool),
	}, nil
}

// InitialPool constructs the ante-funded seed pool for a new market,
// solving NO/(YES+NO) = prob with YES+NO = 2*ante. At prob 0.5 this is
// simply {ante, ante}.
func InitialPool(prob, ante decimal.Decimal) (model.Pool, error) {
	if prob.LessThanOrEqual(decimal.Zero) || prob.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return model.Pool{}, ErrInvalidProbability
	}
	if ante.LessThanOrEqual(decimal.Zero) {
		return model.Pool{}, ErrInvalidAnte
	}

	total := ante.Mul(two)
	no := prob.Mul(total).Round(Scale)
	yes := total.Sub(no)

	return model.Pool{Yes: floorQty(yes), No: floorQty(no)}, nil
}

// floorQty applies the MinPoolQty floor to a pool side.
func floorQty(v decimal.Decimal) decimal.Decimal {
	if v.LessThan(MinPoolQty) {
		return MinPoolQty
	}
	return v
}

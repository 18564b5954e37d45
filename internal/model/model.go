// Package model defines the core domain types shared across the exchange
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the side of a binary market (or of one answer's sub-pool).
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// IsValid returns true if the outcome is a recognised side.
func (o Outcome) IsValid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Opposite returns the other side of the pool.
func (o Outcome) Opposite() Outcome {
	if o == OutcomeYes {
		return OutcomeNo
	}
	return OutcomeYes
}

// OutcomeType is the structure of a market's answer space.
type OutcomeType string

const (
	OutcomeTypeBinary         OutcomeType = "BINARY"
	OutcomeTypeMultipleChoice OutcomeType = "MULTIPLE_CHOICE"
)

// Status is the lifecycle state of a market.
type Status string

const (
	StatusOpen             Status = "OPEN"
	StatusClosedUnresolved Status = "CLOSED_UNRESOLVED"
	StatusResolved         Status = "RESOLVED"
)

// ResolutionKind is how a market was resolved.
type ResolutionKind string

const (
	ResolutionYes    ResolutionKind = "YES"
	ResolutionNo     ResolutionKind = "NO"
	ResolutionMkt    ResolutionKind = "MKT"    // pro-rated at resolution probability
	ResolutionCancel ResolutionKind = "CANCEL" // all stakes refunded
	ResolutionChoice ResolutionKind = "CHOICE" // multiple-choice winner (AnswerID set)
)

// Pool is the two-sided reserve backing a market's price.
// Invariant: both sides strictly positive for any initialized market.
type Pool struct {
	Yes decimal.Decimal `json:"yes" db:"pool_yes"`
	No  decimal.Decimal `json:"no" db:"pool_no"`
}

// Side returns the reserve for the given outcome.
func (p Pool) Side(o Outcome) decimal.Decimal {
	if o == OutcomeYes {
		return p.Yes
	}
	return p.No
}

// WithSide returns a copy of the pool with one side replaced.
func (p Pool) WithSide(o Outcome, v decimal.Decimal) Pool {
	if o == OutcomeYes {
		p.Yes = v
	} else {
		p.No = v
	}
	return p
}

// K returns the constant product YES * NO.
func (p Pool) K() decimal.Decimal {
	return p.Yes.Mul(p.No)
}

// Fees is the fee breakdown charged on a single buy.
type Fees struct {
	Creator   decimal.Decimal `json:"creator_fee"`
	Platform  decimal.Decimal `json:"platform_fee"`
	Liquidity decimal.Decimal `json:"liquidity_fee"`
}

// Total returns the sum of all fee components.
func (f Fees) Total() decimal.Decimal {
	return f.Creator.Add(f.Platform).Add(f.Liquidity)
}

// Answer is one sub-pool of a multiple-choice market. Each answer runs
// its own constant-product pool, seeded at probability 1/N.
type Answer struct {
	ID          string          `json:"id" db:"id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	Text        string          `json:"text" db:"text"`
	Pool        Pool            `json:"pool"`
	Probability decimal.Decimal `json:"probability" db:"probability"`
}

// Market is the canonical state of one question. Mutated only by trade
// settlement; terminal once Resolution is set.
//
// Version increments on every write and guards against lost updates:
// two concurrent settlements can never both commit against the same
// snapshot.
type Market struct {
	ID                    string           `json:"id" db:"id"`
	CreatorID             string           `json:"creator_id" db:"creator_id"`
	Question              string           `json:"question" db:"question"`
	OutcomeType           OutcomeType      `json:"outcome_type" db:"outcome_type"`
	Pool                  Pool             `json:"pool"`
	Probability           decimal.Decimal  `json:"probability" db:"probability"`
	TotalLiquidity        decimal.Decimal  `json:"total_liquidity" db:"total_liquidity"`
	Volume                decimal.Decimal  `json:"volume" db:"volume"`
	UniqueBettorCount     uint64           `json:"unique_bettor_count" db:"unique_bettor_count"`
	Answers               []Answer         `json:"answers,omitempty"`
	Status                Status           `json:"status" db:"status"`
	CloseTime             *time.Time       `json:"close_time,omitempty" db:"close_time"`
	Resolution            ResolutionKind   `json:"resolution,omitempty" db:"resolution"`
	ResolutionAnswerID    string           `json:"resolution_answer_id,omitempty" db:"resolution_answer_id"`
	ResolutionProbability *decimal.Decimal `json:"resolution_probability,omitempty" db:"resolution_probability"`
	ResolutionTime        *time.Time       `json:"resolution_time,omitempty" db:"resolution_time"`
	Version               int64            `json:"version" db:"version"`
	CreatedAt             time.Time        `json:"created_at" db:"created_at"`
}

// Bet is an immutable record of one settlement against a market.
// Corrections are expressed as new offsetting bets, never updates.
// Negative amount/shares with IsRedemption set records a sell-back.
type Bet struct {
	ID           string          `json:"id" db:"id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	AnswerID     string          `json:"answer_id,omitempty" db:"answer_id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Amount       decimal.Decimal `json:"amount" db:"amount"` // signed: negative = sale
	Outcome      Outcome         `json:"outcome" db:"outcome"`
	Shares       decimal.Decimal `json:"shares" db:"shares"` // signed
	ProbBefore   decimal.Decimal `json:"prob_before" db:"prob_before"`
	ProbAfter    decimal.Decimal `json:"prob_after" db:"prob_after"`
	IsRedemption bool            `json:"is_redemption" db:"is_redemption"`
	Fees         Fees            `json:"fees"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// TxnEndpoint is one side of a ledger transfer.
type TxnEndpoint string

const (
	EndpointUser     TxnEndpoint = "USER"
	EndpointBank     TxnEndpoint = "BANK"     // platform issuance, never balance-checked
	EndpointContract TxnEndpoint = "CONTRACT" // pool-backed payout, never balance-checked
)

// TxnCategory classifies a ledger transfer.
type TxnCategory string

const (
	CategorySignupBonus      TxnCategory = "SIGNUP_BONUS"
	CategoryManaPurchase     TxnCategory = "MANA_PURCHASE"
	CategoryManaPayment      TxnCategory = "MANA_PAYMENT"
	CategoryMarketAnte       TxnCategory = "MARKET_ANTE"
	CategoryBetFee           TxnCategory = "BET_FEE"
	CategoryResolutionPayout TxnCategory = "CONTRACT_RESOLUTION_PAYOUT"
	CategoryResolutionFee    TxnCategory = "CONTRACT_RESOLUTION_FEE"
)

// Txn is an immutable, append-only record of one value movement. The
// signed sum of all txns touching a user equals that user's balance
// delta since account creation.
type Txn struct {
	ID        string            `json:"id" db:"id"`
	FromType  TxnEndpoint       `json:"from_type" db:"from_type"`
	FromID    string            `json:"from_id" db:"from_id"`
	ToType    TxnEndpoint       `json:"to_type" db:"to_type"`
	ToID      string            `json:"to_id" db:"to_id"`
	Amount    decimal.Decimal   `json:"amount" db:"amount"` // always > 0
	Category  TxnCategory       `json:"category" db:"category"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}

// User holds a trader's virtual balance. The balance column is mutated
// only through the ledger; it never goes below zero.
type User struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

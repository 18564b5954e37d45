// Package market owns the lifecycle of a single market: the OPEN →
// CLOSED_UNRESOLVED → RESOLVED state machine and the guards that make
// invalid transitions unrepresentable. Pool math lives in cpmm; this
// package decides whether a mutation is allowed at all.
package market

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/foresight/exchange-engine/internal/cpmm"
	"github.com/foresight/exchange-engine/internal/model"
)

var (
	// ErrTradingNotAllowed is returned when a trade hits a market that is
	// closed or past its close time.
	ErrTradingNotAllowed = errors.New("market: trading not allowed")

	// ErrMarketResolved is returned when a trade hits a resolved market.
	ErrMarketResolved = errors.New("market: market is resolved")

	// ErrAlreadyResolved is returned on a second resolution attempt.
	ErrAlreadyResolved = errors.New("market: market already resolved")

	// ErrInvalidResolution is returned for a resolution kind that does not
	// fit the market's outcome type.
	ErrInvalidResolution = errors.New("market: invalid resolution for outcome type")

	// ErrUnknownAnswer is returned when an answer id does not belong to
	// the market.
	ErrUnknownAnswer = errors.New("market: unknown answer")
)

// EffectiveStatus reports the market's state as of `now`, accounting for
// an elapsed close time that has not yet been persisted as CLOSED.
func EffectiveStatus(m *model.Market, now time.Time) model.Status {
	if m.Status == model.StatusResolved {
		return model.StatusResolved
	}
	if m.CloseTime != nil && !now.Before(*m.CloseTime) {
		return model.StatusClosedUnresolved
	}
	return m.Status
}

// CheckTradable returns nil iff a trade may settle against the market at
// `now`. Resolved markets report ErrMarketResolved so callers can
// distinguish terminal state from a merely elapsed close time.
func CheckTradable(m *model.Market, now time.Time) error {
	switch EffectiveStatus(m, now) {
	case model.StatusOpen:
		return nil
	case model.StatusResolved:
		return ErrMarketResolved
	default:
		return ErrTradingNotAllowed
	}
}

// TradeDelta is the market mutation produced by one settled trade.
type TradeDelta struct {
	AnswerID    string // empty for binary markets
	NewPool     model.Pool
	NewProb     decimal.Decimal
	Volume      decimal.Decimal // unsigned amount traded
	NewBettor   bool            // first non-redemption bet by this user
	LiquidityIn decimal.Decimal // liquidity-fee contribution added to the pool
}

// ApplyTrade mutates the market in place with the result of a settled
// trade. The caller holds the transactional scope; this only enforces
// the state machine and keeps derived fields consistent.
func ApplyTrade(m *model.Market, d TradeDelta, now time.Time) error {
	if err := CheckTradable(m, now); err != nil {
		return err
	}

	if d.AnswerID == "" {
		m.Pool = d.NewPool
		m.Probability = d.NewProb
	} else {
		idx := answerIndex(m, d.AnswerID)
		if idx < 0 {
			return ErrUnknownAnswer
		}
		m.Answers[idx].Pool = d.NewPool
		m.Answers[idx].Probability = d.NewProb
	}

	m.Volume = m.Volume.Add(d.Volume.Abs())
	m.TotalLiquidity = m.TotalLiquidity.Add(d.LiquidityIn)
	if d.NewBettor {
		m.UniqueBettorCount++
	}
	return nil
}

// Close transitions an open market whose close time has elapsed (or that
// is being closed manually) to CLOSED_UNRESOLVED.
func Close(m *model.Market, now time.Time) error {
	if m.Status == model.StatusResolved {
		return ErrAlreadyResolved
	}
	m.Status = model.StatusClosedUnresolved
	if m.CloseTime == nil {
		t := now
		m.CloseTime = &t
	}
	return nil
}

// Resolve transitions the market to its terminal RESOLVED state. Once
// set, no pool mutation is ever permitted again; only payout reads.
func Resolve(m *model.Market, kind model.ResolutionKind, answerID string, prob *decimal.Decimal, now time.Time) error {
	if m.Status == model.StatusResolved {
		return ErrAlreadyResolved
	}
	if err := validateResolution(m, kind, answerID, prob); err != nil {
		return err
	}

	m.Status = model.StatusResolved
	m.Resolution = kind
	m.ResolutionAnswerID = answerID
	m.ResolutionProbability = prob
	t := now
	m.ResolutionTime = &t
	return nil
}

func validateResolution(m *model.Market, kind model.ResolutionKind, answerID string, prob *decimal.Decimal) error {
	switch kind {
	case model.ResolutionCancel:
		return nil
	case model.ResolutionYes, model.ResolutionNo:
		if m.OutcomeType != model.OutcomeTypeBinary {
			return ErrInvalidResolution
		}
		return nil
	case model.ResolutionMkt:
		if m.OutcomeType != model.OutcomeTypeBinary {
			return ErrInvalidResolution
		}
		if prob == nil || prob.LessThan(cpmm.MinProb) || prob.GreaterThan(cpmm.MaxProb) {
			return ErrInvalidResolution
		}
		return nil
	case model.ResolutionChoice:
		if m.OutcomeType != model.OutcomeTypeMultipleChoice {
			return ErrInvalidResolution
		}
		if answerIndex(m, answerID) < 0 {
			return ErrUnknownAnswer
		}
		return nil
	default:
		return ErrInvalidResolution
	}
}

func answerIndex(m *model.Market, answerID string) int {
	for i := range m.Answers {
		if m.Answers[i].ID == answerID {
			return i
		}
	}
	return -1
}

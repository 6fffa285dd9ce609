package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ValuationSource records where a snapshot's portfolio value came from.
type ValuationSource string

const (
	// ValuationSourceAPI means the valuation API returned a portfolio total.
	ValuationSourceAPI ValuationSource = "api"
	// ValuationSourceReconstructed means the total was rebuilt from positions and market prices.
	ValuationSourceReconstructed ValuationSource = "reconstructed"
	// ValuationSourceFallback means the valuation API failed and the deposit sum was used.
	ValuationSourceFallback ValuationSource = "fallback"
)

func (s ValuationSource) Valid() bool {
	switch s {
	case ValuationSourceAPI, ValuationSourceReconstructed, ValuationSourceFallback:
		return true
	}
	return false
}

// FlagPolicy holds the thresholds used to derive participant flags.
type FlagPolicy struct {
	LowDepositThreshold  decimal.Decimal
	HighDepositThreshold decimal.Decimal
	TournamentStart      time.Time
}

var (
	DefaultLowDepositThreshold  = decimal.NewFromInt(90)
	DefaultHighDepositThreshold = decimal.NewFromInt(110)
	DefaultTournamentStart      = time.Date(2025, time.December, 5, 0, 0, 0, 0, time.UTC)
)

func DefaultFlagPolicy() FlagPolicy {
	return FlagPolicy{
		LowDepositThreshold:  DefaultLowDepositThreshold,
		HighDepositThreshold: DefaultHighDepositThreshold,
		TournamentStart:      DefaultTournamentStart,
	}
}

// Flags are the derived booleans shown next to a leaderboard row.
type Flags struct {
	IsLowDep  bool
	IsHighDep bool
	IsOld     bool
}

// ComputeFlags derives flags from a deposit sum and an optional first trade date.
// Both deposit bounds are strict.
func ComputeFlags(depositSum decimal.Decimal, firstTradeDate *time.Time, policy FlagPolicy) Flags {
	return Flags{
		IsLowDep:  depositSum.LessThan(policy.LowDepositThreshold),
		IsHighDep: depositSum.GreaterThan(policy.HighDepositThreshold),
		IsOld:     firstTradeDate != nil && firstTradeDate.Before(policy.TournamentStart),
	}
}

// ComputePnL returns portfolio value minus deposit sum.
func ComputePnL(portfolioValue, depositSum decimal.Decimal) decimal.Decimal {
	return portfolioValue.Sub(depositSum)
}

// Snapshot is an immutable point-in-time record of a participant's standing.
type Snapshot struct {
	ID              int64           `json:"id"`
	ParticipantID   int64           `json:"participant_id"`
	PortfolioValue  decimal.Decimal `json:"portfolio_value"`
	DepositSum      decimal.Decimal `json:"deposit_sum"`
	PnL             decimal.Decimal `json:"pnl"`
	IsLowDep        bool            `json:"is_low_dep"`
	IsHighDep       bool            `json:"is_high_dep"`
	IsOld           bool            `json:"is_old"`
	FirstTradeDate  *time.Time      `json:"first_trade_date,omitempty"`
	ValuationSource ValuationSource `json:"valuation_source"`
	SnapshotTime    time.Time       `json:"snapshot_time"`
}

// NewSnapshot builds a snapshot with PnL and flags derived from the inputs,
// so the PnL identity and flag rules cannot drift from the stored values.
func NewSnapshot(
	participantID int64,
	portfolioValue, depositSum decimal.Decimal,
	firstTradeDate *time.Time,
	source ValuationSource,
	policy FlagPolicy,
	at time.Time,
) Snapshot {
	flags := ComputeFlags(depositSum, firstTradeDate, policy)
	return Snapshot{
		ParticipantID:   participantID,
		PortfolioValue:  portfolioValue,
		DepositSum:      depositSum,
		PnL:             ComputePnL(portfolioValue, depositSum),
		IsLowDep:        flags.IsLowDep,
		IsHighDep:       flags.IsHighDep,
		IsOld:           flags.IsOld,
		FirstTradeDate:  firstTradeDate,
		ValuationSource: source,
		SnapshotTime:    at.UTC(),
	}
}

package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SortBy selects the leaderboard ordering.
type SortBy string

const (
	SortByEntryOrder SortBy = "entry_order"
	SortByPnL        SortBy = "pnl"
)

// ParseSortBy maps a query value to a SortBy. Empty selects entry order.
func ParseSortBy(raw string) (SortBy, error) {
	switch SortBy(raw) {
	case "", SortByEntryOrder:
		return SortByEntryOrder, nil
	case SortByPnL:
		return SortByPnL, nil
	}
	return "", fmt.Errorf("invalid sortBy %q: must be %q or %q", raw, SortByEntryOrder, SortByPnL)
}

// LeaderboardEntry is the cached latest standing of one participant.
type LeaderboardEntry struct {
	ParticipantID   int64           `json:"participant_id"`
	EntryOrder      int             `json:"entry_order"`
	Nickname        string          `json:"nickname"`
	Wallet          string          `json:"wallet"`
	PortfolioValue  decimal.Decimal `json:"portfolio_value"`
	DepositSum      decimal.Decimal `json:"deposit_sum"`
	PnL             decimal.Decimal `json:"pnl"`
	IsLowDep        bool            `json:"is_low_dep"`
	IsHighDep       bool            `json:"is_high_dep"`
	IsOld           bool            `json:"is_old"`
	ValuationSource ValuationSource `json:"valuation_source"`
	SnapshotTime    time.Time       `json:"snapshot_time"`
	LastUpdated     time.Time       `json:"last_updated"`
}

// NewLeaderboardEntry projects a snapshot onto the participant's cache row.
func NewLeaderboardEntry(p Participant, s Snapshot) LeaderboardEntry {
	return LeaderboardEntry{
		ParticipantID:   p.ID,
		EntryOrder:      p.EntryOrder,
		Nickname:        p.Nickname,
		Wallet:          p.Wallet,
		PortfolioValue:  s.PortfolioValue,
		DepositSum:      s.DepositSum,
		PnL:             s.PnL,
		IsLowDep:        s.IsLowDep,
		IsHighDep:       s.IsHighDep,
		IsOld:           s.IsOld,
		ValuationSource: s.ValuationSource,
		SnapshotTime:    s.SnapshotTime,
		LastUpdated:     s.SnapshotTime,
	}
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/domain/model"
)

type SnapshotRepo struct {
	db *DB
}

func NewSnapshotRepo(db *DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

// InsertTx appends s inside tx and sets s.ID. Snapshots with an unknown
// valuation source are rejected before touching the database.
func (r *SnapshotRepo) InsertTx(ctx context.Context, tx *sql.Tx, s *model.Snapshot) (int64, error) {
	if !s.ValuationSource.Valid() {
		return 0, &model.ValidationError{Field: "valuation source", Value: string(s.ValuationSource), Reason: "unknown source"}
	}
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO snapshots (
			participant_id, portfolio_value, deposit_sum, pnl,
			is_low_dep, is_high_dep, is_old, first_trade_date,
			valuation_source, snapshot_time
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`,
		s.ParticipantID, s.PortfolioValue, s.DepositSum, s.PnL,
		s.IsLowDep, s.IsHighDep, s.IsOld, s.FirstTradeDate,
		string(s.ValuationSource), s.SnapshotTime,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	s.ID = id
	return id, nil
}

func (r *SnapshotRepo) LatestByParticipant(ctx context.Context, participantID int64) (*model.Snapshot, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var (
		s          model.Snapshot
		firstTrade sql.NullTime
		source     string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, participant_id, portfolio_value, deposit_sum, pnl,
		       is_low_dep, is_high_dep, is_old, first_trade_date,
		       valuation_source, snapshot_time
		FROM snapshots
		WHERE participant_id = $1
		ORDER BY snapshot_time DESC, id DESC
		LIMIT 1
	`, participantID).Scan(
		&s.ID, &s.ParticipantID, &s.PortfolioValue, &s.DepositSum, &s.PnL,
		&s.IsLowDep, &s.IsHighDep, &s.IsOld, &firstTrade,
		&source, &s.SnapshotTime,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find latest snapshot: %w", err)
	}
	if firstTrade.Valid {
		t := firstTrade.Time.UTC()
		s.FirstTradeDate = &t
	}
	s.ValuationSource = model.ValuationSource(source)
	return &s, nil
}

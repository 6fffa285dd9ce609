package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/domain/model"
)

const leaderboardColumns = `
	participant_id, entry_order, nickname, wallet,
	portfolio_value, deposit_sum, pnl,
	is_low_dep, is_high_dep, is_old,
	valuation_source, snapshot_time, last_updated
`

type LeaderboardRepo struct {
	db *DB
}

func NewLeaderboardRepo(db *DB) *LeaderboardRepo {
	return &LeaderboardRepo{db: db}
}

// UpsertTx replaces the participant's cache row inside tx and stamps
// e.LastUpdated with the database time.
func (r *LeaderboardRepo) UpsertTx(ctx context.Context, tx *sql.Tx, e *model.LeaderboardEntry) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO leaderboard_cache (
			participant_id, entry_order, nickname, wallet,
			portfolio_value, deposit_sum, pnl,
			is_low_dep, is_high_dep, is_old,
			valuation_source, snapshot_time, last_updated
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		ON CONFLICT (participant_id) DO UPDATE SET
			entry_order = EXCLUDED.entry_order,
			nickname = EXCLUDED.nickname,
			wallet = EXCLUDED.wallet,
			portfolio_value = EXCLUDED.portfolio_value,
			deposit_sum = EXCLUDED.deposit_sum,
			pnl = EXCLUDED.pnl,
			is_low_dep = EXCLUDED.is_low_dep,
			is_high_dep = EXCLUDED.is_high_dep,
			is_old = EXCLUDED.is_old,
			valuation_source = EXCLUDED.valuation_source,
			snapshot_time = EXCLUDED.snapshot_time,
			last_updated = now()
		RETURNING last_updated
	`,
		e.ParticipantID, e.EntryOrder, e.Nickname, e.Wallet,
		e.PortfolioValue, e.DepositSum, e.PnL,
		e.IsLowDep, e.IsHighDep, e.IsOld,
		string(e.ValuationSource), e.SnapshotTime,
	).Scan(&e.LastUpdated)
	if err != nil {
		return fmt.Errorf("upsert leaderboard entry %d: %w", e.ParticipantID, err)
	}
	return nil
}

func (r *LeaderboardRepo) List(ctx context.Context, sortBy model.SortBy) ([]model.LeaderboardEntry, error) {
	orderClause := "entry_order ASC, participant_id ASC"
	if sortBy == model.SortByPnL {
		orderClause = "pnl DESC, entry_order ASC"
	}

	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT `+leaderboardColumns+` FROM leaderboard_cache ORDER BY `+orderClause)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		e, err := scanLeaderboardEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *LeaderboardRepo) Get(ctx context.Context, participantID int64) (*model.LeaderboardEntry, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+leaderboardColumns+` FROM leaderboard_cache WHERE participant_id = $1`, participantID)
	e, err := scanLeaderboardEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLeaderboardEntry(row rowScanner) (model.LeaderboardEntry, error) {
	var (
		e      model.LeaderboardEntry
		source string
	)
	err := row.Scan(
		&e.ParticipantID, &e.EntryOrder, &e.Nickname, &e.Wallet,
		&e.PortfolioValue, &e.DepositSum, &e.PnL,
		&e.IsLowDep, &e.IsHighDep, &e.IsOld,
		&source, &e.SnapshotTime, &e.LastUpdated,
	)
	if err == sql.ErrNoRows {
		return e, err
	}
	if err != nil {
		return e, fmt.Errorf("scan leaderboard entry: %w", err)
	}
	e.ValuationSource = model.ValuationSource(source)
	return e, nil
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/domain/model"
)

const insertDepositSQL = `
	INSERT INTO deposits (participant_id, wallet, tx_hash, block_number, amount, timestamp)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (tx_hash, wallet) DO NOTHING
	RETURNING id, created_at
`

type DepositRepo struct {
	db *DB
}

func NewDepositRepo(db *DB) *DepositRepo {
	return &DepositRepo{db: db}
}

// Insert stores d and fills its ID. It reports false when the deposit was
// already recorded.
func (r *DepositRepo) Insert(ctx context.Context, d *model.Deposit) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	err := r.db.QueryRowContext(ctx, insertDepositSQL,
		d.ParticipantID, d.Wallet, d.TxHash, d.BlockNumber, d.Amount, d.Timestamp,
	).Scan(&d.ID, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert deposit %s: %w", d.TxHash, err)
	}
	return true, nil
}

// InsertBatchTx stores deposits inside tx, skipping ones already recorded,
// and returns how many were new.
func (r *DepositRepo) InsertBatchTx(ctx context.Context, tx *sql.Tx, deposits []model.Deposit) (int, error) {
	if len(deposits) == 0 {
		return 0, nil
	}

	stmt, err := tx.PrepareContext(ctx, insertDepositSQL)
	if err != nil {
		return 0, fmt.Errorf("prepare deposit insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range deposits {
		d := &deposits[i]
		err := stmt.QueryRowContext(ctx,
			d.ParticipantID, d.Wallet, d.TxHash, d.BlockNumber, d.Amount, d.Timestamp,
		).Scan(&d.ID, &d.CreatedAt)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return inserted, fmt.Errorf("insert deposit %s: %w", d.TxHash, err)
		}
		inserted++
	}
	return inserted, nil
}

func (r *DepositRepo) SumByParticipant(ctx context.Context, participantID int64) (decimal.Decimal, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var total decimal.Decimal
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM deposits WHERE participant_id = $1
	`, participantID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum deposits: %w", err)
	}
	return total, nil
}

func (r *DepositRepo) FindByParticipant(ctx context.Context, participantID int64) ([]model.Deposit, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, participant_id, wallet, tx_hash, block_number, amount, timestamp, created_at
		FROM deposits
		WHERE participant_id = $1
		ORDER BY block_number ASC, id ASC
	`, participantID)
	if err != nil {
		return nil, fmt.Errorf("query deposits: %w", err)
	}
	defer rows.Close()

	var deposits []model.Deposit
	for rows.Next() {
		var d model.Deposit
		if err := rows.Scan(
			&d.ID, &d.ParticipantID, &d.Wallet, &d.TxHash,
			&d.BlockNumber, &d.Amount, &d.Timestamp, &d.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan deposit: %w", err)
		}
		deposits = append(deposits, d)
	}
	return deposits, rows.Err()
}

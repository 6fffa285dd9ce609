package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/domain/model"
)

type ParticipantRepo struct {
	db *DB
}

func NewParticipantRepo(db *DB) *ParticipantRepo {
	return &ParticipantRepo{db: db}
}

func (r *ParticipantRepo) FindAll(ctx context.Context) ([]model.Participant, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, entry_order, nickname, wallet, created_at, updated_at
		FROM participants
		ORDER BY entry_order ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var participants []model.Participant
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(&p.ID, &p.EntryOrder, &p.Nickname, &p.Wallet, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// BulkCreate inserts seeds in one transaction and returns the ones that were
// new. Wallets already registered are skipped.
func (r *ParticipantRepo) BulkCreate(ctx context.Context, seeds []model.ParticipantSeed) ([]model.ParticipantSeed, error) {
	var created []model.ParticipantSeed
	err := r.db.WithinTx(ctx, func(tx *sql.Tx) error {
		created = created[:0]
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO participants (entry_order, nickname, wallet)
			VALUES ($1, $2, $3)
			ON CONFLICT (wallet) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("prepare participant insert: %w", err)
		}
		defer stmt.Close()

		for _, s := range seeds {
			s.Wallet = model.NormalizeWallet(s.Wallet)
			res, err := stmt.ExecContext(ctx, s.EntryOrder, s.Nickname, s.Wallet)
			if err != nil {
				return fmt.Errorf("insert participant %s: %w", s.Wallet, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			if n > 0 {
				created = append(created, s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *ParticipantRepo) Count(ctx context.Context) (int, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM participants`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	return n, nil
}

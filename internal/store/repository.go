package store

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/domain/model"
)

// Transactor runs fn inside one database transaction. The transaction is
// committed when fn returns nil and rolled back otherwise.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// ParticipantRepository provides access to contest entrants.
type ParticipantRepository interface {
	FindAll(ctx context.Context) ([]model.Participant, error)
	BulkCreate(ctx context.Context, seeds []model.ParticipantSeed) ([]model.ParticipantSeed, error)
	Count(ctx context.Context) (int, error)
}

// DepositRepository provides access to ingested deposits.
type DepositRepository interface {
	Insert(ctx context.Context, d *model.Deposit) (bool, error)
	InsertBatchTx(ctx context.Context, tx *sql.Tx, deposits []model.Deposit) (int, error)
	SumByParticipant(ctx context.Context, participantID int64) (decimal.Decimal, error)
	FindByParticipant(ctx context.Context, participantID int64) ([]model.Deposit, error)
}

// SnapshotRepository provides access to the append-only snapshot history.
type SnapshotRepository interface {
	InsertTx(ctx context.Context, tx *sql.Tx, s *model.Snapshot) (int64, error)
	LatestByParticipant(ctx context.Context, participantID int64) (*model.Snapshot, error)
}

// LeaderboardRepository provides access to the one-row-per-participant cache.
type LeaderboardRepository interface {
	UpsertTx(ctx context.Context, tx *sql.Tx, e *model.LeaderboardEntry) error
	List(ctx context.Context, sortBy model.SortBy) ([]model.LeaderboardEntry, error)
	Get(ctx context.Context, participantID int64) (*model.LeaderboardEntry, error)
}

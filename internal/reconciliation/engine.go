package reconciliation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/chain/evm"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/domain/model"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/metrics"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/retry"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/store"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/tracing"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/valuation"
)

//go:generate mockgen -destination=mocks/mock_sources.go -package=mocks . ChainSource,ValuationSource

// Stage is one step of a participant refresh.
type Stage string

const (
	StageFetchDeposits     Stage = "fetch_deposits"
	StagePersistDeposits   Stage = "persist_deposits"
	StageComputeDepositSum Stage = "compute_deposit_sum"
	StageFetchValuation    Stage = "fetch_valuation"
	StageComputeFlags      Stage = "compute_flags"
	StageWriteSnapshot     Stage = "write_snapshot"
	StageUpsertLeaderboard Stage = "upsert_leaderboard"
	StageDone              Stage = "done"
	StageFailed            Stage = "failed"
)

// StageError reports the stage at which a participant refresh failed.
type StageError struct {
	Stage         Stage
	ParticipantID int64
	Wallet        string
	Err           error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("participant %d (%s) failed at %s: %v", e.ParticipantID, e.Wallet, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ChainSource reads a wallet's inbound stablecoin transfers.
type ChainSource interface {
	FetchDepositsWithTimestamps(ctx context.Context, wallet string, fromBlock int64) ([]evm.Transfer, error)
	TransferToDeposit(t evm.Transfer, participantID int64, wallet string) model.Deposit
}

// ValuationSource values a wallet's prediction-market holdings.
type ValuationSource interface {
	FetchPortfolioValue(ctx context.Context, wallet string) (*valuation.Portfolio, error)
	FirstTradeDate(ctx context.Context, wallet string) *time.Time
}

// Repositories groups the storage the engine writes to.
type Repositories struct {
	Tx          store.Transactor
	Deposits    store.DepositRepository
	Snapshots   store.SnapshotRepository
	Leaderboard store.LeaderboardRepository
}

type Config struct {
	// FromBlock is the first ledger block scanned for deposits.
	FromBlock int64
	Policy    model.FlagPolicy
	// ParticipantTimeout bounds one participant's whole refresh. Zero disables it.
	ParticipantTimeout time.Duration
}

// Result describes one successful participant refresh.
type Result struct {
	Participant      model.Participant
	Snapshot         model.Snapshot
	Entry            model.LeaderboardEntry
	DepositsFound    int
	DepositsInserted int
	Stages           []Stage
	Duration         time.Duration
}

// Fallback reports whether the valuation API failed and the deposit sum
// stood in for the portfolio value.
func (r *Result) Fallback() bool {
	return r.Snapshot.ValuationSource == model.ValuationSourceFallback
}

// Engine refreshes a single participant: it ingests deposits, values the
// portfolio and writes a snapshot plus the matching leaderboard row.
type Engine struct {
	chain     ChainSource
	valuation ValuationSource
	retry     *retry.Executor
	repos     Repositories
	cfg       Config
	logger    *slog.Logger
	nowFn     func() time.Time
}

func NewEngine(
	chain ChainSource,
	val ValuationSource,
	exec *retry.Executor,
	repos Repositories,
	cfg Config,
	logger *slog.Logger,
) *Engine {
	if exec == nil {
		exec = retry.NewExecutor(retry.DefaultMaxAttempts, retry.DefaultInitialDelay, retry.WithLogger(logger))
	}
	if cfg.Policy.TournamentStart.IsZero() {
		cfg.Policy = model.DefaultFlagPolicy()
	}
	return &Engine{
		chain:     chain,
		valuation: val,
		retry:     exec,
		repos:     repos,
		cfg:       cfg,
		logger:    logger.With("component", "reconciliation"),
		nowFn:     time.Now,
	}
}

// Process runs every stage for p. Any failure stops the participant and is
// returned as a *StageError; valuation failures instead fall back to the
// deposit sum and the run continues.
func (e *Engine) Process(ctx context.Context, p model.Participant) (*Result, error) {
	if e.cfg.ParticipantTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ParticipantTimeout)
		defer cancel()
	}

	ctx, span := tracing.Tracer("reconciliation").Start(ctx, "reconciliation.process",
		otelTrace.WithAttributes(
			attribute.Int64("participant_id", p.ID),
			attribute.Int("entry_order", p.EntryOrder),
			attribute.String("wallet", p.Wallet),
		),
	)
	defer span.End()

	start := time.Now()
	log := e.logger.With("participant_id", p.ID, "nickname", p.Nickname, "wallet", p.Wallet)
	res := &Result{Participant: p}

	err := e.process(ctx, log, p, res)
	res.Duration = time.Since(start)
	metrics.ParticipantDuration.Observe(res.Duration.Seconds())

	if err != nil {
		var stageErr *StageError
		stage := StageFailed
		if errors.As(err, &stageErr) {
			stage = stageErr.Stage
		}
		res.Stages = append(res.Stages, StageFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ParticipantsProcessed.WithLabelValues("failed").Inc()
		metrics.ParticipantFailuresByStage.WithLabelValues(string(stage)).Inc()
		log.Error("participant refresh failed", "stage", stage, "error", err)
		return res, err
	}

	res.Stages = append(res.Stages, StageDone)
	outcome := "success"
	if res.Fallback() {
		outcome = "fallback"
	}
	span.SetAttributes(attribute.String("valuation_source", string(res.Snapshot.ValuationSource)))
	metrics.ParticipantsProcessed.WithLabelValues(outcome).Inc()
	log.Info("participant refreshed",
		"deposits_found", res.DepositsFound,
		"deposits_inserted", res.DepositsInserted,
		"deposit_sum", res.Snapshot.DepositSum.String(),
		"portfolio_value", res.Snapshot.PortfolioValue.String(),
		"pnl", res.Snapshot.PnL.String(),
		"valuation_source", res.Snapshot.ValuationSource,
		"elapsed", res.Duration.String(),
	)
	return res, nil
}

func (e *Engine) process(ctx context.Context, log *slog.Logger, p model.Participant, res *Result) error {
	fail := func(stage Stage, err error) error {
		return &StageError{Stage: stage, ParticipantID: p.ID, Wallet: p.Wallet, Err: err}
	}

	res.Stages = append(res.Stages, StageFetchDeposits)
	transfers, err := retry.Call(ctx, e.retry, "chain.fetch_deposits", func(ctx context.Context) ([]evm.Transfer, error) {
		return e.chain.FetchDepositsWithTimestamps(ctx, p.Wallet, e.cfg.FromBlock)
	})
	if err != nil {
		return fail(StageFetchDeposits, err)
	}
	res.DepositsFound = len(transfers)

	res.Stages = append(res.Stages, StagePersistDeposits)
	deposits := make([]model.Deposit, 0, len(transfers))
	for _, t := range transfers {
		deposits = append(deposits, e.chain.TransferToDeposit(t, p.ID, p.Wallet))
	}
	if len(deposits) > 0 {
		err = e.repos.Tx.WithinTx(ctx, func(tx *sql.Tx) error {
			n, err := e.repos.Deposits.InsertBatchTx(ctx, tx, deposits)
			res.DepositsInserted = n
			return err
		})
		if err != nil {
			return fail(StagePersistDeposits, err)
		}
		metrics.DepositsIngested.Add(float64(res.DepositsInserted))
	}

	res.Stages = append(res.Stages, StageComputeDepositSum)
	depositSum, err := e.repos.Deposits.SumByParticipant(ctx, p.ID)
	if err != nil {
		return fail(StageComputeDepositSum, err)
	}

	res.Stages = append(res.Stages, StageFetchValuation)
	var (
		portfolioValue = valuation.EstimatePortfolioFromDeposits(depositSum)
		source         = model.ValuationSourceFallback
		firstTrade     *time.Time
	)
	portfolio, err := e.valuation.FetchPortfolioValue(ctx, p.Wallet)
	switch {
	case err == nil:
		portfolioValue = portfolio.TotalValue
		source = portfolio.Source
		firstTrade = e.valuation.FirstTradeDate(ctx, p.Wallet)
	case ctx.Err() != nil:
		return fail(StageFetchValuation, ctx.Err())
	default:
		log.Warn("valuation failed, using deposit sum", "deposit_sum", depositSum.String(), "error", err)
	}
	metrics.ValuationsBySource.WithLabelValues(string(source)).Inc()

	res.Stages = append(res.Stages, StageComputeFlags)
	snap := model.NewSnapshot(p.ID, portfolioValue, depositSum, firstTrade, source, e.cfg.Policy, e.nowFn())
	entry := model.NewLeaderboardEntry(p, snap)

	res.Stages = append(res.Stages, StageWriteSnapshot)
	stage := StageWriteSnapshot
	err = e.repos.Tx.WithinTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.repos.Snapshots.InsertTx(ctx, tx, &snap); err != nil {
			return err
		}
		res.Stages = append(res.Stages, StageUpsertLeaderboard)
		stage = StageUpsertLeaderboard
		return e.repos.Leaderboard.UpsertTx(ctx, tx, &entry)
	})
	if err != nil {
		return fail(stage, err)
	}

	res.Snapshot = snap
	res.Entry = entry
	return nil
}

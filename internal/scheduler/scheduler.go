package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/domain/model"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/metrics"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/reconciliation"
)

const (
	DefaultBatchSize  = 25
	DefaultBatchPause = 2 * time.Second
)

// Processor refreshes a single participant.
type Processor interface {
	Process(ctx context.Context, p model.Participant) (*reconciliation.Result, error)
}

type Config struct {
	BatchSize  int
	BatchPause time.Duration
	// Concurrency is the number of participants processed at once inside a
	// batch. Values below 2 keep processing strictly sequential.
	Concurrency int
}

// Outcome is the result of one participant within a run.
type Outcome struct {
	Participant model.Participant
	Result      *reconciliation.Result
	Err         error
	FinishedAt  time.Time
}

// Failure describes a participant that did not complete.
type Failure struct {
	ParticipantID int64  `json:"participant_id"`
	Nickname      string `json:"nickname"`
	Wallet        string `json:"wallet"`
	Stage         string `json:"stage"`
	Error         string `json:"error"`
}

// Summary aggregates a full pass over the participant list. Duration is
// served to clients as whole milliseconds.
type Summary struct {
	Total      int           `json:"total"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Fallbacks  int           `json:"fallbacks"`
	Skipped    int           `json:"skipped"`
	Batches    int           `json:"batches"`
	Canceled   bool          `json:"canceled"`
	Failures   []Failure     `json:"failures,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`
}

// Scheduler walks participants in fixed-size batches with a pause between
// batches to stay under upstream rate limits.
type Scheduler struct {
	proc      Processor
	cfg       Config
	logger    *slog.Logger
	sleepFn   func(ctx context.Context, d time.Duration) error
	onOutcome func(Outcome)
}

type Option func(*Scheduler)

// WithSleep replaces the pause between batches.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleepFn = fn }
}

// WithObserver registers fn to be called after every participant. fn may be
// called from several goroutines when Concurrency > 1.
func WithObserver(fn func(Outcome)) Option {
	return func(s *Scheduler) { s.onOutcome = fn }
}

func New(proc Processor, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchPause < 0 {
		cfg.BatchPause = DefaultBatchPause
	}
	s := &Scheduler{
		proc:    proc,
		cfg:     cfg,
		logger:  logger.With("component", "scheduler"),
		sleepFn: sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run processes every participant and returns once all batches finished or
// ctx was cancelled. A participant failure never stops the run.
func (s *Scheduler) Run(ctx context.Context, participants []model.Participant) Summary {
	sum := &summaryBuilder{Summary: Summary{Total: len(participants), StartedAt: time.Now()}}

	var pool pond.Pool
	if s.cfg.Concurrency > 1 {
		pool = pond.NewPool(s.cfg.Concurrency, pond.WithQueueSize(s.cfg.BatchSize))
		defer pool.StopAndWait()
	}

	batches := chunk(participants, s.cfg.BatchSize)
	for i, batch := range batches {
		if ctx.Err() != nil {
			sum.skip(remaining(batches[i:]))
			break
		}

		s.logger.Info("batch starting", "batch", i+1, "batches", len(batches), "size", len(batch))
		if pool != nil {
			s.runConcurrent(ctx, pool, batch, sum)
		} else {
			s.runSequential(ctx, batch, sum)
		}
		sum.batchDone()
		metrics.SchedulerBatchesTotal.Inc()

		if i < len(batches)-1 && s.cfg.BatchPause > 0 {
			if err := s.sleepFn(ctx, s.cfg.BatchPause); err != nil {
				sum.skip(remaining(batches[i+1:]))
				break
			}
		}
	}

	out := sum.finish(ctx)
	s.logger.Info("run finished",
		"total", out.Total,
		"succeeded", out.Succeeded,
		"failed", out.Failed,
		"fallbacks", out.Fallbacks,
		"skipped", out.Skipped,
		"canceled", out.Canceled,
		"elapsed", out.Duration.String(),
	)
	return out
}

func (s *Scheduler) runSequential(ctx context.Context, batch []model.Participant, sum *summaryBuilder) {
	for i, p := range batch {
		if ctx.Err() != nil {
			sum.skip(len(batch) - i)
			return
		}
		s.record(sum, s.processOne(ctx, p))
	}
}

func (s *Scheduler) runConcurrent(ctx context.Context, pool pond.Pool, batch []model.Participant, sum *summaryBuilder) {
	group := pool.NewGroup()
	for _, p := range batch {
		group.Submit(func() {
			if ctx.Err() != nil {
				sum.skip(1)
				return
			}
			s.record(sum, s.processOne(ctx, p))
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
		s.logger.Warn("batch group finished with error", "error", err)
	}
}

// processOne isolates a participant: a panic is turned into an error.
func (s *Scheduler) processOne(ctx context.Context, p model.Participant) (out Outcome) {
	out.Participant = p
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("participant processing panicked",
				"participant_id", p.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			out.Result = nil
			out.Err = fmt.Errorf("participant %d: panic: %v", p.ID, r)
		}
		out.FinishedAt = time.Now()
	}()
	out.Result, out.Err = s.proc.Process(ctx, p)
	return out
}

func (s *Scheduler) record(sum *summaryBuilder, out Outcome) {
	sum.add(out)
	if s.onOutcome != nil {
		s.onOutcome(out)
	}
}

type summaryBuilder struct {
	mu sync.Mutex
	Summary
}

func (b *summaryBuilder) add(out Outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if out.Err != nil {
		b.Failed++
		b.Failures = append(b.Failures, newFailure(out))
		return
	}
	b.Succeeded++
	if out.Result != nil && out.Result.Fallback() {
		b.Fallbacks++
	}
}

func (b *summaryBuilder) skip(n int) {
	b.mu.Lock()
	b.Skipped += n
	b.mu.Unlock()
}

func (b *summaryBuilder) batchDone() {
	b.mu.Lock()
	b.Batches++
	b.mu.Unlock()
}

func (b *summaryBuilder) finish(ctx context.Context) Summary {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Canceled = ctx.Err() != nil
	b.Duration = time.Since(b.StartedAt)
	b.DurationMS = b.Duration.Milliseconds()
	return b.Summary
}

func newFailure(out Outcome) Failure {
	f := Failure{
		ParticipantID: out.Participant.ID,
		Nickname:      out.Participant.Nickname,
		Wallet:        out.Participant.Wallet,
		Stage:         string(reconciliation.StageFailed),
		Error:         out.Err.Error(),
	}
	var stageErr *reconciliation.StageError
	if errors.As(out.Err, &stageErr) {
		f.Stage = string(stageErr.Stage)
	}
	return f
}

func chunk(participants []model.Participant, size int) [][]model.Participant {
	var batches [][]model.Participant
	for start := 0; start < len(participants); start += size {
		end := min(start+size, len(participants))
		batches = append(batches, participants[start:end])
	}
	return batches
}

func remaining(batches [][]model.Participant) int {
	n := 0
	for _, b := range batches {
		n += len(b)
	}
	return n
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

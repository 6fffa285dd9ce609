package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/alert"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/domain/model"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/metrics"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/reconciliation"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/scheduler"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/store"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/tracing"
)

var (
	// ErrRunInProgress is returned when a refresh is already running here or,
	// with a lease configured, in another process.
	ErrRunInProgress = errors.New("refresh already in progress")
	// ErrShuttingDown is returned by Trigger after Shutdown has started.
	ErrShuttingDown = errors.New("refresh runner is shutting down")
)

// Trigger names what started a run.
type Trigger string

const (
	TriggerCron    Trigger = "cron"
	TriggerAdmin   Trigger = "admin"
	TriggerStartup Trigger = "startup"
	TriggerCLI     Trigger = "cli"
)

// Run states.
const (
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StatePartial   = "partial"
	StateFailed    = "failed"
	StateCanceled  = "canceled"
)

// Lease serializes refreshes across processes. Extend pushes the expiry
// out while token still holds the lease and reports false once it does not.
type Lease interface {
	Acquire(ctx context.Context) (token string, ok bool, err error)
	Extend(ctx context.Context, token string) (bool, error)
	Release(ctx context.Context, token string) error
}

// RunStatus describes one refresh run.
type RunStatus struct {
	RunID        string             `json:"run_id"`
	Trigger      Trigger            `json:"trigger"`
	State        string             `json:"state"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
	Participants int                `json:"participants"`
	Summary      *scheduler.Summary `json:"summary,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// ParticipantOutcome is the latest refresh result for one participant.
type ParticipantOutcome struct {
	ParticipantID   int64                 `json:"participant_id"`
	Nickname        string                `json:"nickname"`
	Wallet          string                `json:"wallet"`
	RunID           string                `json:"run_id"`
	OK              bool                  `json:"ok"`
	ValuationSource model.ValuationSource `json:"valuation_source,omitempty"`
	Stage           string                `json:"stage,omitempty"`
	Error           string                `json:"error,omitempty"`
	FinishedAt      time.Time             `json:"finished_at"`
}

// Status is a point-in-time view of the runner.
type Status struct {
	Running      bool                 `json:"running"`
	Current      *RunStatus           `json:"current,omitempty"`
	LastRun      *RunStatus           `json:"last_run,omitempty"`
	Participants []ParticipantOutcome `json:"participants"`
}

type Config struct {
	Scheduler scheduler.Config
	// ReleaseTimeout bounds each lease call made outside the run context.
	ReleaseTimeout time.Duration
	// LeaseHeartbeat is how often a held lease is extended. Keep it well
	// under the lease TTL.
	LeaseHeartbeat time.Duration
}

type Option func(*Runner)

// WithLease adds a cross-process lease on top of the in-process guard.
func WithLease(lease Lease) Option {
	return func(r *Runner) { r.lease = lease }
}

// WithSchedulerOptions passes options through to the batch scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(r *Runner) { r.schedOpts = append(r.schedOpts, opts...) }
}

// Runner owns refresh runs: it guarantees at most one at a time, walks all
// participants through the scheduler and keeps the status shown to admins.
type Runner struct {
	participants store.ParticipantRepository
	sched        *scheduler.Scheduler
	schedOpts    []scheduler.Option
	lease        Lease
	alerter      alert.Alerter
	cfg          Config
	logger       *slog.Logger

	running  atomic.Bool
	mu       sync.Mutex
	current  *RunStatus
	last     *RunStatus
	outcomes *xsync.Map[int64, ParticipantOutcome]

	baseCtx context.Context
	stop    context.CancelFunc
	// lifecycle guards closing and every wg.Add so Shutdown's Wait cannot
	// race a run that is just starting.
	lifecycle sync.Mutex
	closing   bool
	wg        sync.WaitGroup
}

func NewRunner(
	participants store.ParticipantRepository,
	proc scheduler.Processor,
	cfg Config,
	alerter alert.Alerter,
	logger *slog.Logger,
	opts ...Option,
) *Runner {
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 5 * time.Second
	}
	if cfg.LeaseHeartbeat <= 0 {
		cfg.LeaseHeartbeat = time.Minute
	}
	baseCtx, stop := context.WithCancel(context.Background())
	r := &Runner{
		participants: participants,
		alerter:      alerter,
		cfg:          cfg,
		logger:       logger.With("component", "refresh"),
		outcomes:     xsync.NewMap[int64, ParticipantOutcome](),
		baseCtx:      baseCtx,
		stop:         stop,
	}
	for _, opt := range opts {
		opt(r)
	}
	schedOpts := append([]scheduler.Option{scheduler.WithObserver(r.recordOutcome)}, r.schedOpts...)
	r.sched = scheduler.New(proc, cfg.Scheduler, logger, schedOpts...)
	return r
}

// Run performs a refresh synchronously. It returns ErrRunInProgress when
// another run holds the guard. A returned error means the run itself
// failed; participant failures are reported in the status summary.
func (r *Runner) Run(ctx context.Context, trigger Trigger) (*RunStatus, error) {
	if err := r.enter(); err != nil {
		return nil, err
	}
	defer r.wg.Done()

	release, err := r.acquire(ctx, trigger)
	if err != nil {
		return nil, err
	}
	defer release()
	return r.execute(ctx, uuid.NewString(), trigger)
}

// Trigger starts a refresh in the background and returns its run id. The
// guard is taken before returning so a busy runner is reported right away.
func (r *Runner) Trigger(trigger Trigger) (string, error) {
	if err := r.enter(); err != nil {
		return "", err
	}
	release, err := r.acquire(r.baseCtx, trigger)
	if err != nil {
		r.wg.Done()
		return "", err
	}

	runID := uuid.NewString()
	go func() {
		defer r.wg.Done()
		defer release()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("refresh run panicked", "run_id", runID, "panic", rec)
			}
		}()
		if _, err := r.execute(r.baseCtx, runID, trigger); err != nil {
			r.logger.Error("background refresh failed", "run_id", runID, "trigger", trigger, "error", err)
		}
	}()
	return runID, nil
}

// Status returns the current run, the last completed run and the latest
// per-participant outcomes ordered by participant id.
func (r *Runner) Status() Status {
	st := Status{Running: r.running.Load()}

	r.mu.Lock()
	if r.current != nil {
		cur := *r.current
		st.Current = &cur
	}
	if r.last != nil {
		last := *r.last
		st.LastRun = &last
	}
	r.mu.Unlock()

	st.Participants = make([]ParticipantOutcome, 0, r.outcomes.Size())
	r.outcomes.Range(func(_ int64, o ParticipantOutcome) bool {
		st.Participants = append(st.Participants, o)
		return true
	})
	sort.Slice(st.Participants, func(i, j int) bool {
		return st.Participants[i].ParticipantID < st.Participants[j].ParticipantID
	})
	return st
}

// enter counts a run in the wait group, or fails once Shutdown has begun.
func (r *Runner) enter() error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	if r.closing {
		return ErrShuttingDown
	}
	r.wg.Add(1)
	return nil
}

// Shutdown cancels any in-flight run and waits for it to stop. Runs
// requested afterwards fail with ErrShuttingDown.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.lifecycle.Lock()
	r.closing = true
	r.lifecycle.Unlock()

	r.stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for refresh run: %w", ctx.Err())
	}
}

func (r *Runner) acquire(ctx context.Context, trigger Trigger) (func(), error) {
	if !r.running.CompareAndSwap(false, true) {
		metrics.RefreshRunsRejected.WithLabelValues(string(trigger)).Inc()
		return nil, ErrRunInProgress
	}

	var token string
	if r.lease != nil {
		t, ok, err := r.lease.Acquire(ctx)
		if err != nil {
			r.running.Store(false)
			return nil, fmt.Errorf("acquire refresh lease: %w", err)
		}
		if !ok {
			r.running.Store(false)
			metrics.RefreshRunsRejected.WithLabelValues(string(trigger)).Inc()
			return nil, ErrRunInProgress
		}
		token = t
	}
	metrics.RefreshInProgress.Set(1)

	stopHeartbeat := func() {}
	if r.lease != nil {
		hbCtx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			r.heartbeat(hbCtx, token)
		}()
		stopHeartbeat = func() {
			cancel()
			<-done
		}
	}

	return func() {
		stopHeartbeat()
		if r.lease != nil {
			releaseCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ReleaseTimeout)
			if err := r.lease.Release(releaseCtx, token); err != nil {
				r.logger.Warn("release refresh lease failed", "error", err)
			}
			cancel()
		}
		metrics.RefreshInProgress.Set(0)
		r.running.Store(false)
	}, nil
}

// heartbeat keeps the lease alive while a run holds it. A lost lease is
// logged and ends the heartbeat; the run carries on since every write is
// idempotent.
func (r *Runner) heartbeat(ctx context.Context, token string) {
	ticker := time.NewTicker(r.cfg.LeaseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		extendCtx, cancel := context.WithTimeout(ctx, r.cfg.ReleaseTimeout)
		ok, err := r.lease.Extend(extendCtx, token)
		cancel()
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("extend refresh lease failed", "error", err)
		case !ok:
			r.logger.Error("refresh lease lost, another process may start a run")
			return
		}
	}
}

func (r *Runner) execute(ctx context.Context, runID string, trigger Trigger) (*RunStatus, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopOnShutdown := context.AfterFunc(r.baseCtx, cancel)
	defer stopOnShutdown()

	ctx, span := tracing.Tracer("refresh").Start(ctx, "refresh.run",
		otelTrace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("trigger", string(trigger)),
		),
	)
	defer span.End()

	log := r.logger.With("run_id", runID, "trigger", trigger)
	status := &RunStatus{RunID: runID, Trigger: trigger, State: StateRunning, StartedAt: time.Now().UTC()}
	r.mu.Lock()
	r.current = status
	r.mu.Unlock()

	log.Info("refresh starting")

	participants, err := r.participants.FindAll(ctx)
	if err != nil {
		err = fmt.Errorf("load participants: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.finish(ctx, log, status, nil, err)
		return r.snapshot(status), err
	}

	status.Participants = len(participants)
	if len(participants) == 0 {
		log.Warn("no participants registered, seed them with POST /admin/participants")
	}

	summary := r.sched.Run(ctx, participants)
	span.SetAttributes(
		attribute.Int("participants", summary.Total),
		attribute.Int("failed", summary.Failed),
	)
	r.finish(ctx, log, status, &summary, nil)
	return r.snapshot(status), nil
}

func (r *Runner) finish(ctx context.Context, log *slog.Logger, status *RunStatus, summary *scheduler.Summary, runErr error) {
	finished := time.Now().UTC()
	elapsed := finished.Sub(status.StartedAt)

	r.mu.Lock()
	previous := r.last
	status.FinishedAt = &finished
	status.Summary = summary
	switch {
	case runErr != nil:
		status.State = StateFailed
		status.Error = runErr.Error()
	case summary.Canceled:
		status.State = StateCanceled
	case summary.Failed > 0:
		status.State = StatePartial
	default:
		status.State = StateSucceeded
	}
	r.last = status
	r.current = nil
	snapshot := *status
	r.mu.Unlock()

	metrics.RefreshRunsTotal.WithLabelValues(string(status.Trigger), snapshot.State).Inc()
	metrics.RefreshDuration.WithLabelValues(string(status.Trigger)).Observe(elapsed.Seconds())
	if snapshot.State == StateSucceeded || snapshot.State == StatePartial {
		metrics.RefreshLastSuccessTimestamp.SetToCurrentTime()
	}

	if runErr != nil {
		log.Error("refresh failed", "error", runErr, "elapsed", elapsed.String())
	} else {
		log.Info("refresh finished", "state", snapshot.State, "elapsed", elapsed.String())
	}

	// Alerts go out even when the run itself was cancelled.
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	r.sendAlerts(alertCtx, log, snapshot, previous)
}

func (r *Runner) sendAlerts(ctx context.Context, log *slog.Logger, status RunStatus, previous *RunStatus) {
	var a *alert.Alert
	switch status.State {
	case StateFailed:
		a = &alert.Alert{
			Type:    alert.AlertTypeRefreshFailed,
			Title:   "Leaderboard refresh failed",
			Message: status.Error,
		}
	case StatePartial:
		a = &alert.Alert{
			Type:    alert.AlertTypeParticipantFailures,
			Title:   "Some participants failed to refresh",
			Message: fmt.Sprintf("%d of %d participants failed", status.Summary.Failed, status.Summary.Total),
			Fields: map[string]string{
				"failed":    strconv.Itoa(status.Summary.Failed),
				"total":     strconv.Itoa(status.Summary.Total),
				"fallbacks": strconv.Itoa(status.Summary.Fallbacks),
			},
		}
	case StateSucceeded:
		if previous != nil && (previous.State == StateFailed || previous.State == StatePartial) {
			a = &alert.Alert{
				Type:    alert.AlertTypeRecovery,
				Title:   "Leaderboard refresh recovered",
				Message: fmt.Sprintf("all %d participants refreshed", status.Participants),
			}
		}
	}
	if a == nil {
		return
	}
	a.Source = string(status.Trigger)
	if a.Fields == nil {
		a.Fields = map[string]string{}
	}
	a.Fields["run_id"] = status.RunID
	if status.FinishedAt != nil {
		a.Fields["elapsed"] = status.FinishedAt.Sub(status.StartedAt).Round(time.Millisecond).String()
	}
	if err := r.alerter.Send(ctx, *a); err != nil {
		log.Warn("send alert failed", "type", a.Type, "error", err)
	}
}

func (r *Runner) recordOutcome(out scheduler.Outcome) {
	r.mu.Lock()
	runID := ""
	if r.current != nil {
		runID = r.current.RunID
	}
	r.mu.Unlock()

	o := ParticipantOutcome{
		ParticipantID: out.Participant.ID,
		Nickname:      out.Participant.Nickname,
		Wallet:        out.Participant.Wallet,
		RunID:         runID,
		OK:            out.Err == nil,
		FinishedAt:    out.FinishedAt,
	}
	if out.Err != nil {
		o.Error = out.Err.Error()
		o.Stage = string(reconciliation.StageFailed)
		var stageErr *reconciliation.StageError
		if errors.As(out.Err, &stageErr) {
			o.Stage = string(stageErr.Stage)
		}
	} else if out.Result != nil {
		o.ValuationSource = out.Result.Snapshot.ValuationSource
	}
	r.outcomes.Store(o.ParticipantID, o)
}

func (r *Runner) snapshot(status *RunStatus) *RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *status
	return &cp
}

package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultCronSpec refreshes twice a day, at midnight and noon.
const DefaultCronSpec = "0 */12 * * *"

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// Schedule fires refresh runs on a standard five-field cron spec.
type Schedule struct {
	cron   *cron.Cron
	spec   string
	entry  cron.EntryID
	runner *Runner
	logger *slog.Logger
}

func NewSchedule(runner *Runner, spec string, logger *slog.Logger) (*Schedule, error) {
	if spec == "" {
		spec = DefaultCronSpec
	}
	logger = logger.With("component", "refresh_schedule")
	cl := cronLogger{logger: logger}

	s := &Schedule{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		spec:   spec,
		runner: runner,
		logger: logger,
	}

	id, err := s.cron.AddFunc(spec, s.fire)
	if err != nil {
		return nil, fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	s.entry = id
	return s, nil
}

func (s *Schedule) fire() {
	_, err := s.runner.Run(s.runner.baseCtx, TriggerCron)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.logger.Info("scheduled refresh skipped, another run is in progress")
	case errors.Is(err, ErrShuttingDown):
	case err != nil:
		s.logger.Error("scheduled refresh failed", "error", err)
	}
}

// Start begins firing in the background.
func (s *Schedule) Start() {
	s.cron.Start()
	s.logger.Info("refresh schedule started", "spec", s.spec, "next", s.Next())
}

// Stop prevents new runs and waits for a firing job to return or ctx to end.
func (s *Schedule) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next reports when the next scheduled run fires.
func (s *Schedule) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

func (s *Schedule) Spec() string {
	return s.spec
}

package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultMaxAttempts  = 3
	DefaultInitialDelay = time.Second
)

// Executor runs an operation up to MaxAttempts times, waiting
// InitialDelay*2^i after the i-th failed attempt. Terminal errors are
// returned immediately.
type Executor struct {
	maxAttempts    int
	initialDelay   time.Duration
	attemptTimeout time.Duration
	logger         *slog.Logger
	sleepFn        func(ctx context.Context, d time.Duration) error
}

type Option func(*Executor)

// WithAttemptTimeout bounds each individual attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(e *Executor) { e.attemptTimeout = d }
}

// WithSleep replaces the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleepFn = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

func NewExecutor(maxAttempts int, initialDelay time.Duration, opts ...Option) *Executor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if initialDelay < 0 {
		initialDelay = DefaultInitialDelay
	}
	e := &Executor{
		maxAttempts:  maxAttempts,
		initialDelay: initialDelay,
		logger:       slog.Default(),
		sleepFn:      sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MaxAttempts reports the total number of attempts, including the first.
func (e *Executor) MaxAttempts() int {
	return e.maxAttempts
}

// Delay returns the wait after the failed attempt with 0-based index attempt.
func (e *Executor) Delay(attempt int) time.Duration {
	return e.initialDelay * time.Duration(1<<uint(attempt))
}

// Do runs fn with retries. op names the operation in logs and errors.
func (e *Executor) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, e, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call runs fn with the executor's retry policy and returns its result.
func Call[T any](ctx context.Context, e *Executor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("%s: %w (last error: %v)", op, err, lastErr)
			}
			return zero, fmt.Errorf("%s: %w", op, err)
		}

		result, err := runAttempt(ctx, e.attemptTimeout, fn)
		if err == nil {
			return result, nil
		}
		lastErr = err

		decision := Classify(err)
		if !decision.IsTransient() {
			return zero, fmt.Errorf("%s: %w", op, err)
		}
		if attempt == e.maxAttempts-1 {
			break
		}

		delay := e.Delay(attempt)
		e.logger.Warn("operation failed, retrying",
			"op", op,
			"attempt", attempt+1,
			"max_attempts", e.maxAttempts,
			"delay", delay,
			"classification", decision.Reason,
			"error", err,
		)
		if sleepErr := e.sleepFn(ctx, delay); sleepErr != nil {
			return zero, fmt.Errorf("%s: %w (last error: %v)", op, sleepErr, lastErr)
		}
	}

	return zero, fmt.Errorf("%s: after %d attempts: %w", op, e.maxAttempts, lastErr)
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

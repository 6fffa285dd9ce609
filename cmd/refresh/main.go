package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/app"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/config"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/refresh"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/tracing"
)

const (
	exitOK       = 0
	exitFailed   = 1
	exitBusy     = 2
	exitCanceled = 3
)

// exitCode maps a run outcome to the process exit status. A partial run
// still updated the leaderboard, so it exits zero.
func exitCode(status *refresh.RunStatus, err error) int {
	switch {
	case errors.Is(err, refresh.ErrRunInProgress):
		return exitBusy
	case err != nil:
		return exitFailed
	case status == nil:
		return exitFailed
	}
	switch status.State {
	case refresh.StateSucceeded, refresh.StatePartial:
		return exitOK
	case refresh.StateCanceled:
		return exitCanceled
	default:
		return exitFailed
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return exitFailed
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(context.Background(), "leaderboard-refresh", tracingEndpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		return exitFailed
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build application", "error", err)
		return exitFailed
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close error", "error", err)
		}
	}()

	start := time.Now()
	status, err := a.Runner.Run(ctx, refresh.TriggerCLI)
	code := exitCode(status, err)

	attrs := []any{"exit_code", code, "elapsed", time.Since(start).String()}
	if status != nil {
		attrs = append(attrs, "run_id", status.RunID, "state", status.State, "participants", status.Participants)
		if status.Summary != nil {
			attrs = append(attrs,
				"succeeded", status.Summary.Succeeded,
				"failed", status.Summary.Failed,
				"fallbacks", status.Summary.Fallbacks,
			)
		}
	}
	if err != nil {
		attrs = append(attrs, "error", err)
		logger.Error("manual refresh failed", attrs...)
	} else {
		logger.Info("manual refresh finished", attrs...)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Runner.Shutdown(shutdownCtx); err != nil {
		logger.Warn("refresh runner shutdown error", "error", err)
	}
	return code
}

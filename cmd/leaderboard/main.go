package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/admin"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/app"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/config"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/metrics"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/refresh"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/tracing"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

type dbStatsProvider interface {
	Stats() sql.DBStats
}

type dbPoolStatsGauges struct {
	open         prometheus.Gauge
	inUse        prometheus.Gauge
	idle         prometheus.Gauge
	waitCount    prometheus.Gauge
	waitDuration prometheus.Gauge
}

func collectDBPoolStats(db dbStatsProvider, gauges dbPoolStatsGauges) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("db pool stats collection panicked: %v", r)
		}
	}()
	if db == nil {
		return fmt.Errorf("db stats provider is nil")
	}

	stats := db.Stats()
	gauges.open.Set(float64(stats.OpenConnections))
	gauges.inUse.Set(float64(stats.InUse))
	gauges.idle.Set(float64(stats.Idle))
	gauges.waitCount.Set(float64(stats.WaitCount))
	gauges.waitDuration.Set(stats.WaitDuration.Seconds())
	return nil
}

func startDBPoolStatsPump(ctx context.Context, db dbStatsProvider, intervalMS int, logger *slog.Logger) {
	if db == nil || intervalMS <= 0 {
		return
	}

	gauges := dbPoolStatsGauges{
		open:         metrics.DBPoolOpen,
		inUse:        metrics.DBPoolInUse,
		idle:         metrics.DBPoolIdle,
		waitCount:    metrics.DBPoolWaitCount,
		waitDuration: metrics.DBPoolWaitDurationSeconds,
	}

	ticker := time.NewTicker(time.Duration(intervalMS) * time.Millisecond)

	go func() {
		defer ticker.Stop()

		if err := collectDBPoolStats(db, gauges); err != nil {
			logger.Warn("failed to collect initial db pool stats", "error", err)
		}

		for {
			select {
			case <-ctx.Done():
				logger.Info("db pool stats sampler stopped", "cause", "context_done")
				return
			case <-ticker.C:
				if err := collectDBPoolStats(db, gauges); err != nil {
					logger.Warn("failed to collect db pool stats", "error", err)
				}
			}
		}
	}()
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	red := cfg.Redacted()
	logger.Info("starting leaderboard",
		"database_url", red.DB.URL,
		"redis_url", red.Redis.URL,
		"rpc_url", cfg.Ledger.RPCURL,
		"token", cfg.Ledger.TokenAddress,
		"start_block", cfg.Ledger.StartBlock,
		"valuation_api", cfg.Valuation.APIURL,
		"cron", cfg.Refresh.Cron,
		"batch_size", cfg.Refresh.BatchSize,
		"concurrency", cfg.Refresh.Concurrency,
		"port", cfg.Server.Port,
		"health_port", cfg.Server.HealthPort,
		"admin_key_set", cfg.Server.AdminKey != "",
	)
	if cfg.Server.AdminKey == "" {
		logger.Warn("ADMIN_KEY is not set, admin routes will reject every request")
	}

	tracingEndpoint := ""
	if cfg.Tracing.Enabled {
		tracingEndpoint = cfg.Tracing.Endpoint
	}
	shutdownTracing, err := tracing.Init(context.Background(), "leaderboard", tracingEndpoint, cfg.Tracing.Insecure, cfg.Tracing.SampleRatio)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.Enabled {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint, "sample_ratio", cfg.Tracing.SampleRatio)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build application", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close error", "error", err)
		}
	}()
	logger.Info("connected to database", "migrated", cfg.DB.MigrateOnStart)

	schedule, err := refresh.NewSchedule(a.Runner, cfg.Refresh.Cron, logger)
	if err != nil {
		logger.Error("failed to build refresh schedule", "error", err)
		os.Exit(1)
	}

	api := admin.NewServer(a.Leaderboard, a.Participants, a.Runner, cfg.Server.AdminKey, logger,
		admin.WithValuationHealth(a.Valuation),
		admin.WithSchedule(schedule),
	)
	rl := admin.NewRateLimitMiddleware(cfg.RateLimit, logger)
	defer rl.Stop()
	handler := buildAPIHandler(admin.Chain(api.Handler(), rl))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHTTPServer(gCtx, "api", cfg.Server.Port, handler, logger)
	})
	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, &healthChecker{db: a.DB.DB}, logger)
	})

	startDBPoolStatsPump(gCtx, a.DB.DB, cfg.DB.PoolStatsIntervalMS, logger)

	schedule.Start()
	if cfg.Refresh.RunOnStart {
		runID, err := a.Runner.Trigger(refresh.TriggerStartup)
		if err != nil {
			logger.Warn("startup refresh not started", "error", err)
		} else {
			logger.Info("startup refresh started", "run_id", runID)
		}
	}

	// Signal handler
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	waitErr := g.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := schedule.Stop(stopCtx); err != nil {
		logger.Warn("refresh schedule stop error", "error", err)
	}
	if err := a.Runner.Shutdown(stopCtx); err != nil {
		logger.Warn("refresh runner shutdown error", "error", err)
	}

	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		logger.Error("leaderboard exited with error", "error", waitErr)
		os.Exit(1)
	}

	logger.Info("leaderboard shut down gracefully")
}

// buildAPIHandler mounts the metrics endpoint next to the API routes.
func buildAPIHandler(api http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("/", api)
	return mux
}

func runHTTPServer(ctx context.Context, name string, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("server started", "server", name, "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

type pinger interface {
	PingContext(ctx context.Context) error
}

// healthChecker backs /readyz.
type healthChecker struct {
	db pinger
}

func (h *healthChecker) check(ctx context.Context) error {
	if h.db == nil {
		return errors.New("database not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	return nil
}

func healthMux(checker *healthChecker, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := checker.check(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func runHealthServer(ctx context.Context, port int, checker *healthChecker, logger *slog.Logger) error {
	return runHTTPServer(ctx, "health", port, healthMux(checker, logger), logger)
}

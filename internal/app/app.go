// Package app wires configuration into the runtime object graph shared by the
// server and the one-shot refresh command.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/alert"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/chain/evm"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/chain/evm/rpc"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/chain/ratelimit"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/circuitbreaker"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/config"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/domain/model"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/reconciliation"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/refresh"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/retry"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/scheduler"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/store/postgres"
	redispkg "github.com/shtanga0x/shtanga-leaderboard.github.io/internal/store/redis"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/valuation"
)

// App holds the long-lived components of one process.
type App struct {
	DB           *postgres.DB
	Participants *postgres.ParticipantRepo
	Leaderboard  *postgres.LeaderboardRepo
	Valuation    *valuation.Provider
	Runner       *refresh.Runner

	redis *redis.Client
}

// Build connects to the database, optionally migrates it, and assembles the
// refresh pipeline. Close releases what Build opened.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a := &App{DB: db}

	if cfg.DB.MigrateOnStart {
		if err := db.RunMigrations(ctx, postgres.Migrations()); err != nil {
			a.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	ledgerClient := rpc.NewClient(cfg.Ledger.RPCURL, logger,
		rpc.WithTimeout(cfg.Ledger.Timeout),
		rpc.WithRateLimiter(ratelimit.NewLimiter(cfg.Ledger.RPS, cfg.Ledger.Burst, "ledger_rpc")),
	)
	reader, err := evm.NewReader(ledgerClient, evm.Config{
		TokenAddress:     cfg.Ledger.TokenAddress,
		TokenDecimals:    cfg.Ledger.TokenDecimals,
		BlockLookupPause: cfg.Ledger.BlockLookupPause,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build ledger reader: %w", err)
	}

	exec := retry.NewExecutor(cfg.Retry.MaxAttempts, cfg.Retry.InitialDelay, retry.WithLogger(logger))
	valuationExec := retry.NewExecutor(cfg.Valuation.MaxAttempts, cfg.Retry.InitialDelay, retry.WithLogger(logger))
	alerter := alert.New(cfg.Alert.SlackWebhookURL, cfg.Alert.WebhookURL, cfg.Alert.Cooldown, logger)
	breaker := valuation.NewBreaker(circuitbreaker.Config{
		FailureThreshold: cfg.Valuation.FailureThreshold,
		OpenTimeout:      cfg.Valuation.OpenTimeout,
		OnStateChange:    valuationDegradedAlert(alerter, logger),
	}, logger)
	api := valuation.NewClient(cfg.Valuation.APIURL, cfg.Valuation.APIKey, logger, valuation.WithTimeout(cfg.Valuation.Timeout))
	provider := valuation.NewProvider(api, valuationExec, breaker, logger)
	a.Valuation = provider

	a.Participants = postgres.NewParticipantRepo(db)
	a.Leaderboard = postgres.NewLeaderboardRepo(db)

	engine := reconciliation.NewEngine(reader, provider, exec, reconciliation.Repositories{
		Tx:          db,
		Deposits:    postgres.NewDepositRepo(db),
		Snapshots:   postgres.NewSnapshotRepo(db),
		Leaderboard: a.Leaderboard,
	}, reconciliation.Config{
		FromBlock: cfg.Ledger.StartBlock,
		Policy: model.FlagPolicy{
			LowDepositThreshold:  cfg.Flags.LowDepositThreshold,
			HighDepositThreshold: cfg.Flags.HighDepositThreshold,
			TournamentStart:      cfg.Flags.TournamentStart,
		},
		ParticipantTimeout: cfg.Refresh.ParticipantTimeout,
	}, logger)

	var opts []refresh.Option
	if cfg.Redis.URL != "" {
		client, err := redispkg.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.redis = client
		opts = append(opts, refresh.WithLease(redispkg.NewLease(client, redispkg.DefaultLeaseKey, cfg.Redis.LeaseTTL)))
		logger.Info("refresh lease enabled", "ttl", cfg.Redis.LeaseTTL.String())
	}

	a.Runner = refresh.NewRunner(a.Participants, engine, refresh.Config{
		Scheduler: scheduler.Config{
			BatchSize:   cfg.Refresh.BatchSize,
			BatchPause:  cfg.Refresh.BatchPause,
			Concurrency: cfg.Refresh.Concurrency,
		},
		LeaseHeartbeat: cfg.Redis.LeaseTTL / 3,
	}, alerter, logger, opts...)
	return a, nil
}

const alertSendTimeout = 10 * time.Second

// valuationDegradedAlert returns a breaker hook that alerts when the
// valuation API breaker opens. Participants are valued from positions or
// fall back to their deposits until it closes again.
func valuationDegradedAlert(alerter alert.Alerter, logger *slog.Logger) func(from, to circuitbreaker.State) {
	return func(from, to circuitbreaker.State) {
		if to != circuitbreaker.StateOpen {
			return
		}
		// The hook runs under the breaker lock.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), alertSendTimeout)
			defer cancel()
			err := alerter.Send(ctx, alert.Alert{
				Type:    alert.AlertTypeValuationDegraded,
				Source:  "valuation",
				Title:   "Valuation API circuit breaker opened",
				Message: "valuation calls are failing fast, snapshots fall back to deposit sums",
				Fields: map[string]string{
					"from": from.String(),
					"to":   to.String(),
				},
			})
			if err != nil {
				logger.Warn("send valuation alert failed", "error", err)
			}
		}()
	}
}

// Close releases connections. It is safe to call on a partially built App.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}

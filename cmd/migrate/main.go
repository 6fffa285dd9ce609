package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/config"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/store/postgres"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := postgres.New(postgres.Config{
		URL:          cfg.DB.URL,
		MaxOpenConns: 2,
		MaxIdleConns: 1,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err, "database_url", cfg.Redacted().DB.URL)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), postgres.LongQueryTimeout)
	defer cancel()

	start := time.Now()
	if err := db.RunMigrations(ctx, postgres.Migrations()); err != nil {
		logger.Error("migration failed", "error", err)
		db.Close()
		os.Exit(1)
	}
	logger.Info("migrations applied", "elapsed", time.Since(start).String())
}

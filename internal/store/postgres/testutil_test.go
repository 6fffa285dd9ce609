//go:build integration

package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/store/postgres"
)

// setupTestContainer starts a PostgreSQL container via testcontainers-go,
// runs the embedded migrations, and returns a connected *postgres.DB.
// The container and DB connection are cleaned up when the test ends.
func setupTestContainer(t *testing.T) *postgres.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("test_leaderboard"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return openTestDB(t, connStr)
}

func openTestDB(t *testing.T, url string) *postgres.DB {
	t.Helper()
	db, err := postgres.New(postgres.Config{
		URL:             url,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.RunMigrations(context.Background(), postgres.Migrations()))
	return db
}

// testDB uses TEST_DB_URL when set and an ephemeral container otherwise.
// Tables are truncated so every test starts empty.
func testDB(t *testing.T) *postgres.DB {
	t.Helper()
	var db *postgres.DB
	if url := os.Getenv("TEST_DB_URL"); url != "" {
		db = openTestDB(t, url)
	} else {
		db = setupTestContainer(t)
	}
	_, err := db.ExecContext(context.Background(),
		`TRUNCATE leaderboard_cache, snapshots, deposits, participants RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return db
}

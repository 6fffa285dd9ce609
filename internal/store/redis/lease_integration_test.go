//go:build integration

package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	storeredis "github.com/shtanga0x/shtanga-leaderboard.github.io/internal/store/redis"
)

func setupRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(context.Background()))
	})

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	return url
}

func TestLease_SingleHolder(t *testing.T) {
	ctx := context.Background()
	client, err := storeredis.Connect(ctx, setupRedis(t))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	a := storeredis.NewLease(client, "test:lease", time.Minute)
	b := storeredis.NewLease(client, "test:lease", time.Minute)

	tokenA, ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	// A stale token must not release someone else's lease.
	require.NoError(t, b.Release(ctx, "not-the-owner"))
	holder, err := a.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, tokenA, holder)

	require.NoError(t, a.Release(ctx, tokenA))
	holder, err = a.Holder(ctx)
	require.NoError(t, err)
	assert.Empty(t, holder)

	_, ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLease_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	client, err := storeredis.Connect(ctx, setupRedis(t))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	lease := storeredis.NewLease(client, "test:ttl", 200*time.Millisecond)
	_, ok, err := lease.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok, err := lease.Acquire(ctx)
		return err == nil && ok
	}, 5*time.Second, 50*time.Millisecond)
}

func TestLease_ExtendKeepsHolderPastTTL(t *testing.T) {
	ctx := context.Background()
	client, err := storeredis.Connect(ctx, setupRedis(t))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	ttl := 300 * time.Millisecond
	a := storeredis.NewLease(client, "test:extend", ttl)
	b := storeredis.NewLease(client, "test:extend", ttl)

	token, ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// Extend for three TTLs; the lease must never lapse.
	deadline := time.Now().Add(3 * ttl)
	for time.Now().Before(deadline) {
		ok, err := a.Extend(ctx, token)
		require.NoError(t, err)
		require.True(t, ok)

		_, taken, err := b.Acquire(ctx)
		require.NoError(t, err)
		require.False(t, taken, "extended lease must stay held")
		time.Sleep(ttl / 3)
	}

	pttl, err := client.PTTL(ctx, "test:extend").Result()
	require.NoError(t, err)
	assert.Greater(t, pttl, time.Duration(0))
}

func TestLease_ExtendRefusesForeignToken(t *testing.T) {
	ctx := context.Background()
	client, err := storeredis.Connect(ctx, setupRedis(t))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	lease := storeredis.NewLease(client, "test:extend-foreign", time.Minute)

	ok, err := lease.Extend(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok, "free lease cannot be extended")

	token, ok, err := lease.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = lease.Extend(ctx, "not-the-owner")
	require.NoError(t, err)
	assert.False(t, ok)

	holder, err := lease.Holder(ctx)
	require.NoError(t, err)
	assert.Equal(t, token, holder)
}

func TestConnect_InvalidURL(t *testing.T) {
	_, err := storeredis.Connect(context.Background(), "://bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse redis url")
}

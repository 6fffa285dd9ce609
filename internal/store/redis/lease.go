package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLeaseKey names the lock shared by every process refreshing the
// same leaderboard.
const DefaultLeaseKey = "leaderboard:refresh:lease"

// releaseScript deletes the key only while it still holds our token, so a
// lease that expired and was taken by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript resets the expiry only while the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Connect parses url, opens a client and verifies it with PING.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Lease is a best-effort cross-process mutex backed by SET NX PX. The TTL
// bounds how long a crashed holder can block others; a live holder keeps it
// with Extend.
type Lease struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

func NewLease(client redis.Cmdable, key string, ttl time.Duration) *Lease {
	if key == "" {
		key = DefaultLeaseKey
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Lease{client: client, key: key, ttl: ttl}
}

// Acquire tries to take the lease. ok is false when another holder has it.
// The returned token must be passed to Release.
func (l *Lease) Acquire(ctx context.Context) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Extend pushes the lease expiry a full TTL out. ok is false when token no
// longer holds the lease, for example after it expired and was taken over.
func (l *Lease) Extend(ctx context.Context, token string) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, token, l.ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("extend lease %s: %w", l.key, err)
	}
	return n == 1, nil
}

// Release gives the lease back if token still owns it.
func (l *Lease) Release(ctx context.Context, token string) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}

// Holder returns the token currently holding the lease, or "" when free.
func (l *Lease) Holder(ctx context.Context) (string, error) {
	token, err := l.client.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read lease %s: %w", l.key, err)
	}
	return token, nil
}

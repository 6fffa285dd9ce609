package admin

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/config"
	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/metrics"
)

const (
	staleLimiterTTL = 10 * time.Minute
	cleanupInterval = time.Minute
)

// RouteClass groups the routes that draw from one per-IP bucket.
type RouteClass string

const (
	// RouteClassPublic covers the leaderboard read and anything unmatched.
	RouteClassPublic RouteClass = "public"
	// RouteClassAdmin covers every admin-key route.
	RouteClassAdmin RouteClass = "admin"
)

func classify(path string) RouteClass {
	if path == "/admin" || strings.HasPrefix(path, "/admin/") {
		return RouteClassAdmin
	}
	return RouteClassPublic
}

type classLimit struct {
	rps   rate.Limit
	burst int
	// retryAfter is the refill time of one token, rounded up to whole seconds.
	retryAfter string
}

func newClassLimit(rps float64, burst int) classLimit {
	refill := time.Duration(float64(time.Second) / rps)
	secs := int((refill + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return classLimit{rps: rate.Limit(rps), burst: burst, retryAfter: strconv.Itoa(secs)}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware keeps one token bucket per route class and client IP.
type RateLimitMiddleware struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry // "class|ip"
	limits   map[RouteClass]classLimit
	logger   *slog.Logger
	nowFunc  func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimitMiddleware builds the limiter from the configured class limits
// and starts the stale-entry sweeper. Call Stop to release it.
func NewRateLimitMiddleware(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{
		limiters: make(map[string]*limiterEntry),
		limits: map[RouteClass]classLimit{
			RouteClassPublic: newClassLimit(cfg.PublicRPS, cfg.PublicBurst),
			RouteClassAdmin:  newClassLimit(cfg.AdminPerMinute/60, cfg.AdminBurst),
		},
		logger:  logger.With("component", "rate_limit"),
		nowFunc: time.Now,
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop ends the sweeper. Safe to call more than once.
func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimitMiddleware) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimitMiddleware) evictStale() {
	now := rl.nowFunc()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > staleLimiterTTL {
			delete(rl.limiters, key)
		}
	}
}

// LimiterCount reports the number of live buckets.
func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Wrap rejects a request with 429 once its class bucket for the client IP is
// empty.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		class := classify(r.URL.Path)
		clientIP := extractClientIP(r)
		limit := rl.limits[class]

		if !rl.limiter(class, clientIP, limit).Allow() {
			metrics.HTTPRateLimited.WithLabelValues(string(class)).Inc()
			w.Header().Set("Retry-After", limit.retryAfter)
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			rl.logger.Warn("rate limit exceeded",
				"class", class,
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", clientIP,
			)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimitMiddleware) limiter(class RouteClass, clientIP string, limit classLimit) *rate.Limiter {
	key := string(class) + "|" + clientIP
	now := rl.nowFunc()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if entry, ok := rl.limiters[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	l := rate.NewLimiter(limit.rps, limit.burst)
	rl.limiters[key] = &limiterEntry{limiter: l, lastSeen: now}
	return l
}

// extractClientIP prefers the first X-Forwarded-For hop, then X-Real-IP,
// then the connection address.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

package admin

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shtanga0x/shtanga-leaderboard.github.io/internal/metrics"
)

// instrument logs every request and counts it by matched route and status.
func instrument(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(sw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(sw.statusCode)).Inc()

		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"route", route,
			"status", sw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// jsonFallback lets the mux pick 404 or 405 (with its Allow header) for
// requests no pattern accepts, and replaces the plain-text body with the
// JSON error envelope.
func jsonFallback(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, pattern := mux.Handler(r); pattern != "" {
			mux.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(&errorBodyWriter{ResponseWriter: w}, r)
	})
}

type errorBodyWriter struct {
	http.ResponseWriter
	wrote bool
}

func (e *errorBodyWriter) WriteHeader(code int) {
	if e.wrote {
		return
	}
	e.wrote = true
	msg := "route not found"
	if code == http.StatusMethodNotAllowed {
		msg = "method not allowed"
	}
	writeError(e.ResponseWriter, code, msg)
}

// Write drops the mux's plain-text body.
func (e *errorBodyWriter) Write(b []byte) (int, error) {
	if !e.wrote {
		e.WriteHeader(http.StatusNotFound)
	}
	return len(b), nil
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.written = true
	return sw.ResponseWriter.Write(b)
}

// Chain puts the per-class rate limiter in front of the API handler.
func Chain(handler http.Handler, rl *RateLimitMiddleware) http.Handler {
	if rl == nil {
		return handler
	}
	return rl.Wrap(handler)
}

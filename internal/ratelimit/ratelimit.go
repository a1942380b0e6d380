// Package ratelimit bounds how often one polling station (or, without a
// station header, one client address) may submit biometric samples. It sits
// in front of the per-voter throttle: the throttle protects a voter record,
// this protects the matcher from a kiosk cycling through voter ids.
package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	dErrors "biovote/pkg/domain-errors"
	"biovote/pkg/platform/httputil"
	"biovote/pkg/requestcontext"
)

// Result of one Allow call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is set only when the request was denied.
	RetryAfter time.Duration
}

// Store counts requests per key over a sliding window.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error)
}

// Limiter turns a Store into HTTP middleware.
type Limiter struct {
	store  Store
	limit  int
	window time.Duration
	logger *slog.Logger
}

// New returns a limiter admitting limit requests per window per client. A
// non-positive limit disables it.
func New(store Store, limit int, window time.Duration, logger *slog.Logger) *Limiter {
	return &Limiter{store: store, limit: limit, window: window, logger: logger}
}

// Middleware limits requests in class. Store failures let the request
// through; the per-voter throttle still applies.
func (l *Limiter) Middleware(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil || l.limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			key := class + ":" + clientKey(ctx)

			res, err := l.store.Allow(ctx, key, l.limit, l.window)
			if err != nil {
				l.logger.ErrorContext(ctx, "rate limit check failed", "class", class, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
			if !res.Allowed {
				l.logger.WarnContext(ctx, "rate limit exceeded",
					"class", class,
					"client", clientKey(ctx),
					"retry_after", res.RetryAfter,
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeRateLimited, "too many requests from this station").
					WithDetail(dErrors.Detail{RetryAfter: res.RetryAfter}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(ctx context.Context) string {
	if station := requestcontext.PollingStation(ctx); station != "" {
		return "station:" + station
	}
	if ip := requestcontext.ClientIP(ctx); ip != "" {
		return "ip:" + ip
	}
	return "unknown"
}

// Package requestcontext carries request-scoped values (client address, kiosk
// station, request id, request time) without tying services to net/http.
// Middleware writes them; services and stores read them.
//
//	now := requestcontext.Now(ctx)
//	station := requestcontext.PollingStation(ctx)
//
// Tests inject the same values directly:
//
//	ctx = requestcontext.WithTime(ctx, fixed)
//	ctx = requestcontext.WithClientMetadata(ctx, "203.0.113.7", "kiosk/1.0")
package requestcontext

import (
	"context"
	"time"
)

type key int

const (
	keyClientIP key = iota
	keyUserAgent
	keyStation
	keyRequestID
	keyTime
)

func get[T any](ctx context.Context, k key) (T, bool) {
	v, ok := ctx.Value(k).(T)
	return v, ok
}

func ClientIP(ctx context.Context) string {
	ip, _ := get[string](ctx, keyClientIP)
	return ip
}

func UserAgent(ctx context.Context) string {
	ua, _ := get[string](ctx, keyUserAgent)
	return ua
}

// WithClientMetadata stores the caller address and User-Agent.
func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, keyClientIP, clientIP)
	return context.WithValue(ctx, keyUserAgent, userAgent)
}

// PollingStation is the kiosk's self-reported station id, empty when absent.
// It is a label for audit and rate limiting, not an authenticated identity.
func PollingStation(ctx context.Context) string {
	s, _ := get[string](ctx, keyStation)
	return s
}

func WithPollingStation(ctx context.Context, station string) context.Context {
	return context.WithValue(ctx, keyStation, station)
}

func RequestID(ctx context.Context) string {
	id, _ := get[string](ctx, keyRequestID)
	return id
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// Now returns the time pinned for this request, or the wall clock outside a
// request (background loops, tests that did not pin one).
func Now(ctx context.Context) time.Time {
	if t, ok := get[time.Time](ctx, keyTime); ok {
		return t
	}
	return time.Now()
}

// WithTime pins the time Now reports for ctx.
func WithTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, keyTime, t)
}

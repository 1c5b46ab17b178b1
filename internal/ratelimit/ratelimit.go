// Package ratelimit guards the solve endpoints against request floods.
//
// Runs are expensive (each one fans out multiple model calls), so the
// server throttles run creation per client IP. The Limiter interface is
// the contract; the in-process token bucket (MemoryLimiter) is the only
// shipped implementation, and a shared-store limiter can be substituted
// for multi-instance deployments.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque
	// to the limiter; the middleware uses the client IP. Returning an
	// error signals a limiter malfunction; callers treat errors as
	// fail-open (permit the request) rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

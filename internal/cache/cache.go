// Package cache provides the read-through plan cache.
//
// Only planner passes are cached: plans are pure functions of the goal
// text, while solver and verifier outputs are intentionally randomized and
// re-verified each time. Concurrent misses for the same key collapse into
// a single upstream call.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/veritas-ai/deepthink/internal/model"
	"github.com/veritas-ai/deepthink/internal/store"
)

// Store is the subset of the persistence layer the cache needs.
type Store interface {
	GetCachedPlan(ctx context.Context, key string) (store.CachedPlan, error)
	PutCachedPlan(ctx context.Context, entry store.CachedPlan) error
	PurgeExpiredPlans(ctx context.Context, now time.Time) (int64, error)
}

// Key derives the cache key for one pass input.
func Key(passType model.PassType, input string) string {
	h := sha256.New()
	h.Write([]byte(passType))
	h.Write([]byte{0})
	h.Write([]byte(input))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// Planned is a planner result together with what it cost to produce.
// Cache hits carry zero Usage: the tokens were spent by the original call.
type Planned struct {
	Plan     model.Plan
	Raw      []byte
	Usage    model.Usage
	Provider string
	Model    string
}

// PlanFunc produces a fresh plan on a cache miss.
type PlanFunc func(ctx context.Context) (Planned, error)

// PlanCache is the read-through/write-through cache for planner passes.
type PlanCache struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// New creates a plan cache with the given entry TTL.
func New(st Store, ttl time.Duration, logger *slog.Logger) *PlanCache {
	return &PlanCache{store: st, ttl: ttl, logger: logger}
}

// GetOrPlan returns the cached plan for key, or invokes fn exactly once
// across concurrent callers and caches its result. The second return
// reports whether this caller got the plan without spending anything:
// a store hit, or a join on another caller's in-flight computation.
func (c *PlanCache) GetOrPlan(ctx context.Context, key string, fn PlanFunc) (Planned, bool, error) {
	type flight struct {
		planned Planned
		hit     bool
	}
	executed := false
	v, err, _ := c.group.Do(key, func() (any, error) {
		executed = true
		entry, err := c.store.GetCachedPlan(ctx, key)
		if err == nil {
			var plan model.Plan
			if err := json.Unmarshal(entry.PlanJSON, &plan); err == nil {
				c.logger.Debug("cache: plan hit", "key", key, "hits", entry.HitCount)
				return flight{planned: Planned{
					Plan:     plan,
					Raw:      entry.PlanJSON,
					Provider: entry.Provider,
					Model:    entry.Model,
				}, hit: true}, nil
			}
			// An undecodable entry is treated as a miss and overwritten.
			c.logger.Warn("cache: discarding undecodable plan entry", "key", key, "error", err)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("cache: read: %w", err)
		}

		planned, err := fn(ctx)
		if err != nil {
			return nil, err
		}

		now := time.Now().UTC()
		if err := c.store.PutCachedPlan(ctx, store.CachedPlan{
			Key:          key,
			PlanJSON:     planned.Raw,
			Provider:     planned.Provider,
			Model:        planned.Model,
			InputTokens:  planned.Usage.InputTokens,
			OutputTokens: planned.Usage.OutputTokens,
			CreatedAt:    now,
			ExpiresAt:    now.Add(c.ttl),
		}); err != nil {
			// The plan is still usable; a write failure only costs reuse.
			c.logger.Warn("cache: write failed", "key", key, "error", err)
		}
		return flight{planned: planned}, nil
	})
	if err != nil {
		return Planned{}, false, err
	}
	f := v.(flight)
	// Only the caller whose closure ran paid for a miss; everyone who
	// joined the flight shared its result for free.
	return f.planned, f.hit || !executed, nil
}

// Sweep removes expired entries.
func (c *PlanCache) Sweep(ctx context.Context) {
	n, err := c.store.PurgeExpiredPlans(ctx, time.Now().UTC())
	if err != nil {
		c.logger.Warn("cache: sweep failed", "error", err)
		return
	}
	if n > 0 {
		c.logger.Info("cache: swept expired plans", "purged", n)
	}
}

// SweepLoop purges expired entries every interval until ctx is cancelled.
func (c *PlanCache) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

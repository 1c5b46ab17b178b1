package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-ai/deepthink/internal/model"
	"github.com/veritas-ai/deepthink/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is an in-memory cache Store that counts calls.
type memStore struct {
	mu      sync.Mutex
	entries map[string]store.CachedPlan
	gets    int
	puts    int
	purges  int
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]store.CachedPlan)}
}

func (m *memStore) GetCachedPlan(_ context.Context, key string) (store.CachedPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	entry, ok := m.entries[key]
	if !ok || !entry.ExpiresAt.After(time.Now()) {
		return store.CachedPlan{}, fmt.Errorf("cache %s: %w", key, store.ErrNotFound)
	}
	entry.HitCount++
	m.entries[key] = entry
	return entry, nil
}

func (m *memStore) PutCachedPlan(_ context.Context, entry store.CachedPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.entries[entry.Key] = entry
	return nil
}

func (m *memStore) PurgeExpiredPlans(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purges++
	var n int64
	for k, e := range m.entries {
		if !e.ExpiresAt.After(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func TestKey(t *testing.T) {
	k1 := Key(model.PassPlanner, "why is the sky blue")
	k2 := Key(model.PassPlanner, "why is the sky blue")
	assert.Equal(t, k1, k2, "same pass and input must derive the same key")

	assert.NotEqual(t, k1, Key(model.PassPlanner, "why is the sea blue"))
	assert.NotEqual(t, k1, Key(model.PassSolver, "why is the sky blue"))
	assert.Contains(t, k1, "sha256:")
}

func planFixture() Planned {
	return Planned{
		Plan: model.Plan{
			GoalRestatement:   "explain the sky's color",
			Approach:          "use Rayleigh scattering",
			KeyConsiderations: []string{},
			EstimatedSteps:    3,
		},
		Raw:      []byte(`{"goal_restatement":"explain the sky's color","approach":"use Rayleigh scattering","key_considerations":[],"estimated_steps":3,"requires_evidence":false}`),
		Usage:    model.Usage{InputTokens: 400, OutputTokens: 120},
		Provider: "openai",
		Model:    "gpt-4o-mini",
	}
}

func TestGetOrPlanMissThenHit(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	c := New(st, time.Hour, testLogger())

	var calls atomic.Int32
	fn := func(ctx context.Context) (Planned, error) {
		calls.Add(1)
		return planFixture(), nil
	}

	key := Key(model.PassPlanner, "why is the sky blue")

	planned, hit, err := c.GetOrPlan(ctx, key, fn)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "use Rayleigh scattering", planned.Plan.Approach)

	// Second call with the identical input is served from cache: the
	// planner is not invoked again and the output is identical.
	planned2, hit, err := c.GetOrPlan(ctx, key, fn)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, planned.Plan, planned2.Plan)
	assert.Zero(t, planned2.Usage, "cache hits must not charge tokens")
	assert.Equal(t, "gpt-4o-mini", planned2.Model)
}

func TestGetOrPlanConcurrentMissesCollapse(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	c := New(st, time.Hour, testLogger())

	release := make(chan struct{})
	var calls atomic.Int32
	fn := func(ctx context.Context) (Planned, error) {
		calls.Add(1)
		<-release
		return planFixture(), nil
	}

	key := Key(model.PassPlanner, "shared goal")
	const callers = 8

	type result struct {
		hit bool
		err error
	}
	var wg sync.WaitGroup
	results := make(chan result, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, hit, err := c.GetOrPlan(ctx, key, fn)
			results <- result{hit: hit, err: err}
		}()
	}

	// Give the goroutines time to pile onto the same flight, then let the
	// single upstream call finish.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	hits := 0
	for r := range results {
		require.NoError(t, r.err)
		if r.hit {
			hits++
		}
	}
	assert.Equal(t, int32(1), calls.Load(), "concurrent identical goals share one planner call")
	assert.Equal(t, 1, st.puts)
	// Exactly one caller paid for the plan; everyone who joined the flight
	// reports a hit.
	assert.Equal(t, callers-1, hits)
}

func TestGetOrPlanErrorNotCached(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	c := New(st, time.Hour, testLogger())

	var calls atomic.Int32
	boom := errors.New("planner unavailable")
	fn := func(ctx context.Context) (Planned, error) {
		calls.Add(1)
		return Planned{}, boom
	}

	key := Key(model.PassPlanner, "goal")
	_, _, err := c.GetOrPlan(ctx, key, fn)
	require.ErrorIs(t, err, boom)

	// Failures are not cached; the next call tries again.
	_, _, err = c.GetOrPlan(ctx, key, fn)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, st.puts)
}

func TestGetOrPlanCorruptEntryOverwritten(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	key := Key(model.PassPlanner, "goal")
	require.NoError(t, st.PutCachedPlan(ctx, store.CachedPlan{
		Key:       key,
		PlanJSON:  []byte(`{not json`),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	c := New(st, time.Hour, testLogger())
	var calls atomic.Int32
	fn := func(ctx context.Context) (Planned, error) {
		calls.Add(1)
		return planFixture(), nil
	}

	planned, hit, err := c.GetOrPlan(ctx, key, fn)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "use Rayleigh scattering", planned.Plan.Approach)

	_, hit, err = c.GetOrPlan(ctx, key, fn)
	require.NoError(t, err)
	assert.True(t, hit, "the rewritten entry should now serve hits")
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	require.NoError(t, st.PutCachedPlan(ctx, store.CachedPlan{
		Key:       "sha256:old",
		PlanJSON:  []byte(`{}`),
		ExpiresAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, st.PutCachedPlan(ctx, store.CachedPlan{
		Key:       "sha256:live",
		PlanJSON:  []byte(`{}`),
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	c := New(st, time.Hour, testLogger())
	c.Sweep(ctx)

	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Len(t, st.entries, 1)
	_, ok := st.entries["sha256:live"]
	assert.True(t, ok)
}

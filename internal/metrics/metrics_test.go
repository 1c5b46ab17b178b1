package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-ai/deepthink/internal/model"
)

func render(t *testing.T, s *Sink) string {
	t.Helper()
	var b strings.Builder
	require.NoError(t, s.WriteText(&b))
	return b.String()
}

func TestWriteTextCounters(t *testing.T) {
	ctx := context.Background()
	s := New()

	s.RunFinished(ctx, model.RunStatusSuccess)
	s.RunFinished(ctx, model.RunStatusSuccess)
	s.RunFinished(ctx, model.RunStatusError)
	s.PassFailed(ctx, model.PassSolver, 1)
	s.PassFailed(ctx, model.PassSolver, 1)
	s.PassFailed(ctx, model.PassPlanner, -1)
	s.CacheHit(ctx, model.PassPlanner)
	s.BudgetBreach(ctx)
	s.EarlyExit(ctx)
	s.SetOutboxDepth(ctx, 4)

	out := render(t, s)
	assert.Contains(t, out, `runs_total{status="success"} 2`)
	assert.Contains(t, out, `runs_total{status="error"} 1`)
	assert.Contains(t, out, `pass_failures_total{pass="solver",candidate="1"} 2`)
	assert.Contains(t, out, `pass_failures_total{pass="planner"} 1`)
	assert.Contains(t, out, `cache_hits_total{pass="planner"} 1`)
	assert.Contains(t, out, "budget_breach_total 1")
	assert.Contains(t, out, "early_exit_total 1")
	assert.Contains(t, out, "outbox_depth 4")
}

func TestWriteTextGaugesAbsentUntilObserved(t *testing.T) {
	s := New()
	out := render(t, s)
	assert.NotContains(t, out, "verification_score")
	assert.NotContains(t, out, "latency_ms_p95")

	ctx := context.Background()
	s.ObserveVerifyScore(ctx, 0.86)
	s.ObserveGatewayLatency(ctx, 400*time.Millisecond)
	out = render(t, s)
	assert.Contains(t, out, "verification_score 0.86")
	assert.Contains(t, out, "latency_ms_p95 400")
}

func TestLatencyP95(t *testing.T) {
	ctx := context.Background()
	s := New()
	for i := 1; i <= 100; i++ {
		s.ObserveGatewayLatency(ctx, time.Duration(i)*time.Millisecond)
	}
	assert.Contains(t, render(t, s), "latency_ms_p95 95")
}

func TestLatencyWindowRolls(t *testing.T) {
	ctx := context.Background()
	s := New()
	// Fill the window with slow calls, then replace it entirely with fast
	// ones; the p95 must reflect only the recent window.
	for i := 0; i < latencyWindow; i++ {
		s.ObserveGatewayLatency(ctx, time.Second)
	}
	for i := 0; i < latencyWindow; i++ {
		s.ObserveGatewayLatency(ctx, 10*time.Millisecond)
	}
	assert.Contains(t, render(t, s), "latency_ms_p95 10")
}

func TestWriteTextStableOrder(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.RunFinished(ctx, model.RunStatusError)
	s.RunFinished(ctx, model.RunStatusSuccess)

	first := render(t, s)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, render(t, s))
	}
	assert.Less(t, strings.Index(first, `status="error"`), strings.Index(first, `status="success"`),
		"labels render in sorted order")
}

// Package metrics keeps the service's operational counters and gauges and
// renders the pull-based text exposition for them.
//
// The sink is injected rather than held in process globals, so tests can
// assert on counter movement in isolation. Every increment is mirrored
// into OTEL instruments; with no meter provider configured the mirror is
// a no-op.
package metrics

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/veritas-ai/deepthink/internal/model"
)

// latencyWindow bounds how many recent gateway latencies feed the p95
// gauge.
const latencyWindow = 256

type passFailureKey struct {
	pass      model.PassType
	candidate int
}

// Sink accumulates counters and gauges for the /metrics exposition.
type Sink struct {
	mu             sync.Mutex
	runs           map[model.RunStatus]int64
	passFailures   map[passFailureKey]int64
	cacheHits      map[model.PassType]int64
	budgetBreaches int64
	earlyExits     int64
	outboxDepth    int64
	verifyScore    float64
	verifyScoreSet bool
	latencies      []int64
	latencyNext    int

	otelRuns     metric.Int64Counter
	otelFailures metric.Int64Counter
	otelHits     metric.Int64Counter
	otelBreaches metric.Int64Counter
	otelExits    metric.Int64Counter
	otelScore    metric.Float64Gauge
	otelLatency  metric.Int64Histogram
	otelOutbox   metric.Int64Gauge
}

// New builds an empty sink. Instrument constructors only fail on invalid
// names; these are constant, so errors are discarded.
func New() *Sink {
	meter := otel.Meter("deepthink/metrics")
	s := &Sink{
		runs:         make(map[model.RunStatus]int64),
		passFailures: make(map[passFailureKey]int64),
		cacheHits:    make(map[model.PassType]int64),
	}
	s.otelRuns, _ = meter.Int64Counter("deepthink.runs.total")
	s.otelFailures, _ = meter.Int64Counter("deepthink.pass.failures.total")
	s.otelHits, _ = meter.Int64Counter("deepthink.cache.hits.total")
	s.otelBreaches, _ = meter.Int64Counter("deepthink.budget.breach.total")
	s.otelExits, _ = meter.Int64Counter("deepthink.early.exit.total")
	s.otelScore, _ = meter.Float64Gauge("deepthink.verification.score")
	s.otelLatency, _ = meter.Int64Histogram("deepthink.gateway.latency.ms")
	s.otelOutbox, _ = meter.Int64Gauge("deepthink.outbox.depth")
	return s
}

// RunFinished counts a run reaching a terminal status.
func (s *Sink) RunFinished(ctx context.Context, status model.RunStatus) {
	s.mu.Lock()
	s.runs[status]++
	s.mu.Unlock()
	s.otelRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

// PassFailed counts one failed pass attempt. candidate is the solver
// variant index, or -1 for passes without one.
func (s *Sink) PassFailed(ctx context.Context, pass model.PassType, candidate int) {
	s.mu.Lock()
	s.passFailures[passFailureKey{pass: pass, candidate: candidate}]++
	s.mu.Unlock()
	attrs := []attribute.KeyValue{attribute.String("pass", string(pass))}
	if candidate >= 0 {
		attrs = append(attrs, attribute.Int("candidate", candidate))
	}
	s.otelFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// CacheHit counts a cache hit for a pass type.
func (s *Sink) CacheHit(ctx context.Context, pass model.PassType) {
	s.mu.Lock()
	s.cacheHits[pass]++
	s.mu.Unlock()
	s.otelHits.Add(ctx, 1, metric.WithAttributes(attribute.String("pass", string(pass))))
}

// BudgetBreach counts a run aborted for breaching its token budget.
func (s *Sink) BudgetBreach(ctx context.Context) {
	s.mu.Lock()
	s.budgetBreaches++
	s.mu.Unlock()
	s.otelBreaches.Add(ctx, 1)
}

// EarlyExit counts a run that cancelled still-running variants after a
// winner committed.
func (s *Sink) EarlyExit(ctx context.Context) {
	s.mu.Lock()
	s.earlyExits++
	s.mu.Unlock()
	s.otelExits.Add(ctx, 1)
}

// ObserveVerifyScore records the most recent verification score.
func (s *Sink) ObserveVerifyScore(ctx context.Context, score float32) {
	s.mu.Lock()
	s.verifyScore = float64(score)
	s.verifyScoreSet = true
	s.mu.Unlock()
	s.otelScore.Record(ctx, float64(score))
}

// ObserveGatewayLatency feeds one gateway call latency into the rolling
// p95 window.
func (s *Sink) ObserveGatewayLatency(ctx context.Context, d time.Duration) {
	ms := d.Milliseconds()
	s.mu.Lock()
	if len(s.latencies) < latencyWindow {
		s.latencies = append(s.latencies, ms)
	} else {
		s.latencies[s.latencyNext] = ms
		s.latencyNext = (s.latencyNext + 1) % latencyWindow
	}
	s.mu.Unlock()
	s.otelLatency.Record(ctx, ms)
}

// SetOutboxDepth records the current answer-outbox backlog.
func (s *Sink) SetOutboxDepth(ctx context.Context, depth int64) {
	s.mu.Lock()
	s.outboxDepth = depth
	s.mu.Unlock()
	s.otelOutbox.Record(ctx, depth)
}

// WriteText renders the exposition in the textual counter/gauge format.
// Lines within a metric are sorted by label for stable scrapes.
func (s *Sink) WriteText(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b []byte
	appendf := func(format string, args ...any) {
		b = append(b, fmt.Sprintf(format, args...)...)
	}

	appendf("# TYPE runs_total counter\n")
	for _, status := range sortedKeys(s.runs) {
		appendf("runs_total{status=%q} %d\n", status, s.runs[model.RunStatus(status)])
	}

	appendf("# TYPE pass_failures_total counter\n")
	failKeys := make([]passFailureKey, 0, len(s.passFailures))
	for k := range s.passFailures {
		failKeys = append(failKeys, k)
	}
	sort.Slice(failKeys, func(i, j int) bool {
		if failKeys[i].pass != failKeys[j].pass {
			return failKeys[i].pass < failKeys[j].pass
		}
		return failKeys[i].candidate < failKeys[j].candidate
	})
	for _, k := range failKeys {
		if k.candidate >= 0 {
			appendf("pass_failures_total{pass=%q,candidate=\"%d\"} %d\n", k.pass, k.candidate, s.passFailures[k])
		} else {
			appendf("pass_failures_total{pass=%q} %d\n", k.pass, s.passFailures[k])
		}
	}

	appendf("# TYPE cache_hits_total counter\n")
	for _, pass := range sortedKeys(s.cacheHits) {
		appendf("cache_hits_total{pass=%q} %d\n", pass, s.cacheHits[model.PassType(pass)])
	}

	appendf("# TYPE budget_breach_total counter\n")
	appendf("budget_breach_total %d\n", s.budgetBreaches)
	appendf("# TYPE early_exit_total counter\n")
	appendf("early_exit_total %d\n", s.earlyExits)
	appendf("# TYPE outbox_depth gauge\n")
	appendf("outbox_depth %d\n", s.outboxDepth)

	if s.verifyScoreSet {
		appendf("# TYPE verification_score gauge\n")
		appendf("verification_score %.4f\n", s.verifyScore)
	}
	if len(s.latencies) > 0 {
		appendf("# TYPE latency_ms_p95 gauge\n")
		appendf("latency_ms_p95 %d\n", percentile(s.latencies, 0.95))
	}

	_, err := w.Write(b)
	return err
}

func sortedKeys[K ~string](m map[K]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	return keys
}

// percentile computes the p-th percentile of the window by nearest-rank.
func percentile(window []int64, p float64) int64 {
	sorted := make([]int64, len(window))
	copy(sorted, window)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

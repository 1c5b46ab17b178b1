package memory

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veritas-ai/deepthink/internal/embedding"
	"github.com/veritas-ai/deepthink/internal/metrics"
	"github.com/veritas-ai/deepthink/internal/store"
)

// upserter is the slice of Index the worker needs. Narrowed for tests.
type upserter interface {
	Upsert(ctx context.Context, points []AnswerPoint) error
}

// Worker polls the answer outbox and mirrors verified answers into Qdrant.
// Entries that fail are deferred with backoff by the store; entries past
// the attempt limit stop being claimed.
type Worker struct {
	store        store.Store
	index        upserter
	embedder     embedding.Provider
	metrics      *metrics.Sink
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	drainCh    chan context.Context // carries the drain context to pollLoop for the final poll
}

// entryLockFor is how long a claimed outbox entry stays invisible to other
// workers. Must exceed the per-batch timeout so a slow batch is never
// double-processed.
const entryLockFor = 60 * time.Second

// NewWorker creates an outbox worker.
func NewWorker(st store.Store, index *Index, embedder embedding.Provider, sink *metrics.Sink, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Worker {
	return &Worker{
		store:        st,
		index:        index,
		embedder:     embedder,
		metrics:      sink,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("answer outbox: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and
// blocks until done or the context expires.
func (w *Worker) Drain(ctx context.Context) {
	// Send the drain context to pollLoop via channel (race-free). Must be
	// sent before cancelLoop so pollLoop can receive it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("answer outbox: drain timed out")
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context so the last poll
			// respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	items, err := w.store.ClaimAnswers(ctx, w.batchSize, entryLockFor)
	if err != nil {
		w.logger.Error("answer outbox: claim entries", "error", err)
		return
	}
	w.observeDepth(ctx)
	if len(items) == 0 {
		return
	}

	points, pointIDs, resolved, deferred := w.buildPoints(ctx, items)

	if len(points) > 0 {
		if err := w.index.Upsert(ctx, points); err != nil {
			w.logger.Error("answer outbox: qdrant upsert", "error", err, "count", len(points))
			// The whole upsert batch retries; entries with nothing to
			// index still clear below.
			w.deferEntries(ctx, append(deferred, pointIDs...), err.Error())
			w.resolveEntries(ctx, resolved)
			return
		}
		resolved = append(resolved, pointIDs...)
		w.logger.Info("answer outbox: mirrored answers", "count", len(points))
	}

	w.resolveEntries(ctx, resolved)
	w.deferEntries(ctx, deferred, "embedding failed")
}

// buildPoints embeds claimed answers that don't yet carry an embedding and
// assembles upsert points. pointIDs holds the outbox entry id for each
// point, index-aligned. resolved entries have nothing to index; deferred
// entries failed embedding and retry later.
func (w *Worker) buildPoints(ctx context.Context, items []store.OutboxItem) (points []AnswerPoint, pointIDs, resolved, deferred []int64) {
	for _, item := range items {
		if item.Final == "" {
			// Run was enqueued but has no final answer (e.g. failed after
			// enqueue). Nothing to mirror.
			resolved = append(resolved, item.ID)
			continue
		}

		emb := item.Embedding
		if len(emb) == 0 {
			vec, err := w.embedder.Embed(ctx, item.Goal+"\n\n"+item.Final)
			if err != nil {
				w.logger.Error("answer outbox: embed answer", "error", err, "run_id", item.RunID)
				deferred = append(deferred, item.ID)
				continue
			}
			emb = vec
			if err := w.store.SetAnswerEmbedding(ctx, item.RunID, emb); err != nil {
				w.logger.Warn("answer outbox: persist embedding", "error", err, "run_id", item.RunID)
			}
		}

		points = append(points, AnswerPoint{
			RunID:       item.RunID,
			Goal:        item.Goal,
			Final:       item.Final,
			VerifyScore: item.VerifyScore,
			CompletedAt: item.CompletedAt,
			Embedding:   emb,
		})
		pointIDs = append(pointIDs, item.ID)
	}
	return points, pointIDs, resolved, deferred
}

func (w *Worker) resolveEntries(ctx context.Context, ids []int64) {
	if len(ids) == 0 {
		return
	}
	if err := w.store.ResolveAnswers(ctx, ids); err != nil {
		w.logger.Error("answer outbox: resolve entries", "error", err)
	}
}

func (w *Worker) deferEntries(ctx context.Context, ids []int64, errMsg string) {
	if len(ids) == 0 {
		return
	}
	if err := w.store.DeferAnswers(ctx, ids, errMsg); err != nil {
		w.logger.Error("answer outbox: defer entries", "error", err)
	}
}

func (w *Worker) observeDepth(ctx context.Context) {
	depth, err := w.store.OutboxDepth(ctx)
	if err != nil {
		return
	}
	w.metrics.SetOutboxDepth(ctx, depth)
}

// Package store persists runs, pass executions, check results, the plan
// cache, the cost ledger, and the answer outbox.
//
// Two backends implement the same Store interface: PostgreSQL via pgxpool
// (production, with a pgvector column for answer embeddings) and SQLite via
// modernc (zero-dependency default for development and tests). Open selects
// the backend from the DATABASE_URL scheme.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-ai/deepthink/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrWinnerExists is returned by MarkPassWinner when another pass already
// holds the winner flag for the run.
var ErrWinnerExists = errors.New("store: run already has a winning pass")

// ErrInvalidTransition is returned when a guarded status update finds the
// run in a status that does not permit the move.
var ErrInvalidTransition = errors.New("store: invalid run status transition")

// maxOutboxAttempts is the point past which an outbox entry is no longer
// claimed and becomes dead-lettered.
const maxOutboxAttempts = 10

// FinalAnswer holds everything CompleteRun writes when a run succeeds.
type FinalAnswer struct {
	Output       string
	Citations    []string
	ResidualRisk string
	VerifyScore  float32
}

// CachedPlan is a reusable planner output keyed by the goal digest.
// Token counts record what the original planner call cost; hits are free.
type CachedPlan struct {
	Key          string
	PlanJSON     []byte
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	HitCount     int64
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// OutboxItem is one claimed answer_outbox row joined with the run fields
// the memory indexer needs to build a vector point.
type OutboxItem struct {
	ID          int64
	RunID       uuid.UUID
	Attempts    int
	Goal        string
	Final       string
	VerifyScore float32
	Embedding   []float32
	CompletedAt time.Time
}

// Store is the persistence surface shared by both backends. All methods are
// safe for concurrent use.
type Store interface {
	// Runs. CreateRun assigns the id and timestamps and returns the stored
	// row.
	CreateRun(ctx context.Context, goal, traceID string) (model.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]model.Run, int, error)
	// TransitionRun moves a run from one status to the next. It fails with
	// ErrInvalidTransition when the pair is not a legal forward move or when
	// the stored status no longer matches from.
	TransitionRun(ctx context.Context, id uuid.UUID, from, to model.RunStatus) error
	// CompleteRun finalizes a verifying run as success. At most one call can
	// succeed per run; later calls fail with ErrInvalidTransition.
	CompleteRun(ctx context.Context, id uuid.UUID, answer FinalAnswer) error
	// FailRun moves any non-terminal run to error with the given reason.
	FailRun(ctx context.Context, id uuid.UUID, reason model.ErrorReason) error
	// AddRunUsage atomically adds one call's tokens and cost to the run's
	// totals and returns the new token totals.
	AddRunUsage(ctx context.Context, runID uuid.UUID, usage model.Usage, costUSD float64) (model.Usage, error)
	SetAnswerEmbedding(ctx context.Context, runID uuid.UUID, embedding []float32) error

	// Pass executions.
	RecordPass(ctx context.Context, pass model.PassExecution) error
	// MarkPassWinner sets the winner flag on one solver pass. The flag is
	// set at most once per run; a second call fails with ErrWinnerExists.
	MarkPassWinner(ctx context.Context, runID, passID uuid.UUID) error
	ListPasses(ctx context.Context, runID uuid.UUID) ([]model.PassExecution, error)

	// Check results.
	RecordChecks(ctx context.Context, results []model.CheckResult) error
	ListChecks(ctx context.Context, runID uuid.UUID) ([]model.CheckResult, error)

	// Plan cache. GetCachedPlan counts the hit and returns ErrNotFound for
	// both misses and expired entries.
	GetCachedPlan(ctx context.Context, key string) (CachedPlan, error)
	PutCachedPlan(ctx context.Context, entry CachedPlan) error
	PurgeExpiredPlans(ctx context.Context, now time.Time) (int64, error)

	// Cost ledger.
	RecordCost(ctx context.Context, entry model.CostLedgerEntry) error

	// Answer outbox. ClaimAnswers locks up to limit pending entries for
	// lockFor so concurrent workers never process the same entry twice.
	EnqueueAnswer(ctx context.Context, runID uuid.UUID) error
	ClaimAnswers(ctx context.Context, limit int, lockFor time.Duration) ([]OutboxItem, error)
	ResolveAnswers(ctx context.Context, ids []int64) error
	DeferAnswers(ctx context.Context, ids []int64, errMsg string) error
	OutboxDepth(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close()
}

// Open connects to the database named by databaseURL, applies pending
// migrations, and returns the matching backend. postgres:// and
// postgresql:// URLs select the pgx backend; sqlite:// URLs or bare paths
// select the embedded SQLite backend. "sqlite://:memory:" opens an
// in-process database, which tests use.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (Store, error) {
	switch {
	case databaseURL == "":
		return nil, errors.New("store: empty database URL")
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return OpenPostgres(ctx, databaseURL, logger)
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(databaseURL, "sqlite://"), logger)
	default:
		return OpenSQLite(ctx, databaseURL, logger)
	}
}

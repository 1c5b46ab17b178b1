package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/veritas-ai/deepthink/internal/model"
	"github.com/veritas-ai/deepthink/migrations"
)

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres connects a pool to dsn, applies pending migrations, and
// returns the backend.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres DSN: %w", err)
	}

	// Register pgvector types on each new connection. Best-effort: the first
	// connections may predate the migration that creates the extension, and
	// later connections succeed once it exists.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("store: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping pool: %w", err)
	}

	p := &Postgres{pool: pool, logger: logger}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *Postgres) migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := p.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("store: load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan applied migration: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: load applied migrations: %w", err)
	}

	scripts, err := migrationScripts(migrations.Postgres())
	if err != nil {
		return err
	}
	for _, script := range scripts {
		if applied[script.Name] {
			p.logger.Debug("store: migration already applied, skipping", "file", script.Name)
			continue
		}
		p.logger.Info("store: running migration", "file", script.Name)
		if _, err := p.pool.Exec(ctx, script.SQL); err != nil {
			return fmt.Errorf("store: execute migration %s: %w", script.Name, err)
		}
		if _, err := p.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, script.Name,
		); err != nil {
			return fmt.Errorf("store: record migration %s: %w", script.Name, err)
		}
	}
	return nil
}

// CreateRun inserts a new pending run and returns it.
func (p *Postgres) CreateRun(ctx context.Context, goal, traceID string) (model.Run, error) {
	now := time.Now().UTC()
	run := model.Run{
		ID:        uuid.New(),
		Goal:      goal,
		Status:    model.RunStatusPending,
		TraceID:   traceID,
		StartedAt: now,
		CreatedAt: now,
	}

	_, err := p.pool.Exec(ctx,
		`INSERT INTO runs (id, goal, status, trace_id, started_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		run.ID, run.Goal, string(run.Status), run.TraceID, run.StartedAt, run.CreatedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("store: create run: %w", err)
	}
	return run, nil
}

const runColumns = `id, goal, status, error_reason, verify_score, residual_risk, final_output,
	citations, total_input_tokens, total_output_tokens, total_cost_usd, trace_id,
	started_at, completed_at, created_at`

func scanRunRow(row pgx.Row) (model.Run, error) {
	var run model.Run
	var citations []byte
	err := row.Scan(
		&run.ID, &run.Goal, &run.Status, &run.ErrorReason, &run.VerifyScore,
		&run.ResidualRisk, &run.FinalOutput, &citations,
		&run.TotalInputTokens, &run.TotalOutputTokens, &run.TotalCostUSD,
		&run.TraceID, &run.StartedAt, &run.CompletedAt, &run.CreatedAt,
	)
	if err != nil {
		return model.Run{}, err
	}
	if len(citations) > 0 {
		if err := json.Unmarshal(citations, &run.Citations); err != nil {
			return model.Run{}, fmt.Errorf("decode citations: %w", err)
		}
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (p *Postgres) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := scanRunRow(p.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("store: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("store: get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs ordered by started_at DESC along with the total count.
func (p *Postgres) ListRuns(ctx context.Context, limit, offset int) ([]model.Run, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count runs: %w", err)
	}

	rows, err := p.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("store: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// TransitionRun moves a run to the next status, guarded on the expected
// current status.
func (p *Postgres) TransitionRun(ctx context.Context, id uuid.UUID, from, to model.RunStatus) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("store: transition %s -> %s: %w", from, to, ErrInvalidTransition)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE runs SET status = $3 WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return fmt.Errorf("store: transition run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: run %s not in status %s: %w", id, from, ErrInvalidTransition)
	}
	return nil
}

// CompleteRun finalizes a verifying run as success.
func (p *Postgres) CompleteRun(ctx context.Context, id uuid.UUID, answer FinalAnswer) error {
	citations, err := json.Marshal(answer.Citations)
	if err != nil {
		return fmt.Errorf("store: encode citations: %w", err)
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE runs SET status = 'success', verify_score = $2, residual_risk = $3,
		        final_output = $4, citations = $5::jsonb, completed_at = $6
		 WHERE id = $1 AND status = 'verifying'`,
		id, answer.VerifyScore, answer.ResidualRisk, answer.Output, citations, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: run %s not verifying: %w", id, ErrInvalidTransition)
	}
	return nil
}

// FailRun moves any non-terminal run to error with the given reason.
func (p *Postgres) FailRun(ctx context.Context, id uuid.UUID, reason model.ErrorReason) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE runs SET status = 'error', error_reason = $2, completed_at = $3
		 WHERE id = $1 AND status NOT IN ('success', 'error')`,
		id, string(reason), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: fail run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: run %s already terminal: %w", id, ErrInvalidTransition)
	}
	return nil
}

// AddRunUsage atomically accumulates tokens and cost onto the run row and
// returns the new totals.
func (p *Postgres) AddRunUsage(ctx context.Context, runID uuid.UUID, usage model.Usage, costUSD float64) (model.Usage, error) {
	var totals model.Usage
	err := withRetry(ctx, 3, 50*time.Millisecond, func() error {
		return p.pool.QueryRow(ctx,
			`UPDATE runs SET total_input_tokens = total_input_tokens + $2,
			        total_output_tokens = total_output_tokens + $3,
			        total_cost_usd = total_cost_usd + $4
			 WHERE id = $1
			 RETURNING total_input_tokens, total_output_tokens`,
			runID, usage.InputTokens, usage.OutputTokens, costUSD,
		).Scan(&totals.InputTokens, &totals.OutputTokens)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Usage{}, fmt.Errorf("store: run %s: %w", runID, ErrNotFound)
		}
		return model.Usage{}, fmt.Errorf("store: add run usage: %w", err)
	}
	return totals, nil
}

// SetAnswerEmbedding stores the final answer's embedding vector on the run.
func (p *Postgres) SetAnswerEmbedding(ctx context.Context, runID uuid.UUID, embedding []float32) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE runs SET answer_embedding = $2 WHERE id = $1`,
		runID, pgvector.NewVector(embedding),
	)
	if err != nil {
		return fmt.Errorf("store: set answer embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// RecordPass inserts one pass execution row. Raw output is stored as text
// because failed attempts can carry output that never parsed as JSON.
func (p *Postgres) RecordPass(ctx context.Context, pass model.PassExecution) error {
	var rawOutput *string
	if len(pass.RawOutput) > 0 {
		raw := string(pass.RawOutput)
		rawOutput = &raw
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO pass_executions (id, run_id, pass_type, candidate_index, provider, model,
		        input_digest, raw_output, input_tokens, output_tokens, latency_ms, is_winner, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		pass.ID, pass.RunID, string(pass.PassType), pass.CandidateIndex, pass.Provider, pass.Model,
		pass.InputDigest, rawOutput, pass.InputTokens, pass.OutputTokens,
		pass.LatencyMs, pass.IsWinner, pass.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: record pass: %w", err)
	}
	return nil
}

// MarkPassWinner flags one solver pass as the run's winner. The partial
// unique index on (run_id) WHERE is_winner backs the NOT EXISTS guard, so a
// lost race surfaces as a unique violation rather than a second winner.
func (p *Postgres) MarkPassWinner(ctx context.Context, runID, passID uuid.UUID) error {
	var tag pgconn.CommandTag
	err := withRetry(ctx, 3, 50*time.Millisecond, func() error {
		var execErr error
		tag, execErr = p.pool.Exec(ctx,
			`UPDATE pass_executions SET is_winner = TRUE
			 WHERE id = $2 AND run_id = $1
			   AND NOT EXISTS (SELECT 1 FROM pass_executions WHERE run_id = $1 AND is_winner)`,
			runID, passID,
		)
		return execErr
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("store: run %s: %w", runID, ErrWinnerExists)
		}
		return fmt.Errorf("store: mark pass winner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM pass_executions WHERE run_id = $1 AND is_winner)`, runID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("store: mark pass winner: %w", err)
		}
		if exists {
			return fmt.Errorf("store: run %s: %w", runID, ErrWinnerExists)
		}
		return fmt.Errorf("store: pass %s: %w", passID, ErrNotFound)
	}
	return nil
}

// ListPasses returns a run's pass executions in creation order.
func (p *Postgres) ListPasses(ctx context.Context, runID uuid.UUID) ([]model.PassExecution, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, run_id, pass_type, candidate_index, provider, model, input_digest,
		        raw_output, input_tokens, output_tokens, latency_ms, is_winner, created_at
		 FROM pass_executions WHERE run_id = $1 ORDER BY created_at ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list passes: %w", err)
	}
	defer rows.Close()

	var passes []model.PassExecution
	for rows.Next() {
		var pe model.PassExecution
		if err := rows.Scan(
			&pe.ID, &pe.RunID, &pe.PassType, &pe.CandidateIndex, &pe.Provider, &pe.Model,
			&pe.InputDigest, &pe.RawOutput, &pe.InputTokens, &pe.OutputTokens,
			&pe.LatencyMs, &pe.IsWinner, &pe.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan pass: %w", err)
		}
		passes = append(passes, pe)
	}
	return passes, rows.Err()
}

// RecordChecks inserts check results in one batch via COPY.
func (p *Postgres) RecordChecks(ctx context.Context, results []model.CheckResult) error {
	if len(results) == 0 {
		return nil
	}
	rows := make([][]any, len(results))
	for i, r := range results {
		rows[i] = []any{
			r.ID, r.RunID, r.CandidatePassID, r.VerifierPassID,
			r.Name, string(r.Type), string(r.Status), r.Reasoning, r.CreatedAt,
		}
	}
	_, err := p.pool.CopyFrom(ctx,
		pgx.Identifier{"check_results"},
		[]string{"id", "run_id", "candidate_pass_id", "verifier_pass_id", "name", "type", "status", "reasoning", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("store: record checks: %w", err)
	}
	return nil
}

// ListChecks returns a run's check results in creation order.
func (p *Postgres) ListChecks(ctx context.Context, runID uuid.UUID) ([]model.CheckResult, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, run_id, candidate_pass_id, verifier_pass_id, name, type, status, reasoning, created_at
		 FROM check_results WHERE run_id = $1 ORDER BY created_at ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list checks: %w", err)
	}
	defer rows.Close()

	var checks []model.CheckResult
	for rows.Next() {
		var cr model.CheckResult
		if err := rows.Scan(
			&cr.ID, &cr.RunID, &cr.CandidatePassID, &cr.VerifierPassID,
			&cr.Name, &cr.Type, &cr.Status, &cr.Reasoning, &cr.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan check: %w", err)
		}
		checks = append(checks, cr)
	}
	return checks, rows.Err()
}

// GetCachedPlan returns an unexpired cache entry and counts the hit.
func (p *Postgres) GetCachedPlan(ctx context.Context, key string) (CachedPlan, error) {
	var entry CachedPlan
	err := p.pool.QueryRow(ctx,
		`UPDATE plan_cache SET hit_count = hit_count + 1
		 WHERE cache_key = $1 AND expires_at > $2
		 RETURNING cache_key, plan_json, provider, model, input_tokens, output_tokens,
		           hit_count, created_at, expires_at`,
		key, time.Now().UTC(),
	).Scan(
		&entry.Key, &entry.PlanJSON, &entry.Provider, &entry.Model,
		&entry.InputTokens, &entry.OutputTokens, &entry.HitCount,
		&entry.CreatedAt, &entry.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CachedPlan{}, fmt.Errorf("store: plan cache %s: %w", key, ErrNotFound)
		}
		return CachedPlan{}, fmt.Errorf("store: get cached plan: %w", err)
	}
	return entry, nil
}

// PutCachedPlan upserts a cache entry, resetting its expiry.
func (p *Postgres) PutCachedPlan(ctx context.Context, entry CachedPlan) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO plan_cache (cache_key, plan_json, provider, model, input_tokens, output_tokens, created_at, expires_at)
		 VALUES ($1, $2::jsonb, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (cache_key) DO UPDATE SET
		     plan_json = EXCLUDED.plan_json,
		     provider = EXCLUDED.provider,
		     model = EXCLUDED.model,
		     input_tokens = EXCLUDED.input_tokens,
		     output_tokens = EXCLUDED.output_tokens,
		     expires_at = EXCLUDED.expires_at`,
		entry.Key, entry.PlanJSON, entry.Provider, entry.Model,
		entry.InputTokens, entry.OutputTokens, entry.CreatedAt, entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("store: put cached plan: %w", err)
	}
	return nil
}

// PurgeExpiredPlans deletes entries that expired at or before now.
func (p *Postgres) PurgeExpiredPlans(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM plan_cache WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("store: purge expired plans: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecordCost appends one entry to the cost ledger.
func (p *Postgres) RecordCost(ctx context.Context, entry model.CostLedgerEntry) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO cost_ledger (id, pass_id, run_id, provider, model, input_tokens, output_tokens, cost_usd, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.PassID, entry.RunID, entry.Provider, entry.Model,
		entry.InputTokens, entry.OutputTokens, entry.CostUSD, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: record cost: %w", err)
	}
	return nil
}

// EnqueueAnswer adds a run to the answer outbox. Idempotent per run.
func (p *Postgres) EnqueueAnswer(ctx context.Context, runID uuid.UUID) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO answer_outbox (run_id, created_at) VALUES ($1, $2)
		 ON CONFLICT (run_id) DO NOTHING`,
		runID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: enqueue answer: %w", err)
	}
	return nil
}

// ClaimAnswers selects and locks up to limit pending outbox entries, joined
// with the run fields the indexer needs.
func (p *Postgres) ClaimAnswers(ctx context.Context, limit int, lockFor time.Duration) ([]OutboxItem, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: claim answers: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	rows, err := tx.Query(ctx,
		`SELECT o.id, o.run_id, o.attempts, r.goal, r.final_output, r.verify_score,
		        r.answer_embedding, r.completed_at
		 FROM answer_outbox o
		 JOIN runs r ON r.id = o.run_id
		 WHERE (o.locked_until IS NULL OR o.locked_until < $1)
		   AND o.attempts < $2
		 ORDER BY o.created_at ASC
		 LIMIT $3
		 FOR UPDATE OF o SKIP LOCKED`,
		now, maxOutboxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: claim answers: select: %w", err)
	}

	items, err := scanOutboxItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE answer_outbox SET locked_until = $1 WHERE id = ANY($2)`,
		now.Add(lockFor), ids,
	); err != nil {
		return nil, fmt.Errorf("store: claim answers: lock: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("store: claim answers: commit: %w", err)
	}
	return items, nil
}

func scanOutboxItems(rows pgx.Rows) ([]OutboxItem, error) {
	defer rows.Close()
	var items []OutboxItem
	for rows.Next() {
		var item OutboxItem
		var final *string
		var score *float32
		var embedding *pgvector.Vector
		var completedAt *time.Time
		if err := rows.Scan(
			&item.ID, &item.RunID, &item.Attempts, &item.Goal,
			&final, &score, &embedding, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan outbox item: %w", err)
		}
		if final != nil {
			item.Final = *final
		}
		if score != nil {
			item.VerifyScore = *score
		}
		if embedding != nil {
			item.Embedding = embedding.Slice()
		}
		if completedAt != nil {
			item.CompletedAt = *completedAt
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ResolveAnswers deletes successfully indexed entries.
func (p *Postgres) ResolveAnswers(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM answer_outbox WHERE id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("store: resolve answers: %w", err)
	}
	return nil
}

// DeferAnswers records a failure and pushes the entries' next attempt out
// with exponential backoff, capped at five minutes.
func (p *Postgres) DeferAnswers(ctx context.Context, ids []int64, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := p.pool.Exec(ctx,
		`UPDATE answer_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		return fmt.Errorf("store: defer answers: %w", err)
	}
	return nil
}

// OutboxDepth counts entries still eligible for claiming.
func (p *Postgres) OutboxDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM answer_outbox WHERE attempts < $1`, maxOutboxAttempts,
	).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("store: outbox depth: %w", err)
	}
	return depth, nil
}

// Ping checks connectivity to the database.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/veritas-ai/deepthink/internal/model"
	"github.com/veritas-ai/deepthink/migrations"
)

// SQLite is the modernc-backed Store. SQLite allows a single writer, so the
// pool is capped at one connection; WAL keeps reads concurrent with writes.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens the database file at path (":memory:" for an in-process
// database), applies pending migrations, and returns the backend.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping sqlite: %w", err)
	}

	s := &SQLite{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
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

	scripts, err := migrationScripts(migrations.SQLite())
	if err != nil {
		return err
	}
	for _, script := range scripts {
		if applied[script.Name] {
			s.logger.Debug("store: migration already applied, skipping", "file", script.Name)
			continue
		}
		s.logger.Info("store: running migration", "file", script.Name)
		if _, err := s.db.ExecContext(ctx, script.SQL); err != nil {
			return fmt.Errorf("store: execute migration %s: %w", script.Name, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			script.Name, time.Now().UnixMilli(),
		); err != nil {
			return fmt.Errorf("store: record migration %s: %w", script.Name, err)
		}
	}
	return nil
}

// CreateRun inserts a new pending run and returns it.
func (s *SQLite) CreateRun(ctx context.Context, goal, traceID string) (model.Run, error) {
	now := time.Now().UTC()
	run := model.Run{
		ID:        uuid.New(),
		Goal:      goal,
		Status:    model.RunStatusPending,
		TraceID:   traceID,
		StartedAt: now,
		CreatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, goal, status, trace_id, started_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.Goal, string(run.Status), run.TraceID,
		run.StartedAt.UnixMilli(), run.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("store: create run: %w", err)
	}
	return run, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunSQLite(row rowScanner) (model.Run, error) {
	var (
		run          model.Run
		id           string
		status       string
		errorReason  sql.NullString
		verifyScore  sql.NullFloat64
		residualRisk sql.NullString
		finalOutput  sql.NullString
		citations    sql.NullString
		startedAt    int64
		completedAt  sql.NullInt64
		createdAt    int64
	)
	err := row.Scan(
		&id, &run.Goal, &status, &errorReason, &verifyScore, &residualRisk,
		&finalOutput, &citations, &run.TotalInputTokens, &run.TotalOutputTokens,
		&run.TotalCostUSD, &run.TraceID, &startedAt, &completedAt, &createdAt,
	)
	if err != nil {
		return model.Run{}, err
	}

	run.ID, err = uuid.Parse(id)
	if err != nil {
		return model.Run{}, fmt.Errorf("parse run id: %w", err)
	}
	run.Status = model.RunStatus(status)
	if errorReason.Valid {
		reason := model.ErrorReason(errorReason.String)
		run.ErrorReason = &reason
	}
	if verifyScore.Valid {
		score := float32(verifyScore.Float64)
		run.VerifyScore = &score
	}
	if residualRisk.Valid {
		run.ResidualRisk = &residualRisk.String
	}
	if finalOutput.Valid {
		run.FinalOutput = &finalOutput.String
	}
	if citations.Valid && citations.String != "" {
		if err := json.Unmarshal([]byte(citations.String), &run.Citations); err != nil {
			return model.Run{}, fmt.Errorf("decode citations: %w", err)
		}
	}
	run.StartedAt = time.UnixMilli(startedAt).UTC()
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		run.CompletedAt = &t
	}
	run.CreatedAt = time.UnixMilli(createdAt).UTC()
	return run, nil
}

const runColumnsSQLite = `id, goal, status, error_reason, verify_score, residual_risk, final_output,
	citations, total_input_tokens, total_output_tokens, total_cost_usd, trace_id,
	started_at, completed_at, created_at`

// GetRun retrieves a run by ID.
func (s *SQLite) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := scanRunSQLite(s.db.QueryRowContext(ctx,
		`SELECT `+runColumnsSQLite+` FROM runs WHERE id = ?`, id.String(),
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, fmt.Errorf("store: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("store: get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs ordered by started_at DESC along with the total count.
func (s *SQLite) ListRuns(ctx context.Context, limit, offset int) ([]model.Run, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count runs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumnsSQLite+` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRunSQLite(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("store: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

// TransitionRun moves a run to the next status, guarded on the expected
// current status.
func (s *SQLite) TransitionRun(ctx context.Context, id uuid.UUID, from, to model.RunStatus) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("store: transition %s -> %s: %w", from, to, ErrInvalidTransition)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ? AND status = ?`,
		string(to), id.String(), string(from),
	)
	if err != nil {
		return fmt.Errorf("store: transition run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: transition run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: run %s not in status %s: %w", id, from, ErrInvalidTransition)
	}
	return nil
}

// CompleteRun finalizes a verifying run as success.
func (s *SQLite) CompleteRun(ctx context.Context, id uuid.UUID, answer FinalAnswer) error {
	citations, err := json.Marshal(answer.Citations)
	if err != nil {
		return fmt.Errorf("store: encode citations: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'success', verify_score = ?, residual_risk = ?,
		        final_output = ?, citations = ?, completed_at = ?
		 WHERE id = ? AND status = 'verifying'`,
		answer.VerifyScore, answer.ResidualRisk, answer.Output, string(citations),
		time.Now().UTC().UnixMilli(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("store: complete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: complete run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: run %s not verifying: %w", id, ErrInvalidTransition)
	}
	return nil
}

// FailRun moves any non-terminal run to error with the given reason.
func (s *SQLite) FailRun(ctx context.Context, id uuid.UUID, reason model.ErrorReason) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'error', error_reason = ?, completed_at = ?
		 WHERE id = ? AND status NOT IN ('success', 'error')`,
		string(reason), time.Now().UTC().UnixMilli(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("store: fail run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: fail run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: run %s already terminal: %w", id, ErrInvalidTransition)
	}
	return nil
}

// AddRunUsage atomically accumulates tokens and cost onto the run row and
// returns the new totals.
func (s *SQLite) AddRunUsage(ctx context.Context, runID uuid.UUID, usage model.Usage, costUSD float64) (model.Usage, error) {
	var totals model.Usage
	err := s.db.QueryRowContext(ctx,
		`UPDATE runs SET total_input_tokens = total_input_tokens + ?,
		        total_output_tokens = total_output_tokens + ?,
		        total_cost_usd = total_cost_usd + ?
		 WHERE id = ?
		 RETURNING total_input_tokens, total_output_tokens`,
		usage.InputTokens, usage.OutputTokens, costUSD, runID.String(),
	).Scan(&totals.InputTokens, &totals.OutputTokens)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Usage{}, fmt.Errorf("store: run %s: %w", runID, ErrNotFound)
		}
		return model.Usage{}, fmt.Errorf("store: add run usage: %w", err)
	}
	return totals, nil
}

// SetAnswerEmbedding stores the final answer's embedding as a JSON array.
func (s *SQLite) SetAnswerEmbedding(ctx context.Context, runID uuid.UUID, embedding []float32) error {
	encoded, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("store: encode embedding: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET answer_embedding = ? WHERE id = ?`,
		string(encoded), runID.String(),
	)
	if err != nil {
		return fmt.Errorf("store: set answer embedding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set answer embedding: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// RecordPass inserts one pass execution row.
func (s *SQLite) RecordPass(ctx context.Context, pass model.PassExecution) error {
	var candidateIndex any
	if pass.CandidateIndex != nil {
		candidateIndex = *pass.CandidateIndex
	}
	var rawOutput any
	if len(pass.RawOutput) > 0 {
		rawOutput = string(pass.RawOutput)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pass_executions (id, run_id, pass_type, candidate_index, provider, model,
		        input_digest, raw_output, input_tokens, output_tokens, latency_ms, is_winner, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pass.ID.String(), pass.RunID.String(), string(pass.PassType), candidateIndex,
		pass.Provider, pass.Model, pass.InputDigest, rawOutput,
		pass.InputTokens, pass.OutputTokens, pass.LatencyMs,
		boolToInt(pass.IsWinner), pass.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: record pass: %w", err)
	}
	return nil
}

// MarkPassWinner flags one solver pass as the run's winner. The single
// writer serializes the NOT EXISTS guard, and the partial unique index on
// (run_id) WHERE is_winner = 1 backs it.
func (s *SQLite) MarkPassWinner(ctx context.Context, runID, passID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pass_executions SET is_winner = 1
		 WHERE id = ? AND run_id = ?
		   AND NOT EXISTS (SELECT 1 FROM pass_executions WHERE run_id = ? AND is_winner = 1)`,
		passID.String(), runID.String(), runID.String(),
	)
	if err != nil {
		return fmt.Errorf("store: mark pass winner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: mark pass winner: %w", err)
	}
	if n == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM pass_executions WHERE run_id = ? AND is_winner = 1)`,
			runID.String(),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("store: mark pass winner: %w", err)
		}
		if exists == 1 {
			return fmt.Errorf("store: run %s: %w", runID, ErrWinnerExists)
		}
		return fmt.Errorf("store: pass %s: %w", passID, ErrNotFound)
	}
	return nil
}

// ListPasses returns a run's pass executions in creation order.
func (s *SQLite) ListPasses(ctx context.Context, runID uuid.UUID) ([]model.PassExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, pass_type, candidate_index, provider, model, input_digest,
		        raw_output, input_tokens, output_tokens, latency_ms, is_winner, created_at
		 FROM pass_executions WHERE run_id = ? ORDER BY created_at ASC, id ASC`,
		runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list passes: %w", err)
	}
	defer rows.Close()

	var passes []model.PassExecution
	for rows.Next() {
		var (
			pe             model.PassExecution
			id, runIDStr   string
			passType       string
			candidateIndex sql.NullInt64
			rawOutput      sql.NullString
			isWinner       int
			createdAt      int64
		)
		if err := rows.Scan(
			&id, &runIDStr, &passType, &candidateIndex, &pe.Provider, &pe.Model,
			&pe.InputDigest, &rawOutput, &pe.InputTokens, &pe.OutputTokens,
			&pe.LatencyMs, &isWinner, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan pass: %w", err)
		}
		pe.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("store: parse pass id: %w", err)
		}
		pe.RunID, err = uuid.Parse(runIDStr)
		if err != nil {
			return nil, fmt.Errorf("store: parse pass run id: %w", err)
		}
		pe.PassType = model.PassType(passType)
		if candidateIndex.Valid {
			idx := int(candidateIndex.Int64)
			pe.CandidateIndex = &idx
		}
		if rawOutput.Valid {
			pe.RawOutput = []byte(rawOutput.String)
		}
		pe.IsWinner = isWinner == 1
		pe.CreatedAt = time.UnixMilli(createdAt).UTC()
		passes = append(passes, pe)
	}
	return passes, rows.Err()
}

// RecordChecks inserts check results in one transaction.
func (s *SQLite) RecordChecks(ctx context.Context, results []model.CheckResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: record checks: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const q = `INSERT INTO check_results (id, run_id, candidate_pass_id, verifier_pass_id, name, type, status, reasoning, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, r := range results {
		var verifierPassID any
		if r.VerifierPassID != nil {
			verifierPassID = r.VerifierPassID.String()
		}
		if _, err := tx.ExecContext(ctx, q,
			r.ID.String(), r.RunID.String(), r.CandidatePassID.String(), verifierPassID,
			r.Name, string(r.Type), string(r.Status), r.Reasoning, r.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("store: record check %s: %w", r.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: record checks: commit: %w", err)
	}
	return nil
}

// ListChecks returns a run's check results in creation order.
func (s *SQLite) ListChecks(ctx context.Context, runID uuid.UUID) ([]model.CheckResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, candidate_pass_id, verifier_pass_id, name, type, status, reasoning, created_at
		 FROM check_results WHERE run_id = ? ORDER BY created_at ASC, id ASC`,
		runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list checks: %w", err)
	}
	defer rows.Close()

	var checks []model.CheckResult
	for rows.Next() {
		var (
			cr                    model.CheckResult
			id, runIDStr, passID  string
			verifierPassID        sql.NullString
			checkType, status     string
			createdAt             int64
		)
		if err := rows.Scan(
			&id, &runIDStr, &passID, &verifierPassID,
			&cr.Name, &checkType, &status, &cr.Reasoning, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan check: %w", err)
		}
		cr.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("store: parse check id: %w", err)
		}
		cr.RunID, err = uuid.Parse(runIDStr)
		if err != nil {
			return nil, fmt.Errorf("store: parse check run id: %w", err)
		}
		cr.CandidatePassID, err = uuid.Parse(passID)
		if err != nil {
			return nil, fmt.Errorf("store: parse candidate pass id: %w", err)
		}
		if verifierPassID.Valid {
			vid, err := uuid.Parse(verifierPassID.String)
			if err != nil {
				return nil, fmt.Errorf("store: parse verifier pass id: %w", err)
			}
			cr.VerifierPassID = &vid
		}
		cr.Type = model.CheckType(checkType)
		cr.Status = model.CheckStatus(status)
		cr.CreatedAt = time.UnixMilli(createdAt).UTC()
		checks = append(checks, cr)
	}
	return checks, rows.Err()
}

// GetCachedPlan returns an unexpired cache entry and counts the hit.
func (s *SQLite) GetCachedPlan(ctx context.Context, key string) (CachedPlan, error) {
	var (
		entry     CachedPlan
		planJSON  string
		createdAt int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`UPDATE plan_cache SET hit_count = hit_count + 1
		 WHERE cache_key = ? AND expires_at > ?
		 RETURNING cache_key, plan_json, provider, model, input_tokens, output_tokens,
		           hit_count, created_at, expires_at`,
		key, time.Now().UTC().UnixMilli(),
	).Scan(
		&entry.Key, &planJSON, &entry.Provider, &entry.Model,
		&entry.InputTokens, &entry.OutputTokens, &entry.HitCount,
		&createdAt, &expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CachedPlan{}, fmt.Errorf("store: plan cache %s: %w", key, ErrNotFound)
		}
		return CachedPlan{}, fmt.Errorf("store: get cached plan: %w", err)
	}
	entry.PlanJSON = []byte(planJSON)
	entry.CreatedAt = time.UnixMilli(createdAt).UTC()
	entry.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return entry, nil
}

// PutCachedPlan upserts a cache entry, resetting its expiry.
func (s *SQLite) PutCachedPlan(ctx context.Context, entry CachedPlan) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plan_cache (cache_key, plan_json, provider, model, input_tokens, output_tokens, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (cache_key) DO UPDATE SET
		     plan_json = excluded.plan_json,
		     provider = excluded.provider,
		     model = excluded.model,
		     input_tokens = excluded.input_tokens,
		     output_tokens = excluded.output_tokens,
		     expires_at = excluded.expires_at`,
		entry.Key, string(entry.PlanJSON), entry.Provider, entry.Model,
		entry.InputTokens, entry.OutputTokens,
		entry.CreatedAt.UnixMilli(), entry.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: put cached plan: %w", err)
	}
	return nil
}

// PurgeExpiredPlans deletes entries that expired at or before now.
func (s *SQLite) PurgeExpiredPlans(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plan_cache WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: purge expired plans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: purge expired plans: %w", err)
	}
	return n, nil
}

// RecordCost appends one entry to the cost ledger.
func (s *SQLite) RecordCost(ctx context.Context, entry model.CostLedgerEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_ledger (id, pass_id, run_id, provider, model, input_tokens, output_tokens, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.PassID.String(), entry.RunID.String(),
		entry.Provider, entry.Model, entry.InputTokens, entry.OutputTokens,
		entry.CostUSD, entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: record cost: %w", err)
	}
	return nil
}

// EnqueueAnswer adds a run to the answer outbox. Idempotent per run.
func (s *SQLite) EnqueueAnswer(ctx context.Context, runID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO answer_outbox (run_id, created_at) VALUES (?, ?)
		 ON CONFLICT (run_id) DO NOTHING`,
		runID.String(), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store: enqueue answer: %w", err)
	}
	return nil
}

// ClaimAnswers selects and locks up to limit pending outbox entries. The
// single-connection pool serializes claimers, so no row locks are needed.
func (s *SQLite) ClaimAnswers(ctx context.Context, limit int, lockFor time.Duration) ([]OutboxItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: claim answers: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx,
		`SELECT o.id, o.run_id, o.attempts, r.goal, r.final_output, r.verify_score,
		        r.answer_embedding, r.completed_at
		 FROM answer_outbox o
		 JOIN runs r ON r.id = o.run_id
		 WHERE (o.locked_until IS NULL OR o.locked_until < ?)
		   AND o.attempts < ?
		 ORDER BY o.created_at ASC
		 LIMIT ?`,
		now.UnixMilli(), maxOutboxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: claim answers: select: %w", err)
	}

	var items []OutboxItem
	for rows.Next() {
		var (
			item        OutboxItem
			runIDStr    string
			final       sql.NullString
			score       sql.NullFloat64
			embedding   sql.NullString
			completedAt sql.NullInt64
		)
		if err := rows.Scan(
			&item.ID, &runIDStr, &item.Attempts, &item.Goal,
			&final, &score, &embedding, &completedAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan outbox item: %w", err)
		}
		item.RunID, err = uuid.Parse(runIDStr)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: parse outbox run id: %w", err)
		}
		if final.Valid {
			item.Final = final.String
		}
		if score.Valid {
			item.VerifyScore = float32(score.Float64)
		}
		if embedding.Valid && embedding.String != "" {
			if err := json.Unmarshal([]byte(embedding.String), &item.Embedding); err != nil {
				rows.Close()
				return nil, fmt.Errorf("store: decode outbox embedding: %w", err)
			}
		}
		if completedAt.Valid {
			item.CompletedAt = time.UnixMilli(completedAt.Int64).UTC()
		}
		items = append(items, item)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: claim answers: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(items)+1)
	args = append(args, now.Add(lockFor).UnixMilli())
	for _, item := range items {
		args = append(args, item.ID)
	}
	q := `UPDATE answer_outbox SET locked_until = ? WHERE id IN (?` +
		strings.Repeat(", ?", len(items)-1) + `)`
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("store: claim answers: lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: claim answers: commit: %w", err)
	}
	return items, nil
}

// ResolveAnswers deletes successfully indexed entries.
func (s *SQLite) ResolveAnswers(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	q := `DELETE FROM answer_outbox WHERE id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
	if _, err := s.db.ExecContext(ctx, q, int64Args(ids)...); err != nil {
		return fmt.Errorf("store: resolve answers: %w", err)
	}
	return nil
}

// DeferAnswers records a failure and pushes the entries' next attempt out
// with exponential backoff, capped at five minutes.
func (s *SQLite) DeferAnswers(ctx context.Context, ids []int64, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, errMsg, time.Now().UTC().UnixMilli())
	for _, id := range ids {
		args = append(args, id)
	}
	q := `UPDATE answer_outbox
		 SET attempts = attempts + 1,
		     last_error = ?,
		     locked_until = ? + MIN(1 << (attempts + 1), 300) * 1000
		 WHERE id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("store: defer answers: %w", err)
	}
	return nil
}

// OutboxDepth counts entries still eligible for claiming.
func (s *SQLite) OutboxDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM answer_outbox WHERE attempts < ?`, maxOutboxAttempts,
	).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("store: outbox depth: %w", err)
	}
	return depth, nil
}

// Ping checks connectivity to the database.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close shuts down the database handle.
func (s *SQLite) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("store: close sqlite", "error", err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

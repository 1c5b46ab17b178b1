// Package orchestrator sequences the reasoning pipeline for a run:
// planning, evidence gathering, parallel speculative solving, gated
// verification, and finalization.
//
// The orchestrator is the only component that knows the full pipeline and
// the only one allowed to move a run to a terminal status. Solver variants
// run concurrently under a shared cancellable context; the first candidate
// to clear verification commits as the winner, cancels the rest, and
// writes the final answer. Every other component is a pure function or a
// single-call service invoked from here.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/veritas-ai/deepthink/internal/cache"
	"github.com/veritas-ai/deepthink/internal/checks"
	"github.com/veritas-ai/deepthink/internal/config"
	"github.com/veritas-ai/deepthink/internal/gateway"
	"github.com/veritas-ai/deepthink/internal/ledger"
	"github.com/veritas-ai/deepthink/internal/metrics"
	"github.com/veritas-ai/deepthink/internal/model"
	"github.com/veritas-ai/deepthink/internal/store"
	"github.com/veritas-ai/deepthink/internal/verify"
)

// maxErrorMessageLen caps the message surfaced to clients on unexpected
// failures.
const maxErrorMessageLen = 200

const solverMaxTokens = 4096

var (
	errPlanningFailed      = errors.New("planning failed")
	errBudgetBreached      = errors.New("run token budget breached")
	errRunDeadline         = errors.New("run deadline exceeded")
	errWinnerCommitted     = errors.New("winner committed")
	errAllCandidatesFailed = errors.New("all candidates failed verification")
)

// Caller is the structured-gateway surface the pipeline uses.
type Caller interface {
	Call(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// EvidenceBuilder gathers ranked evidence for a goal. Implementations
// degrade rather than fail.
type EvidenceBuilder interface {
	Build(ctx context.Context, goal string, plan model.Plan) []model.EvidenceSnippet
}

// Emitter receives run progress events. Emit must not block the pipeline;
// Close marks the run's stream complete after the done event.
type Emitter interface {
	Emit(runID uuid.UUID, typ model.EventType, payload any)
	Close(runID uuid.UUID)
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Store    store.Store
	Gateway  Caller
	Cache    *cache.PlanCache
	Evidence EvidenceBuilder
	Verifier *verify.Verifier
	Ledger   *ledger.Ledger
	Emitter  Emitter
	Metrics  *metrics.Sink
	Config   config.Config
	Logger   *slog.Logger
}

// Orchestrator drives runs through the pipeline.
type Orchestrator struct {
	deps   Deps
	cfg    config.Config
	logger *slog.Logger
	tracer trace.Tracer
}

// New builds an orchestrator over its collaborators.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		deps:   d,
		cfg:    d.Config,
		logger: d.Logger,
		tracer: otel.Tracer("deepthink/orchestrator"),
	}
}

// RunOptions carries per-run overrides of the configured defaults. Zero
// values mean "use the default".
type RunOptions struct {
	Variants  int
	MaxTokens int64
}

// runState is the per-run shared state the solver variants coordinate on.
type runState struct {
	run      model.Run
	budget   int64
	variants int
	plan     model.Plan
	evidence []model.EvidenceSnippet
	refs     []string

	winner           atomic.Bool
	breached         atomic.Bool
	verifyingEntered atomic.Bool
	active           atomic.Int32
	cancel           context.CancelCauseFunc
	gate             *verify.Gate
}

// Execute runs the full pipeline for an already-created run and blocks
// until the run is terminal and its done event has been emitted. It never
// returns an error: every failure mode ends as a terminal run status plus
// an error event, and a panic inside the pipeline is recovered, logged
// with the run's trace id, and surfaced as a generic internal error.
func (o *Orchestrator) Execute(ctx context.Context, run model.Run, opts RunOptions) {
	started := time.Now()
	persistCtx := context.WithoutCancel(ctx)

	ctx, span := o.tracer.Start(ctx, "orchestrator.execute", trace.WithAttributes(
		attribute.String("run.id", run.ID.String()),
	))
	defer span.End()

	if o.cfg.RunDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadlineCause(ctx, started.Add(o.cfg.RunDeadline), errRunDeadline)
		defer cancel()
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	rs := &runState{
		run:      run,
		budget:   o.cfg.MaxRunTokens,
		variants: o.cfg.SolverVariants,
		cancel:   cancel,
		gate:     verify.NewGate(),
	}
	if opts.MaxTokens > 0 {
		rs.budget = opts.MaxTokens
	}
	if opts.Variants > 0 {
		rs.variants = opts.Variants
	}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestrator: pipeline panic",
				"run_id", run.ID, "trace_id", run.TraceID, "panic", r)
			o.failRun(persistCtx, rs, model.ReasonInternalError, "internal error")
		}
		o.finish(persistCtx, rs, started)
	}()

	o.logger.Info("orchestrator: run started",
		"run_id", run.ID, "trace_id", run.TraceID, "variants", rs.variants, "budget_tokens", rs.budget)

	if err := o.pipeline(runCtx, persistCtx, rs); err != nil {
		reason, msg := classify(err)
		if reason == model.ReasonBudgetBreach || reason == model.ReasonRunDeadlineExceeded {
			o.logger.Warn("orchestrator: run aborted", "run_id", run.ID, "reason", reason)
		} else {
			o.logger.Error("orchestrator: run failed", "run_id", run.ID, "reason", reason, "error", err)
		}
		o.failRun(persistCtx, rs, reason, msg)
		return
	}
	o.deps.Metrics.RunFinished(persistCtx, model.RunStatusSuccess)
}

// pipeline walks planning, evidence, and solving; it returns nil exactly
// when a winner committed.
func (o *Orchestrator) pipeline(ctx, persistCtx context.Context, rs *runState) error {
	if err := o.enterStage(ctx, rs, model.RunStatusPending, model.RunStatusPlanning, "analyzing the goal"); err != nil {
		return err
	}
	if err := o.planStage(ctx, rs); err != nil {
		return err
	}

	if err := o.enterStage(ctx, rs, model.RunStatusPlanning, model.RunStatusEvidence, "gathering evidence"); err != nil {
		return err
	}
	o.evidenceStage(ctx, rs)

	if err := o.enterStage(ctx, rs, model.RunStatusEvidence, model.RunStatusSolving,
		fmt.Sprintf("launching %d solver variants", rs.variants)); err != nil {
		return err
	}

	rs.active.Store(int32(rs.variants))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < rs.variants; i++ {
		idx := i
		temp := solverTemperature(idx, rs.variants)
		g.Go(func() error {
			defer rs.active.Add(-1)
			return o.runVariant(gctx, persistCtx, rs, idx, temp)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	switch {
	case rs.winner.Load():
		return nil
	case rs.breached.Load():
		return errBudgetBreached
	}
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return errAllCandidatesFailed
}

// enterStage advances the run's status and announces the stage. The stage
// name on the wire is the status name.
func (o *Orchestrator) enterStage(ctx context.Context, rs *runState, from, to model.RunStatus, message string) error {
	if err := o.deps.Store.TransitionRun(ctx, rs.run.ID, from, to); err != nil {
		return fmt.Errorf("enter %s: %w", to, err)
	}
	o.deps.Emitter.Emit(rs.run.ID, model.EventProgress, model.ProgressPayload{
		Stage:   string(to),
		Message: message,
	})
	return nil
}

// planStage resolves the plan through the cache. Concurrent runs of an
// identical goal share a single planner call; hits charge nothing.
// Planning has no retry budget: any failure fails the run.
func (o *Orchestrator) planStage(ctx context.Context, rs *runState) error {
	key := cache.Key(model.PassPlanner, rs.run.Goal)
	planned, hit, err := o.deps.Cache.GetOrPlan(ctx, key, func(fnCtx context.Context) (cache.Planned, error) {
		resp, callErr := o.deps.Gateway.Call(fnCtx, gateway.Request{
			Model:        o.cfg.PlannerModel,
			SystemPrompt: plannerSystem,
			UserPrompt:   plannerPrompt(rs.run.Goal),
			SchemaName:   "plan",
			Schema:       PlanSchema(),
			Temperature:  0.1,
			MaxTokens:    1024,
		})
		if resp != nil {
			o.deps.Metrics.ObserveGatewayLatency(fnCtx, resp.Latency)
		}
		if callErr != nil {
			if resp != nil {
				o.recordFailedAttempt(fnCtx, rs, model.PassPlanner, nil, resp, key)
			}
			o.deps.Metrics.PassFailed(fnCtx, model.PassPlanner, -1)
			return cache.Planned{}, callErr
		}

		var plan model.Plan
		if decErr := resp.Decode(&plan); decErr != nil {
			return cache.Planned{}, decErr
		}
		pass := newPass(rs.run.ID, model.PassPlanner, nil, resp, key)
		if recErr := o.recordPass(fnCtx, rs, pass); recErr != nil {
			return cache.Planned{}, recErr
		}
		return cache.Planned{
			Plan:     plan,
			Raw:      resp.Raw,
			Usage:    resp.Usage,
			Provider: resp.Provider,
			Model:    resp.Model,
		}, nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errPlanningFailed, err)
	}
	if hit {
		o.deps.Metrics.CacheHit(ctx, model.PassPlanner)
	}

	rs.plan = planned.Plan
	o.deps.Emitter.Emit(rs.run.ID, model.EventPlan, planned.Plan)
	return nil
}

// evidenceStage gathers evidence when the plan asks for it. The evidence
// event is emitted even when the set is empty.
func (o *Orchestrator) evidenceStage(ctx context.Context, rs *runState) {
	if rs.plan.RequiresEvidence {
		rs.evidence = o.deps.Evidence.Build(ctx, rs.run.Goal, rs.plan)
	}
	rs.refs = make([]string, 0, len(rs.evidence))
	for _, s := range rs.evidence {
		rs.refs = append(rs.refs, s.RefID)
	}

	snippets := rs.evidence
	if snippets == nil {
		snippets = []model.EvidenceSnippet{}
	}
	o.deps.Emitter.Emit(rs.run.ID, model.EventEvidence, model.EvidencePayload{
		Count:    len(snippets),
		Snippets: snippets,
	})
}

// runVariant is one solver's bounded retry loop. Retries happen only on
// retryable gateway categories and deterministic-check failures; a
// verification outcome, pass or fail, always ends the variant.
func (o *Orchestrator) runVariant(ctx, persistCtx context.Context, rs *runState, idx int, temp float32) error {
	prompt := solverPrompt(rs.run.Goal, rs.plan, rs.evidence)
	digest := cache.Key(model.PassSolver, prompt)

	for attempt := 1; attempt <= o.cfg.SolverAttempts; attempt++ {
		if rs.winner.Load() || rs.breached.Load() || ctx.Err() != nil {
			return nil
		}

		resp, err := o.deps.Gateway.Call(ctx, gateway.Request{
			Model:        o.cfg.SolverModel,
			SystemPrompt: solverSystem,
			UserPrompt:   prompt,
			SchemaName:   "candidate",
			Schema:       CandidateSchema(),
			Temperature:  temp,
			MaxTokens:    solverMaxTokens,
		})
		if resp != nil {
			o.deps.Metrics.ObserveGatewayLatency(ctx, resp.Latency)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if resp != nil {
				o.recordFailedAttempt(ctx, rs, model.PassSolver, &idx, resp, digest)
			}
			o.deps.Metrics.PassFailed(ctx, model.PassSolver, idx)
			cat := gateway.CategoryOf(err)
			o.logger.Warn("orchestrator: solver attempt failed",
				"run_id", rs.run.ID, "candidate", idx, "attempt", attempt, "category", cat, "error", err)
			if !cat.Retryable() || attempt == o.cfg.SolverAttempts {
				o.deps.Emitter.Emit(rs.run.ID, model.EventCandidateRejected, model.CandidateRejectedPayload{
					Candidate: idx,
					Reason:    string(cat),
				})
				return nil
			}
			if !o.pause(ctx) {
				return nil
			}
			continue
		}

		var candidate model.Candidate
		if err := resp.Decode(&candidate); err != nil {
			return fmt.Errorf("variant %d: %w", idx, err)
		}
		if rs.winner.Load() {
			// Late result from a variant that raced the winner: discard.
			return nil
		}

		pass := newPass(rs.run.ID, model.PassSolver, &idx, resp, digest)
		if err := o.recordPass(ctx, rs, pass); err != nil {
			if errors.Is(err, errBudgetBreached) {
				return nil
			}
			return fmt.Errorf("variant %d: %w", idx, err)
		}
		o.deps.Emitter.Emit(rs.run.ID, model.EventCandidate, model.CandidatePayload{
			Candidate:  idx,
			Confidence: candidate.Confidence,
			Steps:      len(candidate.Steps),
		})

		results := checks.Run(candidate, rs.refs)
		if err := o.deps.Store.RecordChecks(ctx, deterministicRows(rs.run.ID, pass.ID, results)); err != nil {
			return fmt.Errorf("variant %d: record checks: %w", idx, err)
		}
		if !checks.AllPassed(results) {
			failed := checks.FailedNames(results)
			o.deps.Metrics.PassFailed(ctx, model.PassSolver, idx)
			o.deps.Emitter.Emit(rs.run.ID, model.EventCandidateRejected, model.CandidateRejectedPayload{
				Candidate: idx,
				Reason:    "deterministic_checks_failed",
				Failed:    failed,
			})
			o.logger.Info("orchestrator: candidate failed deterministic checks",
				"run_id", rs.run.ID, "candidate", idx, "attempt", attempt, "failed", failed)
			if attempt == o.cfg.SolverAttempts {
				return nil
			}
			if !o.pause(ctx) {
				return nil
			}
			continue
		}

		// The winner may have committed while this candidate was being
		// produced, and may commit again while we wait for the gate.
		if rs.winner.Load() {
			return nil
		}
		if err := rs.gate.Acquire(ctx); err != nil {
			return nil
		}
		if rs.winner.Load() {
			rs.gate.Release()
			return nil
		}
		err = o.verifyCandidate(ctx, persistCtx, rs, idx, pass, candidate)
		rs.gate.Release()
		if err != nil {
			return fmt.Errorf("variant %d: %w", idx, err)
		}
		// Verified one way or the other; this variant is done.
		return nil
	}
	return nil
}

// verifyCandidate runs the verdict pass for one candidate. The caller
// holds the verification gate. A failed verdict discards the candidate; a
// passing verdict commits the winner, cancels the other variants, and
// finalizes the run. Only store failures return an error.
func (o *Orchestrator) verifyCandidate(ctx, persistCtx context.Context, rs *runState, idx int, candidatePass model.PassExecution, candidate model.Candidate) error {
	if rs.breached.Load() {
		return nil
	}
	if rs.verifyingEntered.CompareAndSwap(false, true) {
		if err := o.deps.Store.TransitionRun(ctx, rs.run.ID, model.RunStatusSolving, model.RunStatusVerifying); err != nil {
			return fmt.Errorf("enter verifying: %w", err)
		}
	}
	o.deps.Emitter.Emit(rs.run.ID, model.EventProgress, model.ProgressPayload{
		Stage:   string(model.RunStatusVerifying),
		Message: fmt.Sprintf("candidate %d under verification", idx),
	})

	outcome, err := o.deps.Verifier.Verify(ctx, rs.run.Goal, candidate, rs.evidence)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		o.deps.Metrics.PassFailed(ctx, model.PassVerifierLLM, idx)
		o.logger.Warn("orchestrator: verifier call failed",
			"run_id", rs.run.ID, "candidate", idx, "error", err)
		o.deps.Emitter.Emit(rs.run.ID, model.EventCandidateRejected, model.CandidateRejectedPayload{
			Candidate: idx,
			Reason:    "verifier_unavailable",
		})
		return nil
	}
	o.deps.Metrics.ObserveGatewayLatency(ctx, outcome.Response.Latency)

	vPass := newPass(rs.run.ID, model.PassVerifierLLM, &idx, outcome.Response,
		cache.Key(model.PassVerifierLLM, rs.run.Goal+"\x00"+candidate.Synthesis))
	if err := o.recordPass(ctx, rs, vPass); err != nil {
		if errors.Is(err, errBudgetBreached) {
			return nil
		}
		return fmt.Errorf("record verifier pass: %w", err)
	}
	if err := o.deps.Store.RecordChecks(ctx, outcome.CheckResults(rs.run.ID, candidatePass.ID, vPass.ID, time.Now().UTC())); err != nil {
		return fmt.Errorf("record verdict checks: %w", err)
	}
	o.deps.Metrics.ObserveVerifyScore(ctx, outcome.Verdict.Score)

	if !outcome.Passed {
		score := outcome.Verdict.Score
		o.deps.Emitter.Emit(rs.run.ID, model.EventCandidateRejected, model.CandidateRejectedPayload{
			Candidate: idx,
			Reason:    "verification_failed",
			Score:     &score,
		})
		o.logger.Info("orchestrator: candidate failed verification",
			"run_id", rs.run.ID, "candidate", idx, "score", score)
		return nil
	}

	// Winner commit. The gate is exclusive, so the swap can only lose to a
	// bug; losing it means discarding this candidate, never double-writing.
	if !rs.winner.CompareAndSwap(false, true) {
		return nil
	}
	if err := o.deps.Store.MarkPassWinner(persistCtx, rs.run.ID, candidatePass.ID); err != nil {
		return fmt.Errorf("mark winner: %w", err)
	}
	if rs.active.Load() > 1 {
		o.deps.Metrics.EarlyExit(ctx)
	}
	rs.cancel(errWinnerCommitted)

	answer := store.FinalAnswer{
		Output:       candidate.Synthesis,
		Citations:    candidate.InlineCitations(),
		ResidualRisk: outcome.Verdict.ResidualRisk,
		VerifyScore:  outcome.Verdict.Score,
	}
	if err := o.deps.Store.CompleteRun(persistCtx, rs.run.ID, answer); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	o.deps.Emitter.Emit(rs.run.ID, model.EventFinal, model.FinalPayload{
		Final:        answer.Output,
		Citations:    answer.Citations,
		ResidualRisk: answer.ResidualRisk,
		VerifyScore:  answer.VerifyScore,
	})
	o.logger.Info("orchestrator: winner committed",
		"run_id", rs.run.ID, "candidate", idx, "score", outcome.Verdict.Score, "trace_id", rs.run.TraceID)

	if err := o.deps.Store.EnqueueAnswer(persistCtx, rs.run.ID); err != nil {
		o.logger.Warn("orchestrator: enqueue answer for memory", "run_id", rs.run.ID, "error", err)
	}
	return nil
}

// recordPass persists a pass row, applies its cost to the run totals, and
// enforces the token budget. On a breach it cancels the run context and
// returns errBudgetBreached; the usage that broke the budget is still
// recorded.
func (o *Orchestrator) recordPass(ctx context.Context, rs *runState, pass model.PassExecution) error {
	if err := o.deps.Store.RecordPass(ctx, pass); err != nil {
		return fmt.Errorf("record pass: %w", err)
	}
	_, totals, err := o.deps.Ledger.Record(ctx, pass)
	if err != nil {
		return err
	}
	if rs.budget > 0 && totals.Total() > rs.budget {
		if rs.breached.CompareAndSwap(false, true) {
			o.deps.Metrics.BudgetBreach(ctx)
			o.logger.Warn("orchestrator: token budget breached",
				"run_id", rs.run.ID, "total_tokens", totals.Total(), "budget_tokens", rs.budget)
			rs.cancel(errBudgetBreached)
		}
		return errBudgetBreached
	}
	return nil
}

// recordFailedAttempt persists the pass row for a call whose output failed
// parsing or validation, so the offending output is queryable and its
// spend is charged.
func (o *Orchestrator) recordFailedAttempt(ctx context.Context, rs *runState, passType model.PassType, candidate *int, resp *gateway.Response, digest string) {
	pass := newPass(rs.run.ID, passType, candidate, resp, digest)
	if err := o.recordPass(ctx, rs, pass); err != nil && !errors.Is(err, errBudgetBreached) {
		o.logger.Warn("orchestrator: record failed attempt",
			"run_id", rs.run.ID, "pass_type", passType, "error", err)
	}
}

// pause waits the fixed retry backoff, returning false if the run ended
// while waiting.
func (o *Orchestrator) pause(ctx context.Context) bool {
	t := time.NewTimer(o.cfg.RetryBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// failRun moves the run to error and emits the error event. If the run is
// already terminal the late failure is dropped.
func (o *Orchestrator) failRun(ctx context.Context, rs *runState, reason model.ErrorReason, msg string) {
	if err := o.deps.Store.FailRun(ctx, rs.run.ID, reason); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return
		}
		o.logger.Error("orchestrator: persist run failure", "run_id", rs.run.ID, "error", err)
	}
	o.deps.Metrics.RunFinished(ctx, model.RunStatusError)
	o.deps.Emitter.Emit(rs.run.ID, model.EventError, model.ErrorPayload{
		Reason:  string(reason),
		Message: msg,
		TraceID: rs.run.TraceID,
	})
}

// finish emits the done event that closes every run stream, success or
// failure, carrying elapsed time and whatever totals are known.
func (o *Orchestrator) finish(ctx context.Context, rs *runState, started time.Time) {
	payload := model.DonePayload{
		ElapsedMs: time.Since(started).Milliseconds(),
		TraceID:   rs.run.TraceID,
	}
	if run, err := o.deps.Store.GetRun(ctx, rs.run.ID); err == nil {
		total := run.TotalTokens()
		payload.TotalTokens = &total
		payload.TotalCostUSD = &run.TotalCostUSD
	}
	o.deps.Emitter.Emit(rs.run.ID, model.EventDone, payload)
	o.deps.Emitter.Close(rs.run.ID)
	o.logger.Info("orchestrator: run finished",
		"run_id", rs.run.ID, "elapsed_ms", payload.ElapsedMs, "trace_id", rs.run.TraceID)
}

// classify maps a pipeline error to the stable reason taxonomy and a
// client-safe message.
func classify(err error) (model.ErrorReason, string) {
	switch {
	case errors.Is(err, errBudgetBreached):
		return model.ReasonBudgetBreach, "run token budget exceeded"
	case errors.Is(err, errRunDeadline), errors.Is(err, context.DeadlineExceeded):
		return model.ReasonRunDeadlineExceeded, "run wall-clock deadline exceeded"
	case errors.Is(err, errAllCandidatesFailed):
		return model.ReasonAllCandidatesFailed, "no candidate passed verification"
	case errors.Is(err, errPlanningFailed):
		return model.ReasonPlanningFailed, "planning did not produce a valid plan"
	case errors.Is(err, context.Canceled):
		return model.ReasonInternalError, "run cancelled before completion"
	default:
		return model.ReasonInternalError, truncateMessage(err.Error())
	}
}

func truncateMessage(msg string) string {
	if len(msg) > maxErrorMessageLen {
		return msg[:maxErrorMessageLen]
	}
	return msg
}

// solverTemperature spreads variant temperatures across [0.2, 0.95] so
// candidates sample genuinely different reasoning paths.
func solverTemperature(idx, variants int) float32 {
	const lo, hi = 0.2, 0.95
	if variants <= 1 {
		return lo
	}
	return lo + (hi-lo)*float32(idx)/float32(variants-1)
}

func newPass(runID uuid.UUID, passType model.PassType, candidate *int, resp *gateway.Response, digest string) model.PassExecution {
	return model.PassExecution{
		ID:             uuid.New(),
		RunID:          runID,
		PassType:       passType,
		CandidateIndex: candidate,
		Provider:       resp.Provider,
		Model:          resp.Model,
		InputDigest:    digest,
		RawOutput:      resp.Raw,
		InputTokens:    resp.Usage.InputTokens,
		OutputTokens:   resp.Usage.OutputTokens,
		LatencyMs:      resp.Latency.Milliseconds(),
		CreatedAt:      time.Now().UTC(),
	}
}

func deterministicRows(runID, passID uuid.UUID, results []checks.Result) []model.CheckResult {
	now := time.Now().UTC()
	rows := make([]model.CheckResult, 0, len(results))
	for _, r := range results {
		rows = append(rows, model.CheckResult{
			ID:              uuid.New(),
			RunID:           runID,
			CandidatePassID: passID,
			Name:            r.Name,
			Type:            model.CheckDeterministic,
			Status:          r.Status,
			Reasoning:       r.Reasoning,
			CreatedAt:       now,
		})
	}
	return rows
}

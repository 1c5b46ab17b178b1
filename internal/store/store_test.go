package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-ai/deepthink/internal/model"
	"github.com/veritas-ai/deepthink/internal/store"
	"github.com/veritas-ai/deepthink/internal/testutil"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), "sqlite://:memory:", testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

// advanceRun walks a run forward through the status chain up to target.
func advanceRun(t *testing.T, st store.Store, id uuid.UUID, target model.RunStatus) {
	t.Helper()
	chain := []model.RunStatus{
		model.RunStatusPending, model.RunStatusPlanning, model.RunStatusEvidence,
		model.RunStatusSolving, model.RunStatusVerifying,
	}
	for i := 0; i+1 < len(chain); i++ {
		require.NoError(t, st.TransitionRun(context.Background(), id, chain[i], chain[i+1]))
		if chain[i+1] == target {
			return
		}
	}
	t.Fatalf("advanceRun: unreachable target %s", target)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	st, err := store.Open(ctx, "sqlite://:memory:", testutil.TestLogger())
	require.NoError(t, err)
	defer st.Close()
	_, ok := st.(*store.SQLite)
	assert.True(t, ok, "sqlite:// should select the SQLite backend")

	path := filepath.Join(t.TempDir(), "deepthink.db")
	st2, err := store.Open(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	defer st2.Close()
	_, ok = st2.(*store.SQLite)
	assert.True(t, ok, "bare paths should select the SQLite backend")

	_, err = store.Open(ctx, "", testutil.TestLogger())
	require.Error(t, err)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	run, err := st.CreateRun(ctx, "why is the sky blue", "trace-1")
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, run.ID)
	assert.Equal(t, model.RunStatusPending, run.Status)
	assert.False(t, run.StartedAt.IsZero())

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "why is the sky blue", got.Goal)
	assert.Equal(t, "trace-1", got.TraceID)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.FinalOutput)

	advanceRun(t, st, run.ID, model.RunStatusVerifying)

	err = st.CompleteRun(ctx, run.ID, store.FinalAnswer{
		Output:       "Rayleigh scattering [R1].",
		Citations:    []string{"R1"},
		ResidualRisk: "simplified explanation",
		VerifyScore:  0.92,
	})
	require.NoError(t, err)

	got, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, got.Status)
	require.NotNil(t, got.FinalOutput)
	assert.Equal(t, "Rayleigh scattering [R1].", *got.FinalOutput)
	require.NotNil(t, got.VerifyScore)
	assert.InDelta(t, 0.92, float64(*got.VerifyScore), 1e-6)
	require.NotNil(t, got.ResidualRisk)
	assert.Equal(t, "simplified explanation", *got.ResidualRisk)
	assert.Equal(t, []string{"R1"}, got.Citations)
	require.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.ErrorReason)

	// A completed run cannot be finalized again or moved anywhere.
	err = st.CompleteRun(ctx, run.ID, store.FinalAnswer{Output: "again"})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	err = st.FailRun(ctx, run.ID, model.ReasonInternalError)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestTransitionRunGuards(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	run, err := st.CreateRun(ctx, "goal", "trace")
	require.NoError(t, err)

	// Skipping a stage is rejected before touching the database.
	err = st.TransitionRun(ctx, run.ID, model.RunStatusPending, model.RunStatusSolving)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	// A legal pair still fails when the stored status does not match.
	err = st.TransitionRun(ctx, run.ID, model.RunStatusPlanning, model.RunStatusEvidence)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	require.NoError(t, st.TransitionRun(ctx, run.ID, model.RunStatusPending, model.RunStatusPlanning))
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPlanning, got.Status)
}

func TestFailRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	run, err := st.CreateRun(ctx, "goal", "trace")
	require.NoError(t, err)
	advanceRun(t, st, run.ID, model.RunStatusSolving)

	require.NoError(t, st.FailRun(ctx, run.ID, model.ReasonBudgetBreach))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, got.Status)
	require.NotNil(t, got.ErrorReason)
	assert.Equal(t, model.ReasonBudgetBreach, *got.ErrorReason)
	require.NotNil(t, got.CompletedAt)

	// Terminal runs cannot fail twice.
	err = st.FailRun(ctx, run.ID, model.ReasonInternalError)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestGetRunNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	ids := make(map[uuid.UUID]bool)
	for range 3 {
		run, err := st.CreateRun(ctx, "goal", "trace")
		require.NoError(t, err)
		ids[run.ID] = true
	}

	runs, total, err := st.ListRuns(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, runs, 2)

	runs, total, err = st.ListRuns(ctx, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, runs, 3)
	for _, r := range runs {
		assert.True(t, ids[r.ID], "listed run should be one we created")
	}
}

func TestAddRunUsage(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	run, err := st.CreateRun(ctx, "goal", "trace")
	require.NoError(t, err)

	totals, err := st.AddRunUsage(ctx, run.ID, model.Usage{InputTokens: 1000, OutputTokens: 500}, 0.0125)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), totals.InputTokens)
	assert.Equal(t, int64(500), totals.OutputTokens)

	totals, err = st.AddRunUsage(ctx, run.ID, model.Usage{InputTokens: 200, OutputTokens: 100}, 0.003)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), totals.InputTokens)
	assert.Equal(t, int64(600), totals.OutputTokens)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1800), got.TotalTokens())
	assert.InDelta(t, 0.0155, got.TotalCostUSD, 1e-9)

	_, err = st.AddRunUsage(ctx, uuid.New(), model.Usage{InputTokens: 1}, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func newPass(runID uuid.UUID, passType model.PassType, candidate *int) model.PassExecution {
	return model.PassExecution{
		ID:             uuid.New(),
		RunID:          runID,
		PassType:       passType,
		CandidateIndex: candidate,
		Provider:       "openai",
		Model:          "gpt-4o",
		InputDigest:    "sha256:abc",
		RawOutput:      []byte(`{"ok":true}`),
		InputTokens:    100,
		OutputTokens:   50,
		LatencyMs:      1200,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestRecordPassAndList(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	run, err := st.CreateRun(ctx, "goal", "trace")
	require.NoError(t, err)

	planner := newPass(run.ID, model.PassPlanner, nil)
	require.NoError(t, st.RecordPass(ctx, planner))

	idx0, idx1 := 0, 1
	solver0 := newPass(run.ID, model.PassSolver, &idx0)
	solver0.CreatedAt = planner.CreatedAt.Add(10 * time.Millisecond)
	solver1 := newPass(run.ID, model.PassSolver, &idx1)
	solver1.CreatedAt = planner.CreatedAt.Add(20 * time.Millisecond)
	require.NoError(t, st.RecordPass(ctx, solver0))
	require.NoError(t, st.RecordPass(ctx, solver1))

	passes, err := st.ListPasses(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, passes, 3)

	assert.Equal(t, model.PassPlanner, passes[0].PassType)
	assert.Nil(t, passes[0].CandidateIndex)
	assert.Equal(t, []byte(`{"ok":true}`), passes[0].RawOutput)
	assert.Equal(t, "openai", passes[0].Provider)
	assert.Equal(t, int64(1200), passes[0].LatencyMs)

	require.NotNil(t, passes[1].CandidateIndex)
	assert.Equal(t, 0, *passes[1].CandidateIndex)
	require.NotNil(t, passes[2].CandidateIndex)
	assert.Equal(t, 1, *passes[2].CandidateIndex)
}

func TestMarkPassWinner(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	run, err := st.CreateRun(ctx, "goal", "trace")
	require.NoError(t, err)

	idx0, idx1 := 0, 1
	first := newPass(run.ID, model.PassSolver, &idx0)
	second := newPass(run.ID, model.PassSolver, &idx1)
	require.NoError(t, st.RecordPass(ctx, first))
	require.NoError(t, st.RecordPass(ctx, second))

	require.NoError(t, st.MarkPassWinner(ctx, run.ID, first.ID))

	// The winner flag is set at most once per run.
	err = st.MarkPassWinner(ctx, run.ID, second.ID)
	assert.ErrorIs(t, err, store.ErrWinnerExists)
	err = st.MarkPassWinner(ctx, run.ID, first.ID)
	assert.ErrorIs(t, err, store.ErrWinnerExists)

	passes, err := st.ListPasses(ctx, run.ID)
	require.NoError(t, err)
	winners := 0
	for _, p := range passes {
		if p.IsWinner {
			winners++
			assert.Equal(t, first.ID, p.ID)
		}
	}
	assert.Equal(t, 1, winners)
}

func TestMarkPassWinnerUnknownPass(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	run, err := st.CreateRun(ctx, "goal", "trace")
	require.NoError(t, err)

	err = st.MarkPassWinner(ctx, run.ID, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordChecksAndList(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	run, err := st.CreateRun(ctx, "goal", "trace")
	require.NoError(t, err)

	idx := 0
	solver := newPass(run.ID, model.PassSolver, &idx)
	require.NoError(t, st.RecordPass(ctx, solver))
	verifier := newPass(run.ID, model.PassVerifierLLM, nil)
	require.NoError(t, st.RecordPass(ctx, verifier))

	now := time.Now().UTC()
	results := []model.CheckResult{
		{
			ID:              uuid.New(),
			RunID:           run.ID,
			CandidatePassID: solver.ID,
			Name:            "steps_present",
			Type:            model.CheckDeterministic,
			Status:          model.CheckPass,
			CreatedAt:       now,
		},
		{
			ID:              uuid.New(),
			RunID:           run.ID,
			CandidatePassID: solver.ID,
			VerifierPassID:  &verifier.ID,
			Name:            "logical_coherence",
			Type:            model.CheckLLM,
			Status:          model.CheckFail,
			Reasoning:       "step 3 contradicts step 1",
			CreatedAt:       now.Add(time.Millisecond),
		},
	}
	require.NoError(t, st.RecordChecks(ctx, results))

	checks, err := st.ListChecks(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, checks, 2)

	assert.Equal(t, "steps_present", checks[0].Name)
	assert.Equal(t, model.CheckDeterministic, checks[0].Type)
	assert.Equal(t, model.CheckPass, checks[0].Status)
	assert.Nil(t, checks[0].VerifierPassID)

	assert.Equal(t, "logical_coherence", checks[1].Name)
	assert.Equal(t, model.CheckLLM, checks[1].Type)
	assert.Equal(t, model.CheckFail, checks[1].Status)
	assert.Equal(t, "step 3 contradicts step 1", checks[1].Reasoning)
	require.NotNil(t, checks[1].VerifierPassID)
	assert.Equal(t, verifier.ID, *checks[1].VerifierPassID)

	require.NoError(t, st.RecordChecks(ctx, nil))
}

func TestPlanCache(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	now := time.Now().UTC()
	entry := store.CachedPlan{
		Key:          "sha256:goal-digest",
		PlanJSON:     []byte(`{"goal_restatement":"g","approach":"a"}`),
		Provider:     "openai",
		Model:        "gpt-4o-mini",
		InputTokens:  400,
		OutputTokens: 150,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Hour),
	}
	require.NoError(t, st.PutCachedPlan(ctx, entry))

	got, err := st.GetCachedPlan(ctx, entry.Key)
	require.NoError(t, err)
	assert.JSONEq(t, string(entry.PlanJSON), string(got.PlanJSON))
	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, int64(1), got.HitCount)

	got, err = st.GetCachedPlan(ctx, entry.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.HitCount)

	_, err = st.GetCachedPlan(ctx, "sha256:unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPlanCacheExpiry(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	now := time.Now().UTC()
	expired := store.CachedPlan{
		Key:       "sha256:old",
		PlanJSON:  []byte(`{}`),
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}
	live := store.CachedPlan{
		Key:       "sha256:live",
		PlanJSON:  []byte(`{}`),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, st.PutCachedPlan(ctx, expired))
	require.NoError(t, st.PutCachedPlan(ctx, live))

	_, err := st.GetCachedPlan(ctx, "sha256:old")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Re-putting an expired key refreshes it.
	expired.ExpiresAt = now.Add(time.Hour)
	require.NoError(t, st.PutCachedPlan(ctx, expired))
	_, err = st.GetCachedPlan(ctx, "sha256:old")
	require.NoError(t, err)

	expired.ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, st.PutCachedPlan(ctx, expired))
	purged, err := st.PurgeExpiredPlans(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = st.GetCachedPlan(ctx, "sha256:live")
	require.NoError(t, err)
}

func TestRecordCost(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	run, err := st.CreateRun(ctx, "goal", "trace")
	require.NoError(t, err)

	entry := model.CostLedgerEntry{
		ID:           uuid.New(),
		PassID:       uuid.New(),
		RunID:        run.ID,
		Provider:     "openai",
		Model:        "gpt-4o",
		InputTokens:  1000,
		OutputTokens: 500,
		CostUSD:      0.0075,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, st.RecordCost(ctx, entry))
}

// completeRunForOutbox drives a run to success so outbox claims can see its
// final fields.
func completeRunForOutbox(t *testing.T, st store.Store) model.Run {
	t.Helper()
	ctx := context.Background()
	run, err := st.CreateRun(ctx, "outbox goal", "trace")
	require.NoError(t, err)
	advanceRun(t, st, run.ID, model.RunStatusVerifying)
	require.NoError(t, st.CompleteRun(ctx, run.ID, store.FinalAnswer{
		Output:      "final answer",
		VerifyScore: 0.9,
	}))
	return run
}

func TestOutboxClaimAndResolve(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	run := completeRunForOutbox(t, st)
	require.NoError(t, st.SetAnswerEmbedding(ctx, run.ID, []float32{0.1, 0.2, 0.3}))

	require.NoError(t, st.EnqueueAnswer(ctx, run.ID))
	// Enqueueing the same run twice is a no-op.
	require.NoError(t, st.EnqueueAnswer(ctx, run.ID))

	depth, err := st.OutboxDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	items, err := st.ClaimAnswers(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, run.ID, items[0].RunID)
	assert.Equal(t, "outbox goal", items[0].Goal)
	assert.Equal(t, "final answer", items[0].Final)
	assert.InDelta(t, 0.9, float64(items[0].VerifyScore), 1e-6)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, items[0].Embedding)
	assert.False(t, items[0].CompletedAt.IsZero())

	// Claimed entries stay locked until the lock expires.
	again, err := st.ClaimAnswers(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, st.ResolveAnswers(ctx, []int64{items[0].ID}))
	depth, err = st.OutboxDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestOutboxDefer(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	run := completeRunForOutbox(t, st)
	require.NoError(t, st.EnqueueAnswer(ctx, run.ID))

	items, err := st.ClaimAnswers(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 0, items[0].Attempts)

	require.NoError(t, st.DeferAnswers(ctx, []int64{items[0].ID}, "qdrant unavailable"))

	// Deferred entries are backed off, not claimable immediately.
	again, err := st.ClaimAnswers(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again)

	// Still counted as pending work.
	depth, err := st.OutboxDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-ai/deepthink/internal/model"
	"github.com/veritas-ai/deepthink/internal/store"
	"github.com/veritas-ai/deepthink/internal/testutil"
)

// pgStore is shared by the Postgres integration tests. It is nil unless
// DEEPTHINK_TEST_POSTGRES=1, in which case TestMain boots a container.
var pgStore *store.Postgres

func TestMain(m *testing.M) {
	if os.Getenv("DEEPTHINK_TEST_POSTGRES") == "" {
		os.Exit(m.Run())
	}

	tc := testutil.MustStartPostgres()
	st, err := tc.NewTestStore(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	pgStore = st

	code := m.Run()

	pgStore.Close()
	tc.Terminate()
	os.Exit(code)
}

func requirePostgres(t *testing.T) *store.Postgres {
	t.Helper()
	if pgStore == nil {
		t.Skip("set DEEPTHINK_TEST_POSTGRES=1 to run Postgres integration tests")
	}
	return pgStore
}

func TestPostgresRunLifecycle(t *testing.T) {
	st := requirePostgres(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "integration goal", "trace-pg")
	require.NoError(t, err)
	advanceRun(t, st, run.ID, model.RunStatusVerifying)

	require.NoError(t, st.CompleteRun(ctx, run.ID, store.FinalAnswer{
		Output:       "answer [R1]",
		Citations:    []string{"R1"},
		ResidualRisk: "none noted",
		VerifyScore:  0.88,
	}))

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, got.Status)
	assert.Equal(t, []string{"R1"}, got.Citations)
	require.NotNil(t, got.VerifyScore)
	assert.InDelta(t, 0.88, float64(*got.VerifyScore), 1e-6)
}

func TestPostgresWinnerUniqueness(t *testing.T) {
	st := requirePostgres(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "winner goal", "trace-pg")
	require.NoError(t, err)

	idx0, idx1 := 0, 1
	first := newPass(run.ID, model.PassSolver, &idx0)
	second := newPass(run.ID, model.PassSolver, &idx1)
	require.NoError(t, st.RecordPass(ctx, first))
	require.NoError(t, st.RecordPass(ctx, second))

	require.NoError(t, st.MarkPassWinner(ctx, run.ID, first.ID))
	err = st.MarkPassWinner(ctx, run.ID, second.ID)
	assert.ErrorIs(t, err, store.ErrWinnerExists)

	passes, err := st.ListPasses(ctx, run.ID)
	require.NoError(t, err)
	winners := 0
	for _, p := range passes {
		if p.IsWinner {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestPostgresAnswerEmbeddingRoundtrip(t *testing.T) {
	st := requirePostgres(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "embedding goal", "trace-pg")
	require.NoError(t, err)
	advanceRun(t, st, run.ID, model.RunStatusVerifying)
	require.NoError(t, st.CompleteRun(ctx, run.ID, store.FinalAnswer{Output: "final", VerifyScore: 0.9}))

	embedding := make([]float32, 1536)
	for i := range embedding {
		embedding[i] = float32(i) / 1536
	}
	require.NoError(t, st.SetAnswerEmbedding(ctx, run.ID, embedding))
	require.NoError(t, st.EnqueueAnswer(ctx, run.ID))

	items, err := st.ClaimAnswers(ctx, 10, time.Minute)
	require.NoError(t, err)

	var found bool
	for _, item := range items {
		if item.RunID == run.ID {
			found = true
			require.Len(t, item.Embedding, 1536)
			assert.InDelta(t, embedding[100], item.Embedding[100], 1e-6)
		}
	}
	require.True(t, found, "claimed batch should include the enqueued run")
	require.NoError(t, st.ResolveAnswers(ctx, collectIDs(items)))
}

func collectIDs(items []store.OutboxItem) []int64 {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

func TestPostgresPlanCacheConcurrentHits(t *testing.T) {
	st := requirePostgres(t)
	ctx := context.Background()

	entry := store.CachedPlan{
		Key:       "sha256:concurrent" + uuid.NewString(),
		PlanJSON:  []byte(`{"approach":"x"}`),
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, st.PutCachedPlan(ctx, entry))

	const readers = 8
	errs := make(chan error, readers)
	for range readers {
		go func() {
			_, err := st.GetCachedPlan(ctx, entry.Key)
			errs <- err
		}()
	}
	for range readers {
		require.NoError(t, <-errs)
	}

	got, err := st.GetCachedPlan(ctx, entry.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(readers+1), got.HitCount)
}

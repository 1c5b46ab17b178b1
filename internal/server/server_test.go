package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritas-ai/deepthink/internal/metrics"
	"github.com/veritas-ai/deepthink/internal/model"
	"github.com/veritas-ai/deepthink/internal/orchestrator"
	"github.com/veritas-ai/deepthink/internal/ratelimit"
	"github.com/veritas-ai/deepthink/internal/server"
	"github.com/veritas-ai/deepthink/internal/store"
	"github.com/veritas-ai/deepthink/internal/testutil"
)

// scriptedRunner plays a fixed event sequence into the broker and marks
// the run terminal, standing in for the orchestrator.
type scriptedRunner struct {
	store  store.Store
	broker *server.Broker
	fail   bool
	runs   chan model.Run
}

func (r *scriptedRunner) Execute(ctx context.Context, run model.Run, _ orchestrator.RunOptions) {
	r.broker.Emit(run.ID, model.EventProgress, model.ProgressPayload{Stage: "planning", Message: "analyzing the goal"})
	if r.fail {
		_ = r.store.FailRun(ctx, run.ID, model.ReasonAllCandidatesFailed)
		r.broker.Emit(run.ID, model.EventError, model.ErrorPayload{
			Reason:  string(model.ReasonAllCandidatesFailed),
			Message: "no candidate passed verification",
			TraceID: run.TraceID,
		})
	} else {
		r.broker.Emit(run.ID, model.EventFinal, model.FinalPayload{
			Final:        "the sky scatters blue light",
			Citations:    []string{},
			ResidualRisk: "low",
			VerifyScore:  0.91,
		})
	}
	r.broker.Emit(run.ID, model.EventDone, model.DonePayload{ElapsedMs: 5, TraceID: run.TraceID})
	r.broker.Close(run.ID)
	if r.runs != nil {
		r.runs <- run
	}
}

type testEnv struct {
	store  store.Store
	broker *server.Broker
	runner *scriptedRunner
	srv    *httptest.Server
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()
	st, err := store.Open(context.Background(), "sqlite://:memory:", testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(st.Close)

	broker := server.NewBroker(testutil.TestLogger())
	runner := &scriptedRunner{store: st, broker: broker, runs: make(chan model.Run, 8)}

	srv := server.New(server.ServerConfig{
		Store:               st,
		Runner:              runner,
		Broker:              broker,
		Metrics:             metrics.New(),
		Logger:              testutil.TestLogger(),
		Limiter:             limiter,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{store: st, broker: broker, runner: runner, srv: ts}
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response, data any) model.ResponseMeta {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data json.RawMessage    `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	if data != nil {
		require.NoError(t, json.Unmarshal(envelope.Data, data))
	}
	return envelope.Meta
}

func TestCreateRunAccepted(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := postJSON(t, env.srv.URL+"/v1/runs", `{"goal":"why is the sky blue?"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var run model.Run
	meta := decodeEnvelope(t, resp, &run)
	assert.NotEmpty(t, meta.RequestID)
	assert.Equal(t, "why is the sky blue?", run.Goal)
	assert.Equal(t, model.RunStatusPending, run.Status)

	select {
	case launched := <-env.runner.runs:
		assert.Equal(t, run.ID, launched.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("runner was never invoked")
	}
}

func TestCreateRunValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	for name, body := range map[string]string{
		"empty goal":        `{"goal":""}`,
		"negative budget":   `{"goal":"g is a valid goal","max_tokens":-1}`,
		"too many variants": `{"goal":"g is a valid goal","variants":99}`,
		"unknown field":     `{"goal":"g is a valid goal","surprise":true}`,
		"not json":          `{{{`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := postJSON(t, env.srv.URL+"/v1/runs", body)
			defer resp.Body.Close()
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var apiErr model.APIError
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
			assert.Equal(t, model.ErrCodeInvalidInput, apiErr.Error.Code)
		})
	}
}

func TestSolveStreamsInline(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := postJSON(t, env.srv.URL+"/v1/solve", `{"goal":"why is the sky blue?"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	// Event order: progress before final before done.
	progressIdx := strings.Index(text, "event: progress")
	finalIdx := strings.Index(text, "event: final")
	doneIdx := strings.Index(text, "event: done")
	require.GreaterOrEqual(t, progressIdx, 0)
	require.Greater(t, finalIdx, progressIdx)
	require.Greater(t, doneIdx, finalIdx)
	assert.Contains(t, text, `"verify_score":0.91`)
}

func TestRunEventsReplayAfterClose(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := postJSON(t, env.srv.URL+"/v1/runs", `{"goal":"why is the sky blue?"}`)
	var run model.Run
	decodeEnvelope(t, resp, &run)
	<-env.runner.runs // run finished, stream closed

	events, err := http.Get(env.srv.URL + "/v1/runs/" + run.ID.String() + "/events")
	require.NoError(t, err)
	defer events.Body.Close()
	require.Equal(t, http.StatusOK, events.StatusCode)

	body, err := io.ReadAll(events.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: progress")
	assert.Contains(t, string(body), "event: done")
}

func TestRunEventsSynthesizedForEvictedTerminalRun(t *testing.T) {
	env := newTestEnv(t, nil)

	// A run persisted as terminal but unknown to the broker, as after a
	// process restart.
	run, err := env.store.CreateRun(context.Background(), "an already finished goal", "trace-1")
	require.NoError(t, err)
	require.NoError(t, env.store.FailRun(context.Background(), run.ID, model.ReasonBudgetBreach))

	resp, err := http.Get(env.srv.URL + "/v1/runs/" + run.ID.String() + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: error")
	assert.Contains(t, string(body), string(model.ReasonBudgetBreach))
	assert.Contains(t, string(body), "event: done")
}

func TestRunEventsNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/v1/runs/9f3adf6a-68f0-4b0e-9d1e-000000000000/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetRunDetail(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := postJSON(t, env.srv.URL+"/v1/runs", `{"goal":"why is the sky blue?"}`)
	var created model.Run
	decodeEnvelope(t, resp, &created)
	<-env.runner.runs

	detailResp, err := http.Get(env.srv.URL + "/v1/runs/" + created.ID.String())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, detailResp.StatusCode)

	var detail model.RunDetail
	decodeEnvelope(t, detailResp, &detail)
	assert.Equal(t, created.ID, detail.Run.ID)
	assert.NotNil(t, detail.Passes)
	assert.NotNil(t, detail.Checks)
}

func TestListRunsPagination(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 3; i++ {
		resp := postJSON(t, env.srv.URL+"/v1/runs", `{"goal":"why is the sky blue?"}`)
		resp.Body.Close()
		<-env.runner.runs
	}

	resp, err := http.Get(env.srv.URL + "/v1/runs?limit=2&offset=0")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list model.ListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.NotNil(t, list.Total)
	assert.Equal(t, 3, *list.Total)
	assert.True(t, list.HasMore)
	assert.Equal(t, 2, list.Limit)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health model.HealthResponse
	decodeEnvelope(t, resp, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Store)
}

func TestMetricsExposition(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "budget_breach_total 0")
	assert.Contains(t, string(body), "early_exit_total 0")
}

func TestSolveRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	env := newTestEnv(t, limiter)

	first := postJSON(t, env.srv.URL+"/v1/runs", `{"goal":"why is the sky blue?"}`)
	first.Body.Close()
	require.Equal(t, http.StatusAccepted, first.StatusCode)
	<-env.runner.runs

	second := postJSON(t, env.srv.URL+"/v1/runs", `{"goal":"why is the sky blue?"}`)
	defer second.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, second.StatusCode)

	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(second.Body).Decode(&apiErr))
	assert.Equal(t, model.ErrCodeRateLimited, apiErr.Error.Code)
}

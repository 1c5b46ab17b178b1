package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/veritas-ai/deepthink/internal/metrics"
	"github.com/veritas-ai/deepthink/internal/model"
	"github.com/veritas-ai/deepthink/internal/orchestrator"
	"github.com/veritas-ai/deepthink/internal/store"
)

// maxVariants caps the per-request solver variant override. More variants
// means more concurrent model spend; the cap keeps one request from
// fanning out arbitrarily.
const maxVariants = 8

// keepaliveInterval paces SSE comment frames on idle streams.
const keepaliveInterval = 15 * time.Second

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Runner launches the reasoning pipeline for a created run. Execute blocks
// until the run is terminal, so handlers call it on its own goroutine.
type Runner interface {
	Execute(ctx context.Context, run model.Run, opts orchestrator.RunOptions)
}

// HandlersDeps wires the handler dependencies.
type HandlersDeps struct {
	Store               store.Store
	Runner              Runner
	Broker              *Broker
	Metrics             *metrics.Sink
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// Handlers holds the HTTP handler implementations.
type Handlers struct {
	store    store.Store
	runner   Runner
	broker   *Broker
	metrics  *metrics.Sink
	logger   *slog.Logger
	version  string
	maxBody  int64
	startLog time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		store:    deps.Store,
		runner:   deps.Runner,
		broker:   deps.Broker,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		version:  deps.Version,
		maxBody:  deps.MaxRequestBodyBytes,
		startLog: time.Now(),
	}
}

// validateSolveRequest checks the client-supplied goal and overrides.
func validateSolveRequest(req model.SolveRequest) error {
	if err := model.ValidateGoal(req.Goal); err != nil {
		return err
	}
	if req.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must not be negative")
	}
	if req.Variants < 0 || req.Variants > maxVariants {
		return fmt.Errorf("variants must be between 0 and %d", maxVariants)
	}
	return nil
}

// launchRun creates the run row, registers its event stream, and starts
// the pipeline in the background. The run outlives the submitting request:
// execution runs under a context detached from the request's cancellation
// but keeping its trace linkage.
func (h *Handlers) launchRun(r *http.Request, req model.SolveRequest) (model.Run, error) {
	traceID := traceIDFromContext(r.Context())
	if traceID == "" {
		traceID = uuid.New().String()
	}

	run, err := h.store.CreateRun(r.Context(), req.Goal, traceID)
	if err != nil {
		return model.Run{}, fmt.Errorf("create run: %w", err)
	}
	h.broker.Register(run.ID)

	opts := orchestrator.RunOptions{
		Variants:  req.Variants,
		MaxTokens: req.MaxTokens,
	}
	go h.runner.Execute(context.WithoutCancel(r.Context()), run, opts)
	return run, nil
}

// HandleCreateRun handles POST /v1/runs: accept a goal, start the pipeline
// in the background, and return the pending run immediately.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req model.SolveRequest
	if err := decodeJSON(r, w, h.maxBody, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	if err := validateSolveRequest(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.launchRun(r, req)
	if err != nil {
		h.logger.Error("create run failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create run")
		return
	}
	writeJSON(w, r, http.StatusAccepted, run)
}

// HandleListRuns handles GET /v1/runs with limit/offset pagination.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultListLimit)
	offset := queryInt(r, "offset", 0)
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := h.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list runs")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	writeList(w, r, runs, total, limit, offset)
}

// HandleGetRun handles GET /v1/runs/{run_id}: the run row plus its pass
// executions and check results.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run")
		return
	}

	passes, err := h.store.ListPasses(r.Context(), runID)
	if err != nil {
		h.logger.Error("list passes failed", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run detail")
		return
	}
	checks, err := h.store.ListChecks(r.Context(), runID)
	if err != nil {
		h.logger.Error("list checks failed", "run_id", runID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run detail")
		return
	}

	writeJSON(w, r, http.StatusOK, model.RunDetail{Run: run, Passes: passes, Checks: checks})
}

// HandleRunEvents handles GET /v1/runs/{run_id}/events: replay the run's
// events so far, then tail live ones until the stream closes.
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run id")
		return
	}

	replay, ch, ok := h.broker.Subscribe(runID)
	if !ok {
		// Stream evicted or the process restarted: synthesize the terminal
		// events from the persisted run so late clients still see the end.
		run, err := h.store.GetRun(r.Context(), runID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
				return
			}
			h.logger.Error("get run for events failed", "run_id", runID, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run")
			return
		}
		if !run.Status.IsTerminal() {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run event stream no longer available")
			return
		}
		replay = synthesizeTerminalEvents(run)
	}

	h.streamSSE(w, r, runID, replay, ch)
}

// HandleSolve handles POST /v1/solve: create the run and stream its events
// on the same response, the original single-request shape.
func (h *Handlers) HandleSolve(w http.ResponseWriter, r *http.Request) {
	var req model.SolveRequest
	if err := decodeJSON(r, w, h.maxBody, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	if err := validateSolveRequest(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.launchRun(r, req)
	if err != nil {
		h.logger.Error("solve failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create run")
		return
	}

	replay, ch, ok := h.broker.Subscribe(run.ID)
	if !ok {
		// Register happened in launchRun; a missing stream means eviction
		// raced an extremely fast run. Fall back to the persisted state.
		writeJSON(w, r, http.StatusOK, run)
		return
	}
	h.streamSSE(w, r, run.ID, replay, ch)
}

// streamSSE writes the replayed events and then tails the live channel
// until the stream closes, the client disconnects, or a write fails.
// ch may be nil when the stream already closed; the replay then carries
// everything through the done event.
func (h *Handlers) streamSSE(w http.ResponseWriter, r *http.Request, runID uuid.UUID, replay [][]byte, ch chan []byte) {
	if ch != nil {
		defer h.broker.Unsubscribe(runID, ch)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// The response controller reaches through the middleware wrappers to
	// flush and to clear the server WriteTimeout for this long-lived
	// connection. Without the cleared deadline, streams on slow runs die
	// at the timeout mid-pipeline.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	for _, event := range replay {
		if _, err := w.Write(event); err != nil {
			return
		}
	}
	_ = rc.Flush()
	if ch == nil {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleHealth handles GET /health with a store ping.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:    "ok",
		Version:   h.version,
		Store:     "ok",
		SSEBroker: "ok",
		Uptime:    int64(time.Since(h.startLog).Seconds()),
	}
	status := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = "unreachable"
		status = http.StatusServiceUnavailable
		h.logger.Warn("health: store ping failed", "error", err)
	}
	writeJSON(w, r, status, resp)
}

// HandleMetrics handles GET /metrics with the text exposition.
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := h.metrics.WriteText(w); err != nil {
		h.logger.Warn("metrics: write exposition", "error", err)
	}
}

// synthesizeTerminalEvents rebuilds the final and done events from a
// persisted terminal run for clients attaching after the live stream is
// gone.
func synthesizeTerminalEvents(run model.Run) [][]byte {
	var events [][]byte
	appendEvent := func(typ model.EventType, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		events = append(events, formatSSE(string(typ), data))
	}

	if run.Status == model.RunStatusSuccess {
		payload := model.FinalPayload{Citations: run.Citations}
		if run.FinalOutput != nil {
			payload.Final = *run.FinalOutput
		}
		if run.ResidualRisk != nil {
			payload.ResidualRisk = *run.ResidualRisk
		}
		if run.VerifyScore != nil {
			payload.VerifyScore = *run.VerifyScore
		}
		appendEvent(model.EventFinal, payload)
	} else {
		reason := string(model.ReasonInternalError)
		if run.ErrorReason != nil {
			reason = string(*run.ErrorReason)
		}
		appendEvent(model.EventError, model.ErrorPayload{
			Reason:  reason,
			Message: "run ended in error",
			TraceID: run.TraceID,
		})
	}

	done := model.DonePayload{TraceID: run.TraceID}
	if run.CompletedAt != nil {
		done.ElapsedMs = run.CompletedAt.Sub(run.StartedAt).Milliseconds()
	}
	total := run.TotalTokens()
	done.TotalTokens = &total
	cost := run.TotalCostUSD
	done.TotalCostUSD = &cost
	appendEvent(model.EventDone, done)
	return events
}

// writeList writes the paginated list envelope.
func writeList(w http.ResponseWriter, r *http.Request, data any, total, limit, offset int) {
	_ = json.NewEncoder(w).Encode(model.ListResponse{
		Data:    data,
		Total:   &total,
		HasMore: offset+limit < total,
		Limit:   limit,
		Offset:  offset,
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

// queryInt parses an integer query parameter, returning def when absent or
// malformed.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

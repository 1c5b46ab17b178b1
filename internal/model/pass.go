package model

import (
	"time"

	"github.com/google/uuid"
)

// PassType identifies which pipeline stage issued a model call.
type PassType string

const (
	PassPlanner     PassType = "planner"
	PassSolver      PassType = "solver"
	PassVerifierLLM PassType = "verifier_llm"
)

// Usage is the token accounting returned by one model call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total is the combined token count for one call.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Add accumulates another call's usage into this one.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}

// PassExecution records one call to the structured model gateway.
// Immutable once written, except for the winner flag which is set at most
// once per run, on the solver pass whose candidate survived verification.
type PassExecution struct {
	ID             uuid.UUID `json:"id"`
	RunID          uuid.UUID `json:"run_id"`
	PassType       PassType  `json:"pass_type"`
	CandidateIndex *int      `json:"candidate_index,omitempty"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	InputDigest    string    `json:"input_digest"`
	RawOutput      []byte    `json:"raw_output,omitempty"`
	InputTokens    int64     `json:"input_tokens"`
	OutputTokens   int64     `json:"output_tokens"`
	LatencyMs      int64     `json:"latency_ms"`
	IsWinner       bool      `json:"is_winner"`
	CreatedAt      time.Time `json:"created_at"`
}

// CostLedgerEntry records the monetary cost of one pass execution.
type CostLedgerEntry struct {
	ID           uuid.UUID `json:"id"`
	PassID       uuid.UUID `json:"pass_id"`
	RunID        uuid.UUID `json:"run_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

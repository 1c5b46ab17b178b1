// Package model defines the core domain types for DeepThink.
//
// All types correspond directly to database tables and event payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a reasoning run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusPlanning  RunStatus = "planning"
	RunStatusEvidence  RunStatus = "evidence"
	RunStatusSolving   RunStatus = "solving"
	RunStatusVerifying RunStatus = "verifying"
	RunStatusSuccess   RunStatus = "success"
	RunStatusError     RunStatus = "error"
)

// validTransitions encodes the monotonic status order. The terminal error
// state is reachable from any non-terminal state and is handled separately
// in CanTransition.
var validTransitions = map[RunStatus]RunStatus{
	RunStatusPending:   RunStatusPlanning,
	RunStatusPlanning:  RunStatusEvidence,
	RunStatusEvidence:  RunStatusSolving,
	RunStatusSolving:   RunStatusVerifying,
	RunStatusVerifying: RunStatusSuccess,
}

// CanTransition reports whether a run may move from one status to the next.
// Statuses only move forward; once success or error is reached no further
// transition is valid.
func CanTransition(from, to RunStatus) bool {
	if from == RunStatusSuccess || from == RunStatusError {
		return false
	}
	if to == RunStatusError {
		return true
	}
	return validTransitions[from] == to
}

// IsTerminal reports whether a status is final.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusError
}

// ErrorReason classifies why a run ended in the error status.
type ErrorReason string

const (
	ReasonPlanningFailed      ErrorReason = "planning_failed"
	ReasonBudgetBreach        ErrorReason = "budget_breach"
	ReasonAllCandidatesFailed ErrorReason = "all_candidates_failed_verification"
	ReasonRunDeadlineExceeded ErrorReason = "run_deadline_exceeded"
	ReasonInternalError       ErrorReason = "internal_error"
)

// Run is one end-to-end invocation of the reasoning pipeline for a single
// goal. Created when a client submits a goal; mutated only by the
// orchestrator; terminal once status reaches success or error.
type Run struct {
	ID                uuid.UUID    `json:"id"`
	Goal              string       `json:"goal"`
	Status            RunStatus    `json:"status"`
	ErrorReason       *ErrorReason `json:"error_reason,omitempty"`
	VerifyScore       *float32     `json:"verify_score,omitempty"`
	ResidualRisk      *string      `json:"residual_risk,omitempty"`
	FinalOutput       *string      `json:"final_output,omitempty"`
	Citations         []string     `json:"citations,omitempty"`
	TotalInputTokens  int64        `json:"total_input_tokens"`
	TotalOutputTokens int64        `json:"total_output_tokens"`
	TotalCostUSD      float64      `json:"total_cost_usd"`
	TraceID           string       `json:"trace_id"`
	StartedAt         time.Time    `json:"started_at"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// TotalTokens is the run's combined prompt and completion token count.
func (r *Run) TotalTokens() int64 {
	return r.TotalInputTokens + r.TotalOutputTokens
}

package model

// EventType identifies a progress event on a run's stream.
type EventType string

const (
	// Pipeline progress events, in order of first possible appearance.
	EventProgress           EventType = "progress"
	EventPlan               EventType = "plan"
	EventEvidence           EventType = "evidence"
	EventCandidate          EventType = "candidate"
	EventCandidateRejected  EventType = "candidate_rejected"
	EventFinal              EventType = "final"
	EventError              EventType = "error"
	EventDone               EventType = "done"
)

// ProgressPayload announces entry into a pipeline stage.
type ProgressPayload struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// EvidencePayload carries the ranked evidence set, possibly empty.
type EvidencePayload struct {
	Count    int               `json:"count"`
	Snippets []EvidenceSnippet `json:"snippets"`
}

// CandidatePayload announces a schema-valid candidate from one variant.
type CandidatePayload struct {
	Candidate  int     `json:"candidate"`
	Confidence float32 `json:"confidence"`
	Steps      int     `json:"steps"`
}

// CandidateRejectedPayload announces a candidate that failed a deterministic
// check or verification. Details carries check-specific context.
type CandidateRejectedPayload struct {
	Candidate int      `json:"candidate"`
	Reason    string   `json:"reason"`
	Score     *float32 `json:"score,omitempty"`
	Failed    []string `json:"failed_checks,omitempty"`
}

// FinalPayload carries the verified winning answer.
type FinalPayload struct {
	Final        string   `json:"final"`
	Citations    []string `json:"citations"`
	ResidualRisk string   `json:"residual_risk"`
	VerifyScore  float32  `json:"verify_score"`
}

// ErrorPayload carries a terminal failure. Reason is a stable code from the
// ErrorReason taxonomy; Message is a short human-readable summary with no
// internal detail.
type ErrorPayload struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

// DonePayload closes every run stream, success or failure.
type DonePayload struct {
	ElapsedMs     int64    `json:"elapsed_ms"`
	TraceID       string   `json:"trace_id"`
	TotalTokens   *int64   `json:"total_tokens,omitempty"`
	TotalCostUSD  *float64 `json:"total_cost_usd,omitempty"`
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// CheckStatus is the outcome of one verification checkpoint.
type CheckStatus string

const (
	CheckPass CheckStatus = "pass"
	CheckFail CheckStatus = "fail"
	CheckSkip CheckStatus = "skip"
)

// CheckType distinguishes local structural checks from LLM-scored ones.
type CheckType string

const (
	CheckDeterministic CheckType = "deterministic"
	CheckLLM           CheckType = "llm"
)

// CheckResult records one verification checkpoint for a candidate.
// CandidatePassID references the solver pass that produced the candidate;
// VerifierPassID is set only for llm-type checks.
type CheckResult struct {
	ID              uuid.UUID   `json:"id"`
	RunID           uuid.UUID   `json:"run_id"`
	CandidatePassID uuid.UUID   `json:"candidate_pass_id"`
	VerifierPassID  *uuid.UUID  `json:"verifier_pass_id,omitempty"`
	Name            string      `json:"name"`
	Type            CheckType   `json:"type"`
	Status          CheckStatus `json:"status"`
	Reasoning       string      `json:"reasoning,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// Verdict is the LLM verifier's structured judgment of a candidate.
type Verdict struct {
	Verdict      string         `json:"verdict"`
	Score        float32        `json:"score"`
	ResidualRisk string         `json:"residual_risk"`
	SubChecks    []VerdictCheck `json:"sub_checks"`
}

// VerdictCheck is one named sub-check inside a verifier verdict.
type VerdictCheck struct {
	Name      string `json:"name"`
	Passed    bool   `json:"passed"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Passed reports whether the verdict clears the given score threshold.
func (v Verdict) Passed(threshold float32) bool {
	return v.Verdict == "pass" && v.Score >= threshold
}

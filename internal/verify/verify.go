// Package verify scores candidates with the LLM verifier behind an
// exclusive per-run gate.
//
// Deep verification is the most expensive stage of a run, so candidates
// are admitted one at a time: whichever variant holds the gate calls the
// verifier while the others block on acquisition. Callers must re-check
// for an already-committed winner immediately before and after acquiring
// the gate, since a winner may appear while they wait.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/veritas-ai/deepthink/internal/gateway"
	"github.com/veritas-ai/deepthink/internal/model"
	"github.com/veritas-ai/deepthink/internal/schema"
)

// Gate serializes verification within one run. It is a single-slot
// semaphore with blocking, context-aware acquisition.
type Gate struct {
	sem *semaphore.Weighted
}

// NewGate returns a gate admitting one verification at a time.
func NewGate() *Gate {
	return &Gate{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the gate is free or ctx ends.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release frees the gate for the next waiting candidate.
func (g *Gate) Release() {
	g.sem.Release(1)
}

// Caller is the gateway surface the verifier needs.
type Caller interface {
	Call(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// Verifier runs the LLM verdict pass against one candidate.
type Verifier struct {
	caller    Caller
	model     string
	threshold float32
	logger    *slog.Logger
}

// New builds a verifier using the given model, passing candidates at or
// above threshold.
func New(caller Caller, modelID string, threshold float32, logger *slog.Logger) *Verifier {
	return &Verifier{caller: caller, model: modelID, threshold: threshold, logger: logger}
}

// Outcome is one verification result: the parsed verdict, whether it
// clears the threshold, and the raw gateway response for pass recording.
type Outcome struct {
	Verdict  model.Verdict
	Passed   bool
	Response *gateway.Response
}

// Verify runs the verdict pass. The candidate's evidence set is included
// so the verifier can judge citation use against the actual snippets.
func (v *Verifier) Verify(ctx context.Context, goal string, candidate model.Candidate, evidence []model.EvidenceSnippet) (*Outcome, error) {
	resp, err := v.caller.Call(ctx, gateway.Request{
		Model:        v.model,
		SystemPrompt: verifierSystem,
		UserPrompt:   verifierPrompt(goal, candidate, evidence),
		SchemaName:   "verdict",
		Schema:       VerdictSchema(),
		Temperature:  0,
		MaxTokens:    2048,
	})
	if err != nil {
		return nil, fmt.Errorf("verify: verdict call: %w", err)
	}

	var verdict model.Verdict
	if err := resp.Decode(&verdict); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	outcome := &Outcome{
		Verdict:  verdict,
		Passed:   verdict.Passed(v.threshold),
		Response: resp,
	}
	v.logger.Debug("verify: verdict returned",
		"verdict", verdict.Verdict,
		"score", verdict.Score,
		"threshold", v.threshold,
		"passed", outcome.Passed,
		"sub_checks", len(verdict.SubChecks),
	)
	return outcome, nil
}

// CheckResults converts the verdict's sub-checks into persistable rows
// tied to the candidate's solver pass and the verifier pass that judged it.
func (o *Outcome) CheckResults(runID, candidatePassID, verifierPassID uuid.UUID, now time.Time) []model.CheckResult {
	results := make([]model.CheckResult, 0, len(o.Verdict.SubChecks))
	for _, sc := range o.Verdict.SubChecks {
		status := model.CheckFail
		if sc.Passed {
			status = model.CheckPass
		}
		vp := verifierPassID
		results = append(results, model.CheckResult{
			ID:              uuid.New(),
			RunID:           runID,
			CandidatePassID: candidatePassID,
			VerifierPassID:  &vp,
			Name:            sc.Name,
			Type:            model.CheckLLM,
			Status:          status,
			Reasoning:       sc.Reasoning,
			CreatedAt:       now,
		})
	}
	return results
}

// VerdictSchema is the structured-output contract for the verifier pass.
func VerdictSchema() schema.Schema {
	return schema.Object(map[string]schema.Schema{
		"verdict":       schema.Enum("Overall judgment of the candidate answer", "pass", "fail"),
		"score":         schema.Number("Quality score for the candidate", 0, 1),
		"residual_risk": schema.String("One sentence on what could still be wrong with this answer"),
		"sub_checks": schema.Array("Individual verification checkpoints", schema.Object(map[string]schema.Schema{
			"name":      schema.String("Checkpoint identifier in snake_case"),
			"passed":    schema.Boolean("Whether the checkpoint holds"),
			"reasoning": schema.String("Short justification for the checkpoint outcome"),
		}, "name", "passed")),
	}, "verdict", "score", "residual_risk", "sub_checks")
}

const verifierSystem = `You are a rigorous verifier. Judge the candidate answer against the goal on five dimensions: correctness, completeness, clarity, evidence use, and honesty about limitations. A candidate that cites evidence must cite it accurately; a candidate that overstates certainty fails honesty. Return a verdict of "pass" only when the answer could be shown to the person who asked with no further editing. Report each dimension as a named sub-check.`

func verifierPrompt(goal string, c model.Candidate, evidence []model.EvidenceSnippet) string {
	var b strings.Builder
	b.WriteString("GOAL:\n")
	b.WriteString(goal)
	b.WriteString("\n\nCANDIDATE REASONING:\n")
	for _, s := range c.Steps {
		fmt.Fprintf(&b, "%d. %s\n", s.Number, s.Thought)
	}
	b.WriteString("\nCANDIDATE ANSWER:\n")
	b.WriteString(c.Synthesis)
	fmt.Fprintf(&b, "\n\nSTATED CONFIDENCE: %.2f\n", c.Confidence)
	if len(c.CitationsUsed) > 0 {
		fmt.Fprintf(&b, "DECLARED CITATIONS: %s\n", strings.Join(c.CitationsUsed, ", "))
	}
	if len(evidence) == 0 {
		b.WriteString("\nNo evidence was gathered for this run; the answer must stand on its own.\n")
		return b.String()
	}
	b.WriteString("\nEVIDENCE THE CANDIDATE COULD CITE:\n")
	for _, e := range evidence {
		fmt.Fprintf(&b, "[%s] %s: %s\n", e.RefID, e.Title, e.Text)
	}
	return b.String()
}

// Package checks runs the deterministic structural validations a candidate
// must clear before it may compete for LLM verification. Every check is a
// pure function: no I/O, no locking, safe to run concurrently across
// solver variants.
package checks

import (
	"fmt"

	"github.com/veritas-ai/deepthink/internal/model"
)

// MinSynthesisLen is the minimum length of a candidate's synthesis text.
const MinSynthesisLen = 50

// Result is one deterministic check outcome.
type Result struct {
	Name      string
	Status    model.CheckStatus
	Reasoning string
}

// Run evaluates every deterministic check against the candidate.
// evidenceRefs is the set of reference ids (R1..Rn) that exist for the run;
// an empty set means the candidate must not cite anything.
func Run(c model.Candidate, evidenceRefs []string) []Result {
	return []Result{
		stepsPresent(c),
		stepsNumbered(c),
		synthesisLength(c),
		confidenceRange(c),
		citationConsistency(c, evidenceRefs),
		citationsResolve(c, evidenceRefs),
	}
}

// AllPassed reports whether no check failed. Skipped checks do not fail a
// candidate.
func AllPassed(results []Result) bool {
	for _, r := range results {
		if r.Status == model.CheckFail {
			return false
		}
	}
	return true
}

// FailedNames lists the names of failing checks, for rejection events.
func FailedNames(results []Result) []string {
	var names []string
	for _, r := range results {
		if r.Status == model.CheckFail {
			names = append(names, r.Name)
		}
	}
	return names
}

func stepsPresent(c model.Candidate) Result {
	if len(c.Steps) == 0 {
		return fail("steps_present", "candidate has no reasoning steps")
	}
	return pass("steps_present", fmt.Sprintf("%d reasoning steps", len(c.Steps)))
}

func stepsNumbered(c model.Candidate) Result {
	if len(c.Steps) == 0 {
		return skip("steps_numbered", "no steps to number")
	}
	for i, s := range c.Steps {
		if s.Number != i+1 {
			return fail("steps_numbered",
				fmt.Sprintf("step at position %d is numbered %d; steps must be numbered contiguously from 1", i+1, s.Number))
		}
	}
	return pass("steps_numbered", "steps numbered contiguously from 1")
}

func synthesisLength(c model.Candidate) Result {
	if len(c.Synthesis) < MinSynthesisLen {
		return fail("synthesis_length",
			fmt.Sprintf("synthesis is %d chars, minimum is %d", len(c.Synthesis), MinSynthesisLen))
	}
	return pass("synthesis_length", fmt.Sprintf("synthesis is %d chars", len(c.Synthesis)))
}

func confidenceRange(c model.Candidate) Result {
	if c.Confidence < 0 || c.Confidence > 1 {
		return fail("confidence_range", fmt.Sprintf("confidence %v outside [0,1]", c.Confidence))
	}
	return pass("confidence_range", fmt.Sprintf("confidence %v", c.Confidence))
}

// citationConsistency requires the set of unique inline [R<n>] markers in
// the synthesis to exactly equal the declared citations_used list. A run
// with no evidence must produce neither markers nor declared citations.
func citationConsistency(c model.Candidate, evidenceRefs []string) Result {
	inline := c.InlineCitations()
	if len(evidenceRefs) == 0 {
		if len(inline) > 0 {
			return fail("citation_consistency",
				fmt.Sprintf("synthesis cites %v but the run has no evidence", inline))
		}
		if len(c.CitationsUsed) > 0 {
			return fail("citation_consistency",
				fmt.Sprintf("citations_used declares %v but the run has no evidence", c.CitationsUsed))
		}
		return pass("citation_consistency", "no evidence, no citations")
	}

	declared := make(map[string]bool, len(c.CitationsUsed))
	for _, ref := range c.CitationsUsed {
		declared[ref] = true
	}
	used := make(map[string]bool, len(inline))
	for _, ref := range inline {
		used[ref] = true
	}
	for ref := range used {
		if !declared[ref] {
			return fail("citation_consistency",
				fmt.Sprintf("synthesis cites %s which citations_used does not declare", ref))
		}
	}
	for ref := range declared {
		if !used[ref] {
			return fail("citation_consistency",
				fmt.Sprintf("citations_used declares %s which the synthesis never cites", ref))
		}
	}
	if len(c.CitationsUsed) != len(declared) {
		return fail("citation_consistency", "citations_used contains duplicates")
	}
	return pass("citation_consistency", fmt.Sprintf("%d citations consistent", len(used)))
}

// citationsResolve requires every inline marker to reference an evidence
// snippet that actually exists for the run.
func citationsResolve(c model.Candidate, evidenceRefs []string) Result {
	inline := c.InlineCitations()
	if len(inline) == 0 {
		return skip("citations_resolve", "no citations to resolve")
	}
	known := make(map[string]bool, len(evidenceRefs))
	for _, ref := range evidenceRefs {
		known[ref] = true
	}
	for _, ref := range inline {
		if !known[ref] {
			return fail("citations_resolve",
				fmt.Sprintf("synthesis cites %s but the run has no such evidence snippet", ref))
		}
	}
	return pass("citations_resolve", "all cited snippets exist")
}

func pass(name, reasoning string) Result {
	return Result{Name: name, Status: model.CheckPass, Reasoning: reasoning}
}

func fail(name, reasoning string) Result {
	return Result{Name: name, Status: model.CheckFail, Reasoning: reasoning}
}

func skip(name, reasoning string) Result {
	return Result{Name: name, Status: model.CheckSkip, Reasoning: reasoning}
}

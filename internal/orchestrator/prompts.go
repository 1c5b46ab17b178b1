package orchestrator

import (
	"fmt"
	"strings"

	"github.com/veritas-ai/deepthink/internal/model"
	"github.com/veritas-ai/deepthink/internal/schema"
)

const plannerSystem = `You are the planning stage of a multi-pass reasoning engine. Restate the goal precisely, choose an approach, list the considerations a correct answer must address, estimate how many reasoning steps a careful answer needs, and decide whether external evidence would materially improve the answer. When evidence is required, supply a handful of focused search keywords.`

const solverSystem = `You are one solver variant of a multi-pass reasoning engine. Work the goal step by step: number the steps contiguously from 1, keep each step to a single thought, and finish with a synthesis of at least 50 characters that answers the goal directly. When evidence snippets are provided, cite them inline using their [R1]-style markers and list in citations_used exactly the set of markers your synthesis uses — no more, no fewer. Never cite evidence that was not provided. State your confidence between 0 and 1, and be honest about it.`

// PlanSchema is the structured-output contract for the planner pass.
func PlanSchema() schema.Schema {
	return schema.Object(map[string]schema.Schema{
		"goal_restatement":   schema.String("The goal restated precisely in one sentence"),
		"approach":           schema.String("The solving approach to take"),
		"key_considerations": schema.Array("Aspects a correct answer must address", schema.String("")),
		"estimated_steps":    schema.Integer("Estimated number of reasoning steps a careful answer needs"),
		"requires_evidence":  schema.Boolean("Whether external evidence should be gathered before solving"),
		"evidence_keywords":  schema.Array("Focused search keywords, when evidence is required", schema.String("")),
	}, "goal_restatement", "approach", "key_considerations", "estimated_steps", "requires_evidence")
}

// CandidateSchema is the structured-output contract for solver passes.
func CandidateSchema() schema.Schema {
	return schema.Object(map[string]schema.Schema{
		"steps": schema.Array("Numbered reasoning steps", schema.Object(map[string]schema.Schema{
			"number":  schema.Integer("Step number, starting at 1"),
			"thought": schema.String("The reasoning for this step"),
		}, "number", "thought")),
		"synthesis":      schema.String("The final answer, at least 50 characters, citing evidence inline with [R<n>] markers"),
		"confidence":     schema.Number("Confidence in the synthesis", 0, 1),
		"citations_used": schema.Array("Exactly the set of [R<n>] markers cited in the synthesis", schema.String("")),
	}, "steps", "synthesis", "confidence", "citations_used")
}

func plannerPrompt(goal string) string {
	return "GOAL:\n" + goal
}

func solverPrompt(goal string, plan model.Plan, evidence []model.EvidenceSnippet) string {
	var b strings.Builder
	b.WriteString("GOAL:\n")
	b.WriteString(goal)
	b.WriteString("\n\nAPPROACH:\n")
	b.WriteString(plan.Approach)
	if len(plan.KeyConsiderations) > 0 {
		b.WriteString("\n\nKEY CONSIDERATIONS:\n")
		for _, k := range plan.KeyConsiderations {
			fmt.Fprintf(&b, "- %s\n", k)
		}
	}
	if len(evidence) == 0 {
		b.WriteString("\nNo evidence is available. Answer from your own knowledge and cite nothing.\n")
		return b.String()
	}
	b.WriteString("\nEVIDENCE:\n")
	for _, e := range evidence {
		fmt.Fprintf(&b, "[%s] %s: %s\n", e.RefID, e.Title, e.Text)
	}
	return b.String()
}

package model

import "strings"

// Plan is the planner pass output: a restated goal, an approach, and the
// evidence requirements for the solving stage. Plans are pure functions of
// the goal text and are cached with a long TTL.
type Plan struct {
	GoalRestatement   string   `json:"goal_restatement"`
	Approach          string   `json:"approach"`
	KeyConsiderations []string `json:"key_considerations"`
	EstimatedSteps    int      `json:"estimated_steps"`
	RequiresEvidence  bool     `json:"requires_evidence"`
	EvidenceKeywords  []string `json:"evidence_keywords,omitempty"`
}

// SearchQuery derives the evidence search string from the plan's keywords,
// falling back to the goal text when the planner supplied none.
func (p Plan) SearchQuery(goal string) string {
	kw := make([]string, 0, len(p.EvidenceKeywords))
	for _, k := range p.EvidenceKeywords {
		if k = strings.TrimSpace(k); k != "" {
			kw = append(kw, k)
		}
	}
	if len(kw) == 0 {
		return goal
	}
	return strings.Join(kw, " ")
}

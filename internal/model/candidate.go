package model

import "regexp"

// ReasoningStep is one numbered step in a candidate's reasoning chain.
type ReasoningStep struct {
	Number  int    `json:"number"`
	Thought string `json:"thought"`
}

// Candidate is the structured output of one solver variant. The synthesis
// may cite evidence snippets inline via [R<n>] markers; CitationsUsed must
// exactly equal the set of unique markers appearing in the synthesis.
type Candidate struct {
	Steps         []ReasoningStep `json:"steps"`
	Synthesis     string          `json:"synthesis"`
	Confidence    float32         `json:"confidence"`
	CitationsUsed []string        `json:"citations_used"`
}

var citationMarker = regexp.MustCompile(`\[(R\d+)\]`)

// InlineCitations extracts the unique citation reference ids appearing in
// the synthesis text, in order of first appearance. The returned slice is
// never nil.
func (c Candidate) InlineCitations() []string {
	refs := []string{}
	seen := make(map[string]bool)
	for _, m := range citationMarker.FindAllStringSubmatch(c.Synthesis, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			refs = append(refs, m[1])
		}
	}
	return refs
}

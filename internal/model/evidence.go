package model

// EvidenceSnippet is a ranked, deduplicated excerpt gathered before solving.
// RefID is assigned in rank order (R1, R2, ...) and never mutated; solver
// output references snippets by RefID via inline citation markers.
type EvidenceSnippet struct {
	RefID       string  `json:"ref_id"`
	SourceURI   string  `json:"source_uri"`
	Title       string  `json:"title,omitempty"`
	Text        string  `json:"text"`
	Relevance   float32 `json:"relevance"`
	ContentHash string  `json:"content_hash"`
}

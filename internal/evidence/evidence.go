// Package evidence gathers supporting snippets for a run.
//
// Evidence is strictly best-effort: a failing source degrades to fewer (or
// zero) snippets and never fails the run. Snippets are deduplicated by
// content hash, scored against the goal, and assigned stable R1..Rn ref
// ids in rank order.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/veritas-ai/deepthink/internal/model"
)

// maxPerSource bounds how many raw results one source may contribute
// before ranking.
const maxPerSource = 8

// sourceTimeout caps each source's fetch so one slow provider cannot stall
// the run.
const sourceTimeout = 15 * time.Second

// RawResult is one unranked result from a source.
type RawResult struct {
	Title string
	URI   string
	Text  string
}

// Source produces raw results for a query. Implementations must honor ctx.
type Source interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]RawResult, error)
}

// Builder turns a plan's keywords into ranked evidence snippets.
type Builder struct {
	sources      []Source
	maxSnippets  int
	minRelevance float32
	logger       *slog.Logger
	tracer       trace.Tracer
}

// NewBuilder creates a Builder over the given sources. maxSnippets bounds
// the final snippet count; results scoring below minRelevance are dropped.
func NewBuilder(sources []Source, maxSnippets int, minRelevance float32, logger *slog.Logger) *Builder {
	return &Builder{
		sources:      sources,
		maxSnippets:  maxSnippets,
		minRelevance: minRelevance,
		logger:       logger,
		tracer:       otel.Tracer("deepthink/evidence"),
	}
}

// Build fetches, deduplicates, scores, and ranks evidence for the goal.
// It never returns an error: source failures degrade to fewer snippets.
func (b *Builder) Build(ctx context.Context, goal string, plan model.Plan) []model.EvidenceSnippet {
	query := plan.SearchQuery(goal)

	ctx, span := b.tracer.Start(ctx, "evidence.build", trace.WithAttributes(
		attribute.String("evidence.query", query),
		attribute.Int("evidence.sources", len(b.sources)),
	))
	defer span.End()

	var raw []RawResult
	for _, src := range b.sources {
		srcCtx, cancel := context.WithTimeout(ctx, sourceTimeout)
		results, err := src.Search(srcCtx, query, maxPerSource)
		cancel()
		if err != nil {
			b.logger.Warn("evidence: source failed", "source", src.Name(), "error", err)
			continue
		}
		if len(results) > maxPerSource {
			results = results[:maxPerSource]
		}
		raw = append(raw, results...)
	}

	snippets := b.rank(goal, raw)
	span.SetAttributes(attribute.Int("evidence.snippets", len(snippets)))
	return snippets
}

func (b *Builder) rank(goal string, raw []RawResult) []model.EvidenceSnippet {
	type scored struct {
		result RawResult
		hash   string
		score  float32
	}

	seen := make(map[string]bool)
	var kept []scored
	for _, r := range raw {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		if err := model.ValidateSourceURI(r.URI); err != nil {
			b.logger.Debug("evidence: dropping result with disallowed source", "uri", r.URI, "error", err)
			continue
		}
		hash := contentHash(text)
		if seen[hash] {
			continue
		}
		seen[hash] = true

		score := Relevance(goal, text)
		if score < b.minRelevance {
			continue
		}
		kept = append(kept, scored{result: r, hash: hash, score: score})
	}

	// Stable sort keeps source order for equal scores.
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
	if len(kept) > b.maxSnippets {
		kept = kept[:b.maxSnippets]
	}

	snippets := make([]model.EvidenceSnippet, len(kept))
	for i, s := range kept {
		snippets[i] = model.EvidenceSnippet{
			RefID:       fmt.Sprintf("R%d", i+1),
			SourceURI:   s.result.URI,
			Title:       s.result.Title,
			Text:        s.result.Text,
			Relevance:   s.score,
			ContentHash: s.hash,
		}
	}
	return snippets
}

// contentHash fingerprints a snippet's text for deduplication. Whitespace
// runs and case differences do not produce distinct hashes.
func contentHash(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// stopwords are goal terms too common to signal relevance.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "what": true, "why": true, "how": true, "are": true,
	"was": true, "were": true, "from": true, "into": true, "does": true,
	"can": true, "could": true, "should": true, "would": true, "about": true,
}

// Relevance scores text against the goal: the fraction of goal terms
// present in the text, plus a bonus when the first matching term appears
// early. Scores are clamped to [0, 1].
func Relevance(goal, text string) float32 {
	goalTerms := terms(goal)
	if len(goalTerms) == 0 {
		return 0
	}

	lower := strings.ToLower(text)
	matched := 0
	firstPos := -1
	for _, term := range goalTerms {
		idx := strings.Index(lower, term)
		if idx < 0 {
			continue
		}
		matched++
		if firstPos == -1 || idx < firstPos {
			firstPos = idx
		}
	}
	if matched == 0 {
		return 0
	}

	score := float32(matched) / float32(len(goalTerms))
	// Early-position bonus: a hit in the first 200 chars suggests the text
	// is about the goal rather than mentioning it in passing.
	if firstPos < 200 {
		score += 0.1 * (1 - float32(firstPos)/200)
	}
	if score > 1 {
		score = 1
	}
	return score
}

// terms extracts the goal's significant lowercase search terms.
func terms(goal string) []string {
	fields := strings.Fields(strings.ToLower(goal))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]{}")
		if len(f) < 3 || stopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

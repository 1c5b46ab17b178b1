package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/veritas-ai/deepthink/internal/embedding"
	"github.com/veritas-ai/deepthink/internal/evidence"
)

// minMemoryScore drops weakly similar answers before the evidence builder
// does its own relevance ranking. Cosine scores below this are noise.
const minMemoryScore = 0.5

// querier is the slice of Index the source needs. Narrowed for tests.
type querier interface {
	Query(ctx context.Context, embedding []float32, limit int) ([]Hit, error)
}

// Source exposes the answer collection as an evidence source. Results cite
// prior runs via memory://runs/<id> URIs.
type Source struct {
	index    querier
	embedder embedding.Provider
	logger   *slog.Logger
}

// NewSource creates an evidence source over the answer index.
func NewSource(index *Index, embedder embedding.Provider, logger *slog.Logger) *Source {
	return &Source{index: index, embedder: embedder, logger: logger}
}

// Name identifies the source in evidence logs.
func (s *Source) Name() string { return "memory" }

// Search embeds the query and returns similar prior answers. Like every
// evidence source, errors surface to the builder, which degrades to fewer
// snippets rather than failing the run.
func (s *Source) Search(ctx context.Context, query string, limit int) ([]evidence.RawResult, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	hits, err := s.index.Query(ctx, vec, limit)
	if err != nil {
		return nil, err
	}

	results := make([]evidence.RawResult, 0, len(hits))
	for _, h := range hits {
		if h.Score < minMemoryScore || h.Final == "" {
			continue
		}
		results = append(results, evidence.RawResult{
			Title: h.Goal,
			URI:   fmt.Sprintf("memory://runs/%s", h.RunID),
			Text:  h.Final,
		})
	}

	s.logger.Debug("memory: searched prior answers",
		"hits", len(hits),
		"kept", len(results),
	)
	return results, nil
}

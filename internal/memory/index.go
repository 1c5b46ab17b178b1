// Package memory mirrors verified run answers into a Qdrant collection so
// later runs can cite prior conclusions as evidence.
//
// The flow is asynchronous: CompleteRun enqueues the run into the answer
// outbox, the Worker embeds and upserts it, and Source exposes the
// collection to the evidence builder. When Qdrant is not configured the
// whole package stays inert.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

// IndexConfig holds connection settings for the answer collection.
type IndexConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// AnswerPoint is one verified answer ready for upsert.
type AnswerPoint struct {
	RunID       uuid.UUID
	Goal        string
	Final       string
	VerifyScore float32
	CompletedAt time.Time
	Embedding   []float32
}

// Hit is one answer returned by a similarity query.
type Hit struct {
	RunID uuid.UUID
	Goal  string
	Final string
	Score float32
}

// Index wraps a Qdrant collection of verified answers.
type Index struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error; inner error may be nil
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("memory: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("memory: invalid port in qdrant URL: %q", portStr)
		}
		// If the URL names the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewIndex connects to the Qdrant server via gRPC.
func NewIndex(cfg IndexConfig, logger *slog.Logger) (*Index, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &Index{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist and
// ensures payload indexes are present. CreateFieldIndex is idempotent on
// Qdrant, so index creation is always attempted to backfill indexes added
// after the collection was first created.
func (q *Index) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("memory: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("memory: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	} else {
		q.logger.Info("qdrant: collection already exists", "collection", q.collection)
	}

	floatType := qdrant.FieldType_FieldTypeFloat
	for _, field := range []string{"verify_score", "completed_at_unix"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &floatType,
		}); err != nil {
			return fmt.Errorf("memory: ensure index on %q: %w", field, err)
		}
	}

	return nil
}

// maxFinalPayloadBytes caps the answer text stored in the point payload.
// Qdrant payloads are not meant to hold large documents; what matters is
// enough text for an evidence snippet.
const maxFinalPayloadBytes = 4096

// Upsert inserts or updates answer points.
func (q *Index) Upsert(ctx context.Context, points []AnswerPoint) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		final := p.Final
		if len(final) > maxFinalPayloadBytes {
			final = final[:maxFinalPayloadBytes]
		}
		payload := map[string]any{
			"goal":              p.Goal,
			"final":             final,
			"verify_score":      float64(p.VerifyScore),
			"completed_at_unix": float64(p.CompletedAt.Unix()),
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.RunID.String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("memory: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// Query returns the answers most similar to the embedding, best first.
func (q *Index) Query(ctx context.Context, embedding []float32, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 5
	}

	fetchLimit := uint64(limit) //nolint:gosec // limit is small and positive
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("memory: qdrant query: %w", err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, sp := range scored {
		idStr := sp.Id.GetUuid()
		if idStr == "" {
			continue
		}
		runID, err := uuid.Parse(idStr)
		if err != nil {
			q.logger.Warn("qdrant: invalid UUID in point ID", "id", idStr)
			continue
		}
		hit := Hit{RunID: runID, Score: sp.Score}
		if payload := sp.GetPayload(); payload != nil {
			hit.Goal = payload["goal"].GetStringValue()
			hit.Final = payload["final"].GetStringValue()
		}
		hits = append(hits, hit)
	}

	return hits, nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5
// seconds; concurrent checks after cache expiry are deduplicated via
// singleflight so only one gRPC call is made.
func (q *Index) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// Use context.Background() instead of the caller's ctx because
	// singleflight reuses the first caller's context; if that caller
	// cancels, all waiters would get a stale error.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := q.client.HealthCheck(checkCtx)
		if err != nil {
			q.storeHealthErr(fmt.Errorf("memory: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so we wrap it in a pointer.
func (q *Index) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *Index) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *Index) Close() error {
	return q.client.Close()
}

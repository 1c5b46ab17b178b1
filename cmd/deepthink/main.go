package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/veritas-ai/deepthink/internal/cache"
	"github.com/veritas-ai/deepthink/internal/config"
	"github.com/veritas-ai/deepthink/internal/embedding"
	"github.com/veritas-ai/deepthink/internal/evidence"
	"github.com/veritas-ai/deepthink/internal/gateway"
	"github.com/veritas-ai/deepthink/internal/ledger"
	"github.com/veritas-ai/deepthink/internal/mcp"
	"github.com/veritas-ai/deepthink/internal/memory"
	"github.com/veritas-ai/deepthink/internal/metrics"
	"github.com/veritas-ai/deepthink/internal/orchestrator"
	"github.com/veritas-ai/deepthink/internal/ratelimit"
	"github.com/veritas-ai/deepthink/internal/server"
	"github.com/veritas-ai/deepthink/internal/store"
	"github.com/veritas-ai/deepthink/internal/telemetry"
	"github.com/veritas-ai/deepthink/internal/verify"
)

// version is set at build time via -ldflags.
var version = "dev"

// planCacheSweepInterval is how often expired plan cache entries are purged.
const planCacheSweepInterval = 1 * time.Hour

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("DEEPTHINK_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("deepthink starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the store. Migrations are applied by Open; the scheme selects
	// Postgres or embedded SQLite.
	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	gw := gateway.New(gateway.Config{
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		GeminiAPIKey:  cfg.GeminiAPIKey,
		GeminiBaseURL: cfg.GeminiBaseURL,
		Timeout:       cfg.GatewayTimeout,
	}, logger)

	pricing, err := ledger.LoadPricing(cfg.PricingPath)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	led := ledger.New(pricing, st, logger)

	planCache := cache.New(st, cfg.PlanCacheTTL, logger)
	go planCache.SweepLoop(ctx, planCacheSweepInterval)

	embedder := newEmbeddingProvider(cfg, logger)
	sink := metrics.New()

	// Evidence sources: web search when an API key is configured, prior
	// verified answers when Qdrant is configured.
	var sources []evidence.Source
	if cfg.SearchAPIKey != "" {
		sources = append(sources, evidence.NewWebSearch(cfg.SearchAPIKey, cfg.SearchURL))
		logger.Info("evidence: web search enabled")
	} else {
		logger.Info("evidence: web search disabled (no DEEPTHINK_SEARCH_API_KEY)")
	}

	var outboxWorker *memory.Worker
	if cfg.QdrantURL != "" {
		index, err := memory.NewIndex(memory.IndexConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("memory: %w", err)
		}
		defer func() { _ = index.Close() }()

		if err := index.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("memory ensure collection: %w", err)
		}

		sources = append(sources, memory.NewSource(index, embedder, logger))
		outboxWorker = memory.NewWorker(st, index, embedder, sink, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		outboxWorker.Start(ctx)
		logger.Info("answer memory: enabled", "collection", cfg.QdrantCollection)
	} else {
		logger.Info("answer memory: disabled (no DEEPTHINK_QDRANT_URL)")
	}

	builder := evidence.NewBuilder(sources, cfg.EvidenceMax, cfg.EvidenceMinRelevance, logger)
	verifier := verify.New(gw, cfg.VerifierModel, cfg.VerifyThreshold, logger)
	broker := server.NewBroker(logger)

	orch := orchestrator.New(orchestrator.Deps{
		Store:    st,
		Gateway:  gw,
		Cache:    planCache,
		Evidence: builder,
		Verifier: verifier,
		Ledger:   led,
		Emitter:  broker,
		Metrics:  sink,
		Config:   cfg,
		Logger:   logger,
	})

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = limiter.Close() }()
		logger.Info("rate limiting: in-process token bucket",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(st, orch, version, logger)

	srv := server.New(server.ServerConfig{
		Store:               st,
		Runner:              orch,
		Broker:              broker,
		Metrics:             sink,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early
	// completion doesn't steal budget from later phases. Order: (1) stop
	// accepting HTTP requests and drain in-flight streams, (2) mirror the
	// remaining outbox entries, (3) flush OTEL (deferred above).
	slog.Info("deepthink shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if outboxWorker != nil {
		outboxCtx, outboxCancel := context.WithTimeout(context.Background(), 10*time.Second)
		outboxWorker.Drain(outboxCtx)
		outboxCancel()
	}

	slog.Info("deepthink stopped")
	return nil
}

// newEmbeddingProvider selects an embedding provider: "ollama", "openai",
// "noop", or "auto" (default). Auto mode tries Ollama if reachable, then
// OpenAI if a key is present, else noop. Ollama is preferred: nothing
// leaves the operator's network and there is no per-call cost.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when DEEPTHINK_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (answer memory lookups disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (answer memory lookups disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

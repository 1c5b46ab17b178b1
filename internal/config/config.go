// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Store settings. Scheme selects the backend: postgres:// uses the
	// Postgres store, sqlite:// (or a bare file path) the embedded one.
	DatabaseURL string

	// Model gateway settings.
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	GeminiAPIKey   string
	GeminiBaseURL  string
	GatewayTimeout time.Duration

	// Pass model assignments.
	PlannerModel  string
	SolverModel   string
	VerifierModel string

	// Orchestrator settings.
	SolverVariants  int
	SolverAttempts  int
	RetryBackoff    time.Duration
	MaxRunTokens    int64         // 0 disables the token budget.
	RunDeadline     time.Duration // 0 disables the run-level deadline.
	VerifyThreshold float32

	// Plan cache settings.
	PlanCacheTTL time.Duration

	// Evidence settings.
	SearchAPIKey         string
	SearchURL            string
	EvidenceMax          int
	EvidenceMinRelevance float32

	// Answer memory settings (optional — disabled if QdrantURL is empty).
	QdrantURL          string
	QdrantAPIKey       string
	QdrantCollection   string
	OutboxPollInterval time.Duration
	OutboxBatchSize    int

	// Embedding provider settings.
	EmbeddingProvider   string // "auto", "openai", "ollama", or "noop"
	EmbeddingModel      string
	EmbeddingDimensions int
	OllamaURL           string
	OllamaModel         string

	// Cost ledger settings.
	PricingPath string // Optional YAML pricing table overriding the embedded one.

	// Rate limit settings (solve endpoints, keyed by client IP).
	RateLimitRPS   float64
	RateLimitBurst int

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool // Plain-HTTP OTLP export, for local collectors.
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible
// defaults. Parse failures are accumulated so one bad variable does not
// mask another.
func Load() (Config, error) {
	var errs []error
	collectInt := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	collectDuration := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	collectFloat := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	collectBool := func(key string, def bool) bool {
		v, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		Port:                collectInt("DEEPTHINK_PORT", 8080),
		ReadTimeout:         collectDuration("DEEPTHINK_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        collectDuration("DEEPTHINK_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes: int64(collectInt("DEEPTHINK_MAX_REQUEST_BODY_BYTES", 1*1024*1024)),

		DatabaseURL: envStr("DATABASE_URL", "sqlite://deepthink.db"),

		OpenAIAPIKey:   envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:  envStr("DEEPTHINK_OPENAI_BASE_URL", "https://api.openai.com/v1"),
		GeminiAPIKey:   envStr("GEMINI_API_KEY", ""),
		GeminiBaseURL:  envStr("DEEPTHINK_GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		GatewayTimeout: collectDuration("DEEPTHINK_GATEWAY_TIMEOUT", 60*time.Second),

		PlannerModel:  envStr("DEEPTHINK_PLANNER_MODEL", "gpt-4o-mini"),
		SolverModel:   envStr("DEEPTHINK_SOLVER_MODEL", "gpt-4o"),
		VerifierModel: envStr("DEEPTHINK_VERIFIER_MODEL", "gemini-2.5-pro"),

		SolverVariants:  collectInt("DEEPTHINK_SOLVER_VARIANTS", 3),
		SolverAttempts:  collectInt("DEEPTHINK_SOLVER_ATTEMPTS", 3),
		RetryBackoff:    collectDuration("DEEPTHINK_RETRY_BACKOFF", 750*time.Millisecond),
		MaxRunTokens:    int64(collectInt("DEEPTHINK_MAX_RUN_TOKENS", 150000)),
		RunDeadline:     collectDuration("DEEPTHINK_RUN_DEADLINE", 10*time.Minute),
		VerifyThreshold: float32(collectFloat("DEEPTHINK_VERIFY_THRESHOLD", 0.7)),

		PlanCacheTTL: collectDuration("DEEPTHINK_PLAN_CACHE_TTL", 72*time.Hour),

		SearchAPIKey:         envStr("DEEPTHINK_SEARCH_API_KEY", ""),
		SearchURL:            envStr("DEEPTHINK_SEARCH_URL", "https://api.tavily.com/search"),
		EvidenceMax:          collectInt("DEEPTHINK_EVIDENCE_MAX", 5),
		EvidenceMinRelevance: float32(collectFloat("DEEPTHINK_EVIDENCE_MIN_RELEVANCE", 0.15)),

		QdrantURL:          envStr("DEEPTHINK_QDRANT_URL", ""),
		QdrantAPIKey:       envStr("DEEPTHINK_QDRANT_API_KEY", ""),
		QdrantCollection:   envStr("DEEPTHINK_QDRANT_COLLECTION", "deepthink_answers"),
		OutboxPollInterval: collectDuration("DEEPTHINK_OUTBOX_POLL_INTERVAL", 5*time.Second),
		OutboxBatchSize:    collectInt("DEEPTHINK_OUTBOX_BATCH_SIZE", 32),

		EmbeddingProvider:   envStr("DEEPTHINK_EMBEDDING_PROVIDER", "auto"),
		EmbeddingModel:      envStr("DEEPTHINK_EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimensions: collectInt("DEEPTHINK_EMBEDDING_DIMENSIONS", 1536),
		OllamaURL:           envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:         envStr("OLLAMA_MODEL", "mxbai-embed-large"),

		PricingPath: envStr("DEEPTHINK_PRICING_PATH", ""),

		RateLimitRPS:   collectFloat("DEEPTHINK_RATE_LIMIT_RPS", 1),
		RateLimitBurst: collectInt("DEEPTHINK_RATE_LIMIT_BURST", 5),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure: collectBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "deepthink"),

		LogLevel: envStr("DEEPTHINK_LOG_LEVEL", "info"),
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that configuration values are semantically usable.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: DEEPTHINK_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.SolverVariants < 1 {
		return fmt.Errorf("config: DEEPTHINK_SOLVER_VARIANTS must be at least 1")
	}
	if c.SolverAttempts < 1 {
		return fmt.Errorf("config: DEEPTHINK_SOLVER_ATTEMPTS must be at least 1")
	}
	if c.VerifyThreshold < 0 || c.VerifyThreshold > 1 {
		return fmt.Errorf("config: DEEPTHINK_VERIFY_THRESHOLD must be in [0,1]")
	}
	if c.EvidenceMax < 1 {
		return fmt.Errorf("config: DEEPTHINK_EVIDENCE_MAX must be at least 1")
	}
	if c.MaxRunTokens < 0 {
		return fmt.Errorf("config: DEEPTHINK_MAX_RUN_TOKENS must not be negative")
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: DEEPTHINK_EMBEDDING_DIMENSIONS must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// Package gateway issues structured-output LLM calls.
//
// One call in, one parsed-and-validated JSON document out, plus token usage
// and latency. The gateway fails closed: malformed JSON, missing response
// fields, and schema violations all surface as typed errors. Schema
// failures still return the response alongside the error — the tokens were
// spent and the offending output is worth persisting. The gateway never
// retries; retry policy belongs to the caller, which alone knows which
// failures are safe to retry under a fresh sampling seed.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/veritas-ai/deepthink/internal/model"
	"github.com/veritas-ai/deepthink/internal/schema"
)

// Request is one structured model call.
type Request struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	SchemaName   string
	Schema       schema.Schema
	Temperature  float32
	MaxTokens    int
}

// Response is the result of a structured call. On success Raw is the exact
// JSON text of the structured output, already known to conform to the
// request schema; on a schema error it is the nonconforming output as the
// provider returned it.
type Response struct {
	Raw      []byte
	Usage    model.Usage
	Latency  time.Duration
	Provider string
	Model    string
}

// Decode unmarshals the validated output into a typed value.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Raw, v); err != nil {
		return fmt.Errorf("gateway: decode output: %w", err)
	}
	return nil
}

// provider is one upstream LLM API speaking its own structured-output
// dialect. Implementations return the raw JSON text plus usage; parsing
// and validation happen in the Gateway.
type provider interface {
	Name() string
	Invoke(ctx context.Context, req Request) (raw string, usage model.Usage, err error)
}

// Config carries provider credentials and the per-call timeout.
type Config struct {
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string
	GeminiBaseURL string
	Timeout       time.Duration
}

// Gateway routes structured calls to the provider owning the requested
// model and enforces the per-call timeout and output schema.
type Gateway struct {
	providers map[string]provider
	timeout   time.Duration
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New builds a gateway with clients for every configured provider.
func New(cfg Config, logger *slog.Logger) *Gateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	providers := map[string]provider{
		"openai": newOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, timeout),
		"gemini": newGeminiClient(cfg.GeminiAPIKey, cfg.GeminiBaseURL, timeout),
	}
	return &Gateway{
		providers: providers,
		timeout:   timeout,
		logger:    logger,
		tracer:    otel.Tracer("deepthink/gateway"),
	}
}

// ProviderForModel maps a model identifier to its provider name.
func ProviderForModel(modelID string) string {
	if strings.HasPrefix(modelID, "gemini") {
		return "gemini"
	}
	return "openai"
}

// Call issues one structured model call and validates the output against
// the request schema before returning it. When the call succeeded at the
// transport level but the output failed parsing or validation, the
// response is returned alongside the schema error so the caller can
// record the attempt and charge its usage.
func (g *Gateway) Call(ctx context.Context, req Request) (*Response, error) {
	name := ProviderForModel(req.Model)
	p, ok := g.providers[name]
	if !ok {
		return nil, &Error{Category: CategoryInvalid, Provider: name, Model: req.Model,
			Message: "no client configured for provider"}
	}

	ctx, span := g.tracer.Start(ctx, "gateway.call", trace.WithAttributes(
		attribute.String("llm.provider", name),
		attribute.String("llm.model", req.Model),
		attribute.String("llm.schema", req.SchemaName),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	raw, usage, err := p.Invoke(callCtx, req)
	latency := time.Since(start)
	if err != nil {
		// A cancelled run context is not a provider failure; let the
		// caller see the bare cancellation.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, &Error{Category: CategoryTimeout, Provider: name, Model: req.Model,
				Message: fmt.Sprintf("call exceeded %s", g.timeout), Err: err}
		}
		return nil, err
	}

	parsed, cleaned, err := parseStructured(raw)
	if err != nil {
		failed := &Response{Raw: []byte(raw), Usage: usage, Latency: latency, Provider: name, Model: req.Model}
		return failed, &Error{Category: CategorySchema, Provider: name, Model: req.Model,
			Message: "malformed JSON output", Err: err}
	}
	if err := schema.Validate(parsed, req.Schema); err != nil {
		failed := &Response{Raw: cleaned, Usage: usage, Latency: latency, Provider: name, Model: req.Model}
		return failed, &Error{Category: CategorySchema, Provider: name, Model: req.Model,
			Message: "output does not conform to schema", Err: err}
	}

	g.logger.Debug("gateway: call succeeded",
		"provider", name,
		"model", req.Model,
		"schema", req.SchemaName,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"latency_ms", latency.Milliseconds(),
	)
	span.SetAttributes(
		attribute.Int64("llm.input_tokens", usage.InputTokens),
		attribute.Int64("llm.output_tokens", usage.OutputTokens),
	)

	return &Response{
		Raw:      cleaned,
		Usage:    usage,
		Latency:  latency,
		Provider: name,
		Model:    req.Model,
	}, nil
}

// parseStructured decodes the model's output text as JSON, tolerating the
// markdown code fences some models wrap structured output in.
func parseStructured(raw string) (any, []byte, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	if text == "" {
		return nil, nil, fmt.Errorf("empty output")
	}
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return nil, nil, err
	}
	return parsed, []byte(text), nil
}

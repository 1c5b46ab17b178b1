package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/veritas-ai/deepthink/internal/model"
	"github.com/veritas-ai/deepthink/internal/schema"
)

// openAIClient speaks the OpenAI chat-completions dialect with the
// json_schema strict response format. Any OpenAI-compatible endpoint works
// via the base URL.
type openAIClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func newOpenAIClient(apiKey, baseURL string, timeout time.Duration) *openAIClient {
	return &openAIClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *openAIClient) Name() string { return "openai" }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIJSONSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	Temperature    float32               `json:"temperature"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *openAIClient) Invoke(ctx context.Context, req Request) (string, model.Usage, error) {
	var usage model.Usage
	if c.apiKey == "" {
		return "", usage, &Error{Category: CategoryInvalid, Provider: c.Name(), Model: req.Model,
			Message: "API key not configured"}
	}

	body := openAIRequest{
		Model: req.Model,
		Messages: []openAIMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		ResponseFormat: &openAIResponseFormat{
			Type: "json_schema",
			JSONSchema: &openAIJSONSchema{
				Name:   req.SchemaName,
				Strict: true,
				Schema: schema.ForOpenAI(req.Schema),
			},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", usage, fmt.Errorf("gateway: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", usage, fmt.Errorf("gateway: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", usage, &Error{Category: CategoryUnavailable, Provider: c.Name(), Model: req.Model, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", usage, &Error{Category: CategoryUnavailable, Provider: c.Name(), Model: req.Model, Err: err}
	}
	if cat, ok := categoryForStatus(resp.StatusCode); ok {
		return "", usage, &Error{Category: cat, Provider: c.Name(), Model: req.Model,
			Message: fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(raw, 200))}
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", usage, &Error{Category: CategorySchema, Provider: c.Name(), Model: req.Model,
			Message: "malformed response envelope", Err: err}
	}
	if parsed.Error != nil {
		return "", usage, &Error{Category: CategoryInvalid, Provider: c.Name(), Model: req.Model,
			Message: parsed.Error.Message}
	}
	if len(parsed.Choices) == 0 {
		return "", usage, &Error{Category: CategorySchema, Provider: c.Name(), Model: req.Model,
			Message: "no completion returned"}
	}

	usage = model.Usage{
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}
	return parsed.Choices[0].Message.Content, usage, nil
}

// categoryForStatus maps an HTTP status to an error category; ok is false
// for statuses that are not errors.
func categoryForStatus(status int) (ErrorCategory, bool) {
	switch {
	case status == http.StatusOK:
		return "", false
	case status == http.StatusTooManyRequests:
		return CategoryRateLimited, true
	case status >= 500:
		return CategoryUnavailable, true
	default:
		return CategoryInvalid, true
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

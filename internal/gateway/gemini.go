package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/veritas-ai/deepthink/internal/model"
	"github.com/veritas-ai/deepthink/internal/schema"
)

// geminiClient speaks the Gemini generateContent dialect, enforcing
// structured output through generationConfig.responseJsonSchema with an
// application/json MIME type.
type geminiClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func newGeminiClient(apiKey, baseURL string, timeout time.Duration) *geminiClient {
	return &geminiClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *geminiClient) Name() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature        float32        `json:"temperature"`
	MaxOutputTokens    int            `json:"maxOutputTokens,omitempty"`
	ResponseMimeType   string         `json:"responseMimeType,omitempty"`
	ResponseJSONSchema map[string]any `json:"responseJsonSchema,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent        `json:"contents"`
	SystemInstruction *geminiContent         `json:"systemInstruction,omitempty"`
	GenerationConfig  geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
			Role  string       `json:"role"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		ThoughtsTokenCount   int64 `json:"thoughtsTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

func (c *geminiClient) Invoke(ctx context.Context, req Request) (string, model.Usage, error) {
	var usage model.Usage
	if c.apiKey == "" {
		return "", usage, &Error{Category: CategoryInvalid, Provider: c.Name(), Model: req.Model,
			Message: "API key not configured"}
	}

	body := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.UserPrompt}}},
		},
		SystemInstruction: &geminiContent{
			Parts: []geminiPart{{Text: req.SystemPrompt}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:        req.Temperature,
			MaxOutputTokens:    req.MaxTokens,
			ResponseMimeType:   "application/json",
			ResponseJSONSchema: schema.ForGemini(req.Schema),
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", usage, fmt.Errorf("gateway: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, req.Model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", usage, fmt.Errorf("gateway: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

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

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", usage, &Error{Category: CategorySchema, Provider: c.Name(), Model: req.Model,
			Message: "malformed response envelope", Err: err}
	}
	if parsed.Error != nil {
		return "", usage, &Error{Category: CategoryInvalid, Provider: c.Name(), Model: req.Model,
			Message: parsed.Error.Message}
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", usage, &Error{Category: CategorySchema, Provider: c.Name(), Model: req.Model,
			Message: "no candidates returned"}
	}

	var text strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	// Thinking tokens bill as output tokens.
	usage = model.Usage{
		InputTokens:  parsed.UsageMetadata.PromptTokenCount,
		OutputTokens: parsed.UsageMetadata.CandidatesTokenCount + parsed.UsageMetadata.ThoughtsTokenCount,
	}
	return text.String(), usage, nil
}

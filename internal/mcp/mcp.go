// Package mcp exposes the reasoning pipeline over the Model Context
// Protocol, so MCP-compatible agents can run goals and browse past runs
// without the REST API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.opentelemetry.io/otel/trace"

	"github.com/veritas-ai/deepthink/internal/model"
	"github.com/veritas-ai/deepthink/internal/orchestrator"
	"github.com/veritas-ai/deepthink/internal/store"
)

// Runner executes the full pipeline for a run and blocks until the run is
// terminal. Satisfied by *orchestrator.Orchestrator.
type Runner interface {
	Execute(ctx context.Context, run model.Run, opts orchestrator.RunOptions)
}

// Server wraps the MCP server around the run store and orchestrator.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     store.Store
	runner    Runner
	logger    *slog.Logger
}

// New creates and configures an MCP server with all resources and tools.
func New(st store.Store, runner Runner, version string, logger *slog.Logger) *Server {
	s := &Server{
		store:  st,
		runner: runner,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"deepthink",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// deepthink://runs/recent — recent runs as JSON.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"deepthink://runs/recent",
			"Recent Runs",
			mcplib.WithResourceDescription("Recent reasoning runs with status, score, and cost"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRunsRecent,
	)
}

func (s *Server) registerTools() {
	// deepthink_solve — run the full pipeline and return the verified answer.
	s.mcpServer.AddTool(
		mcplib.NewTool("deepthink_solve",
			mcplib.WithDescription("Solve a goal with multi-pass verified reasoning. Blocks until the run completes and returns the verified answer with citations."),
			mcplib.WithString("goal", mcplib.Description("The question or task to solve"), mcplib.Required()),
			mcplib.WithNumber("max_tokens", mcplib.Description("Token budget for the run (0 = server default)")),
			mcplib.WithNumber("variants", mcplib.Description("Number of speculative solver variants (0 = server default)")),
		),
		s.handleSolve,
	)

	// deepthink_runs — list recent runs.
	s.mcpServer.AddTool(
		mcplib.NewTool("deepthink_runs",
			mcplib.WithDescription("List recent reasoning runs with status, verification score, and cost"),
			mcplib.WithNumber("limit", mcplib.Description("Maximum runs to return")),
		),
		s.handleRuns,
	)
}

func (s *Server) handleRunsRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	runs, _, err := s.store.ListRuns(ctx, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent runs: %w", err)
	}

	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal runs: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "deepthink://runs/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// solveResult is the JSON shape deepthink_solve returns.
type solveResult struct {
	RunID        string   `json:"run_id"`
	Status       string   `json:"status"`
	Final        string   `json:"final,omitempty"`
	Citations    []string `json:"citations,omitempty"`
	VerifyScore  *float32 `json:"verify_score,omitempty"`
	ResidualRisk *string  `json:"residual_risk,omitempty"`
	ErrorReason  string   `json:"error_reason,omitempty"`
	TotalTokens  int64    `json:"total_tokens"`
	TotalCostUSD float64  `json:"total_cost_usd"`
}

func (s *Server) handleSolve(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	goal := request.GetString("goal", "")
	if err := model.ValidateGoal(goal); err != nil {
		return errorResult(err.Error()), nil
	}
	maxTokens := int64(request.GetInt("max_tokens", 0))
	variants := request.GetInt("variants", 0)
	if maxTokens < 0 || variants < 0 {
		return errorResult("max_tokens and variants must be non-negative"), nil
	}

	traceID := uuid.New().String()
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	run, err := s.store.CreateRun(ctx, goal, traceID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to create run: %v", err)), nil
	}

	// Unlike the REST surface, MCP clients wait for the answer, so the
	// pipeline runs on the request context and its cancellation.
	s.runner.Execute(ctx, run, orchestrator.RunOptions{
		Variants:  variants,
		MaxTokens: maxTokens,
	})

	final, err := s.store.GetRun(ctx, run.ID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to load run: %v", err)), nil
	}

	result := solveResult{
		RunID:        final.ID.String(),
		Status:       string(final.Status),
		Citations:    final.Citations,
		VerifyScore:  final.VerifyScore,
		ResidualRisk: final.ResidualRisk,
		TotalTokens:  final.TotalTokens(),
		TotalCostUSD: final.TotalCostUSD,
	}
	if final.FinalOutput != nil {
		result.Final = *final.FinalOutput
	}
	if final.ErrorReason != nil {
		result.ErrorReason = string(*final.ErrorReason)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

// runSummary is one row in the deepthink_runs tool output.
type runSummary struct {
	RunID       string   `json:"run_id"`
	Goal        string   `json:"goal"`
	Status      string   `json:"status"`
	VerifyScore *float32 `json:"verify_score,omitempty"`
	ErrorReason string   `json:"error_reason,omitempty"`
	CostUSD     float64  `json:"cost_usd"`
	CreatedAt   string   `json:"created_at"`
}

func (s *Server) handleRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 10)
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	runs, total, err := s.store.ListRuns(ctx, limit, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("list runs failed: %v", err)), nil
	}

	summaries := make([]runSummary, len(runs))
	for i, r := range runs {
		summaries[i] = runSummary{
			RunID:       r.ID.String(),
			Goal:        truncate(r.Goal, 200),
			Status:      string(r.Status),
			VerifyScore: r.VerifyScore,
			CostUSD:     r.TotalCostUSD,
			CreatedAt:   r.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if r.ErrorReason != nil {
			summaries[i].ErrorReason = string(*r.ErrorReason)
		}
	}

	data, err := json.MarshalIndent(map[string]any{
		"runs":  summaries,
		"total": total,
	}, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("failed to marshal runs: %v", err)), nil
	}

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

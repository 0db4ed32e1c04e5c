package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/folio/internal/budget"
	"github.com/kalambet/folio/internal/llm"
	"github.com/kalambet/folio/internal/pipeline"
)

// mcpClientAddr keys the per-address rate windows for MCP callers, which
// share one stdio connection.
const mcpClientAddr = "mcp"

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Chat    Chatter
	Version string
}

// NewMCPServer creates an MCP server exposing the chat pipeline as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"folio",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("folio answers questions about a person's professional background within a daily cost budget."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask the portfolio assistant a question. Pass session_id to continue a conversation."),
			mcp.WithString("message", mcp.Description("The question to ask"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Existing session id (UUIDv4); omit to start a new session")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("budget_status",
			mcp.WithDescription("Report today's spend, request count and remaining budget."),
		),
		mcpBudgetStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("session_history",
			mcp.WithDescription("Return the stored turns and a summary of a conversation session."),
			mcp.WithString("session_id", mcp.Description("Session id (UUIDv4)"), mcp.Required()),
		),
		mcpSessionHistory(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"folio://sessions/stats",
			"Session Stats",
			mcp.WithResourceDescription("History backend, degraded flag and active session count"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSessionStats(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}

		resp, err := deps.Chat.HandleChat(ctx, pipeline.ChatRequest{
			SessionID:  req.GetString("session_id", ""),
			Message:    message,
			ClientAddr: mcpClientAddr,
			UserAgent:  "mcp",
		})
		if err != nil {
			return mcpError(mcpErrorText(err)), nil
		}
		return mcpJSON(resp)
	}
}

func mcpBudgetStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := deps.Chat.GetBudgetStatus(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read budget: %v", err)), nil
		}
		return mcpJSON(st)
	}
}

func mcpSessionHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		resp, err := deps.Chat.GetHistory(ctx, id)
		if err != nil {
			return mcpError(mcpErrorText(err)), nil
		}
		return mcpJSON(resp)
	}
}

func mcpResourceSessionStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Chat.SessionStats(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal session stats: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// mcpErrorText mirrors the HTTP error mapping: validation and admission
// messages pass through, everything else is generic.
func mcpErrorText(err error) string {
	var (
		ve  *pipeline.ValidationError
		rej *budget.Rejection
		pe  *llm.ProviderError
	)
	switch {
	case errors.As(err, &ve):
		return ve.Message
	case errors.As(err, &rej):
		return fmt.Sprintf("%s (retry after %s)", rej.Error(), rej.RetryAfter.Round(time.Second))
	case errors.As(err, &pe):
		return "the assistant is temporarily unavailable, please try again shortly"
	case errors.Is(err, pipeline.ErrSessionNotFound):
		return "session not found"
	default:
		return "internal error"
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

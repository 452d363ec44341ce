package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docsync/internal/staleness"
	"github.com/kalambet/docsync/internal/storage"
)

// MCPChecker abstracts the staleness overview for the MCP layer.
type MCPChecker interface {
	Overview(ctx context.Context, libraries map[string]string) ([]staleness.LibraryStatus, error)
}

// MCPDeps holds dependencies for the MCP server. All tools are read-only:
// mutations stay behind the HTTP API where the reviewer acts deliberately.
type MCPDeps struct {
	Store     *storage.Store
	Checker   MCPChecker
	Libraries map[string]string
}

// NewMCPServer creates an MCP server with the docsync inspection tools
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"docsync",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("docsync: local mirror of the remote document store with a reviewed suggestion queue. Tools are read-only."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("pending_counts",
			mcp.WithDescription("Count suggestions by status for both task kinds (error linking, knowledge notes)."),
		),
		mcpPendingCounts(deps),
	)

	s.AddTool(
		mcp.NewTool("list_suggestions",
			mcp.WithDescription("List suggestions of one kind, optionally filtered by status."),
			mcp.WithString("kind", mcp.Description("Task kind: error or knowledge"), mcp.Required()),
			mcp.WithString("status", mcp.Description("Optional status filter (pending_review, needs_review, applied, rejected, failed)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListSuggestions(deps),
	)

	s.AddTool(
		mcp.NewTool("get_suggestion",
			mcp.WithDescription("Fetch one suggestion with its proposed content, rationale and validation notes."),
			mcp.WithString("kind", mcp.Description("Task kind: error or knowledge"), mcp.Required()),
			mcp.WithString("id", mcp.Description("Suggestion ID"), mcp.Required()),
		),
		mcpGetSuggestion(deps),
	)

	s.AddTool(
		mcp.NewTool("recent_runs",
			mcp.WithDescription("Show the most recent sync runs and generation runs."),
			mcp.WithNumber("limit", mcp.Description("Maximum runs per list (default 5)")),
		),
		mcpRecentRuns(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_status",
			mcp.WithDescription("Advisory staleness overview of every configured library against remote metadata."),
		),
		mcpSyncStatus(deps),
	)

	return s
}

func mcpSuggestionKind(req mcp.CallToolRequest) (storage.SuggestionKind, error) {
	raw, err := req.RequireString("kind")
	if err != nil {
		return "", fmt.Errorf("kind is required")
	}
	switch raw {
	case "error":
		return storage.KindError, nil
	case "knowledge":
		return storage.KindKnowledge, nil
	default:
		return "", fmt.Errorf("unknown suggestion kind %q", raw)
	}
}

func mcpPendingCounts(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out := make(map[string]map[string]int, 2)
		for name, kind := range map[string]storage.SuggestionKind{
			"error":     storage.KindError,
			"knowledge": storage.KindKnowledge,
		} {
			counts, err := deps.Store.SuggestionCounts(kind)
			if err != nil {
				return mcpError(fmt.Sprintf("counting %s suggestions: %v", name, err)), nil
			}
			out[name] = counts
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal counts: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListSuggestions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kind, err := mcpSuggestionKind(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		status := req.GetString("status", "")
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		suggestions, err := deps.Store.ListSuggestions(kind, status, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing suggestions: %v", err)), nil
		}
		if len(suggestions) == 0 {
			return mcpText("[]"), nil
		}

		type suggestionSummary struct {
			ID         string  `json:"id"`
			PageID     string  `json:"page_id"`
			PageTitle  string  `json:"page_title"`
			Status     string  `json:"status"`
			Confidence float64 `json:"confidence"`
			Notes      string  `json:"validation_notes,omitempty"`
		}
		results := make([]suggestionSummary, len(suggestions))
		for i, sg := range suggestions {
			results[i] = suggestionSummary{
				ID:         sg.ID,
				PageID:     sg.PageID,
				PageTitle:  sg.PageTitle,
				Status:     sg.Status,
				Confidence: sg.Confidence,
				Notes:      sg.ValidationNotes,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetSuggestion(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		kind, err := mcpSuggestionKind(req)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		sg, err := deps.Store.GetSuggestion(kind, id)
		if err != nil {
			return mcpError(fmt.Sprintf("fetching suggestion: %v", err)), nil
		}

		out := map[string]any{
			"id":               sg.ID,
			"page_id":          sg.PageID,
			"page_title":       sg.PageTitle,
			"status":           sg.Status,
			"confidence":       sg.Confidence,
			"proposed":         json.RawMessage(sg.ProposedJSON),
			"rationale":        sg.Rationale,
			"validation_notes": sg.ValidationNotes,
			"reviewer_note":    sg.ReviewerNote,
			"failure_reason":   sg.FailureReason,
		}
		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal suggestion: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecentRuns(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		syncRuns, err := deps.Store.ListSyncRuns(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing sync runs: %v", err)), nil
		}
		workflowRuns, err := deps.Store.ListWorkflowRuns("", limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing generation runs: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"sync_runs":     syncRuns,
			"workflow_runs": workflowRuns,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal runs: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSyncStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		statuses, err := deps.Checker.Overview(ctx, deps.Libraries)
		if err != nil {
			return mcpError(fmt.Sprintf("staleness overview failed: %v", err)), nil
		}

		b, err := json.Marshal(statuses)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal statuses: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
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

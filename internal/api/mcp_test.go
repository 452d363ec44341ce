package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/docsync/internal/staleness"
	"github.com/kalambet/docsync/internal/storage"
)

type fakeOverviewChecker struct {
	statuses []staleness.LibraryStatus
	err      error
}

func (f *fakeOverviewChecker) Overview(_ context.Context, _ map[string]string) ([]staleness.LibraryStatus, error) {
	return f.statuses, f.err
}

func newTestMCPDeps(t *testing.T) MCPDeps {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Store:     store,
		Checker:   &fakeOverviewChecker{},
		Libraries: testLibraries,
	}
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func TestMCPTool_PendingCounts(t *testing.T) {
	deps := newTestMCPDeps(t)
	if _, err := deps.Store.UpsertSuggestion(storage.KindError, storage.Suggestion{
		PageID:    "e1",
		PageTitle: "20240115",
		Status:    storage.StatusPendingReview,
	}); err != nil {
		t.Fatalf("seeding suggestion: %v", err)
	}

	handler := mcpPendingCounts(deps)
	result, err := handler(context.Background(), makeCallToolRequest("pending_counts", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var counts map[string]map[string]int
	if err := json.Unmarshal([]byte(toolText(t, result)), &counts); err != nil {
		t.Fatalf("failed to parse counts: %v", err)
	}
	if counts["error"][storage.StatusPendingReview] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if _, ok := counts["knowledge"]; !ok {
		t.Errorf("knowledge kind missing: %v", counts)
	}
}

func TestMCPTool_ListSuggestions_Empty(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpListSuggestions(deps)

	result, err := handler(context.Background(), makeCallToolRequest("list_suggestions", map[string]interface{}{
		"kind": "knowledge",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if text := toolText(t, result); text != "[]" {
		t.Fatalf("expected empty array, got: %s", text)
	}
}

func TestMCPTool_ListSuggestions_BadKind(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpListSuggestions(deps)

	result, err := handler(context.Background(), makeCallToolRequest("list_suggestions", map[string]interface{}{
		"kind": "wat",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for unknown kind")
	}
}

func TestMCPTool_GetSuggestion(t *testing.T) {
	deps := newTestMCPDeps(t)
	id, err := deps.Store.UpsertSuggestion(storage.KindError, storage.Suggestion{
		PageID:       "e1",
		PageTitle:    "20240115",
		Status:       storage.StatusNeedsReview,
		Confidence:   0.4,
		ProposedJSON: `{"new_title":"Fraction addition stem"}`,
	})
	if err != nil {
		t.Fatalf("seeding suggestion: %v", err)
	}

	handler := mcpGetSuggestion(deps)
	result, err := handler(context.Background(), makeCallToolRequest("get_suggestion", map[string]interface{}{
		"kind": "error",
		"id":   id,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var body struct {
		Status   string          `json:"status"`
		Proposed json.RawMessage `json:"proposed"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &body); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if body.Status != storage.StatusNeedsReview {
		t.Errorf("status = %s", body.Status)
	}
	if len(body.Proposed) == 0 {
		t.Error("proposed content missing")
	}
}

func TestMCPTool_GetSuggestion_NotFound(t *testing.T) {
	deps := newTestMCPDeps(t)
	handler := mcpGetSuggestion(deps)

	result, err := handler(context.Background(), makeCallToolRequest("get_suggestion", map[string]interface{}{
		"kind": "error",
		"id":   "nope",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPTool_RecentRuns(t *testing.T) {
	deps := newTestMCPDeps(t)
	runID, err := deps.Store.CreateSyncRun("errors", time.Now())
	if err != nil {
		t.Fatalf("creating run: %v", err)
	}
	if err := deps.Store.FinishSyncRun(storage.SyncRun{
		ID: runID, Status: storage.RunSuccess, FinishedAt: time.Now(),
	}); err != nil {
		t.Fatalf("finishing run: %v", err)
	}

	handler := mcpRecentRuns(deps)
	result, err := handler(context.Background(), makeCallToolRequest("recent_runs", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var body struct {
		SyncRuns     []json.RawMessage `json:"sync_runs"`
		WorkflowRuns []json.RawMessage `json:"workflow_runs"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &body); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(body.SyncRuns) != 1 {
		t.Errorf("sync runs = %d, want 1", len(body.SyncRuns))
	}
}

func TestMCPTool_SyncStatus(t *testing.T) {
	deps := newTestMCPDeps(t)
	deps.Checker = &fakeOverviewChecker{statuses: []staleness.LibraryStatus{
		{Library: "errors", DatabaseID: "db-err", Synced: true, Stale: true},
	}}

	handler := mcpSyncStatus(deps)
	result, err := handler(context.Background(), makeCallToolRequest("sync_status", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var statuses []staleness.LibraryStatus
	if err := json.Unmarshal([]byte(toolText(t, result)), &statuses); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(statuses) != 1 || !statuses[0].Stale {
		t.Errorf("statuses = %+v", statuses)
	}
}

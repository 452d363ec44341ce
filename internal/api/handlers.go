// Package api exposes the review and dashboard surface: a JSON HTTP API and
// a read-only MCP tool set over the same queries.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/docsync/internal/candidate"
	"github.com/kalambet/docsync/internal/pipeline"
	"github.com/kalambet/docsync/internal/staleness"
	"github.com/kalambet/docsync/internal/storage"
	"github.com/kalambet/docsync/internal/syncer"
)

const maxBodySize = 1 << 20 // 1MB

const defaultListLimit = 50

// AppDeps holds everything the handlers need.
type AppDeps struct {
	Store     *storage.Store
	Engine    *syncer.Engine
	Pipeline  *pipeline.Pipeline
	Checker   *staleness.Checker
	Libraries map[string]string
	Token     string
}

// NewAppHandler builds the authenticated JSON API router.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/sync", handleTriggerSync(deps))
		r.Get("/sync/runs", handleListSyncRuns(deps))
		r.Get("/sync/runs/{id}", handleGetSyncRun(deps))
		r.Get("/sync/status", handleSyncStatus(deps))

		r.Route("/suggestions/{kind}", func(r chi.Router) {
			r.Post("/generate", handleGenerate(deps))
			r.Get("/", handleListSuggestions(deps))
			r.Get("/{id}", handleGetSuggestion(deps))
			r.Patch("/{id}", handleEditSuggestion(deps))
			r.Post("/{id}/confirm", handleConfirm(deps))
			r.Post("/{id}/reject", handleReject(deps))
			r.Post("/{id}/retry", handleRetry(deps))
			r.Post("/{id}/regenerate", handleRegenerate(deps))
			r.Get("/{id}/staleness", handleSuggestionStaleness(deps))
		})

		r.Get("/workflow/runs", handleListWorkflowRuns(deps))
		r.Get("/workflow/runs/{id}", handleGetWorkflowRun(deps))
		r.Get("/status", handleStatusOverview(deps))
	})

	return r
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// domainError maps the sentinel errors onto HTTP semantics.
func domainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	case errors.Is(err, storage.ErrInvalidState):
		httpError(w, http.StatusConflict, "invalid_state_error", "%v", err)
	case errors.Is(err, syncer.ErrScopeBusy):
		httpError(w, http.StatusConflict, "scope_busy_error", "%v", err)
	case errors.Is(err, syncer.ErrUnknownLibrary):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, candidate.ErrContextIncomplete):
		httpError(w, http.StatusConflict, "context_incomplete_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func parseKind(r *http.Request) (storage.SuggestionKind, error) {
	switch chi.URLParam(r, "kind") {
	case "error":
		return storage.KindError, nil
	case "knowledge":
		return storage.KindKnowledge, nil
	default:
		return "", fmt.Errorf("unknown suggestion kind %q", chi.URLParam(r, "kind"))
	}
}

func queryLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func handleTriggerSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var req struct {
			Libraries []string `json:"libraries"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		run, err := deps.Engine.Run(r.Context(), req.Libraries)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func handleListSyncRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := deps.Store.ListSyncRuns(queryLimit(r, defaultListLimit))
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	}
}

func handleGetSyncRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		run, err := deps.Store.GetSyncRun(id)
		if err != nil {
			domainError(w, err)
			return
		}
		events, err := deps.Store.ListSyncEvents(id)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run": run, "events": events})
	}
}

func handleSyncStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses, err := deps.Checker.Overview(r.Context(), deps.Libraries)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"libraries": statuses})
	}
}

func handleGenerate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := parseKind(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		var req struct {
			Limit int `json:"limit"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		summary, err := deps.Pipeline.RunGeneration(r.Context(), kind, req.Limit)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func handleListSuggestions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := parseKind(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		status := r.URL.Query().Get("status")
		suggestions, err := deps.Store.ListSuggestions(kind, status, queryLimit(r, defaultListLimit))
		if err != nil {
			domainError(w, err)
			return
		}
		counts, err := deps.Store.SuggestionCounts(kind)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions, "counts": counts})
	}
}

func handleGetSuggestion(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := parseKind(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		sg, err := deps.Store.GetSuggestion(kind, chi.URLParam(r, "id"))
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sg)
	}
}

// reviewRequest is the shared body of the review actions.
type reviewRequest struct {
	ReviewerNote string          `json:"reviewer_note"`
	Proposed     json.RawMessage `json:"proposed"`
}

func decodeReview(w http.ResponseWriter, r *http.Request) (reviewRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req reviewRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return reviewRequest{}, false
		}
	}
	return req, true
}

func handleEditSuggestion(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := parseKind(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		req, ok := decodeReview(w, r)
		if !ok {
			return
		}
		if len(req.Proposed) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "proposed content is required")
			return
		}
		sg, err := deps.Pipeline.Edit(kind, chi.URLParam(r, "id"), string(req.Proposed), req.ReviewerNote)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sg)
	}
}

func handleConfirm(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := parseKind(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		req, ok := decodeReview(w, r)
		if !ok {
			return
		}
		sg, err := deps.Pipeline.Confirm(r.Context(), kind, chi.URLParam(r, "id"), req.ReviewerNote)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sg)
	}
}

func handleReject(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := parseKind(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		req, ok := decodeReview(w, r)
		if !ok {
			return
		}
		sg, err := deps.Pipeline.Reject(kind, chi.URLParam(r, "id"), req.ReviewerNote)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sg)
	}
}

func handleRetry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := parseKind(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		sg, err := deps.Pipeline.Retry(kind, chi.URLParam(r, "id"))
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sg)
	}
}

func handleRegenerate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := parseKind(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		summary, err := deps.Pipeline.Regenerate(r.Context(), kind, chi.URLParam(r, "id"))
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func handleSuggestionStaleness(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := parseKind(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		sg, err := deps.Store.GetSuggestion(kind, chi.URLParam(r, "id"))
		if err != nil {
			domainError(w, err)
			return
		}
		results, err := deps.Checker.Check(r.Context(), []string{sg.PageID})
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, results[0])
	}
}

func handleListWorkflowRuns(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind := storage.SuggestionKind(r.URL.Query().Get("kind"))
		runs, err := deps.Store.ListWorkflowRuns(kind, queryLimit(r, defaultListLimit))
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
	}
}

func handleGetWorkflowRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		run, err := deps.Store.GetWorkflowRun(id)
		if err != nil {
			domainError(w, err)
			return
		}
		events, err := deps.Store.ListWorkflowEvents(id)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run": run, "events": events})
	}
}

// handleStatusOverview aggregates the dashboard numbers: suggestion counts
// per kind and the most recent runs of each engine.
func handleStatusOverview(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overview, err := buildOverview(deps.Store)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, overview)
	}
}

func buildOverview(store *storage.Store) (map[string]any, error) {
	errorCounts, err := store.SuggestionCounts(storage.KindError)
	if err != nil {
		return nil, err
	}
	knowledgeCounts, err := store.SuggestionCounts(storage.KindKnowledge)
	if err != nil {
		return nil, err
	}
	syncRuns, err := store.ListSyncRuns(5)
	if err != nil {
		return nil, err
	}
	workflowRuns, err := store.ListWorkflowRuns("", 5)
	if err != nil {
		return nil, err
	}
	pending := func(counts map[string]int) int {
		return counts[storage.StatusPendingReview] + counts[storage.StatusNeedsReview]
	}
	return map[string]any{
		"suggestions": map[string]any{
			"error":     map[string]any{"counts": errorCounts, "pending": pending(errorCounts)},
			"knowledge": map[string]any{"counts": knowledgeCounts, "pending": pending(knowledgeCounts)},
		},
		"recent_sync_runs":     syncRuns,
		"recent_workflow_runs": workflowRuns,
	}, nil
}

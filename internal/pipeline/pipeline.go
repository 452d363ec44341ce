// Package pipeline drives the suggestion lifecycle: batch generation against
// the snapshot, review transitions, and the single remote write a confirmed
// suggestion performs.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docsync/internal/candidate"
	"github.com/kalambet/docsync/internal/reason"
	"github.com/kalambet/docsync/internal/storage"
)

// Pipeline owns suggestion generation and review for both task kinds.
type Pipeline struct {
	store               *storage.Store
	builder             *candidate.Builder
	reasoner            reason.Reasoner
	writer              RemoteWriter
	confidenceThreshold float64
	batchLimit          int
	log                 *slog.Logger
}

// RemoteWriter is the slice of the remote API a confirm needs.
type RemoteWriter interface {
	UpdatePageProperties(ctx context.Context, pageID string, properties map[string]any) error
	ReplacePageContent(ctx context.Context, pageID string, markdown string) error
}

// New creates a Pipeline.
func New(store *storage.Store, builder *candidate.Builder, reasoner reason.Reasoner, writer RemoteWriter, confidenceThreshold float64, batchLimit int, log *slog.Logger) *Pipeline {
	if batchLimit <= 0 {
		batchLimit = 1
	}
	return &Pipeline{
		store:               store,
		builder:             builder,
		reasoner:            reasoner,
		writer:              writer,
		confidenceThreshold: confidenceThreshold,
		batchLimit:          batchLimit,
		log:                 log,
	}
}

// GenerationSummary reports one generation run.
type GenerationSummary struct {
	RunID       string `json:"run_id"`
	Targets     int    `json:"targets"`
	Suggestions int    `json:"suggestions"`
	NeedsReview int    `json:"needs_review"`
	Failures    int    `json:"failures"`
	Status      string `json:"status"`
}

// generated is the outcome of processing one target.
type generated struct {
	suggestionID string
	status       string
}

// RunGeneration discovers eligible targets of one kind and generates a
// suggestion per target with bounded concurrency. Per-target failures are
// recorded as events and do not abort the batch; cancellation stops new work.
func (p *Pipeline) RunGeneration(ctx context.Context, kind storage.SuggestionKind, limit int) (GenerationSummary, error) {
	runID, err := p.store.CreateWorkflowRun(kind, time.Now())
	if err != nil {
		return GenerationSummary{}, err
	}
	p.log.Info("generation started", "run_id", runID, "kind", kind, "limit", limit)

	summary, runErr := p.generate(ctx, runID, kind, limit)
	summary.RunID = runID

	run := storage.WorkflowRun{
		ID:          runID,
		Kind:        kind,
		Targets:     summary.Targets,
		Suggestions: summary.Suggestions,
		NeedsReview: summary.NeedsReview,
		Failures:    summary.Failures,
		FinishedAt:  time.Now(),
	}
	switch {
	case runErr != nil && summary.Suggestions > 0:
		// Work was kept; the run is incomplete, not lost.
		run.Status = storage.RunPartial
		run.Summary = runErr.Error()
	case runErr != nil:
		run.Status = storage.RunFailed
		run.Summary = runErr.Error()
	case summary.Failures > 0:
		run.Status = storage.RunPartial
	default:
		run.Status = storage.RunSuccess
	}
	summary.Status = run.Status

	if err := p.store.FinishWorkflowRun(run); err != nil {
		return summary, fmt.Errorf("closing workflow run: %w", err)
	}
	p.log.Info("generation finished", "run_id", runID, "status", run.Status,
		"targets", summary.Targets, "suggestions", summary.Suggestions,
		"needs_review", summary.NeedsReview, "failures", summary.Failures)
	return summary, runErr
}

func (p *Pipeline) generate(ctx context.Context, runID string, kind storage.SuggestionKind, limit int) (GenerationSummary, error) {
	var summary GenerationSummary

	targets, err := p.findTargets(kind, limit)
	if err != nil {
		p.appendEvent(runID, "scan_targets", "failed", err.Error(), "")
		return summary, err
	}
	summary.Targets = len(targets)
	p.appendEvent(runID, "scan_targets", "completed",
		fmt.Sprintf("%d eligible targets", len(targets)),
		fmt.Sprintf(`{"target_count":%d}`, len(targets)))

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.batchLimit)

	for i, target := range targets {
		i, target := i, target
		if gCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := p.generateOne(gCtx, runID, kind, target)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Failures++
				p.appendEvent(runID, "generate", "failed",
					fmt.Sprintf("[%d/%d] %s: %v", i+1, len(targets), target.title, err), "")
				// Cancellation is cooperative: stop scheduling, keep what we have.
				if gCtx.Err() != nil {
					return gCtx.Err()
				}
				return nil
			}
			summary.Suggestions++
			if res.status == storage.StatusNeedsReview {
				summary.NeedsReview++
			}
			p.appendEvent(runID, "generate", "completed",
				fmt.Sprintf("[%d/%d] %s", i+1, len(targets), target.title),
				fmt.Sprintf(`{"suggestion_id":%q,"status":%q}`, res.suggestionID, res.status))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	// In-flight items may all succeed after the context is cancelled, so a
	// nil Wait does not prove the batch ran to completion.
	if err := ctx.Err(); err != nil {
		done := summary.Suggestions + summary.Failures
		p.appendEvent(runID, "generate", "cancelled",
			fmt.Sprintf("stopped after %d of %d targets", done, summary.Targets), "")
		return summary, fmt.Errorf("generation cancelled: %w", err)
	}
	return summary, nil
}

// genTarget is the kind-agnostic handle the batch loop works with.
type genTarget struct {
	pageID string
	title  string
}

func (p *Pipeline) findTargets(kind storage.SuggestionKind, limit int) ([]genTarget, error) {
	switch kind {
	case storage.KindError:
		targets, err := p.builder.FindErrorTargets(limit)
		if err != nil {
			return nil, err
		}
		out := make([]genTarget, len(targets))
		for i, t := range targets {
			out[i] = genTarget{pageID: t.PageID, title: t.Title}
		}
		return out, nil
	case storage.KindKnowledge:
		targets, err := p.builder.FindKnowledgeTargets(limit)
		if err != nil {
			return nil, err
		}
		out := make([]genTarget, len(targets))
		for i, t := range targets {
			out[i] = genTarget{pageID: t.PageID, title: t.Title}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}
}

func (p *Pipeline) generateOne(ctx context.Context, runID string, kind storage.SuggestionKind, target genTarget) (generated, error) {
	switch kind {
	case storage.KindError:
		return p.generateError(ctx, runID, target.pageID)
	case storage.KindKnowledge:
		return p.generateKnowledge(ctx, runID, target.pageID)
	default:
		return generated{}, fmt.Errorf("unknown task kind %q", kind)
	}
}

// Regenerate re-runs generation for the source entity of one existing
// suggestion, replacing its proposal. The suggestion id is stable across
// regenerations.
func (p *Pipeline) Regenerate(ctx context.Context, kind storage.SuggestionKind, suggestionID string) (GenerationSummary, error) {
	sg, err := p.store.GetSuggestion(kind, suggestionID)
	if err != nil {
		return GenerationSummary{}, err
	}

	runID, err := p.store.CreateWorkflowRun(kind, time.Now())
	if err != nil {
		return GenerationSummary{}, err
	}
	p.log.Info("regeneration started", "run_id", runID, "kind", kind,
		"suggestion_id", suggestionID, "page_id", sg.PageID)

	summary := GenerationSummary{RunID: runID, Targets: 1}
	res, genErr := p.generateOne(ctx, runID, kind, genTarget{pageID: sg.PageID, title: sg.PageTitle})

	run := storage.WorkflowRun{ID: runID, Kind: kind, Targets: 1, FinishedAt: time.Now()}
	if genErr != nil {
		summary.Failures = 1
		run.Failures = 1
		run.Status = storage.RunFailed
		run.Summary = genErr.Error()
		p.appendEvent(runID, "generate", "failed", genErr.Error(), "")
	} else {
		summary.Suggestions = 1
		run.Suggestions = 1
		if res.status == storage.StatusNeedsReview {
			summary.NeedsReview = 1
			run.NeedsReview = 1
		}
		run.Status = storage.RunSuccess
		p.appendEvent(runID, "generate", "completed", sg.PageTitle,
			fmt.Sprintf(`{"suggestion_id":%q,"status":%q}`, res.suggestionID, res.status))
	}
	summary.Status = run.Status

	if err := p.store.FinishWorkflowRun(run); err != nil {
		return summary, fmt.Errorf("closing workflow run: %w", err)
	}
	return summary, genErr
}

func (p *Pipeline) appendEvent(runID, step, status, message, detail string) {
	err := p.store.AppendWorkflowEvent(storage.WorkflowEvent{
		RunID:      runID,
		Step:       step,
		Status:     status,
		Message:    message,
		DetailJSON: detail,
	})
	if err != nil {
		p.log.Error("appending workflow event failed", "run_id", runID, "step", step, "error", err)
	}
}

// reviewStatus routes a validated proposal: validation notes or low
// confidence send it to needs_review.
func (p *Pipeline) reviewStatus(confidence float64, notes []string) (string, []string) {
	status := storage.StatusPendingReview
	if len(notes) > 0 {
		status = storage.StatusNeedsReview
	}
	if confidence < p.confidenceThreshold {
		status = storage.StatusNeedsReview
		notes = append(notes, fmt.Sprintf("low confidence (%.2f) below threshold (%.2f)",
			confidence, p.confidenceThreshold))
	}
	return status, notes
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func joinNotes(notes []string) string {
	return strings.Join(notes, "; ")
}

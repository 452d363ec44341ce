// Package syncer implements the reconciliation engine that mirrors remote
// libraries into the local snapshot store.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docsync/internal/config"
	"github.com/kalambet/docsync/internal/remote"
	"github.com/kalambet/docsync/internal/storage"
)

// ErrScopeBusy is returned when a requested scope overlaps a sync that is
// already running. The caller retries later; runs never queue.
var ErrScopeBusy = errors.New("sync already running for an overlapping scope")

// ErrUnknownLibrary is returned when the scope names a library the config
// does not map to a remote database.
var ErrUnknownLibrary = errors.New("unknown library")

// Engine reconciles remote libraries into the snapshot store. One Engine is
// shared by the HTTP API and the CLI; the scope lock serializes overlapping
// requests.
type Engine struct {
	store   *storage.Store
	fetcher remote.Fetcher
	cfg     config.SyncConfig
	remote  config.RemoteConfig
	log     *slog.Logger

	mu     sync.Mutex
	active map[string]bool
}

// New creates an Engine.
func New(store *storage.Store, fetcher remote.Fetcher, cfg config.Config, log *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		fetcher: fetcher,
		cfg:     cfg.Sync,
		remote:  cfg.Remote,
		log:     log,
		active:  make(map[string]bool),
	}
}

// libraryOutcome accumulates the per-library counters that roll up into the
// run row. The count invariant holds by construction:
// created+updated+unchanged+missing+errors == seen.
type libraryOutcome struct {
	seen      int
	created   int
	updated   int
	unchanged int
	missing   int
	errors    int
}

// Run executes one sync over the given libraries. An empty scope means every
// configured library. Returns the closed run row.
func (e *Engine) Run(ctx context.Context, scope []string) (storage.SyncRun, error) {
	scope, err := e.resolveScope(scope)
	if err != nil {
		return storage.SyncRun{}, err
	}
	if err := e.acquire(scope); err != nil {
		return storage.SyncRun{}, err
	}
	defer e.release(scope)

	runID, err := e.store.CreateSyncRun(strings.Join(scope, ","), time.Now())
	if err != nil {
		return storage.SyncRun{}, err
	}
	e.log.Info("sync started", "run_id", runID, "scope", scope)

	var total libraryOutcome
	var failures []string
	succeeded := 0

	for _, library := range scope {
		if ctx.Err() != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", library, ctx.Err()))
			break
		}
		outcome, err := e.syncLibrary(ctx, runID, library)
		if err != nil {
			e.log.Error("library sync failed", "run_id", runID, "library", library, "error", err)
			failures = append(failures, fmt.Sprintf("%s: %v", library, err))
			continue
		}
		succeeded++
		total.seen += outcome.seen
		total.created += outcome.created
		total.updated += outcome.updated
		total.unchanged += outcome.unchanged
		total.missing += outcome.missing
		total.errors += outcome.errors
	}

	status := storage.RunSuccess
	switch {
	case succeeded == 0 && len(failures) > 0:
		status = storage.RunFailed
	case len(failures) > 0:
		status = storage.RunPartial
	}

	run := storage.SyncRun{
		ID:         runID,
		Scope:      strings.Join(scope, ","),
		Status:     status,
		Seen:       total.seen,
		Created:    total.created,
		Updated:    total.updated,
		Unchanged:  total.unchanged,
		Missing:    total.missing,
		Errors:     total.errors,
		Summary:    strings.Join(failures, "; "),
		FinishedAt: time.Now(),
	}
	if err := e.store.FinishSyncRun(run); err != nil {
		return storage.SyncRun{}, fmt.Errorf("closing sync run: %w", err)
	}
	e.log.Info("sync finished", "run_id", runID, "status", status,
		"seen", total.seen, "created", total.created, "updated", total.updated,
		"unchanged", total.unchanged, "missing", total.missing, "errors", total.errors)

	return e.store.GetSyncRun(runID)
}

// syncLibrary pulls one library and reconciles it against the snapshot.
func (e *Engine) syncLibrary(ctx context.Context, runID, library string) (libraryOutcome, error) {
	databaseID := e.cfg.Libraries[library]

	opts := remote.FetchOptions{PageSize: e.remote.PageSize}
	if e.cfg.Incremental {
		wm, err := e.store.LatestWatermark(library)
		if err != nil {
			return libraryOutcome{}, fmt.Errorf("reading watermark: %w", err)
		}
		opts.EditedAfter = wm
	}

	result, err := e.fetcher.FetchLibrary(ctx, databaseID, opts)
	if err != nil {
		return libraryOutcome{}, fmt.Errorf("fetching library: %w", err)
	}

	watermarks, err := e.store.PageWatermarks(library)
	if err != nil {
		return libraryOutcome{}, fmt.Errorf("reading page watermarks: %w", err)
	}

	classified, outcome := e.classifyPages(ctx, runID, library, result.Pages, watermarks)

	if err := e.store.UpsertPages(classified.pages, classified.relations); err != nil {
		return libraryOutcome{}, fmt.Errorf("upserting pages: %w", err)
	}
	for _, ev := range classified.events {
		if err := e.store.AppendSyncEvent(ev); err != nil {
			return libraryOutcome{}, fmt.Errorf("appending event: %w", err)
		}
	}
	if outcome.unchanged > 0 {
		// One aggregate row instead of one per unchanged entity. The count on
		// the run stays exact.
		err := e.store.AppendSyncEvent(storage.SyncEvent{
			RunID:      runID,
			Library:    library,
			Kind:       storage.EventUnchanged,
			Message:    fmt.Sprintf("%d entities unchanged", outcome.unchanged),
			DetailJSON: fmt.Sprintf(`{"count":%d}`, outcome.unchanged),
		})
		if err != nil {
			return libraryOutcome{}, fmt.Errorf("appending unchanged event: %w", err)
		}
	}

	// Only a full pull can prove absence.
	if opts.EditedAfter == "" {
		seen := make(map[string]bool, len(result.Pages))
		for _, p := range result.Pages {
			seen[p.ID] = true
		}
		missing, err := e.store.MarkMissingExcept(library, seen)
		if err != nil {
			return libraryOutcome{}, err
		}
		for _, id := range missing {
			err := e.store.AppendSyncEvent(storage.SyncEvent{
				RunID:   runID,
				Library: library,
				PageID:  id,
				Kind:    storage.EventMissing,
				Message: "absent from latest full pull",
			})
			if err != nil {
				return libraryOutcome{}, fmt.Errorf("appending missing event: %w", err)
			}
		}
		outcome.missing = len(missing)
		outcome.seen += len(missing)
	}

	snap := storage.LibrarySnapshot{
		Library:        library,
		DatabaseID:     result.Schema.ID,
		TitleProperty:  result.Schema.TitleProperty,
		SchemaJSON:     result.Schema.SchemaJSON,
		PageCount:      len(result.Pages),
		LatestEditedAt: result.Schema.LastEditedTime,
		SyncedAt:       time.Now(),
	}
	if err := e.store.UpsertLibrarySnapshot(snap); err != nil {
		return libraryOutcome{}, fmt.Errorf("recording library snapshot: %w", err)
	}

	return outcome, nil
}

type classifiedPages struct {
	pages     []storage.Page
	relations []storage.Relation
	events    []storage.SyncEvent
}

// classifyPages diffs fetched pages against stored watermarks with bounded
// parallelism. Per-entity failures become error events and never abort the
// library.
func (e *Engine) classifyPages(ctx context.Context, runID, library string, pages []remote.Page, watermarks map[string]string) (classifiedPages, libraryOutcome) {
	type result struct {
		page  *storage.Page
		rels  []storage.Relation
		event storage.SyncEvent
	}

	workers := e.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	results := make([]result, len(pages))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, rp := range pages {
		i, rp := i, rp
		g.Go(func() error {
			row, rels, err := e.convertPage(library, rp)
			if err != nil {
				results[i] = result{event: storage.SyncEvent{
					RunID:   runID,
					Library: library,
					PageID:  rp.ID,
					Kind:    storage.EventError,
					Message: err.Error(),
				}}
				return nil
			}

			kind := storage.EventCreated
			if prev, known := watermarks[rp.ID]; known {
				if prev == rp.LastEditedTime {
					kind = storage.EventUnchanged
				} else {
					kind = storage.EventUpdated
				}
			}
			ev := storage.SyncEvent{
				RunID:   runID,
				Library: library,
				PageID:  rp.ID,
				Kind:    kind,
				Message: row.Title,
			}
			if kind != storage.EventUnchanged && e.cfg.ChangedEventDetail > 0 {
				ev.DetailJSON = changeDetail(row, e.cfg.ChangedEventDetail)
			}
			results[i] = result{page: &row, rels: rels, event: ev}
			return nil
		})
	}
	g.Wait()

	var out classifiedPages
	var outcome libraryOutcome
	for _, r := range results {
		outcome.seen++
		switch r.event.Kind {
		case storage.EventCreated:
			outcome.created++
			out.events = append(out.events, r.event)
		case storage.EventUpdated:
			outcome.updated++
			out.events = append(out.events, r.event)
		case storage.EventUnchanged:
			outcome.unchanged++
		case storage.EventError:
			outcome.errors++
			out.events = append(out.events, r.event)
		}
		if r.page != nil {
			out.pages = append(out.pages, *r.page)
			out.relations = append(out.relations, r.rels...)
		}
	}
	return out, outcome
}

// convertPage maps a remote page onto the storage row and relation rows.
func (e *Engine) convertPage(library string, rp remote.Page) (storage.Page, []storage.Relation, error) {
	if strings.TrimSpace(rp.ID) == "" {
		return storage.Page{}, nil, fmt.Errorf("page without identifier")
	}

	plain := rp.PlainText
	if !e.cfg.IncludeContent {
		plain = ""
	} else if e.cfg.ContentMaxChars > 0 {
		if runes := []rune(plain); len(runes) > e.cfg.ContentMaxChars {
			plain = string(runes[:e.cfg.ContentMaxChars])
		}
	}

	row := storage.Page{
		PageID:         rp.ID,
		Library:        library,
		Title:          strings.TrimSpace(rp.Title),
		PropertyText:   rp.PropertyText,
		PlainText:      plain,
		PropertiesJSON: rp.PropertiesJSON,
		URL:            rp.URL,
		Archived:       rp.Archived,
		RemoteEditedAt: rp.LastEditedTime,
		SyncedAt:       time.Now(),
	}
	rels := make([]storage.Relation, 0, len(rp.Relations))
	for _, r := range rp.Relations {
		rels = append(rels, storage.Relation{
			FromPageID:   rp.ID,
			PropertyName: r.PropertyName,
			ToPageID:     r.TargetID,
		})
	}
	return row, rels, nil
}

func changeDetail(p storage.Page, maxChars int) string {
	text := p.PropertyText
	if runes := []rune(text); len(runes) > maxChars {
		text = string(runes[:maxChars])
	}
	detail := struct {
		Title        string `json:"title"`
		PropertyText string `json:"property_text,omitempty"`
		EditedAt     string `json:"edited_at,omitempty"`
	}{Title: p.Title, PropertyText: text, EditedAt: p.RemoteEditedAt}
	b, err := json.Marshal(detail)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// resolveScope validates the requested libraries against the config. Empty
// scope expands to every configured library in a stable order.
func (e *Engine) resolveScope(scope []string) ([]string, error) {
	if len(scope) == 0 {
		out := make([]string, 0, len(e.cfg.Libraries))
		for name := range e.cfg.Libraries {
			out = append(out, name)
		}
		sort.Strings(out)
		return out, nil
	}
	seen := make(map[string]bool, len(scope))
	out := make([]string, 0, len(scope))
	for _, name := range scope {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		if _, ok := e.cfg.Libraries[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownLibrary, name)
		}
		seen[name] = true
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty scope", ErrUnknownLibrary)
	}
	return out, nil
}

func (e *Engine) acquire(scope []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, lib := range scope {
		if e.active[lib] {
			return fmt.Errorf("%w: %s", ErrScopeBusy, lib)
		}
	}
	for _, lib := range scope {
		e.active[lib] = true
	}
	return nil
}

func (e *Engine) release(scope []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, lib := range scope {
		delete(e.active, lib)
	}
}

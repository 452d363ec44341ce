// Package staleness compares the local snapshot against remote metadata.
// Results are advisory: they annotate dashboards and review screens but never
// block a confirm.
package staleness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docsync/internal/remote"
	"github.com/kalambet/docsync/internal/storage"
)

// Result is the staleness verdict for one entity.
type Result struct {
	PageID         string `json:"page_id"`
	LocalEditedAt  string `json:"local_edited_at"`
	RemoteEditedAt string `json:"remote_edited_at"`
	Stale          bool   `json:"stale"`
	Error          string `json:"error,omitempty"`
}

// LibraryStatus is the advisory sync state of one library.
type LibraryStatus struct {
	Library          string `json:"library"`
	DatabaseID       string `json:"database_id"`
	Synced           bool   `json:"synced"`
	LocalPageCount   int    `json:"local_page_count"`
	LocalLatestEdit  string `json:"local_latest_edit"`
	LocalSyncedAt    string `json:"local_synced_at"`
	RemoteLatestEdit string `json:"remote_latest_edit"`
	Stale            bool   `json:"stale"`
	Note             string `json:"note,omitempty"`
}

// Checker performs metadata-only comparisons against the remote store.
type Checker struct {
	store   *storage.Store
	meta    remote.MetadataFetcher
	workers int
}

// New creates a Checker. workers bounds concurrent metadata fetches.
func New(store *storage.Store, meta remote.MetadataFetcher, workers int) *Checker {
	if workers <= 0 {
		workers = 4
	}
	return &Checker{store: store, meta: meta, workers: workers}
}

// Check compares the stored watermark of each entity against a fresh remote
// metadata read. Per-entity failures are reported in the result, never as an
// error for the whole batch.
func (c *Checker) Check(ctx context.Context, pageIDs []string) ([]Result, error) {
	results := make([]Result, len(pageIDs))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for i, id := range pageIDs {
		i, id := i, id
		g.Go(func() error {
			results[i] = c.checkOne(gCtx, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Checker) checkOne(ctx context.Context, pageID string) Result {
	res := Result{PageID: pageID}

	p, err := c.store.GetPage(pageID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			res.Error = "not in local snapshot"
		} else {
			res.Error = err.Error()
		}
		return res
	}
	res.LocalEditedAt = p.RemoteEditedAt

	meta, err := c.meta.FetchMetadata(ctx, pageID)
	if err != nil {
		res.Error = fmt.Sprintf("remote metadata: %v", err)
		return res
	}
	res.RemoteEditedAt = meta.LastEditedTime
	res.Stale = meta.LastEditedTime != p.RemoteEditedAt
	return res
}

// Overview reports the advisory sync state of every configured library. The
// remote side is read through database-level metadata; a remote failure
// degrades to a local-only row with a note.
func (c *Checker) Overview(ctx context.Context, libraries map[string]string) ([]LibraryStatus, error) {
	snapshots, err := c.store.ListLibrarySnapshots()
	if err != nil {
		return nil, fmt.Errorf("listing library snapshots: %w", err)
	}

	names := sortedKeys(libraries)
	statuses := make([]LibraryStatus, len(names))

	var mu sync.Mutex
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for i, name := range names {
		i, name := i, name
		databaseID := libraries[name]
		g.Go(func() error {
			st := LibraryStatus{Library: name, DatabaseID: databaseID}
			snap, synced := snapshots[name]
			if synced {
				st.Synced = true
				st.LocalPageCount = snap.PageCount
				st.LocalLatestEdit = snap.LatestEditedAt
				st.LocalSyncedAt = snap.SyncedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
			} else {
				st.Note = "never synced"
				st.Stale = true
			}

			meta, err := c.meta.FetchMetadata(gCtx, databaseID)
			if err != nil {
				if st.Note == "" {
					st.Note = fmt.Sprintf("remote metadata: %v", err)
				}
			} else {
				st.RemoteLatestEdit = meta.LastEditedTime
				if synced && meta.LastEditedTime != snap.LatestEditedAt {
					st.Stale = true
				}
			}

			mu.Lock()
			statuses[i] = st
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return statuses, nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

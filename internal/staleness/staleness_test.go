package staleness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/docsync/internal/remote"
	"github.com/kalambet/docsync/internal/storage"
)

type fakeMeta struct {
	edited  map[string]string
	failing map[string]error
}

func (f *fakeMeta) FetchMetadata(_ context.Context, id string) (remote.Metadata, error) {
	if err, ok := f.failing[id]; ok {
		return remote.Metadata{}, err
	}
	wm, ok := f.edited[id]
	if !ok {
		return remote.Metadata{}, errors.New("unknown id")
	}
	return remote.Metadata{LastEditedTime: wm}, nil
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCheck(t *testing.T) {
	s := newStore(t)
	err := s.UpsertPages([]storage.Page{
		{PageID: "p1", Library: "errors", RemoteEditedAt: "2024-01-01T00:00:00Z", SyncedAt: time.Now()},
		{PageID: "p2", Library: "errors", RemoteEditedAt: "2024-01-01T00:00:00Z", SyncedAt: time.Now()},
	}, nil)
	if err != nil {
		t.Fatalf("seeding pages: %v", err)
	}

	meta := &fakeMeta{
		edited: map[string]string{
			"p1": "2024-01-01T00:00:00Z",
			"p2": "2024-06-01T00:00:00Z",
		},
		failing: map[string]error{"p3": errors.New("boom")},
	}
	c := New(s, meta, 2)

	results, err := c.Check(context.Background(), []string{"p1", "p2", "p3", "p4"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if results[0].Stale || results[0].Error != "" {
		t.Errorf("p1 = %+v, want fresh", results[0])
	}
	if !results[1].Stale {
		t.Errorf("p2 = %+v, want stale", results[1])
	}
	if results[2].Error == "" {
		t.Errorf("p3 = %+v, want remote error recorded", results[2])
	}
	if results[3].Error != "not in local snapshot" {
		t.Errorf("p4 = %+v", results[3])
	}
}

func TestOverview(t *testing.T) {
	s := newStore(t)
	err := s.UpsertLibrarySnapshot(storage.LibrarySnapshot{
		Library:        "errors",
		DatabaseID:     "db-err",
		PageCount:      4,
		LatestEditedAt: "2024-01-01T00:00:00Z",
		SyncedAt:       time.Now(),
	})
	if err != nil {
		t.Fatalf("seeding snapshot: %v", err)
	}

	meta := &fakeMeta{edited: map[string]string{
		"db-err": "2024-05-01T00:00:00Z",
		"db-con": "2024-05-01T00:00:00Z",
	}}
	c := New(s, meta, 2)

	statuses, err := c.Overview(context.Background(), map[string]string{
		"errors":   "db-err",
		"concepts": "db-con",
	})
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses", len(statuses))
	}
	// Sorted by library name: concepts first.
	con, errs := statuses[0], statuses[1]
	if con.Library != "concepts" || con.Synced || !con.Stale || con.Note != "never synced" {
		t.Errorf("concepts = %+v", con)
	}
	if errs.Library != "errors" || !errs.Synced || !errs.Stale || errs.LocalPageCount != 4 {
		t.Errorf("errors = %+v", errs)
	}
}

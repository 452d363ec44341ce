package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestUpsertPagesRoundTrip(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	pages := []Page{
		{PageID: "p1", Library: "errors", Title: "20240101-3", RemoteEditedAt: "2024-01-01T10:00:00Z", SyncedAt: now},
		{PageID: "p2", Library: "errors", Title: "fraction compare", RemoteEditedAt: "2024-01-02T10:00:00Z", SyncedAt: now},
	}
	rels := []Relation{{FromPageID: "p1", PropertyName: "Concept", ToPageID: "c9"}}
	if err := s.UpsertPages(pages, rels); err != nil {
		t.Fatalf("UpsertPages: %v", err)
	}

	got, err := s.GetPage("p1")
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if got.Title != "20240101-3" || got.Presence != PresencePresent {
		t.Errorf("page = %+v", got)
	}

	wms, err := s.PageWatermarks("errors")
	if err != nil {
		t.Fatalf("PageWatermarks: %v", err)
	}
	if wms["p2"] != "2024-01-02T10:00:00Z" {
		t.Errorf("watermark p2 = %q", wms["p2"])
	}

	outbound, err := s.RelationsFrom("p1")
	if err != nil {
		t.Fatalf("RelationsFrom: %v", err)
	}
	if len(outbound) != 1 || outbound[0].ToPageID != "c9" {
		t.Errorf("relations = %+v", outbound)
	}
}

func TestUpsertPagesReplacesRelations(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	p := []Page{{PageID: "p1", Library: "errors", SyncedAt: now}}
	if err := s.UpsertPages(p, []Relation{{FromPageID: "p1", PropertyName: "Concept", ToPageID: "old"}}); err != nil {
		t.Fatalf("UpsertPages: %v", err)
	}
	if err := s.UpsertPages(p, []Relation{{FromPageID: "p1", PropertyName: "Concept", ToPageID: "new"}}); err != nil {
		t.Fatalf("second UpsertPages: %v", err)
	}

	rels, err := s.RelationsFrom("p1")
	if err != nil {
		t.Fatalf("RelationsFrom: %v", err)
	}
	if len(rels) != 1 || rels[0].ToPageID != "new" {
		t.Errorf("relations after re-sync = %+v", rels)
	}
}

func TestMarkMissingExcept(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	pages := []Page{
		{PageID: "a", Library: "concepts", SyncedAt: now},
		{PageID: "b", Library: "concepts", SyncedAt: now},
	}
	if err := s.UpsertPages(pages, nil); err != nil {
		t.Fatalf("UpsertPages: %v", err)
	}

	missing, err := s.MarkMissingExcept("concepts", map[string]bool{"a": true})
	if err != nil {
		t.Fatalf("MarkMissingExcept: %v", err)
	}
	if len(missing) != 1 || missing[0] != "b" {
		t.Errorf("missing = %v, want [b]", missing)
	}

	got, err := s.GetPage("b")
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	if got.Presence != PresenceMissing {
		t.Errorf("presence = %q, want missing_remote", got.Presence)
	}

	// Re-upserting the page flips it back to present.
	if err := s.UpsertPages([]Page{{PageID: "b", Library: "concepts", SyncedAt: now}}, nil); err != nil {
		t.Fatalf("UpsertPages: %v", err)
	}
	got, _ = s.GetPage("b")
	if got.Presence != PresencePresent {
		t.Errorf("presence after re-sync = %q, want present", got.Presence)
	}
}

func TestSyncRunLifecycle(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateSyncRun("errors,concepts", time.Now())
	if err != nil {
		t.Fatalf("CreateSyncRun: %v", err)
	}

	events := []SyncEvent{
		{RunID: id, Library: "errors", PageID: "p1", Kind: EventCreated},
		{RunID: id, Library: "errors", PageID: "p2", Kind: EventUpdated},
		{RunID: id, Library: "errors", Kind: EventUnchanged, Message: "3 unchanged"},
	}
	for _, e := range events {
		if err := s.AppendSyncEvent(e); err != nil {
			t.Fatalf("AppendSyncEvent: %v", err)
		}
	}

	run := SyncRun{ID: id, Status: RunSuccess, Seen: 5, Created: 1, Updated: 1, Unchanged: 3, FinishedAt: time.Now()}
	if err := s.FinishSyncRun(run); err != nil {
		t.Fatalf("FinishSyncRun: %v", err)
	}

	got, err := s.GetSyncRun(id)
	if err != nil {
		t.Fatalf("GetSyncRun: %v", err)
	}
	if got.Status != RunSuccess || got.Seen != 5 {
		t.Errorf("run = %+v", got)
	}

	// A closed run is immutable.
	if err := s.FinishSyncRun(run); !errors.Is(err, ErrNotFound) {
		t.Errorf("second FinishSyncRun = %v, want ErrNotFound", err)
	}

	evs, err := s.ListSyncEvents(id)
	if err != nil {
		t.Fatalf("ListSyncEvents: %v", err)
	}
	if len(evs) != 3 {
		t.Fatalf("got %d events, want 3", len(evs))
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Seq <= evs[i-1].Seq {
			t.Errorf("events not in append order: %v", evs)
		}
	}
}

func TestSuggestionUpsertKeepsIDPerPage(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.UpsertSuggestion(KindError, Suggestion{
		RunID: "r1", PageID: "p1", Status: StatusPendingReview, Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("UpsertSuggestion: %v", err)
	}
	id2, err := s.UpsertSuggestion(KindError, Suggestion{
		RunID: "r2", PageID: "p1", Status: StatusNeedsReview, Confidence: 0.4,
	})
	if err != nil {
		t.Fatalf("second UpsertSuggestion: %v", err)
	}
	if id1 != id2 {
		t.Errorf("regeneration created a new row: %s != %s", id1, id2)
	}

	sg, err := s.GetSuggestion(KindError, id1)
	if err != nil {
		t.Fatalf("GetSuggestion: %v", err)
	}
	if sg.Status != StatusNeedsReview || sg.RunID != "r2" {
		t.Errorf("suggestion = %+v", sg)
	}
}

func TestSuggestionKindsAreSeparate(t *testing.T) {
	s := openTestStore(t)

	id, err := s.UpsertSuggestion(KindKnowledge, Suggestion{
		RunID: "r1", PageID: "p1", Status: StatusPendingReview,
	})
	if err != nil {
		t.Fatalf("UpsertSuggestion: %v", err)
	}
	if _, err := s.GetSuggestion(KindError, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("knowledge suggestion visible in error table: %v", err)
	}
}

func TestTransitionSuggestionCAS(t *testing.T) {
	s := openTestStore(t)

	id, err := s.UpsertSuggestion(KindError, Suggestion{
		RunID: "r1", PageID: "p1", Status: StatusPendingReview,
	})
	if err != nil {
		t.Fatalf("UpsertSuggestion: %v", err)
	}

	err = s.TransitionSuggestion(KindError, id, ReviewStatuses, StatusApplied,
		TransitionOpts{SetReviewedAt: true, SetAppliedAt: true})
	if err != nil {
		t.Fatalf("TransitionSuggestion: %v", err)
	}

	// Second confirm on the same row must fail without touching it.
	err = s.TransitionSuggestion(KindError, id, ReviewStatuses, StatusApplied, TransitionOpts{})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second transition = %v, want ErrInvalidState", err)
	}

	sg, err := s.GetSuggestion(KindError, id)
	if err != nil {
		t.Fatalf("GetSuggestion: %v", err)
	}
	if sg.Status != StatusApplied {
		t.Errorf("status = %q, want applied", sg.Status)
	}
	if sg.AppliedAt.IsZero() || sg.ReviewedAt.IsZero() {
		t.Errorf("timestamps not set: %+v", sg)
	}
}

func TestTransitionSuggestionNotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.TransitionSuggestion(KindError, "nope", ReviewStatuses, StatusApplied, TransitionOpts{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("transition = %v, want ErrNotFound", err)
	}
}

func TestUpdateSuggestionContentInvalidState(t *testing.T) {
	s := openTestStore(t)

	id, err := s.UpsertSuggestion(KindError, Suggestion{
		RunID: "r1", PageID: "p1", Status: StatusPendingReview, ProposedJSON: `{"a":1}`,
	})
	if err != nil {
		t.Fatalf("UpsertSuggestion: %v", err)
	}

	if err := s.UpdateSuggestionContent(KindError, id, `{"a":2}`, "tweak"); err != nil {
		t.Fatalf("UpdateSuggestionContent: %v", err)
	}

	if err := s.TransitionSuggestion(KindError, id, ReviewStatuses, StatusRejected,
		TransitionOpts{SetReviewedAt: true}); err != nil {
		t.Fatalf("TransitionSuggestion: %v", err)
	}

	err = s.UpdateSuggestionContent(KindError, id, `{"a":3}`, "late edit")
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("edit after reject = %v, want ErrInvalidState", err)
	}

	sg, _ := s.GetSuggestion(KindError, id)
	if sg.ProposedJSON != `{"a":2}` {
		t.Errorf("rejected edit mutated the row: %q", sg.ProposedJSON)
	}
}

func TestSuggestionCounts(t *testing.T) {
	s := openTestStore(t)

	for i, st := range []string{StatusPendingReview, StatusPendingReview, StatusNeedsReview, StatusFailed} {
		_, err := s.UpsertSuggestion(KindError, Suggestion{
			RunID: "r1", PageID: string(rune('a' + i)), Status: st,
		})
		if err != nil {
			t.Fatalf("UpsertSuggestion: %v", err)
		}
	}

	counts, err := s.SuggestionCounts(KindError)
	if err != nil {
		t.Fatalf("SuggestionCounts: %v", err)
	}
	if counts[StatusPendingReview] != 2 || counts[StatusNeedsReview] != 1 || counts[StatusFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestLibrarySnapshotNeverSynced(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetLibrarySnapshot("concepts"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetLibrarySnapshot = %v, want ErrNotFound", err)
	}

	snap := LibrarySnapshot{
		Library: "concepts", DatabaseID: "db-1", PageCount: 0,
		LatestEditedAt: "", SyncedAt: time.Now(),
	}
	if err := s.UpsertLibrarySnapshot(snap); err != nil {
		t.Fatalf("UpsertLibrarySnapshot: %v", err)
	}

	got, err := s.GetLibrarySnapshot("concepts")
	if err != nil {
		t.Fatalf("GetLibrarySnapshot after upsert: %v", err)
	}
	if got.PageCount != 0 || got.DatabaseID != "db-1" {
		t.Errorf("snapshot = %+v", got)
	}
}

func TestWorkflowRunLifecycle(t *testing.T) {
	s := openTestStore(t)

	id, err := s.CreateWorkflowRun(KindKnowledge, time.Now())
	if err != nil {
		t.Fatalf("CreateWorkflowRun: %v", err)
	}
	if err := s.AppendWorkflowEvent(WorkflowEvent{RunID: id, Step: "scan_targets", Status: "completed"}); err != nil {
		t.Fatalf("AppendWorkflowEvent: %v", err)
	}
	if err := s.FinishWorkflowRun(WorkflowRun{ID: id, Status: "completed", Targets: 2, Suggestions: 2, FinishedAt: time.Now()}); err != nil {
		t.Fatalf("FinishWorkflowRun: %v", err)
	}

	got, err := s.GetWorkflowRun(id)
	if err != nil {
		t.Fatalf("GetWorkflowRun: %v", err)
	}
	if got.Kind != KindKnowledge || got.Targets != 2 {
		t.Errorf("run = %+v", got)
	}

	runs, err := s.ListWorkflowRuns(KindKnowledge, 10)
	if err != nil {
		t.Fatalf("ListWorkflowRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("got %d runs, want 1", len(runs))
	}
}

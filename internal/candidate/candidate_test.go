package candidate

import (
	"errors"
	"testing"
	"time"

	"github.com/kalambet/docsync/internal/storage"
)

var testLibraries = map[string]string{
	"resources": "db-res",
	"concepts":  "db-con",
	"skills":    "db-ski",
	"mindsets":  "db-min",
	"errors":    "db-err",
	"actions":   "db-act",
}

const errorsSchema = `{"properties":{
	"Name":    {"type":"title"},
	"Resource":{"type":"relation","database_id":"db-res"},
	"Concept": {"type":"relation","database_id":"db-con"},
	"Skill":   {"type":"relation","database_id":"db-ski"},
	"Mindset": {"type":"relation","database_id":"db-min"},
	"Similar": {"type":"relation","database_id":"db-err"}
}}`

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func markSynced(t *testing.T, s *storage.Store, libraries ...string) {
	t.Helper()
	for _, lib := range libraries {
		snap := storage.LibrarySnapshot{
			Library:    lib,
			DatabaseID: testLibraries[lib],
			SyncedAt:   time.Now(),
		}
		if lib == "errors" {
			snap.SchemaJSON = errorsSchema
		}
		if err := s.UpsertLibrarySnapshot(snap); err != nil {
			t.Fatalf("snapshot %s: %v", lib, err)
		}
	}
}

func addPage(t *testing.T, s *storage.Store, p storage.Page, rels ...storage.Relation) {
	t.Helper()
	if p.SyncedAt.IsZero() {
		p.SyncedAt = time.Now()
	}
	if err := s.UpsertPages([]storage.Page{p}, rels); err != nil {
		t.Fatalf("upserting page %s: %v", p.PageID, err)
	}
}

func TestFindErrorTargetsNeverSynced(t *testing.T) {
	s := newTestStore(t)
	b := NewBuilder(s, testLibraries, nil, 0)
	if _, err := b.FindErrorTargets(0); !errors.Is(err, ErrContextIncomplete) {
		t.Fatalf("err = %v, want ErrContextIncomplete", err)
	}
}

func TestFindErrorTargetsEligibility(t *testing.T) {
	s := newTestStore(t)
	markSynced(t, s, "errors", "resources", "concepts", "skills", "mindsets")

	// Placeholder title, no relations: eligible.
	addPage(t, s, storage.Page{PageID: "e1", Library: "errors", Title: "20240115-3"})
	// Real title: not eligible even with missing relations.
	addPage(t, s, storage.Page{PageID: "e2", Library: "errors", Title: "Carrying in addition"})
	// Placeholder title but fully linked: not eligible.
	addPage(t, s, storage.Page{PageID: "e3", Library: "errors", Title: "42"},
		storage.Relation{FromPageID: "e3", PropertyName: "Resource", ToPageID: "r1"},
		storage.Relation{FromPageID: "e3", PropertyName: "Concept", ToPageID: "c1"},
		storage.Relation{FromPageID: "e3", PropertyName: "Skill", ToPageID: "s1"},
		storage.Relation{FromPageID: "e3", PropertyName: "Mindset", ToPageID: "m1"})
	// Placeholder title, partially linked: eligible, missing lists the gaps.
	addPage(t, s, storage.Page{PageID: "e4", Library: "errors", Title: "2024-01-16"},
		storage.Relation{FromPageID: "e4", PropertyName: "Concept", ToPageID: "c1"})

	b := NewBuilder(s, testLibraries, nil, 0)
	targets, err := b.FindErrorTargets(0)
	if err != nil {
		t.Fatalf("FindErrorTargets: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("got %d targets, want 2: %+v", len(targets), targets)
	}
	byID := map[string]ErrorTarget{}
	for _, tg := range targets {
		byID[tg.PageID] = tg
	}
	if _, ok := byID["e1"]; !ok {
		t.Error("e1 should be a target")
	}
	e4 := byID["e4"]
	if len(e4.MissingRelations) != 3 {
		t.Errorf("e4 missing = %v, want 3 libraries", e4.MissingRelations)
	}
	if got := e4.ExistingRelations["concepts"]; len(got) != 1 || got[0] != "c1" {
		t.Errorf("e4 existing concepts = %v", got)
	}
}

func TestBuildErrorContext(t *testing.T) {
	s := newTestStore(t)
	markSynced(t, s, "errors", "resources", "concepts", "skills", "mindsets")
	addPage(t, s, storage.Page{PageID: "r1", Library: "resources", Title: "L01 Fractions"})
	addPage(t, s, storage.Page{PageID: "c1", Library: "concepts", Title: "Common denominator"})
	addPage(t, s, storage.Page{PageID: "e1", Library: "errors", Title: "123", PropertyText: "Topic: fraction addition"})
	addPage(t, s, storage.Page{PageID: "e2", Library: "errors", Title: "fraction addition slip"})
	addPage(t, s, storage.Page{PageID: "e3", Library: "errors", Title: "geometry angle mixup"})

	b := NewBuilder(s, testLibraries, nil, 0)
	target, err := b.ErrorTargetFor("e1")
	if err != nil {
		t.Fatalf("ErrorTargetFor: %v", err)
	}
	ctx, err := b.BuildErrorContext(target)
	if err != nil {
		t.Fatalf("BuildErrorContext: %v", err)
	}

	if len(ctx.Candidates["resources"]) != 1 || ctx.Candidates["resources"][0].ID != "r1" {
		t.Errorf("resource candidates = %+v", ctx.Candidates["resources"])
	}
	if ctx.RelationProperties["concepts"] != "Concept" {
		t.Errorf("relation properties = %v", ctx.RelationProperties)
	}
	// The target itself never appears; the overlapping title ranks first.
	if len(ctx.SimilarErrors) != 2 {
		t.Fatalf("similar = %+v", ctx.SimilarErrors)
	}
	if ctx.SimilarErrors[0].ID != "e2" {
		t.Errorf("similar[0] = %+v, want e2 first", ctx.SimilarErrors[0])
	}
}

func TestFindKnowledgeTargets(t *testing.T) {
	s := newTestStore(t)
	markSynced(t, s, "resources", "concepts", "skills", "mindsets")

	// Empty body, no suggestion: eligible.
	addPage(t, s, storage.Page{PageID: "k1", Library: "concepts", Title: "Place value"})
	// Body already written: not eligible.
	addPage(t, s, storage.Page{PageID: "k2", Library: "concepts", Title: "Rounding", PlainText: "done"})
	// Empty body but a suggestion is already awaiting review: not eligible.
	addPage(t, s, storage.Page{PageID: "k3", Library: "skills", Title: "Estimating"})
	if _, err := s.UpsertSuggestion(storage.KindKnowledge, storage.Suggestion{
		PageID: "k3", Status: storage.StatusPendingReview,
	}); err != nil {
		t.Fatalf("seeding suggestion: %v", err)
	}
	// A rejected suggestion does not block regeneration.
	addPage(t, s, storage.Page{PageID: "k4", Library: "skills", Title: "Simplifying"})
	if _, err := s.UpsertSuggestion(storage.KindKnowledge, storage.Suggestion{
		PageID: "k4", Status: storage.StatusRejected,
	}); err != nil {
		t.Fatalf("seeding suggestion: %v", err)
	}

	b := NewBuilder(s, testLibraries, nil, 0)
	targets, err := b.FindKnowledgeTargets(0)
	if err != nil {
		t.Fatalf("FindKnowledgeTargets: %v", err)
	}
	got := map[string]bool{}
	for _, tg := range targets {
		got[tg.PageID] = true
	}
	if !got["k1"] || !got["k4"] || got["k2"] || got["k3"] {
		t.Errorf("targets = %v", got)
	}
}

func TestIsPlaceholderTitle(t *testing.T) {
	for title, want := range map[string]bool{
		"":             true,
		"123":          true,
		"2024-01-15":   true,
		"2024/1/5 2":   true,
		"20240115_7":   true,
		"1234-5678-9":  true,
		"Angle basics": false,
		"L01 review":   false,
	} {
		if got := IsPlaceholderTitle(title); got != want {
			t.Errorf("IsPlaceholderTitle(%q) = %v, want %v", title, got, want)
		}
	}
}

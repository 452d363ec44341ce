// Package candidate assembles the read-only context a reasoning request is
// built from. Everything here reads the local snapshot; nothing talks to the
// remote store or mutates state, so generation is reproducible against a
// fixed snapshot.
package candidate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/docsync/internal/extract"
	"github.com/kalambet/docsync/internal/mapping"
	"github.com/kalambet/docsync/internal/storage"
)

// ErrContextIncomplete is returned when a library the context depends on has
// never completed a sync. An empty library is fine; an absent snapshot row is
// not.
var ErrContextIncomplete = errors.New("context incomplete: library never synced")

// RelatedLibraries are the knowledge libraries an error record links into.
var RelatedLibraries = []string{"resources", "concepts", "skills", "mindsets"}

// similarCandidateCap bounds how many prior error entries are offered to the
// reasoner after similarity ranking.
const similarCandidateCap = 40

// Ref is a candidate entity offered to the reasoner: its id (the only thing a
// proposal may reference) and title.
type Ref struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ErrorTarget is one error record eligible for relation suggestions.
type ErrorTarget struct {
	PageID            string              `json:"page_id"`
	Title             string              `json:"title"`
	URL               string              `json:"url"`
	PropertyText      string              `json:"property_text"`
	PlainText         string              `json:"plain_text"`
	ExistingRelations map[string][]string `json:"existing_relations"`
	MissingRelations  []string            `json:"missing_relations"`
}

// ErrorContext is the full reasoning context for one error target.
type ErrorContext struct {
	Target             ErrorTarget       `json:"target"`
	Candidates         map[string][]Ref  `json:"candidates"`
	SimilarErrors      []Ref             `json:"similar_errors"`
	RelationProperties map[string]string `json:"relation_properties"`
}

// KnowledgeTarget is one knowledge page whose body content is still empty.
type KnowledgeTarget struct {
	Library      string `json:"library"`
	PageID       string `json:"page_id"`
	Title        string `json:"title"`
	PropertyText string `json:"property_text"`
	LessonCode   string `json:"lesson_code"`
	DocPath      string `json:"doc_path"`
}

// KnowledgeContext is the reasoning context for one knowledge target.
type KnowledgeContext struct {
	Target     KnowledgeTarget  `json:"target"`
	DocText    string           `json:"doc_text"`
	Related    map[string][]Ref `json:"related"`
	SourceRefs []string         `json:"source_refs"`
}

// Builder reads the snapshot store and produces reasoning contexts.
type Builder struct {
	store       *storage.Store
	libraries   map[string]string // logical name -> remote database id
	mapping     *mapping.Table    // nil when no mapping CSV is configured
	docMaxChars int
}

// NewBuilder creates a Builder. table may be nil; knowledge contexts then
// carry no mapping-derived fields.
func NewBuilder(store *storage.Store, libraries map[string]string, table *mapping.Table, docMaxChars int) *Builder {
	return &Builder{
		store:       store,
		libraries:   libraries,
		mapping:     table,
		docMaxChars: docMaxChars,
	}
}

// requireSynced verifies each library has completed at least one sync.
func (b *Builder) requireSynced(libraries ...string) error {
	for _, lib := range libraries {
		if _, err := b.store.GetLibrarySnapshot(lib); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrContextIncomplete, lib)
			}
			return err
		}
	}
	return nil
}

// relationProperties resolves which property on the errors schema points into
// each related library, by matching the relation's target database id against
// the configured library ids.
func (b *Builder) relationProperties() (map[string]string, error) {
	snap, err := b.store.GetLibrarySnapshot("errors")
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: errors", ErrContextIncomplete)
		}
		return nil, err
	}

	var schema struct {
		Properties map[string]struct {
			Type       string `json:"type"`
			DatabaseID string `json:"database_id"`
		} `json:"properties"`
	}
	if err := json.Unmarshal([]byte(snap.SchemaJSON), &schema); err != nil {
		return nil, fmt.Errorf("parsing errors schema: %w", err)
	}

	idToLogical := make(map[string]string, len(b.libraries))
	for logical, id := range b.libraries {
		idToLogical[id] = logical
	}

	props := make(map[string]string)
	for name, prop := range schema.Properties {
		if prop.Type != "relation" {
			continue
		}
		logical, ok := idToLogical[prop.DatabaseID]
		if !ok {
			continue
		}
		if _, taken := props[logical]; !taken {
			props[logical] = name
		}
	}
	return props, nil
}

// BuildErrorContext assembles the context for one error target: the target
// snapshot, the candidate sets of every related library, and prior error
// entries ranked by textual similarity to the target.
func (b *Builder) BuildErrorContext(target ErrorTarget) (ErrorContext, error) {
	required := append([]string{"errors"}, RelatedLibraries...)
	if err := b.requireSynced(required...); err != nil {
		return ErrorContext{}, err
	}
	props, err := b.relationProperties()
	if err != nil {
		return ErrorContext{}, err
	}

	candidates := make(map[string][]Ref, len(RelatedLibraries))
	for _, lib := range RelatedLibraries {
		refs, err := b.libraryRefs(lib)
		if err != nil {
			return ErrorContext{}, err
		}
		candidates[lib] = refs
	}

	priors, err := b.libraryRefs("errors")
	if err != nil {
		return ErrorContext{}, err
	}
	similar := rankBySimilarity(target, priors)

	return ErrorContext{
		Target:             target,
		Candidates:         candidates,
		SimilarErrors:      similar,
		RelationProperties: props,
	}, nil
}

// BuildKnowledgeContext assembles the context for one knowledge target: the
// mapping row's related knowledge entries resolved against the snapshot, and
// the extracted source document text.
func (b *Builder) BuildKnowledgeContext(target KnowledgeTarget) (KnowledgeContext, error) {
	if err := b.requireSynced(target.Library); err != nil {
		return KnowledgeContext{}, err
	}

	ctx := KnowledgeContext{
		Target:  target,
		Related: map[string][]Ref{"concepts": nil, "skills": nil, "mindsets": nil},
	}

	var row *mapping.Row
	if b.mapping != nil {
		row = b.mapping.Find(target.Title, target.LessonCode)
	}
	if row != nil {
		if ctx.Target.LessonCode == "" {
			ctx.Target.LessonCode = row.LessonCode
		}
		if ctx.Target.DocPath == "" {
			ctx.Target.DocPath = b.mapping.ResolveDocPath(row)
		}
		for lib, names := range map[string][]string{
			"concepts": row.Concepts,
			"skills":   row.Skills,
			"mindsets": row.Mindsets,
		} {
			refs, err := b.resolveTitles(lib, names)
			if err != nil {
				return KnowledgeContext{}, err
			}
			ctx.Related[lib] = refs
		}
	}

	if ctx.Target.DocPath != "" {
		text, err := extract.Text(ctx.Target.DocPath, b.docMaxChars)
		if err != nil {
			return KnowledgeContext{}, fmt.Errorf("extracting source document: %w", err)
		}
		ctx.DocText = text
	}

	if ctx.Target.DocPath != "" {
		ctx.SourceRefs = append(ctx.SourceRefs, ctx.Target.DocPath)
	}
	if ctx.Target.LessonCode != "" {
		ctx.SourceRefs = append(ctx.SourceRefs, ctx.Target.LessonCode)
	}
	ctx.SourceRefs = append(ctx.SourceRefs, ctx.Target.Title)
	for _, lib := range []string{"concepts", "skills", "mindsets"} {
		for _, ref := range ctx.Related[lib] {
			ctx.SourceRefs = append(ctx.SourceRefs, ref.Title)
		}
	}
	return ctx, nil
}

// libraryRefs returns the id/title candidate set of one library, skipping
// untitled pages.
func (b *Builder) libraryRefs(library string) ([]Ref, error) {
	pages, err := b.store.ListPages(library)
	if err != nil {
		return nil, fmt.Errorf("listing %s candidates: %w", library, err)
	}
	refs := make([]Ref, 0, len(pages))
	for _, p := range pages {
		title := strings.TrimSpace(p.Title)
		if title == "" {
			continue
		}
		refs = append(refs, Ref{ID: p.PageID, Title: title})
	}
	return refs, nil
}

// resolveTitles matches mapping-declared titles against the library's pages.
// Unmatched titles are kept with an empty id so the reviewer still sees them.
func (b *Builder) resolveTitles(library string, titles []string) ([]Ref, error) {
	if len(titles) == 0 {
		return nil, nil
	}
	pages, err := b.store.ListPages(library)
	if err != nil {
		return nil, fmt.Errorf("listing %s pages: %w", library, err)
	}
	byTitle := make(map[string]string, len(pages))
	for _, p := range pages {
		byTitle[normalizeText(p.Title)] = p.PageID
	}
	refs := make([]Ref, 0, len(titles))
	for _, title := range titles {
		refs = append(refs, Ref{ID: byTitle[normalizeText(title)], Title: title})
	}
	return refs, nil
}

// rankBySimilarity orders prior error entries by token overlap with the
// target's title and property text, dropping the target itself and entries
// with no overlap beyond the cap.
func rankBySimilarity(target ErrorTarget, priors []Ref) []Ref {
	targetTokens := tokenSet(target.Title + " " + target.PropertyText)

	type scored struct {
		ref   Ref
		score int
	}
	ranked := make([]scored, 0, len(priors))
	for _, ref := range priors {
		if ref.ID == target.PageID {
			continue
		}
		score := overlap(targetTokens, tokenSet(ref.Title))
		ranked = append(ranked, scored{ref: ref, score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	n := len(ranked)
	if n > similarCandidateCap {
		n = similarCandidateCap
	}
	out := make([]Ref, 0, n)
	for _, s := range ranked[:n] {
		out = append(out, s.ref)
	}
	return out
}

func tokenSet(text string) map[string]bool {
	out := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r < 0x80
	}) {
		if len(tok) > 1 {
			out[tok] = true
		}
	}
	return out
}

func overlap(a, b map[string]bool) int {
	n := 0
	for tok := range b {
		if a[tok] {
			n++
		}
	}
	return n
}

func normalizeText(value string) string {
	return strings.ToLower(strings.Join(strings.Fields(value), ""))
}

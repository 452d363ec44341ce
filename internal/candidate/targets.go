package candidate

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kalambet/docsync/internal/mapping"
	"github.com/kalambet/docsync/internal/storage"
)

// placeholderTitlePatterns match auto-generated titles an error record gets
// before it has been named: bare numbers, dates, and date-counter composites.
var placeholderTitlePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\d+$`),
	regexp.MustCompile(`^\d{4}[-/]\d{1,2}[-/]\d{1,2}(?:[-_ ]\d+)?$`),
	regexp.MustCompile(`^\d{8}(?:[-_ ]\d+)?$`),
	regexp.MustCompile(`^\d{4}-\d{4}-\d+$`),
}

// IsPlaceholderTitle reports whether a title still looks auto-generated.
func IsPlaceholderTitle(title string) bool {
	name := strings.TrimSpace(title)
	if name == "" {
		return true
	}
	for _, p := range placeholderTitlePatterns {
		if p.MatchString(name) {
			return true
		}
	}
	return false
}

// FindErrorTargets returns error records eligible for relation suggestions:
// placeholder-titled entries that are missing at least one related-library
// relation. limit <= 0 means no limit.
func (b *Builder) FindErrorTargets(limit int) ([]ErrorTarget, error) {
	if err := b.requireSynced("errors"); err != nil {
		return nil, err
	}
	props, err := b.relationProperties()
	if err != nil {
		return nil, err
	}

	pages, err := b.store.ListPages("errors")
	if err != nil {
		return nil, fmt.Errorf("listing error pages: %w", err)
	}

	var targets []ErrorTarget
	for _, p := range pages {
		if !IsPlaceholderTitle(p.Title) {
			continue
		}
		target, eligible, err := b.errorTargetFor(p, props)
		if err != nil {
			return nil, err
		}
		if !eligible {
			continue
		}
		targets = append(targets, target)
		if limit > 0 && len(targets) >= limit {
			break
		}
	}
	return targets, nil
}

// ErrorTargetFor builds the target view of one specific error page,
// regardless of title eligibility. Used by single-target regeneration.
func (b *Builder) ErrorTargetFor(pageID string) (ErrorTarget, error) {
	if err := b.requireSynced("errors"); err != nil {
		return ErrorTarget{}, err
	}
	props, err := b.relationProperties()
	if err != nil {
		return ErrorTarget{}, err
	}
	p, err := b.store.GetPage(pageID)
	if err != nil {
		return ErrorTarget{}, fmt.Errorf("loading error page %s: %w", pageID, err)
	}
	if p.Archived || p.Presence != storage.PresencePresent {
		return ErrorTarget{}, fmt.Errorf("error page %s is not active", pageID)
	}
	target, _, err := b.errorTargetFor(p, props)
	return target, err
}

func (b *Builder) errorTargetFor(p storage.Page, props map[string]string) (ErrorTarget, bool, error) {
	rels, err := b.store.RelationsFrom(p.PageID)
	if err != nil {
		return ErrorTarget{}, false, fmt.Errorf("loading relations of %s: %w", p.PageID, err)
	}
	byProp := make(map[string][]string)
	for _, r := range rels {
		byProp[r.PropertyName] = append(byProp[r.PropertyName], r.ToPageID)
	}

	existing := make(map[string][]string, len(RelatedLibraries))
	var missing []string
	for _, lib := range RelatedLibraries {
		prop, ok := props[lib]
		if !ok {
			continue
		}
		ids := byProp[prop]
		sort.Strings(ids)
		existing[lib] = ids
		if len(ids) == 0 {
			missing = append(missing, lib)
		}
	}

	target := ErrorTarget{
		PageID:            p.PageID,
		Title:             strings.TrimSpace(p.Title),
		URL:               p.URL,
		PropertyText:      p.PropertyText,
		PlainText:         p.PlainText,
		ExistingRelations: existing,
		MissingRelations:  missing,
	}
	return target, len(missing) > 0, nil
}

// FindKnowledgeTargets returns knowledge pages whose body content is still
// empty and that have no suggestion currently awaiting review or applied.
// limit <= 0 means no limit.
func (b *Builder) FindKnowledgeTargets(limit int) ([]KnowledgeTarget, error) {
	if err := b.requireSynced(RelatedLibraries...); err != nil {
		return nil, err
	}

	var targets []KnowledgeTarget
	for _, lib := range RelatedLibraries {
		pages, err := b.store.ListPages(lib)
		if err != nil {
			return nil, fmt.Errorf("listing %s pages: %w", lib, err)
		}
		for _, p := range pages {
			title := strings.TrimSpace(p.Title)
			if title == "" || strings.TrimSpace(p.PlainText) != "" {
				continue
			}
			live, err := b.hasLiveKnowledgeSuggestion(p.PageID)
			if err != nil {
				return nil, err
			}
			if live {
				continue
			}
			targets = append(targets, b.knowledgeTargetFor(p))
			if limit > 0 && len(targets) >= limit {
				return targets, nil
			}
		}
	}
	return targets, nil
}

// KnowledgeTargetFor builds the target view of one specific knowledge page.
func (b *Builder) KnowledgeTargetFor(pageID string) (KnowledgeTarget, error) {
	p, err := b.store.GetPage(pageID)
	if err != nil {
		return KnowledgeTarget{}, fmt.Errorf("loading knowledge page %s: %w", pageID, err)
	}
	if p.Archived || p.Presence != storage.PresencePresent {
		return KnowledgeTarget{}, fmt.Errorf("knowledge page %s is not active", pageID)
	}
	if err := b.requireSynced(p.Library); err != nil {
		return KnowledgeTarget{}, err
	}
	return b.knowledgeTargetFor(p), nil
}

func (b *Builder) knowledgeTargetFor(p storage.Page) KnowledgeTarget {
	title := strings.TrimSpace(p.Title)
	target := KnowledgeTarget{
		Library:      p.Library,
		PageID:       p.PageID,
		Title:        title,
		PropertyText: strings.TrimSpace(p.PropertyText),
		LessonCode:   mapping.ExtractLessonCode(title),
	}
	if p.Library == "resources" && b.mapping != nil {
		if row := b.mapping.Find(title, target.LessonCode); row != nil {
			target.DocPath = b.mapping.ResolveDocPath(row)
			if target.LessonCode == "" {
				target.LessonCode = row.LessonCode
			}
		}
	}
	return target
}

func (b *Builder) hasLiveKnowledgeSuggestion(pageID string) (bool, error) {
	sg, err := b.store.GetSuggestionByPage(storage.KindKnowledge, pageID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch sg.Status {
	case storage.StatusPendingReview, storage.StatusNeedsReview, storage.StatusApplied:
		return true, nil
	}
	return false, nil
}

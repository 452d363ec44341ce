package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/docsync/internal/candidate"
	"github.com/kalambet/docsync/internal/reason"
	"github.com/kalambet/docsync/internal/storage"
)

const (
	maxSimilarErrors   = 3
	maxProposedTitle   = 80
	errorInstructions  = "Link the error record to exactly one resource, concept, skill and mindset from the candidates, pick up to 3 similar errors, and propose a short title containing only the question type and stem. Output fields: new_title, resource_id, concept_id, skill_id, mindset_id, similar_error_ids, confidence, reasoning_summary."
	noteInstructions   = "Compose the page body as markdown grounded strictly in the provided source document and related entries. Output fields: content_markdown, source_refs, confidence, reasoning_summary."
	taskLinkError      = "link_error_record"
	taskComposeContent = "compose_knowledge_note"
)

// generateError builds the context for one error target, asks the reasoner,
// validates the proposal and upserts the suggestion.
func (p *Pipeline) generateError(ctx context.Context, runID, pageID string) (generated, error) {
	target, err := p.builder.ErrorTargetFor(pageID)
	if err != nil {
		return generated{}, err
	}
	ec, err := p.builder.BuildErrorContext(target)
	if err != nil {
		return generated{}, err
	}

	res, err := p.reasoner.Generate(ctx, reason.Request{
		Task:         taskLinkError,
		Instructions: errorInstructions,
		Context:      json.RawMessage(marshalJSON(ec)),
	})
	if err != nil {
		return generated{}, fmt.Errorf("reasoning: %w", err)
	}

	var proposal reason.ErrorProposal
	if err := json.Unmarshal(res.Content, &proposal); err != nil {
		return generated{}, fmt.Errorf("decoding proposal: %w", err)
	}
	proposal, notes := validateErrorProposal(proposal, ec)
	status, notes := p.reviewStatus(res.Confidence, notes)

	id, err := p.store.UpsertSuggestion(storage.KindError, storage.Suggestion{
		RunID:           runID,
		PageID:          target.PageID,
		PageTitle:       target.Title,
		Status:          status,
		Confidence:      res.Confidence,
		ProposedJSON:    marshalJSON(proposal),
		Rationale:       res.Rationale,
		ValidationNotes: joinNotes(notes),
		ContextJSON:     marshalJSON(ec),
		RawResponse:     res.Raw,
	})
	if err != nil {
		return generated{}, err
	}
	return generated{suggestionID: id, status: status}, nil
}

// validateErrorProposal checks every proposed identifier against the
// candidate sets and normalizes the title. Invalid references are dropped
// with a note rather than failing the item.
func validateErrorProposal(proposal reason.ErrorProposal, ec candidate.ErrorContext) (reason.ErrorProposal, []string) {
	var notes []string

	sets := make(map[string]map[string]bool, len(ec.Candidates))
	for lib, refs := range ec.Candidates {
		set := make(map[string]bool, len(refs))
		for _, r := range refs {
			set[r.ID] = true
		}
		sets[lib] = set
	}

	keep := func(value, library string) string {
		id := strings.TrimSpace(value)
		if id == "" {
			notes = append(notes, "missing "+library)
			return ""
		}
		if !sets[library][id] {
			notes = append(notes, fmt.Sprintf("invalid %s: %s", library, id))
			return ""
		}
		return id
	}
	proposal.ResourceID = keep(proposal.ResourceID, "resources")
	proposal.ConceptID = keep(proposal.ConceptID, "concepts")
	proposal.SkillID = keep(proposal.SkillID, "skills")
	proposal.MindsetID = keep(proposal.MindsetID, "mindsets")

	similarSet := make(map[string]bool, len(ec.SimilarErrors))
	for _, r := range ec.SimilarErrors {
		similarSet[r.ID] = true
	}
	var similar []string
	seen := make(map[string]bool)
	for _, sid := range proposal.SimilarErrorIDs {
		sid = strings.TrimSpace(sid)
		if sid == "" || sid == ec.Target.PageID || seen[sid] || !similarSet[sid] {
			continue
		}
		seen[sid] = true
		similar = append(similar, sid)
		if len(similar) >= maxSimilarErrors {
			break
		}
	}
	proposal.SimilarErrorIDs = similar

	proposal.NewTitle = normalizeTitle(proposal.NewTitle)
	if proposal.NewTitle == "" {
		proposal.NewTitle = ec.Target.Title
	}
	return proposal, notes
}

// normalizeTitle reduces a proposed title to its first line, collapses
// whitespace, trims leading/trailing separators and caps the length.
func normalizeTitle(value string) string {
	text := strings.ReplaceAll(value, "\r", "\n")
	if i := strings.Index(text, "\n"); i >= 0 {
		text = text[:i]
	}
	text = strings.Join(strings.Fields(text), " ")
	text = strings.Trim(text, " -:,.;|()[]")
	if runes := []rune(text); len(runes) > maxProposedTitle {
		text = string(runes[:maxProposedTitle])
	}
	return text
}

// generateKnowledge builds the context for one knowledge target, asks the
// reasoner for the note body and upserts the suggestion.
func (p *Pipeline) generateKnowledge(ctx context.Context, runID, pageID string) (generated, error) {
	target, err := p.builder.KnowledgeTargetFor(pageID)
	if err != nil {
		return generated{}, err
	}
	kc, err := p.builder.BuildKnowledgeContext(target)
	if err != nil {
		return generated{}, err
	}

	res, err := p.reasoner.Generate(ctx, reason.Request{
		Task:         taskComposeContent,
		Instructions: noteInstructions,
		Context:      json.RawMessage(marshalJSON(kc)),
	})
	if err != nil {
		return generated{}, fmt.Errorf("reasoning: %w", err)
	}

	var proposal reason.KnowledgeProposal
	if err := json.Unmarshal(res.Content, &proposal); err != nil {
		return generated{}, fmt.Errorf("decoding proposal: %w", err)
	}

	var notes []string
	proposal.ContentMarkdown = strings.TrimSpace(proposal.ContentMarkdown)
	if proposal.ContentMarkdown == "" {
		notes = append(notes, "empty content")
	}
	if len(proposal.SourceRefs) == 0 {
		proposal.SourceRefs = kc.SourceRefs
	}
	status, notes := p.reviewStatus(res.Confidence, notes)

	id, err := p.store.UpsertSuggestion(storage.KindKnowledge, storage.Suggestion{
		RunID:           runID,
		PageID:          target.PageID,
		PageTitle:       target.Title,
		Status:          status,
		Confidence:      res.Confidence,
		ProposedJSON:    marshalJSON(proposal),
		Rationale:       res.Rationale,
		ValidationNotes: joinNotes(notes),
		ContextJSON:     marshalJSON(kc),
		RawResponse:     res.Raw,
	})
	if err != nil {
		return generated{}, err
	}
	return generated{suggestionID: id, status: status}, nil
}

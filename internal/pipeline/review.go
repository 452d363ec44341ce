package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/docsync/internal/reason"
	"github.com/kalambet/docsync/internal/storage"
)

// maxRelationIDs caps how many relation targets a single property update may
// carry after merging with the existing relations.
const maxRelationIDs = 50

// Confirm applies one suggestion to the remote store. The transition to
// applied is an atomic status check-and-set performed BEFORE the remote call,
// so at most one remote write ever happens per suggestion: a concurrent
// confirm on the same row loses the check-and-set and gets ErrInvalidState.
// A failed remote write moves the suggestion to failed with the reason, and
// a later Retry can resubmit it.
func (p *Pipeline) Confirm(ctx context.Context, kind storage.SuggestionKind, suggestionID, reviewerNote string) (storage.Suggestion, error) {
	sg, err := p.store.GetSuggestion(kind, suggestionID)
	if err != nil {
		return storage.Suggestion{}, err
	}

	// Validate before claiming so an unapplicable proposal is refused
	// without consuming the suggestion's one write.
	if _, err := p.buildWrite(kind, sg); err != nil {
		return storage.Suggestion{}, err
	}

	err = p.store.TransitionSuggestion(kind, suggestionID, storage.ReviewStatuses, storage.StatusApplied,
		storage.TransitionOpts{ReviewerNote: reviewerNote, SetReviewedAt: true, SetAppliedAt: true})
	if err != nil {
		return storage.Suggestion{}, err
	}

	// Re-read after winning the claim: an edit may have landed since the
	// first read, and the write must carry what the row records.
	sg, err = p.store.GetSuggestion(kind, suggestionID)
	if err != nil {
		return storage.Suggestion{}, err
	}
	write, err := p.buildWrite(kind, sg)
	if err != nil {
		return p.failApplied(kind, suggestionID, err)
	}

	if err := write(ctx); err != nil {
		p.log.Error("remote write failed", "kind", kind, "suggestion_id", suggestionID, "error", err)
		return p.failApplied(kind, suggestionID, err)
	}

	p.log.Info("suggestion applied", "kind", kind, "suggestion_id", suggestionID, "page_id", sg.PageID)
	return p.store.GetSuggestion(kind, suggestionID)
}

// failApplied moves a claimed suggestion to failed with the cause recorded.
func (p *Pipeline) failApplied(kind storage.SuggestionKind, suggestionID string, cause error) (storage.Suggestion, error) {
	ferr := p.store.TransitionSuggestion(kind, suggestionID, []string{storage.StatusApplied},
		storage.StatusFailed, storage.TransitionOpts{FailureReason: cause.Error()})
	if ferr != nil {
		return storage.Suggestion{}, fmt.Errorf("applying failed (%v) and marking failed also failed: %w", cause, ferr)
	}
	return storage.Suggestion{}, fmt.Errorf("applying suggestion: %w", cause)
}

// buildWrite prepares the single remote mutation for a suggestion. Building
// happens before the status transition so an unapplicable proposal is
// rejected without consuming the suggestion's one write.
func (p *Pipeline) buildWrite(kind storage.SuggestionKind, sg storage.Suggestion) (func(context.Context) error, error) {
	switch kind {
	case storage.KindError:
		properties, err := p.errorWritePayload(sg)
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) error {
			return p.writer.UpdatePageProperties(ctx, sg.PageID, properties)
		}, nil
	case storage.KindKnowledge:
		var proposal reason.KnowledgeProposal
		if err := json.Unmarshal([]byte(sg.ProposedJSON), &proposal); err != nil {
			return nil, fmt.Errorf("decoding proposed content: %w", err)
		}
		markdown := strings.TrimSpace(proposal.ContentMarkdown)
		if markdown == "" {
			return nil, fmt.Errorf("nothing to apply: proposed content is empty")
		}
		return func(ctx context.Context) error {
			return p.writer.ReplacePageContent(ctx, sg.PageID, markdown)
		}, nil
	default:
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}
}

// errorWritePayload assembles the property patch for an error suggestion:
// the renamed title plus one relation per proposed link, with similar errors
// merged into the existing relation list.
func (p *Pipeline) errorWritePayload(sg storage.Suggestion) (map[string]any, error) {
	var proposal reason.ErrorProposal
	if err := json.Unmarshal([]byte(sg.ProposedJSON), &proposal); err != nil {
		return nil, fmt.Errorf("decoding proposed content: %w", err)
	}
	var ec struct {
		RelationProperties map[string]string `json:"relation_properties"`
	}
	if err := json.Unmarshal([]byte(sg.ContextJSON), &ec); err != nil {
		return nil, fmt.Errorf("decoding suggestion context: %w", err)
	}

	properties := make(map[string]any)

	if title := strings.TrimSpace(proposal.NewTitle); title != "" && title != sg.PageTitle {
		snap, err := p.store.GetLibrarySnapshot("errors")
		if err != nil {
			return nil, fmt.Errorf("loading errors schema: %w", err)
		}
		if snap.TitleProperty != "" {
			properties[snap.TitleProperty] = title
		}
	}

	for library, id := range map[string]string{
		"resources": proposal.ResourceID,
		"concepts":  proposal.ConceptID,
		"skills":    proposal.SkillID,
		"mindsets":  proposal.MindsetID,
	} {
		if id == "" {
			continue
		}
		prop, ok := ec.RelationProperties[library]
		if !ok {
			continue
		}
		properties[prop] = map[string]any{"relation": []string{id}}
	}

	if prop, ok := ec.RelationProperties["errors"]; ok && len(proposal.SimilarErrorIDs) > 0 {
		existing, err := p.store.RelationsFrom(sg.PageID)
		if err != nil {
			return nil, fmt.Errorf("loading existing relations: %w", err)
		}
		var merged []string
		seen := map[string]bool{sg.PageID: true}
		for _, r := range existing {
			if r.PropertyName == prop && !seen[r.ToPageID] {
				seen[r.ToPageID] = true
				merged = append(merged, r.ToPageID)
			}
		}
		for _, id := range proposal.SimilarErrorIDs {
			if !seen[id] {
				seen[id] = true
				merged = append(merged, id)
			}
		}
		if len(merged) > maxRelationIDs {
			merged = merged[:maxRelationIDs]
		}
		properties[prop] = map[string]any{"relation": merged}
	}

	if len(properties) == 0 {
		return nil, fmt.Errorf("nothing to apply: proposal carries no valid changes")
	}
	return properties, nil
}

// Reject closes a suggestion without touching the remote store.
func (p *Pipeline) Reject(kind storage.SuggestionKind, suggestionID, reviewerNote string) (storage.Suggestion, error) {
	err := p.store.TransitionSuggestion(kind, suggestionID, storage.ReviewStatuses, storage.StatusRejected,
		storage.TransitionOpts{ReviewerNote: reviewerNote, SetReviewedAt: true})
	if err != nil {
		return storage.Suggestion{}, err
	}
	return p.store.GetSuggestion(kind, suggestionID)
}

// Retry resubmits a failed suggestion for review. No automatic transition
// ever leaves failed; this is the explicit manual path back.
func (p *Pipeline) Retry(kind storage.SuggestionKind, suggestionID string) (storage.Suggestion, error) {
	err := p.store.TransitionSuggestion(kind, suggestionID, []string{storage.StatusFailed},
		storage.StatusPendingReview, storage.TransitionOpts{})
	if err != nil {
		return storage.Suggestion{}, err
	}
	return p.store.GetSuggestion(kind, suggestionID)
}

// Edit replaces the editable proposed content. Allowed only while the
// suggestion awaits review; the proposal must parse as the kind's shape.
func (p *Pipeline) Edit(kind storage.SuggestionKind, suggestionID, proposedJSON, reviewerNote string) (storage.Suggestion, error) {
	switch kind {
	case storage.KindError:
		var proposal reason.ErrorProposal
		if err := json.Unmarshal([]byte(proposedJSON), &proposal); err != nil {
			return storage.Suggestion{}, fmt.Errorf("invalid proposed content: %w", err)
		}
		proposedJSON = marshalJSON(proposal)
	case storage.KindKnowledge:
		var proposal reason.KnowledgeProposal
		if err := json.Unmarshal([]byte(proposedJSON), &proposal); err != nil {
			return storage.Suggestion{}, fmt.Errorf("invalid proposed content: %w", err)
		}
		proposedJSON = marshalJSON(proposal)
	default:
		return storage.Suggestion{}, fmt.Errorf("unknown task kind %q", kind)
	}

	if err := p.store.UpdateSuggestionContent(kind, suggestionID, proposedJSON, reviewerNote); err != nil {
		return storage.Suggestion{}, err
	}
	return p.store.GetSuggestion(kind, suggestionID)
}

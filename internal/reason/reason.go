// Package reason wraps the external reasoning service that turns a candidate
// context into a proposal. The pipeline depends only on the Reasoner
// interface; tests substitute fakes.
package reason

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Request is one generation task.
type Request struct {
	Task         string          `json:"task"`
	Instructions string          `json:"instructions"`
	Context      json.RawMessage `json:"context"`
}

// Result is a parsed reasoning response. Content is the extracted JSON
// object; Raw is the verbatim model output kept for auditing.
type Result struct {
	Content    json.RawMessage
	Confidence float64
	Rationale  string
	Raw        string
}

// Reasoner produces one proposal for one request.
type Reasoner interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// ErrorProposal is the reasoner's answer for the error-linking task. All
// identifiers are validated against the candidate sets before storage.
type ErrorProposal struct {
	NewTitle        string   `json:"new_title"`
	ResourceID      string   `json:"resource_id"`
	ConceptID       string   `json:"concept_id"`
	SkillID         string   `json:"skill_id"`
	MindsetID       string   `json:"mindset_id"`
	SimilarErrorIDs []string `json:"similar_error_ids"`
}

// KnowledgeProposal is the reasoner's answer for the knowledge-note task.
type KnowledgeProposal struct {
	ContentMarkdown string   `json:"content_markdown"`
	SourceRefs      []string `json:"source_refs"`
}

// envelope is the shared trailer every task's output format carries.
type envelope struct {
	Confidence       float64 `json:"confidence"`
	ReasoningSummary string  `json:"reasoning_summary"`
}

// ParseResponse extracts the JSON object from a raw model response. Models
// frequently wrap JSON in markdown code fences or prepend conversational
// filler, so the parser strips fences first and then cuts the substring
// between the first { and the last }.
func ParseResponse(raw string) (Result, error) {
	s := strings.TrimSpace(raw)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return Result{Raw: raw}, fmt.Errorf("no JSON object in response")
	}
	content := json.RawMessage(s[start : end+1])

	var env envelope
	if err := json.Unmarshal(content, &env); err != nil {
		return Result{Raw: raw}, fmt.Errorf("unmarshal response object: %w", err)
	}

	return Result{
		Content:    content,
		Confidence: clamp01(env.Confidence),
		Rationale:  strings.TrimSpace(env.ReasoningSummary),
		Raw:        raw,
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

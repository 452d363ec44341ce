package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// suggestionTable maps a task kind to its table. Both tables share an
// identical shape; all suggestion code below is generic over the kind.
func suggestionTable(kind SuggestionKind) (string, error) {
	switch kind {
	case KindError:
		return "error_suggestions", nil
	case KindKnowledge:
		return "knowledge_suggestions", nil
	default:
		return "", fmt.Errorf("unknown suggestion kind %q", kind)
	}
}

const suggestionColumns = `suggestion_id, run_id, page_id, page_title, status, confidence,
	proposed_json, rationale, validation_notes, context_json, raw_response,
	reviewer_note, failure_reason, created_at, updated_at, reviewed_at, applied_at`

func scanSuggestion(scanner interface{ Scan(...any) error }) (Suggestion, error) {
	var sg Suggestion
	var created, updated, reviewed, applied string
	err := scanner.Scan(&sg.ID, &sg.RunID, &sg.PageID, &sg.PageTitle, &sg.Status, &sg.Confidence,
		&sg.ProposedJSON, &sg.Rationale, &sg.ValidationNotes, &sg.ContextJSON, &sg.RawResponse,
		&sg.ReviewerNote, &sg.FailureReason, &created, &updated, &reviewed, &applied)
	if err != nil {
		return Suggestion{}, err
	}
	for _, pair := range []struct {
		dst *time.Time
		src string
	}{
		{&sg.CreatedAt, created}, {&sg.UpdatedAt, updated},
		{&sg.ReviewedAt, reviewed}, {&sg.AppliedAt, applied},
	} {
		t, err := parseTime(pair.src)
		if err != nil {
			return Suggestion{}, fmt.Errorf("parsing suggestion timestamp: %w", err)
		}
		*pair.dst = t
	}
	return sg, nil
}

// UpsertSuggestion inserts a suggestion or replaces the existing one for the
// same source page (regeneration reuses the page's row). Returns the
// suggestion id.
func (s *Store) UpsertSuggestion(kind SuggestionKind, sg Suggestion) (string, error) {
	table, err := suggestionTable(kind)
	if err != nil {
		return "", err
	}
	id := sg.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := formatTime(time.Now())
	_, err = s.db.Exec(`INSERT INTO `+table+` (
			suggestion_id, run_id, page_id, page_title, status, confidence, proposed_json,
			rationale, validation_notes, context_json, raw_response, reviewer_note,
			failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(page_id) DO UPDATE SET
			run_id = excluded.run_id,
			page_title = excluded.page_title,
			status = excluded.status,
			confidence = excluded.confidence,
			proposed_json = excluded.proposed_json,
			rationale = excluded.rationale,
			validation_notes = excluded.validation_notes,
			context_json = excluded.context_json,
			raw_response = excluded.raw_response,
			reviewer_note = excluded.reviewer_note,
			failure_reason = excluded.failure_reason,
			updated_at = excluded.updated_at`,
		id, sg.RunID, sg.PageID, sg.PageTitle, sg.Status, sg.Confidence, sg.ProposedJSON,
		sg.Rationale, sg.ValidationNotes, sg.ContextJSON, sg.RawResponse, sg.ReviewerNote,
		sg.FailureReason, now, now)
	if err != nil {
		return "", fmt.Errorf("upserting %s suggestion: %w", kind, err)
	}

	// On conflict the original suggestion_id is kept; read it back.
	var storedID string
	if err := s.db.QueryRow(`SELECT suggestion_id FROM `+table+` WHERE page_id = ?`, sg.PageID).Scan(&storedID); err != nil {
		return "", fmt.Errorf("reading upserted suggestion id: %w", err)
	}
	return storedID, nil
}

// GetSuggestion returns one suggestion by id.
func (s *Store) GetSuggestion(kind SuggestionKind, id string) (Suggestion, error) {
	table, err := suggestionTable(kind)
	if err != nil {
		return Suggestion{}, err
	}
	row := s.db.QueryRow(`SELECT `+suggestionColumns+` FROM `+table+` WHERE suggestion_id = ?`, id)
	sg, err := scanSuggestion(row)
	if err == sql.ErrNoRows {
		return Suggestion{}, ErrNotFound
	}
	return sg, err
}

// GetSuggestionByPage returns the suggestion for a source page, if any.
func (s *Store) GetSuggestionByPage(kind SuggestionKind, pageID string) (Suggestion, error) {
	table, err := suggestionTable(kind)
	if err != nil {
		return Suggestion{}, err
	}
	row := s.db.QueryRow(`SELECT `+suggestionColumns+` FROM `+table+` WHERE page_id = ?`, pageID)
	sg, err := scanSuggestion(row)
	if err == sql.ErrNoRows {
		return Suggestion{}, ErrNotFound
	}
	return sg, err
}

// ListSuggestions returns suggestions of a kind, optionally filtered by
// status, most recently updated first.
func (s *Store) ListSuggestions(kind SuggestionKind, status string, limit int) ([]Suggestion, error) {
	table, err := suggestionTable(kind)
	if err != nil {
		return nil, err
	}
	var rows *sql.Rows
	if status != "" {
		rows, err = s.db.Query(`SELECT `+suggestionColumns+` FROM `+table+`
			WHERE status = ? ORDER BY updated_at DESC LIMIT ?`, status, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+suggestionColumns+` FROM `+table+`
			ORDER BY updated_at DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// SuggestionCounts returns status -> count for one kind.
func (s *Store) SuggestionCounts(kind SuggestionKind) (map[string]int, error) {
	table, err := suggestionTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM ` + table + ` GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var cnt int
		if err := rows.Scan(&status, &cnt); err != nil {
			return nil, err
		}
		out[status] = cnt
	}
	return out, rows.Err()
}

// TransitionSuggestion atomically moves a suggestion from one of the statuses
// in from to the status to. The conditional UPDATE is the at-most-once guard
// for remote writes: a concurrent transition on the same row sees zero
// affected rows and gets ErrInvalidState.
func (s *Store) TransitionSuggestion(kind SuggestionKind, id string, from []string, to string, opts TransitionOpts) error {
	table, err := suggestionTable(kind)
	if err != nil {
		return err
	}
	if len(from) == 0 {
		return fmt.Errorf("empty from-status set")
	}

	now := formatTime(time.Now())
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{to, now}
	if opts.ReviewerNote != "" {
		set = append(set, "reviewer_note = ?")
		args = append(args, strings.TrimSpace(opts.ReviewerNote))
	}
	set = append(set, "failure_reason = ?")
	args = append(args, strings.TrimSpace(opts.FailureReason))
	if opts.SetReviewedAt {
		set = append(set, "reviewed_at = ?")
		args = append(args, now)
	}
	if opts.SetAppliedAt {
		set = append(set, "applied_at = ?")
		args = append(args, now)
	}

	placeholders := strings.Repeat(",?", len(from)-1)
	args = append(args, id)
	for _, st := range from {
		args = append(args, st)
	}

	res, err := s.db.Exec(`UPDATE `+table+` SET `+strings.Join(set, ", ")+
		` WHERE suggestion_id = ? AND status IN (?`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("transitioning %s suggestion %s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from a row in the wrong state.
		var cnt int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE suggestion_id = ?`, id).Scan(&cnt); err != nil {
			return err
		}
		if cnt == 0 {
			return ErrNotFound
		}
		return ErrInvalidState
	}
	return nil
}

// TransitionOpts carries the optional fields written alongside a status
// transition.
type TransitionOpts struct {
	ReviewerNote  string
	FailureReason string
	SetReviewedAt bool
	SetAppliedAt  bool
}

// UpdateSuggestionContent overwrites the editable proposed content. Permitted
// only while the suggestion is awaiting review; otherwise ErrInvalidState and
// the row is untouched.
func (s *Store) UpdateSuggestionContent(kind SuggestionKind, id, proposedJSON, reviewerNote string) error {
	table, err := suggestionTable(kind)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE `+table+`
		SET proposed_json = ?, reviewer_note = ?, updated_at = ?
		WHERE suggestion_id = ? AND status IN (?, ?)`,
		proposedJSON, strings.TrimSpace(reviewerNote), formatTime(time.Now()),
		id, StatusPendingReview, StatusNeedsReview)
	if err != nil {
		return fmt.Errorf("updating %s suggestion %s: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var cnt int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE suggestion_id = ?`, id).Scan(&cnt); err != nil {
			return err
		}
		if cnt == 0 {
			return ErrNotFound
		}
		return ErrInvalidState
	}
	return nil
}

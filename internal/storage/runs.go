package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSyncRun opens a new sync run over the given scope.
func (s *Store) CreateSyncRun(scope string, startedAt time.Time) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(`INSERT INTO sync_runs (run_id, scope, status, started_at)
		VALUES (?, ?, 'running', ?)`, id, scope, formatTime(startedAt))
	if err != nil {
		return "", fmt.Errorf("creating sync run: %w", err)
	}
	return id, nil
}

// AppendSyncEvent records one page-level observation. Events are append-only
// and ordered by insertion.
func (s *Store) AppendSyncEvent(e SyncEvent) error {
	detail := e.DetailJSON
	if detail == "" {
		detail = "{}"
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO sync_events (run_id, library, page_id, kind, message, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Library, e.PageID, e.Kind, e.Message, detail, formatTime(created))
	return err
}

// FinishSyncRun closes a run with its final status and aggregate counts. The
// row is immutable afterwards.
func (s *Store) FinishSyncRun(run SyncRun) error {
	res, err := s.db.Exec(`UPDATE sync_runs
		SET status = ?, seen = ?, created = ?, updated = ?, unchanged = ?, missing = ?,
			errors = ?, summary = ?, finished_at = ?
		WHERE run_id = ? AND status = 'running'`,
		run.Status, run.Seen, run.Created, run.Updated, run.Unchanged, run.Missing,
		run.Errors, run.Summary, formatTime(run.FinishedAt), run.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const syncRunColumns = `run_id, scope, status, seen, created, updated, unchanged, missing,
	errors, summary, started_at, finished_at`

func scanSyncRun(scanner interface{ Scan(...any) error }) (SyncRun, error) {
	var r SyncRun
	var started, finished string
	err := scanner.Scan(&r.ID, &r.Scope, &r.Status, &r.Seen, &r.Created, &r.Updated,
		&r.Unchanged, &r.Missing, &r.Errors, &r.Summary, &started, &finished)
	if err != nil {
		return SyncRun{}, err
	}
	if r.StartedAt, err = parseTime(started); err != nil {
		return SyncRun{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if r.FinishedAt, err = parseTime(finished); err != nil {
		return SyncRun{}, fmt.Errorf("parsing finished_at: %w", err)
	}
	return r, nil
}

// GetSyncRun returns one sync run by id.
func (s *Store) GetSyncRun(runID string) (SyncRun, error) {
	row := s.db.QueryRow(`SELECT `+syncRunColumns+` FROM sync_runs WHERE run_id = ?`, runID)
	r, err := scanSyncRun(row)
	if err == sql.ErrNoRows {
		return SyncRun{}, ErrNotFound
	}
	return r, err
}

// ListSyncRuns returns the most recent sync runs, newest first.
func (s *Store) ListSyncRuns(limit int) ([]SyncRun, error) {
	rows, err := s.db.Query(`SELECT `+syncRunColumns+` FROM sync_runs
		ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncRun
	for rows.Next() {
		r, err := scanSyncRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListSyncEvents returns all events of a run in append order.
func (s *Store) ListSyncEvents(runID string) ([]SyncEvent, error) {
	rows, err := s.db.Query(`SELECT seq, run_id, library, page_id, kind, message, detail_json, created_at
		FROM sync_events WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncEvent
	for rows.Next() {
		var e SyncEvent
		var created string
		if err := rows.Scan(&e.Seq, &e.RunID, &e.Library, &e.PageID, &e.Kind, &e.Message,
			&e.DetailJSON, &created); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateWorkflowRun opens a generation run for one task kind.
func (s *Store) CreateWorkflowRun(kind SuggestionKind, startedAt time.Time) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(`INSERT INTO workflow_runs (run_id, kind, status, started_at)
		VALUES (?, ?, 'running', ?)`, id, string(kind), formatTime(startedAt))
	if err != nil {
		return "", fmt.Errorf("creating workflow run: %w", err)
	}
	return id, nil
}

// AppendWorkflowEvent records one per-item step within a generation run.
func (s *Store) AppendWorkflowEvent(e WorkflowEvent) error {
	detail := e.DetailJSON
	if detail == "" {
		detail = "{}"
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO workflow_events (run_id, step, status, message, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Step, e.Status, e.Message, detail, formatTime(created))
	return err
}

// FinishWorkflowRun closes a generation run with its counts.
func (s *Store) FinishWorkflowRun(run WorkflowRun) error {
	res, err := s.db.Exec(`UPDATE workflow_runs
		SET status = ?, targets = ?, suggestions = ?, needs_review = ?, failures = ?,
			summary = ?, finished_at = ?
		WHERE run_id = ?`,
		run.Status, run.Targets, run.Suggestions, run.NeedsReview, run.Failures,
		run.Summary, formatTime(run.FinishedAt), run.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const workflowRunColumns = `run_id, kind, status, targets, suggestions, needs_review,
	failures, summary, started_at, finished_at`

func scanWorkflowRun(scanner interface{ Scan(...any) error }) (WorkflowRun, error) {
	var r WorkflowRun
	var kind, started, finished string
	err := scanner.Scan(&r.ID, &kind, &r.Status, &r.Targets, &r.Suggestions, &r.NeedsReview,
		&r.Failures, &r.Summary, &started, &finished)
	if err != nil {
		return WorkflowRun{}, err
	}
	r.Kind = SuggestionKind(kind)
	if r.StartedAt, err = parseTime(started); err != nil {
		return WorkflowRun{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if r.FinishedAt, err = parseTime(finished); err != nil {
		return WorkflowRun{}, fmt.Errorf("parsing finished_at: %w", err)
	}
	return r, nil
}

// GetWorkflowRun returns one generation run by id.
func (s *Store) GetWorkflowRun(runID string) (WorkflowRun, error) {
	row := s.db.QueryRow(`SELECT `+workflowRunColumns+` FROM workflow_runs WHERE run_id = ?`, runID)
	r, err := scanWorkflowRun(row)
	if err == sql.ErrNoRows {
		return WorkflowRun{}, ErrNotFound
	}
	return r, err
}

// ListWorkflowRuns returns recent generation runs for a kind, newest first.
// Pass an empty kind for all kinds.
func (s *Store) ListWorkflowRuns(kind SuggestionKind, limit int) ([]WorkflowRun, error) {
	var rows *sql.Rows
	var err error
	if kind == "" {
		rows, err = s.db.Query(`SELECT `+workflowRunColumns+` FROM workflow_runs
			ORDER BY started_at DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(`SELECT `+workflowRunColumns+` FROM workflow_runs
			WHERE kind = ? ORDER BY started_at DESC LIMIT ?`, string(kind), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkflowRun
	for rows.Next() {
		r, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListWorkflowEvents returns all events of a generation run in append order.
func (s *Store) ListWorkflowEvents(runID string) ([]WorkflowEvent, error) {
	rows, err := s.db.Query(`SELECT seq, run_id, step, status, message, detail_json, created_at
		FROM workflow_events WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkflowEvent
	for rows.Next() {
		var e WorkflowEvent
		var created string
		if err := rows.Scan(&e.Seq, &e.RunID, &e.Step, &e.Status, &e.Message, &e.DetailJSON, &created); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidState is returned when a suggestion transition or edit is
// attempted from a status outside the permitted set. The row is left
// untouched.
var ErrInvalidState = errors.New("invalid suggestion state")

// Suggestion statuses. No other values are ever stored.
const (
	StatusPendingReview = "pending_review"
	StatusNeedsReview   = "needs_review"
	StatusApplied       = "applied"
	StatusRejected      = "rejected"
	StatusFailed        = "failed"
)

// ReviewStatuses are the statuses in which a suggestion is still editable and
// awaiting a reviewer decision.
var ReviewStatuses = []string{StatusPendingReview, StatusNeedsReview}

// Sync run outcomes.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunPartial = "partial"
	RunFailed  = "failed"
)

// Presence values for synced pages. A page absent from the latest full pull
// is flagged missing_remote, never deleted.
const (
	PresencePresent = "present"
	PresenceMissing = "missing_remote"
)

// Sync event kinds.
const (
	EventCreated   = "created"
	EventUpdated   = "updated"
	EventUnchanged = "unchanged"
	EventMissing   = "missing_remote"
	EventError     = "error"
)

// SuggestionKind selects which task-kind table a suggestion lives in.
type SuggestionKind string

const (
	KindError     SuggestionKind = "error"
	KindKnowledge SuggestionKind = "knowledge"
)

// Page is one synced remote entity. PageID is the sole stable join key.
type Page struct {
	PageID         string    `json:"page_id"`
	Library        string    `json:"library"`
	Title          string    `json:"title"`
	PropertyText   string    `json:"property_text"`
	PlainText      string    `json:"plain_text"`
	PropertiesJSON string    `json:"properties_json"`
	URL            string    `json:"url"`
	Archived       bool      `json:"archived"`
	Presence       string    `json:"presence"`
	RemoteEditedAt string    `json:"remote_edited_at"` // remote last-modified watermark, RFC 3339
	SyncedAt       time.Time `json:"synced_at"`
}

// Relation is one outbound relation reference extracted from a page property.
type Relation struct {
	FromPageID   string `json:"from_page_id"`
	PropertyName string `json:"property_name"`
	ToPageID     string `json:"to_page_id"`
}

// SyncRun records one execution of the reconciliation engine over a scope of
// libraries. Immutable once finished.
type SyncRun struct {
	ID         string    `json:"id"`
	Scope      string    `json:"scope"` // comma-separated library names
	Status     string    `json:"status"`
	Seen       int       `json:"seen"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Unchanged  int       `json:"unchanged"`
	Missing    int       `json:"missing"`
	Errors     int       `json:"errors"`
	Summary    string    `json:"summary,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// SyncEvent is one page-level change observed during a run. Append-only,
// ordered by Seq within the run.
type SyncEvent struct {
	Seq        int64     `json:"seq"`
	RunID      string    `json:"run_id"`
	Library    string    `json:"library"`
	PageID     string    `json:"page_id,omitempty"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	DetailJSON string    `json:"detail_json,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// LibrarySnapshot records the last completed sync per library. Its absence
// distinguishes "never synced" from "synced but empty".
type LibrarySnapshot struct {
	Library        string    `json:"library"`
	DatabaseID     string    `json:"database_id"`
	TitleProperty  string    `json:"title_property"`
	SchemaJSON     string    `json:"schema_json"`
	PageCount      int       `json:"page_count"`
	LatestEditedAt string    `json:"latest_edited_at"`
	SyncedAt       time.Time `json:"synced_at"`
}

// Suggestion is one proposed edit awaiting review. The context snapshot and
// raw reasoner output are persisted verbatim for auditability.
type Suggestion struct {
	ID              string    `json:"id"`
	RunID           string    `json:"run_id"`
	PageID          string    `json:"page_id"`
	PageTitle       string    `json:"page_title"`
	Status          string    `json:"status"`
	Confidence      float64   `json:"confidence"`
	ProposedJSON    string    `json:"proposed_json"` // editable proposed content, task-kind specific shape
	Rationale       string    `json:"rationale,omitempty"`
	ValidationNotes string    `json:"validation_notes,omitempty"`
	ContextJSON     string    `json:"context_json,omitempty"` // candidate context used for generation
	RawResponse     string    `json:"raw_response,omitempty"`
	ReviewerNote    string    `json:"reviewer_note,omitempty"`
	FailureReason   string    `json:"failure_reason,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	ReviewedAt      time.Time `json:"reviewed_at"`
	AppliedAt       time.Time `json:"applied_at"`
}

// WorkflowRun records one invocation of the generation step over a batch of
// source entities.
type WorkflowRun struct {
	ID          string         `json:"id"`
	Kind        SuggestionKind `json:"kind"`
	Status      string         `json:"status"`
	Targets     int            `json:"targets"`
	Suggestions int            `json:"suggestions"`
	NeedsReview int            `json:"needs_review"`
	Failures    int            `json:"failures"`
	Summary     string         `json:"summary,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
}

// WorkflowEvent is one per-item step record within a workflow run.
type WorkflowEvent struct {
	Seq        int64     `json:"seq"`
	RunID      string    `json:"run_id"`
	Step       string    `json:"step"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	DetailJSON string    `json:"detail_json,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

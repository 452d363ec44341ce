// Package remote implements the client for the remote document store API.
// The sync engine, pipeline, and staleness checker depend only on the
// interfaces defined here; tests substitute fakes.
package remote

import "context"

// Page is one remote entity as returned by the store API, flattened into the
// fields the sync engine persists.
type Page struct {
	ID             string
	URL            string
	Title          string
	PropertyText   string
	PlainText      string
	PropertiesJSON string
	Relations      []Relation
	CreatedTime    string
	LastEditedTime string
	Archived       bool
}

// Relation is one outbound relation reference on a page property.
type Relation struct {
	PropertyName string
	TargetID     string
}

// Library describes a remote database's schema.
type Library struct {
	ID             string
	TitleProperty  string
	SchemaJSON     string
	LastEditedTime string
}

// Metadata is the lightweight per-entity metadata used by the staleness
// checker; fetching it must not pull page content.
type Metadata struct {
	LastEditedTime string
}

// FetchOptions tunes a library pull.
type FetchOptions struct {
	PageSize int
	// EditedAfter, when set, asks the remote API to filter out pages not
	// edited since the watermark. Pure fetch-layer optimization; diff
	// semantics are identical either way.
	EditedAfter string
}

// LibraryResult is one full (or watermark-filtered) library pull.
type LibraryResult struct {
	Schema Library
	Pages  []Page
}

// Fetcher pulls the current state of a remote library.
type Fetcher interface {
	FetchLibrary(ctx context.Context, databaseID string, opts FetchOptions) (LibraryResult, error)
}

// MetadataFetcher reads per-entity metadata without page content.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, id string) (Metadata, error)
}

// Writer mutates remote pages. Exactly one call is made per confirmed
// suggestion.
type Writer interface {
	UpdatePageProperties(ctx context.Context, pageID string, properties map[string]any) error
	ReplacePageContent(ctx context.Context, pageID string, markdown string) error
}

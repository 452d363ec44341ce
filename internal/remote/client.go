package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Compile-time checks that Client satisfies the consumer interfaces.
var (
	_ Fetcher         = (*Client)(nil)
	_ MetadataFetcher = (*Client)(nil)
	_ Writer          = (*Client)(nil)
)

// Client talks to the remote document store over HTTP with bearer auth and
// bounded retry on transient failures.
type Client struct {
	baseURL     string
	token       string
	retryMax    int
	backoffBase time.Duration
	httpClient  *http.Client
}

// New creates a Client for the given base URL and token. retryMax bounds the
// number of attempts for requests that fail with 429 or 5xx.
func New(baseURL, token string, retryMax int) *Client {
	if retryMax <= 0 {
		retryMax = 5
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		retryMax:    retryMax,
		backoffBase: time.Second,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response from the remote store.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote API status %d: %s", e.StatusCode, e.Body)
}

// retryable reports whether a response status warrants another attempt.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// do performs one HTTP call with retry/backoff, honoring Retry-After on 429.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.retryMax; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * c.backoffBase
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%s %s: %w", method, path, err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			defer resp.Body.Close()
			if out == nil {
				io.Copy(io.Discard, resp.Body)
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decoding %s %s response: %w", method, path, err)
			}
			return nil
		}

		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(bodyBytes))}
		if !retryable(resp.StatusCode) {
			return apiErr
		}
		lastErr = apiErr

		if resp.StatusCode == http.StatusTooManyRequests {
			if after := resp.Header.Get("Retry-After"); after != "" {
				if secs, err := strconv.Atoi(after); err == nil {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(time.Duration(secs) * time.Second):
					}
				}
			}
		}
	}
	return fmt.Errorf("giving up after %d attempts: %w", c.retryMax, lastErr)
}

// Wire types for the store API.

type databaseResponse struct {
	ID             string                  `json:"id"`
	TitleProperty  string                  `json:"title_property"`
	LastEditedTime string                  `json:"last_edited_time"`
	Properties     map[string]wireProperty `json:"properties"`
}

type queryRequest struct {
	PageSize    int    `json:"page_size"`
	StartCursor string `json:"start_cursor,omitempty"`
	EditedAfter string `json:"edited_after,omitempty"`
}

type queryResponse struct {
	Results    []wirePage `json:"results"`
	HasMore    bool       `json:"has_more"`
	NextCursor string     `json:"next_cursor"`
}

type wirePage struct {
	ID             string                  `json:"id"`
	URL            string                  `json:"url"`
	Archived       bool                    `json:"archived"`
	CreatedTime    string                  `json:"created_time"`
	LastEditedTime string                  `json:"last_edited_time"`
	Properties     map[string]wireProperty `json:"properties"`
	Content        string                  `json:"content,omitempty"`
}

type wireProperty struct {
	Type      string   `json:"type"`
	Text      string   `json:"text,omitempty"`
	Relations []string `json:"relations,omitempty"`
	// DatabaseID is set on relation properties in database schemas and names
	// the database the relation points into.
	DatabaseID string `json:"database_id,omitempty"`
}

type metadataResponse struct {
	LastEditedTime string `json:"last_edited_time"`
}

// FetchLibrary pulls the full (or watermark-filtered) page set of one remote
// database, following pagination cursors.
func (c *Client) FetchLibrary(ctx context.Context, databaseID string, opts FetchOptions) (LibraryResult, error) {
	var db databaseResponse
	if err := c.do(ctx, http.MethodGet, "/databases/"+databaseID, nil, &db); err != nil {
		return LibraryResult{}, fmt.Errorf("fetching database %s: %w", databaseID, err)
	}
	schemaJSON, err := json.Marshal(db)
	if err != nil {
		return LibraryResult{}, fmt.Errorf("encoding schema: %w", err)
	}

	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100
	}

	var pages []Page
	cursor := ""
	for {
		var resp queryResponse
		req := queryRequest{PageSize: pageSize, StartCursor: cursor, EditedAfter: opts.EditedAfter}
		if err := c.do(ctx, http.MethodPost, "/databases/"+databaseID+"/query", req, &resp); err != nil {
			return LibraryResult{}, fmt.Errorf("querying database %s: %w", databaseID, err)
		}
		for _, wp := range resp.Results {
			p, err := flattenPage(wp, db.TitleProperty)
			if err != nil {
				return LibraryResult{}, fmt.Errorf("parsing page %s: %w", wp.ID, err)
			}
			pages = append(pages, p)
		}
		if !resp.HasMore || resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}

	return LibraryResult{
		Schema: Library{
			ID:             db.ID,
			TitleProperty:  db.TitleProperty,
			SchemaJSON:     string(schemaJSON),
			LastEditedTime: db.LastEditedTime,
		},
		Pages: pages,
	}, nil
}

// flattenPage converts a wire page into the flat Page shape: the title
// property becomes Title, text properties are concatenated into
// PropertyText, relation properties become Relations.
func flattenPage(wp wirePage, titleProperty string) (Page, error) {
	propsJSON, err := json.Marshal(wp.Properties)
	if err != nil {
		return Page{}, err
	}

	p := Page{
		ID:             strings.TrimSpace(wp.ID),
		URL:            wp.URL,
		PlainText:      wp.Content,
		PropertiesJSON: string(propsJSON),
		CreatedTime:    wp.CreatedTime,
		LastEditedTime: wp.LastEditedTime,
		Archived:       wp.Archived,
	}

	names := make([]string, 0, len(wp.Properties))
	for name := range wp.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	var textParts []string
	for _, name := range names {
		prop := wp.Properties[name]
		switch {
		case name == titleProperty || prop.Type == "title":
			p.Title = strings.TrimSpace(prop.Text)
		case prop.Type == "relation":
			for _, target := range prop.Relations {
				target = strings.TrimSpace(target)
				if target == "" {
					continue
				}
				p.Relations = append(p.Relations, Relation{PropertyName: name, TargetID: target})
			}
		default:
			if text := strings.TrimSpace(prop.Text); text != "" {
				textParts = append(textParts, name+": "+text)
			}
		}
	}
	p.PropertyText = strings.Join(textParts, "\n")
	return p, nil
}

// FetchMetadata reads a page's last-modified timestamp without content.
func (c *Client) FetchMetadata(ctx context.Context, id string) (Metadata, error) {
	var resp metadataResponse
	if err := c.do(ctx, http.MethodGet, "/pages/"+id+"/meta", nil, &resp); err != nil {
		return Metadata{}, fmt.Errorf("fetching metadata for %s: %w", id, err)
	}
	return Metadata{LastEditedTime: resp.LastEditedTime}, nil
}

// UpdatePageProperties patches the given properties on a remote page.
func (c *Client) UpdatePageProperties(ctx context.Context, pageID string, properties map[string]any) error {
	body := map[string]any{"properties": properties}
	if err := c.do(ctx, http.MethodPatch, "/pages/"+pageID+"/properties", body, nil); err != nil {
		return fmt.Errorf("updating properties of %s: %w", pageID, err)
	}
	return nil
}

// ReplacePageContent replaces a page's block content with the rendered
// markdown.
func (c *Client) ReplacePageContent(ctx context.Context, pageID string, markdown string) error {
	body := map[string]any{"markdown": markdown}
	if err := c.do(ctx, http.MethodPut, "/pages/"+pageID+"/content", body, nil); err != nil {
		return fmt.Errorf("replacing content of %s: %w", pageID, err)
	}
	return nil
}

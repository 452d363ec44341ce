package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchLibraryPaginates(t *testing.T) {
	var queryCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/databases/db1":
			json.NewEncoder(w).Encode(map[string]any{
				"id":               "db1",
				"title_property":   "Name",
				"last_edited_time": "2024-03-01T00:00:00Z",
			})
		case "/databases/db1/query":
			queryCalls++
			var req queryRequest
			json.NewDecoder(r.Body).Decode(&req)
			if queryCalls == 1 {
				json.NewEncoder(w).Encode(map[string]any{
					"results": []map[string]any{{
						"id":               "p1",
						"last_edited_time": "2024-01-01T00:00:00Z",
						"properties": map[string]any{
							"Name":    map[string]any{"type": "title", "text": "First"},
							"Topic":   map[string]any{"type": "text", "text": "fractions"},
							"Concept": map[string]any{"type": "relation", "relations": []string{"c1", "c2"}},
						},
					}},
					"has_more":    true,
					"next_cursor": "cur-2",
				})
				return
			}
			if req.StartCursor != "cur-2" {
				t.Errorf("second query cursor = %q, want cur-2", req.StartCursor)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]any{{
					"id": "p2",
					"properties": map[string]any{
						"Name": map[string]any{"type": "title", "text": "Second"},
					},
				}},
				"has_more": false,
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 3)
	res, err := c.FetchLibrary(context.Background(), "db1", FetchOptions{PageSize: 1})
	if err != nil {
		t.Fatalf("FetchLibrary: %v", err)
	}
	if len(res.Pages) != 2 {
		t.Fatalf("got %d pages, want 2", len(res.Pages))
	}
	p := res.Pages[0]
	if p.Title != "First" {
		t.Errorf("Title = %q", p.Title)
	}
	if p.PropertyText != "Topic: fractions" {
		t.Errorf("PropertyText = %q", p.PropertyText)
	}
	if len(p.Relations) != 2 || p.Relations[0].PropertyName != "Concept" {
		t.Errorf("Relations = %+v", p.Relations)
	}
	if res.Schema.TitleProperty != "Name" {
		t.Errorf("TitleProperty = %q", res.Schema.TitleProperty)
	}
}

func TestDoRetriesOn500(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"last_edited_time": "2024-01-01T00:00:00Z"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 5)
	c.backoffBase = time.Millisecond
	meta, err := c.FetchMetadata(context.Background(), "p1")
	if err != nil {
		t.Fatalf("FetchMetadata: %v", err)
	}
	if meta.LastEditedTime != "2024-01-01T00:00:00Z" {
		t.Errorf("LastEditedTime = %q", meta.LastEditedTime)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestDoNoRetryOn400(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", 5)
	err := c.UpdatePageProperties(context.Background(), "p1", map[string]any{"Name": "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", calls.Load())
	}
}

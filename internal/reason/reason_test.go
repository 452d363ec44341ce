package reason

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseResponsePlainJSON(t *testing.T) {
	res, err := ParseResponse(`{"new_title":"Carrying","confidence":0.85,"reasoning_summary":"matched topic"}`)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if res.Confidence != 0.85 {
		t.Errorf("Confidence = %v", res.Confidence)
	}
	if res.Rationale != "matched topic" {
		t.Errorf("Rationale = %q", res.Rationale)
	}
	var p ErrorProposal
	if err := json.Unmarshal(res.Content, &p); err != nil {
		t.Fatalf("unmarshal content: %v", err)
	}
	if p.NewTitle != "Carrying" {
		t.Errorf("NewTitle = %q", p.NewTitle)
	}
}

func TestParseResponseFencedWithFiller(t *testing.T) {
	raw := "Sure, here is the result:\n```json\n{\"confidence\": 1.7}\n```\nHope that helps!"
	res, err := ParseResponse(raw)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if res.Confidence != 1 {
		t.Errorf("Confidence = %v, want clamped to 1", res.Confidence)
	}
	if res.Raw != raw {
		t.Error("Raw should keep the verbatim response")
	}
}

func TestParseResponseNoObject(t *testing.T) {
	if _, err := ParseResponse("I cannot answer that."); err == nil {
		t.Fatal("expected error")
	}
}

func TestClientGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing auth header")
		}
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "test-model" || req.Stream {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": `{"content_markdown":"# Note","confidence":0.9}`}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", "test-model", 0.2, time.Second)
	res, err := c.Generate(context.Background(), Request{Task: "compose_knowledge_note"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	var p KnowledgeProposal
	if err := json.Unmarshal(res.Content, &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.ContentMarkdown != "# Note" || res.Confidence != 0.9 {
		t.Errorf("proposal = %+v confidence = %v", p, res.Confidence)
	}
}

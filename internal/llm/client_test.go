package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Arke-Institute/arke-organizer-service/internal/apperr"
	"github.com/Arke-Institute/arke-organizer-service/internal/organize"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := Config{
		BaseURL:             srv.URL + "/v1",
		APIKey:              "test-key",
		Model:               "test-model",
		MaxCompletionTokens: 1000,
		InputPricePerM:      1.0,
		OutputPricePerM:     4.0,
		Timeout:             5 * time.Second,
	}
	return NewClient(cfg, "file_organization", GenerateSchema[organize.Response]())
}

func completionBody(content string) map[string]any {
	return map[string]any{
		"id":    "chatcmpl-1",
		"model": "test-model",
		"choices": []map[string]any{
			{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]any{"prompt_tokens": 2000000, "completion_tokens": 500000, "total_tokens": 2500000},
	}
}

func TestCompleteSuccessAndCost(t *testing.T) {
	var gotReq map[string]any
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionBody(`{"groups":[]}`))
	})

	comp, err := c.Complete(context.Background(), "sys", "user", 0.3)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if comp.Content != `{"groups":[]}` {
		t.Errorf("content = %q", comp.Content)
	}
	// 2M prompt tokens at $1/M + 0.5M completion tokens at $4/M.
	if comp.Cost != 4.0 {
		t.Errorf("cost = %f, want 4.0", comp.Cost)
	}
	if comp.Model != "test-model" {
		t.Errorf("model = %q", comp.Model)
	}

	if gotReq["model"] != "test-model" {
		t.Errorf("request model = %v", gotReq["model"])
	}
	rf, ok := gotReq["response_format"].(map[string]any)
	if !ok {
		t.Fatal("request missing response_format")
	}
	if rf["type"] != "json_schema" {
		t.Errorf("response_format type = %v", rf["type"])
	}
	msgs, _ := gotReq["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want system+user", len(msgs))
	}
}

func TestCompleteRateLimitedIsTransient(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_error"}}`))
	})
	_, err := c.Complete(context.Background(), "s", "u", 0.3)
	if !errors.Is(err, apperr.ErrLLMTransient) {
		t.Errorf("err = %v, want ErrLLMTransient", err)
	}
}

func TestCompleteServerErrorIsTransient(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	})
	_, err := c.Complete(context.Background(), "s", "u", 0.3)
	if !errors.Is(err, apperr.ErrLLMTransient) {
		t.Errorf("err = %v, want ErrLLMTransient", err)
	}
}

func TestCompleteBadRequestIsPermanent(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad schema","type":"invalid_request_error"}}`))
	})
	_, err := c.Complete(context.Background(), "s", "u", 0.3)
	if !errors.Is(err, apperr.ErrLLMPermanent) {
		t.Errorf("err = %v, want ErrLLMPermanent", err)
	}
}

func TestCompleteNoChoicesIsMalformed(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		body := completionBody("")
		body["choices"] = []any{}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
	_, err := c.Complete(context.Background(), "s", "u", 0.3)
	if !errors.Is(err, apperr.ErrLLMMalformed) {
		t.Errorf("err = %v, want ErrLLMMalformed", err)
	}
}

func TestGenerateSchemaIsStrict(t *testing.T) {
	raw := GenerateSchema[organize.Response]()
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatalf("schema not valid JSON: %v", err)
	}
	if schema["additionalProperties"] != false {
		t.Error("top level allows additional properties")
	}
	props, _ := schema["properties"].(map[string]any)
	for _, field := range []string{"groups", "ungrouped_files", "reorganization_description"} {
		if _, ok := props[field]; !ok {
			t.Errorf("schema missing property %s", field)
		}
	}
	required, _ := schema["required"].([]any)
	if len(required) != 3 {
		t.Errorf("required = %v, want all three fields", required)
	}
	groups, _ := props["groups"].(map[string]any)
	items, _ := groups["items"].(map[string]any)
	if items["additionalProperties"] != false {
		t.Error("group items allow additional properties")
	}
}

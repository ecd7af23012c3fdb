package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGeminiEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{
					"content": map[string]any{
						"parts": []map[string]any{{"text": ""}},
						"role":  "model",
					},
					"finishReason": "STOP",
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient("gemini", "test-key", "gemini-test", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = client.Complete(context.Background(), []Message{{Role: "user", Content: "hello"}})
	if err == nil {
		t.Fatal("expected error for empty result")
	}
	if !strings.Contains(err.Error(), "empty response") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGeminiRequiresUserMessage(t *testing.T) {
	client, err := NewClient("gemini", "test-key", "gemini-test")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = client.Complete(context.Background(), []Message{{Role: "system", Content: "policy only"}})
	if err == nil {
		t.Fatal("expected error when only a system message is supplied")
	}
}

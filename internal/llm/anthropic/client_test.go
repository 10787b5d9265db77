package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument when api key is missing, got %v", err)
	}
}

func TestGenerateSuccess(t *testing.T) {
	var captured struct {
		Path   string
		APIKey string
		Body   map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Path = r.URL.Path
		captured.APIKey = r.Header.Get("X-Api-Key")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg_1",
			"type":  "message",
			"role":  "assistant",
			"model": "claude-3-5-sonnet-20241022",
			"content": []map[string]any{
				{"type": "text", "text": "Well, "},
				{"type": "text", "text": "here's the deal. "},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 3, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := client.Generate(context.Background(), llm.Request{
		Instruction: "be witty",
		Context:     "user is cooking",
		Content:     "Boil water.",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text != "Well, here's the deal." {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if captured.Path != "/v1/messages" {
		t.Fatalf("unexpected path: %s", captured.Path)
	}
	if captured.APIKey != "test" {
		t.Fatalf("api key header missing: %q", captured.APIKey)
	}
	if captured.Body["model"] != string(defaultModelName) {
		t.Fatalf("unexpected model: %v", captured.Body["model"])
	}

	system, _ := captured.Body["system"].([]any)
	if len(system) != 1 {
		t.Fatalf("expected one system block, got %v", captured.Body["system"])
	}
	messages, _ := captured.Body["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("expected one user message, got %d", len(messages))
	}
	raw, _ := json.Marshal(messages[0])
	if !strings.Contains(string(raw), "user is cooking") {
		t.Fatalf("user prompt missing context: %s", raw)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad prompt"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Generate(context.Background(), llm.Request{Content: "test"})
	if xerrors.CodeOf(err) != xerrors.CodeTransportFailure {
		t.Fatalf("expected transport failure, got %v", err)
	}
	if xerrors.RetryableError(err) {
		t.Fatalf("400 should not be retryable")
	}
}

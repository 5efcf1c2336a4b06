package openrouter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "AI-Orchestra/internal/errors"
	"AI-Orchestra/internal/provider"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestInvokeSuccess(t *testing.T) {
	var captured struct {
		Authorization string
		Body          map[string]any
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"content": "你好，这是回复",
					},
				},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", Endpoint: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	result, err := client.Invoke(context.Background(), provider.Request{
		Model:        "deepseek/deepseek-chat",
		Prompt:       "测试",
		SystemPrompt: "你是一个助手",
		Params:       map[string]any{"temperature": 0.3, "max_tokens": 100},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "你好，这是回复" {
		t.Fatalf("unexpected result: %q", result)
	}

	if !strings.HasPrefix(captured.Authorization, "Bearer ") {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body["model"] != "deepseek/deepseek-chat" {
		t.Fatalf("model field missing in request: %v", captured.Body["model"])
	}
	if captured.Body["temperature"] != 0.3 {
		t.Fatalf("temperature override not applied: %v", captured.Body["temperature"])
	}
	messages, ok := captured.Body["messages"].([]any)
	if !ok || len(messages) != 2 {
		t.Fatalf("expected system + user messages, got %v", captured.Body["messages"])
	}
}

func TestInvokeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", Endpoint: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	_, err = client.Invoke(context.Background(), provider.Request{Model: "m", Prompt: "p"})
	if err == nil {
		t.Fatalf("expected error when http status is not success")
	}
	if xerrors.CodeOf(err) != xerrors.CodeUpstreamError {
		t.Fatalf("expected upstream error code, got %s", xerrors.CodeOf(err))
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("upstream errors should be retryable")
	}
}

package googleai

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
	if _, err := NewClient(Config{APIKey: "k"}); err == nil {
		t.Fatalf("expected error when endpoints are missing")
	}
	if _, err := NewClient(Config{Endpoints: map[string]string{"imagen": "http://x"}}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestInvokeImagenPassthrough(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-goog-api-key"); got != "secret" {
			t.Fatalf("api key header missing: %q", got)
		}
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"images":[{"url":"https://cdn/img.png"}]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		APIKey:    "secret",
		Endpoints: map[string]string{"imagen": srv.URL},
		Timeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	result, err := client.Invoke(context.Background(), provider.Request{
		Model:  "imagen-3.0",
		Prompt: "一只猫",
		Params: map[string]any{"aspect_ratio": "16:9", "num_images": 2},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 响应原样透传。
	if !strings.Contains(result, "cdn/img.png") {
		t.Fatalf("expected raw JSON passthrough, got %q", result)
	}
	if captured["aspectRatio"] != "16:9" {
		t.Fatalf("aspect ratio override not applied: %v", captured["aspectRatio"])
	}
	if captured["numberOfImages"] != float64(2) {
		t.Fatalf("num images override not applied: %v", captured["numberOfImages"])
	}
}

func TestInvokeUnknownMediaModel(t *testing.T) {
	client, err := NewClient(Config{
		APIKey:    "secret",
		Endpoints: map[string]string{"imagen": "http://unused"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = client.Invoke(context.Background(), provider.Request{Model: "gemini-pro", Prompt: "p"})
	if err == nil {
		t.Fatalf("expected error for unrecognised media model")
	}
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("unexpected error code: %s", xerrors.CodeOf(err))
	}
}

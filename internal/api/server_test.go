package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"AI-Orchestra/internal/config"
	"AI-Orchestra/internal/invoker"
	"AI-Orchestra/internal/router"
	"AI-Orchestra/internal/run"
	"AI-Orchestra/internal/session"
)

type scriptedCaller struct {
	replies map[string]func(prompt string) (string, error)
}

func (c *scriptedCaller) Call(_ context.Context, modelName, prompt string, _ *invoker.CallConfig) (string, error) {
	fn, ok := c.replies[modelName]
	if !ok {
		return "", fmt.Errorf("model %s not scripted", modelName)
	}
	return fn(prompt)
}

func newTestRouter(caller *scriptedCaller) *router.Router {
	return router.New(caller, router.Config{
		DenyTokens:      120000,
		ForceHighTokens: 60000,
		Routes: map[router.Category]router.Route{
			router.CategoryLow:    {Model: "fast_ai"},
			router.CategoryMedium: {Model: "medium_ai"},
			router.CategoryHigh:   {Model: "planner_ai", FastResponseModel: "fast_ai"},
		},
		CategorizerModel: "categorizer_ai",
		NarratorModel:    "ai_workers_failed_ai",
	})
}

func TestHandleChatLowTier(t *testing.T) {
	caller := &scriptedCaller{replies: map[string]func(string) (string, error){
		"categorizer_ai": func(string) (string, error) { return "L", nil },
		"fast_ai":        func(string) (string, error) { return "你好！", nil },
	}}
	sessions := session.NewMemoryStore()
	server := NewServer(Options{
		Router:   newTestRouter(caller),
		Sessions: sessions,
	})

	body := strings.NewReader(`{"message":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", body)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("expected generated session id")
	}
	if resp.Response != "你好！" {
		t.Fatalf("unexpected response: %q", resp.Response)
	}

	stored, err := sessions.Get(context.Background(), resp.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(stored.Messages) != 2 {
		t.Fatalf("会话应记录用户与助手两条消息，实际 %d", len(stored.Messages))
	}
	if stored.Messages[0].Role != "user" || stored.Messages[1].Role != "assistant" {
		t.Fatalf("unexpected roles: %+v", stored.Messages)
	}
}

func TestHandleChatRejectsEmptyMessage(t *testing.T) {
	server := NewServer(Options{Router: newTestRouter(&scriptedCaller{})})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"message":"  "}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleWorkflowsExecutesDefinition(t *testing.T) {
	caller := &scriptedCaller{replies: map[string]func(string) (string, error){
		"writer_ai": func(prompt string) (string, error) { return "essay about " + prompt, nil },
	}}
	server := NewServer(Options{Router: newTestRouter(caller)})

	payload := `{
		"definition": {"workflow": [
			{"type": "sequential", "tasks": [
				{"model": "writer_ai", "prompt": "{topic}", "output_variable": "essay"}
			]}
		]},
		"variables": {"topic": "go"}
	}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var resp workflowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "completed" {
		t.Fatalf("unexpected status: %s", resp.Status)
	}
	if resp.Result["essay"] != "essay about go" {
		t.Fatalf("unexpected result: %+v", resp.Result)
	}
}

func TestHandleWorkflowsRejectsInvalidDefinition(t *testing.T) {
	server := NewServer(Options{Router: newTestRouter(&scriptedCaller{})})

	payload := `{"definition": {"workflow": [{"type": "circular", "tasks": []}]}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleRunsSubmitAndDetail(t *testing.T) {
	service := run.NewService(run.NewMemoryStore(), run.NewMemoryQueue(8), 3)
	server := NewServer(Options{Runs: service})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(`{"message":"写一篇文章"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var submitted run.Run
	if err := json.Unmarshal(rec.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if submitted.ID == "" || submitted.Status != run.StatusPending {
		t.Fatalf("unexpected run: %+v", submitted)
	}

	detailReq := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+submitted.ID, nil)
	detailRec := httptest.NewRecorder()
	server.Handler().ServeHTTP(detailRec, detailReq)
	if detailRec.Code != http.StatusOK {
		t.Fatalf("unexpected detail status: %d", detailRec.Code)
	}

	missingReq := httptest.NewRequest(http.MethodGet, "/api/v1/runs/missing", nil)
	missingRec := httptest.NewRecorder()
	server.Handler().ServeHTTP(missingRec, missingReq)
	if missingRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing run, got %d", missingRec.Code)
	}
}

func TestHandleSessionDetailLifecycle(t *testing.T) {
	sessions := session.NewMemoryStore()
	server := NewServer(Options{Sessions: sessions})
	ctx := context.Background()

	if err := sessions.Append(ctx, "s1", session.Message{Role: "user", Content: "hi", Timestamp: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1", nil)
	getRec := httptest.NewRecorder()
	server.Handler().ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("unexpected get status: %d", getRec.Code)
	}

	delReq := httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/s1", nil)
	delRec := httptest.NewRecorder()
	server.Handler().ServeHTTP(delRec, delReq)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("unexpected delete status: %d", delRec.Code)
	}

	missingRec := httptest.NewRecorder()
	server.Handler().ServeHTTP(missingRec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s1", nil))
	if missingRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", missingRec.Code)
	}
}

func TestHandleTemplateExecute(t *testing.T) {
	caller := &scriptedCaller{replies: map[string]func(string) (string, error){
		"summarizer_ai": func(prompt string) (string, error) { return "summary: " + prompt, nil },
	}}
	templates := map[string]config.WorkflowTemplate{
		"summarize": {
			Description: "总结一段文本",
			Workflow: json.RawMessage(`[
				{"type": "sequential", "tasks": [
					{"model": "summarizer_ai", "prompt": "{text}", "output_variable": "summary"}
				]}
			]`),
		},
	}
	server := NewServer(Options{Router: newTestRouter(caller), Templates: templates})

	payload := `{"variables": {"text": "hello"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/templates/summarize/execute", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	var resp workflowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Result["summary"] != "summary: hello" {
		t.Fatalf("unexpected result: %+v", resp.Result)
	}

	missingRec := httptest.NewRecorder()
	server.Handler().ServeHTTP(missingRec,
		httptest.NewRequest(http.MethodPost, "/api/v1/templates/unknown/execute", strings.NewReader(`{}`)))
	if missingRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown template, got %d", missingRec.Code)
	}
}

func TestHandleModelsAndAddons(t *testing.T) {
	server := NewServer(Options{
		Models: map[string]invoker.ModelConfig{
			"fast_ai": {Provider: "openrouter", Model: "meta/llama-3-8b", Purpose: "low tier"},
		},
		Addons: map[string]string{"tone": "保持轻松的语气"},
	})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/models", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected models status: %d", rec.Code)
	}
	var models map[string]ModelInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &models); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	if models["fast_ai"].Provider != "openrouter" {
		t.Fatalf("unexpected models payload: %+v", models)
	}

	addonRec := httptest.NewRecorder()
	server.Handler().ServeHTTP(addonRec, httptest.NewRequest(http.MethodGet, "/api/v1/addons", nil))
	if addonRec.Code != http.StatusOK {
		t.Fatalf("unexpected addons status: %d", addonRec.Code)
	}
}

func TestHandleStats(t *testing.T) {
	sessions := session.NewMemoryStore()
	service := run.NewService(run.NewMemoryStore(), run.NewMemoryQueue(8), 3)
	server := NewServer(Options{Sessions: sessions, Runs: service})
	ctx := context.Background()

	if err := sessions.Append(ctx, "s1", session.Message{Role: "user", Content: "hi", Timestamp: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := service.Submit(ctx, run.SubmitRequest{Message: "m"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected stats status: %d", rec.Code)
	}
	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if resp.Sessions.ActiveSessions != 1 || resp.Runs.Total != 1 {
		t.Fatalf("unexpected stats: %+v", resp)
	}
}

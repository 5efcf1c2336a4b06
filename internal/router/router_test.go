package router

import (
	"context"
	"strings"
	"sync"
	"testing"

	xerrors "AI-Orchestra/internal/errors"
	"AI-Orchestra/internal/invoker"
)

type scriptedCaller struct {
	mu      sync.Mutex
	calls   []string
	respond map[string]func(prompt string) (string, error)
}

func newScriptedCaller() *scriptedCaller {
	return &scriptedCaller{respond: make(map[string]func(string) (string, error))}
}

func (s *scriptedCaller) on(model string, fn func(prompt string) (string, error)) {
	s.respond[model] = fn
}

func (s *scriptedCaller) Call(_ context.Context, model, prompt string, _ *invoker.CallConfig) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, model)
	s.mu.Unlock()
	if fn, ok := s.respond[model]; ok {
		return fn(prompt)
	}
	return "ok", nil
}

func testConfig() Config {
	return Config{
		DenyTokens:       120000,
		ForceHighTokens:  60000,
		CategorizerModel: "categorizer_ai",
		NarratorModel:    "ai_workers_failed_ai",
		Routes: map[Category]Route{
			CategoryLow:    {Model: "thinking_ai"},
			CategoryMedium: {Model: "medium_ai"},
			CategoryHigh:   {Model: "planner_ai", FastResponseModel: "fast_ai"},
		},
	}
}

func TestCategorizeDenyLimit(t *testing.T) {
	caller := newScriptedCaller()
	r := New(caller, testConfig())
	_, err := r.ProcessRequest(context.Background(), "hi", 130000)
	if xerrors.CodeOf(err) != xerrors.CodeRequestTooLarge {
		t.Fatalf("expected REQUEST_TOO_LARGE, got %v", err)
	}
	if len(caller.calls) != 0 {
		t.Fatalf("超限请求不应触发任何模型调用")
	}
}

func TestCategorizeForceHighThreshold(t *testing.T) {
	caller := newScriptedCaller()
	caller.on("planner_ai", func(string) (string, error) {
		return `{"workflow": []}`, nil
	})
	r := New(caller, testConfig())
	if _, err := r.ProcessRequest(context.Background(), "hi", 70000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, model := range caller.calls {
		if model == "categorizer_ai" {
			t.Fatalf("超过强制阈值时不应调用分类模型")
		}
	}
}

func TestCategorizeImageMarkerGoesHigh(t *testing.T) {
	caller := newScriptedCaller()
	caller.on("planner_ai", func(string) (string, error) {
		return `{"workflow": []}`, nil
	})
	r := New(caller, testConfig())
	if _, err := r.ProcessRequest(context.Background(), "画一张 image: 夕阳", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if caller.calls[0] != "fast_ai" {
		t.Fatalf("图片请求应直接走高分级: %v", caller.calls)
	}
}

func TestCategorizeOutOfSetDefaultsHigh(t *testing.T) {
	caller := newScriptedCaller()
	caller.on("categorizer_ai", func(string) (string, error) {
		return "我觉得这个请求挺复杂的", nil
	})
	caller.on("planner_ai", func(string) (string, error) {
		return `{"workflow": []}`, nil
	})
	r := New(caller, testConfig())
	if _, err := r.ProcessRequest(context.Background(), "帮个忙", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var sawPlanner bool
	for _, model := range caller.calls {
		if model == "planner_ai" {
			sawPlanner = true
		}
	}
	if !sawPlanner {
		t.Fatalf("越界分级应兜底到 H: %v", caller.calls)
	}
}

func TestProcessRequestMediumDirectCall(t *testing.T) {
	caller := newScriptedCaller()
	caller.on("categorizer_ai", func(string) (string, error) { return "M", nil })
	caller.on("medium_ai", func(string) (string, error) { return "直接答案", nil })
	r := New(caller, testConfig())

	result, err := r.ProcessRequest(context.Background(), "法国的首都是哪里", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "直接答案" {
		t.Fatalf("unexpected result: %q", result)
	}
}

func TestProcessRequestHighTierCompletionMessage(t *testing.T) {
	caller := newScriptedCaller()
	caller.on("categorizer_ai", func(string) (string, error) { return "H", nil })
	caller.on("fast_ai", func(string) (string, error) { return "收到，马上处理。", nil })
	caller.on("planner_ai", func(string) (string, error) {
		return "```json\n{\"workflow\": [{\"type\": \"sequential\", \"tasks\": [{\"model\": \"writer_ai\", \"prompt\": \"基于 {user_message} 写结语\", \"output_variable\": \"completion_message\"}]}]}\n```", nil
	})
	caller.on("writer_ai", func(prompt string) (string, error) {
		if !strings.Contains(prompt, "完整营销方案") {
			t.Fatalf("种子变量未插值进任务提示词: %q", prompt)
		}
		return "方案已生成。", nil
	})
	r := New(caller, testConfig())

	result, err := r.ProcessRequest(context.Background(), "完整营销方案", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "收到，马上处理。\n\n方案已生成。" {
		t.Fatalf("unexpected result: %q", result)
	}
}

func TestProcessRequestHighTierResultsDump(t *testing.T) {
	caller := newScriptedCaller()
	caller.on("categorizer_ai", func(string) (string, error) { return "H", nil })
	caller.on("fast_ai", func(string) (string, error) { return "收到。", nil })
	caller.on("planner_ai", func(string) (string, error) {
		return `{"workflow": [{"type": "sequential", "tasks": [{"model": "writer_ai", "prompt": "p", "output_variable": "draft"}]}]}`, nil
	})
	caller.on("writer_ai", func(string) (string, error) { return "草稿内容", nil })
	r := New(caller, testConfig())

	result, err := r.ProcessRequest(context.Background(), "写点东西", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(result, "Results:") || !strings.Contains(result, "草稿内容") {
		t.Fatalf("无 completion_message 时应返回变量汇总: %q", result)
	}
	if strings.Contains(result, "user_message") {
		t.Fatalf("变量汇总不应包含种子变量: %q", result)
	}
}

func TestProcessRequestMalformedPlannerJSONStillContainsAck(t *testing.T) {
	caller := newScriptedCaller()
	caller.on("categorizer_ai", func(string) (string, error) { return "H", nil })
	caller.on("fast_ai", func(string) (string, error) { return "收到，马上处理。", nil })
	caller.on("planner_ai", func(string) (string, error) {
		return "抱歉，这里没有任何合法的 JSON", nil
	})
	r := New(caller, testConfig())

	result, err := r.ProcessRequest(context.Background(), "复杂请求", 0)
	if err != nil {
		t.Fatalf("规划失败不应成为调用方可见错误: %v", err)
	}
	if !strings.Contains(result, "收到，马上处理。") {
		t.Fatalf("降级响应必须携带确认语: %q", result)
	}
}

func TestProcessRequestWorkflowFailureDegrades(t *testing.T) {
	caller := newScriptedCaller()
	caller.on("categorizer_ai", func(string) (string, error) { return "H", nil })
	caller.on("fast_ai", func(string) (string, error) { return "收到。", nil })
	caller.on("planner_ai", func(string) (string, error) {
		return `{"workflow": [{"type": "sequential", "tasks": [{"model": "broken_ai", "prompt": "p"}]}]}`, nil
	})
	caller.on("broken_ai", func(string) (string, error) {
		return "", xerrors.New(xerrors.CodeUpstreamError, "上游宕机")
	})
	caller.on("ai_workers_failed_ai", func(string) (string, error) {
		return "", xerrors.New(xerrors.CodeUpstreamError, "解说也宕机")
	})
	r := New(caller, testConfig())

	result, err := r.ProcessRequest(context.Background(), "复杂请求", 0)
	if err != nil {
		t.Fatalf("执行失败不应成为调用方可见错误: %v", err)
	}
	if !strings.Contains(result, "收到。") || !strings.Contains(result, "Error during execution") {
		t.Fatalf("降级响应应包含确认语与失败说明: %q", result)
	}
}

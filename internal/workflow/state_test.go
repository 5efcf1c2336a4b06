package workflow

import (
	"testing"
)

func TestReplaceVariables(t *testing.T) {
	state := NewState()
	state.Set("topic", "环保水杯")
	state.Set("count", 3)

	got := state.ReplaceVariables("为 {topic} 写 {count} 条文案")
	if got != "为 环保水杯 写 3 条文案" {
		t.Fatalf("unexpected interpolation: %q", got)
	}
}

func TestReplaceVariablesUnknownLeftVerbatim(t *testing.T) {
	state := NewState()
	got := state.ReplaceVariables("前缀 {missing} 后缀")
	if got != "前缀 {missing} 后缀" {
		t.Fatalf("未定义占位符应原样保留: %q", got)
	}
}

func TestReplaceVariablesStructuredValue(t *testing.T) {
	state := NewState()
	state.Set("item", map[string]any{"color": "green"})
	got := state.ReplaceVariables("规格: {item}")
	if got != `规格: {"color":"green"}` {
		t.Fatalf("结构化变量应序列化为 JSON: %q", got)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	state := NewState()
	state.Set("a", 1)
	snapshot := state.Snapshot()
	snapshot["a"] = 2
	if v, _ := state.Get("a"); v != 1 {
		t.Fatalf("快照修改不应影响状态: %v", v)
	}
}

package session

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreAppendCreatesSession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Append(ctx, "s1", Message{Role: "user", Content: "你好"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.Append(ctx, "s1", Message{Role: "assistant", Content: "你好，有什么可以帮你"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != "user" || got.Messages[1].Role != "assistant" {
		t.Fatalf("message order wrong: %+v", got.Messages)
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Append(ctx, "s1", Message{Role: "user", Content: "a"})

	got, _ := store.Get(ctx, "s1")
	got.Messages[0].Content = "篡改"

	again, _ := store.Get(ctx, "s1")
	if again.Messages[0].Content != "a" {
		t.Fatalf("返回的会话应是副本")
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Append(ctx, "s1", Message{Content: "a"})
	_ = store.Append(ctx, "s1", Message{Content: "b"})
	_ = store.Append(ctx, "s2", Message{Content: "c"})

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.ActiveSessions != 2 || stats.TotalMessages != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestEstimateContextTokens(t *testing.T) {
	s := &Session{Messages: []Message{
		{Content: "abcdefgh"},
		{Content: "ijkl"},
	}}
	if got := EstimateContextTokens(s); got != 3 {
		t.Fatalf("expected 3 tokens, got %d", got)
	}
	if got := EstimateContextTokens(nil); got != 0 {
		t.Fatalf("nil session should estimate 0, got %d", got)
	}
}

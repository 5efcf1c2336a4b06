package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryDelayIsMonotonicAndCapped(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
		MaxAttempts: 5,
	}

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	var prev time.Duration
	for i, want := range expected {
		got := policy.Delay(i + 1)
		if got != want {
			t.Fatalf("第 %d 次重试延迟期望 %v, 实际 %v", i+1, want, got)
		}
		if got < prev {
			t.Fatalf("延迟应单调不减")
		}
		prev = got
	}
}

func TestRetryExecuteReturnsLastError(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Multiplier:  2.0,
		MaxAttempts: 3,
	}

	calls := 0
	wantErr := errors.New("上游不可用")
	_, err := policy.Execute(context.Background(), func(context.Context) (string, error) {
		calls++
		return "", wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("应返回最后一次的底层错误, 实际 %v", err)
	}
	if calls != 3 {
		t.Fatalf("应尝试 3 次, 实际 %d", calls)
	}
}

func TestRetryExecuteStopsOnSuccess(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		Multiplier:  2.0,
		MaxAttempts: 5,
	}

	calls := 0
	result, err := policy.Execute(context.Background(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("暂时失败")
		}
		return "完成", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "完成" || calls != 3 {
		t.Fatalf("期望第 3 次成功, 实际 calls=%d result=%q", calls, result)
	}
}

func TestRetryExecuteHonorsContext(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:   time.Hour,
		MaxDelay:    time.Hour,
		Multiplier:  2.0,
		MaxAttempts: 3,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := policy.Execute(ctx, func(context.Context) (string, error) {
		return "", errors.New("失败")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("退避期间应感知上下文取消, 实际 %v", err)
	}
}

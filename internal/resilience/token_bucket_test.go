package resilience

import (
	"testing"
	"time"
)

func TestTokenBucketConsumeAndRefill(t *testing.T) {
	current := time.Unix(1000, 0)
	bucket := NewTokenBucket(10, 1.0)
	bucket.now = func() time.Time { return current }
	bucket.lastRefill = current

	for i := 0; i < 10; i++ {
		if !bucket.TryConsume(1) {
			t.Fatalf("第 %d 次消费不应失败", i+1)
		}
	}
	if bucket.TryConsume(1) {
		t.Fatalf("余额耗尽后不应消费成功")
	}

	// 经过 3 秒补充 3 个令牌。
	current = current.Add(3 * time.Second)
	if got := bucket.Tokens(); got < 2.9 || got > 3.1 {
		t.Fatalf("期望约 3 个令牌, 实际 %f", got)
	}
	if !bucket.TryConsume(3) {
		t.Fatalf("补充后消费 3 个令牌应成功")
	}
	if bucket.TryConsume(1) {
		t.Fatalf("余额再次耗尽后不应消费成功")
	}
}

func TestTokenBucketNeverExceedsCapacity(t *testing.T) {
	current := time.Unix(1000, 0)
	bucket := NewTokenBucket(5, 100.0)
	bucket.now = func() time.Time { return current }
	bucket.lastRefill = current

	current = current.Add(time.Hour)
	if got := bucket.Tokens(); got != 5 {
		t.Fatalf("令牌不应超过容量, 实际 %f", got)
	}
}

func TestTokenBucketInsufficientBalanceUnchanged(t *testing.T) {
	current := time.Unix(1000, 0)
	bucket := NewTokenBucket(4, 0.001)
	bucket.now = func() time.Time { return current }
	bucket.lastRefill = current

	if !bucket.TryConsume(3) {
		t.Fatalf("首次消费应成功")
	}
	before := bucket.Tokens()
	if bucket.TryConsume(2) {
		t.Fatalf("余额不足时不应消费成功")
	}
	if after := bucket.Tokens(); after < before {
		t.Fatalf("失败的消费不应扣减余额: %f -> %f", before, after)
	}
}

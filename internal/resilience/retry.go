package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy 描述指数退避重试参数，启动时加载一次后只读共享。
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
	MaxAttempts int
}

// DefaultRetryPolicy 返回一组保守的默认参数。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
		MaxAttempts: 3,
	}
}

// Delay 计算第 attempt 次尝试（从 1 开始计数的重试序号）之前的确定性延迟，
// 不含抖动：min(base * multiplier^(attempt-1), max)。
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// Execute 以有限次数执行 op，失败后按指数退避等待再试。
// 最后一次失败不再等待，错误立即向上传播。
func (p RetryPolicy) Execute(ctx context.Context, op func(ctx context.Context) (string, error)) (string, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}

		delay := p.Delay(attempt + 1)
		if p.Jitter {
			// 均匀抖动至 [0.5, 1.0] 倍，避免并发请求的重试风暴同步。
			delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", lastErr
}

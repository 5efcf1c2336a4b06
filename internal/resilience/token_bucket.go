package resilience

import (
	"sync"
	"time"
)

// TokenBucket 通过令牌桶实现对上游 provider 的请求限流。
// 补充令牌在每次消费尝试时按逝去的时间惰性计算，不依赖后台定时器。
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket 创建容量为 capacity、每秒补充 refillRate 个令牌的桶。
// 初始时桶是满的。
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = float64(capacity) / 60.0
	}
	b := &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillRate,
		now:        time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// NewTokenBucketFromRPM 按每分钟请求数换算出令牌桶。
func NewTokenBucketFromRPM(requestsPerMinute int) *TokenBucket {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return NewTokenBucket(requestsPerMinute, float64(requestsPerMinute)/60.0)
}

// TryConsume 尝试消费 n 个令牌。余额充足时扣减并返回 true，
// 否则不改变余额直接返回 false。本原语不阻塞，轮询由调用方负责。
func (b *TokenBucket) TryConsume(n float64) bool {
	if n <= 0 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// Tokens 返回当前余额，仅用于观测与测试。
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.refillRate)
	}
	b.lastRefill = now
}

// LimiterRegistry 按 provider 维护令牌桶，进程生命周期内共享。
type LimiterRegistry struct {
	mu      sync.RWMutex
	buckets map[string]*TokenBucket
}

// NewLimiterRegistry 根据 provider → 每分钟请求数的映射构建注册表。
func NewLimiterRegistry(requestsPerMinute map[string]int) *LimiterRegistry {
	buckets := make(map[string]*TokenBucket, len(requestsPerMinute))
	for provider, rpm := range requestsPerMinute {
		if rpm > 0 {
			buckets[provider] = NewTokenBucketFromRPM(rpm)
		}
	}
	return &LimiterRegistry{buckets: buckets}
}

// Get 返回 provider 对应的令牌桶。未配置限流的 provider 返回 nil。
func (r *LimiterRegistry) Get(provider string) *TokenBucket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.buckets[provider]
}

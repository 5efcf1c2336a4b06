package resilience

import (
	"sync"
	"time"

	xerrors "AI-Orchestra/internal/errors"
)

// BreakerState 表示熔断器所处的状态。
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// ErrBreakerOpen 表示熔断器处于打开状态，调用被快速拒绝。
var ErrBreakerOpen = xerrors.New(xerrors.CodeBreakerOpen, "")

// CircuitBreaker 按逻辑模型统计连续失败，达到阈值后快速拒绝后续调用。
// 失败计数在关闭状态下单调增长，只有半开状态的一次成功才会清零。
type CircuitBreaker struct {
	mu            sync.Mutex
	failures      int
	lastFailure   time.Time
	state         BreakerState
	threshold     int
	timeout       time.Duration
	trialInFlight bool
	now           func() time.Time
}

// NewCircuitBreaker 创建一个熔断器。threshold 是连续失败阈值，
// timeout 是打开状态维持的时长。
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &CircuitBreaker{
		state:     StateClosed,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Allow 判断是否放行一次调用。打开状态超时后进入半开，
// 半开状态只允许一个试探调用通过，其余调用返回 ErrBreakerOpen。
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) > cb.timeout {
			cb.state = StateHalfOpen
			cb.trialInFlight = true
			return nil
		}
		return ErrBreakerOpen
	case StateHalfOpen:
		if cb.trialInFlight {
			return ErrBreakerOpen
		}
		cb.trialInFlight = true
		return nil
	default:
		return nil
	}
}

// OnSuccess 记录一次成功。半开状态下的成功会关闭熔断器并清零计数。
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.failures = 0
		cb.trialInFlight = false
	}
}

// OnFailure 记录一次失败并在必要时打开熔断器。
// 半开状态下的失败会重新打开并重置失败计时。
func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.trialInFlight = false
	case StateClosed:
		if cb.failures >= cb.threshold {
			cb.state = StateOpen
		}
	}
}

// State 返回当前状态，仅用于观测与测试。
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerRegistry 按逻辑模型名惰性创建熔断器，进程生命周期内保留。
type BreakerRegistry struct {
	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	threshold int
	timeout   time.Duration
}

// NewBreakerRegistry 创建熔断器注册表，所有熔断器共享同一组参数。
func NewBreakerRegistry(threshold int, timeout time.Duration) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		timeout:   timeout,
	}
}

// Get 返回模型对应的熔断器，不存在时创建。
func (r *BreakerRegistry) Get(model string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[model]
	if !ok {
		cb = NewCircuitBreaker(r.threshold, r.timeout)
		r.breakers[model] = cb
	}
	return cb
}

// Package provider defines the closed set of upstream gateway variants the
// orchestrator can invoke. Adding a provider kind means adding an
// implementation of Invoker, not extending an open-ended conditional.
package provider

import (
	"context"
	"sync"
)

// Request 描述一次与 provider 无关的模型调用。
// Params 已经是模型默认值与单次覆盖合并后的最终参数。
type Request struct {
	Model        string
	Prompt       string
	SystemPrompt string
	Params       map[string]any
}

// Invoker 是所有上游网关的统一调用能力。
// 返回值是模型产出的文本，媒体类网关返回原始 JSON 串。
type Invoker interface {
	Invoke(ctx context.Context, req Request) (string, error)
}

// Registry 按 provider 名称保存网关实例，启动后只读共享。
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Invoker
}

// NewRegistry 创建空的注册表。
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Invoker)}
}

// Register 注册一个网关实例。
func (r *Registry) Register(name string, p Invoker) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get 返回指定名称的网关。
func (r *Registry) Get(name string) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// FloatParam 从参数表中取浮点参数，缺失或类型不符时返回默认值。
func FloatParam(params map[string]any, key string, fallback float64) float64 {
	if raw, ok := params[key]; ok {
		switch v := raw.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int:
			return float64(v)
		}
	}
	return fallback
}

// IntParam 从参数表中取整型参数，缺失或类型不符时返回默认值。
func IntParam(params map[string]any, key string, fallback int) int {
	if raw, ok := params[key]; ok {
		switch v := raw.(type) {
		case int:
			return v
		case float64:
			return int(v)
		}
	}
	return fallback
}

// StringParam 从参数表中取字符串参数。
func StringParam(params map[string]any, key, fallback string) string {
	if raw, ok := params[key]; ok {
		if v, ok := raw.(string); ok {
			return v
		}
	}
	return fallback
}

// BoolParam 从参数表中取布尔参数。
func BoolParam(params map[string]any, key string, fallback bool) bool {
	if raw, ok := params[key]; ok {
		if v, ok := raw.(bool); ok {
			return v
		}
	}
	return fallback
}

package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "AI-Orchestra/internal/errors"
	"AI-Orchestra/internal/observability/metrics"
	"AI-Orchestra/internal/provider"
	"AI-Orchestra/internal/resilience"
	"AI-Orchestra/pkg/logger"
)

// maxFallbackCandidates 限制一次调用最多尝试的模型数量，
// 防止降级链配置成环时无限展开。
const maxFallbackCandidates = 8

// ModelConfig 将逻辑模型名映射到 provider 与具体模型标识。
type ModelConfig struct {
	Provider string
	Model    string
	Purpose  string
	Defaults map[string]any
}

// CallConfig 描述单次调用的覆盖配置：采样参数、addon 名称与系统提示词覆盖。
type CallConfig struct {
	Params       map[string]any
	Addons       []string
	SystemPrompt string
}

// UnmarshalJSON 兼容规划器输出的扁平 config 对象：
// addons 与 system_prompt 字段被拆出，其余键一律视为采样参数。
func (c *CallConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if rawAddons, ok := raw["addons"]; ok {
		if list, ok := rawAddons.([]any); ok {
			for _, item := range list {
				if name, ok := item.(string); ok {
					c.Addons = append(c.Addons, name)
				}
			}
		}
		delete(raw, "addons")
	}
	if sp, ok := raw["system_prompt"].(string); ok {
		c.SystemPrompt = sp
		delete(raw, "system_prompt")
	}
	c.Params = raw
	return nil
}

// Config 汇总 Invoker 的全部依赖，启动时装配一次。
type Config struct {
	Models       map[string]ModelConfig
	BasePrompts  map[string]string
	Addons       map[string]string
	Fallbacks    map[string][]string
	Providers    *provider.Registry
	Limiters     *resilience.LimiterRegistry
	Breakers     *resilience.BreakerRegistry
	Retry        resilience.RetryPolicy
	PollInterval time.Duration
}

// Invoker 是模型调用的统一入口。
type Invoker struct {
	models       map[string]ModelConfig
	basePrompts  map[string]string
	addons       map[string]string
	fallbacks    map[string][]string
	providers    *provider.Registry
	limiters     *resilience.LimiterRegistry
	breakers     *resilience.BreakerRegistry
	retry        resilience.RetryPolicy
	pollInterval time.Duration
	logger       *slog.Logger
}

// New 创建 Invoker。
func New(cfg Config) *Invoker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &Invoker{
		models:       cfg.Models,
		basePrompts:  cfg.BasePrompts,
		addons:       cfg.Addons,
		fallbacks:    cfg.Fallbacks,
		providers:    cfg.Providers,
		limiters:     cfg.Limiters,
		breakers:     cfg.Breakers,
		retry:        cfg.Retry,
		pollInterval: pollInterval,
		logger:       logger.Named("invoker"),
	}
}

// Call 调用逻辑模型并在主模型耗尽后依次尝试降级链。
// 所有候选模型都失败时，重新抛出主模型的原始错误。
func (inv *Invoker) Call(ctx context.Context, modelName, prompt string, cfg *CallConfig) (string, error) {
	if cfg == nil {
		cfg = &CallConfig{}
	}

	// 按配置的降级链做深度优先展开，显式迭代并用已访问集合封顶，
	// 避免语言层递归与成环配置。
	queue := []string{modelName}
	visited := make(map[string]bool, 4)
	var primaryErr error

	for attempts := 0; len(queue) > 0 && attempts < maxFallbackCandidates; attempts++ {
		name := queue[0]
		queue = queue[1:]
		if visited[name] {
			continue
		}
		visited[name] = true

		result, err := inv.callModel(ctx, name, prompt, cfg)
		if err == nil {
			if name != modelName {
				inv.logger.Info("降级模型调用成功",
					slog.String("model", modelName),
					slog.String("fallback", name))
			}
			return result, nil
		}

		if primaryErr == nil {
			primaryErr = err
		}
		// 主模型名未配置时直接失败，不进入降级链。
		if name == modelName {
			code := xerrors.CodeOf(err)
			if code == xerrors.CodeUnknownModel || code == xerrors.CodeUnknownProvider {
				return "", err
			}
		}
		inv.logger.Warn("模型调用失败",
			slog.String("model", name),
			slog.Any("error", err),
			slog.Int("pending_fallbacks", len(inv.fallbacks[name])))

		queue = append(append([]string{}, inv.fallbacks[name]...), queue...)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
	}

	if primaryErr == nil {
		primaryErr = xerrors.New(xerrors.CodeUnknownModel, fmt.Sprintf("模型 %s 未配置", modelName))
	}
	return "", primaryErr
}

// callModel 执行单个逻辑模型的一次受保护调用：
// 限流排队、熔断快速失败、带退避的有限次重试。
func (inv *Invoker) callModel(ctx context.Context, name, prompt string, cfg *CallConfig) (string, error) {
	model, ok := inv.models[name]
	if !ok {
		return "", xerrors.New(xerrors.CodeUnknownModel, fmt.Sprintf("模型 %s 未配置", name))
	}
	gateway, ok := inv.providers.Get(model.Provider)
	if !ok {
		return "", xerrors.New(xerrors.CodeUnknownProvider,
			fmt.Sprintf("模型 %s 引用了未知 provider %s", name, model.Provider))
	}

	params := mergeParams(model.Defaults, cfg.Params)
	systemPrompt := inv.composeSystemPrompt(name, cfg)

	breaker := inv.breakers.Get(name)
	if err := breaker.Allow(); err != nil {
		metrics.ObserveModelCall(name, "breaker_open", 0)
		return "", err
	}

	started := time.Now()
	limiter := inv.limiters.Get(model.Provider)
	result, err := inv.retry.Execute(ctx, func(ctx context.Context) (string, error) {
		if limiter != nil {
			if err := inv.waitForTokens(ctx, limiter); err != nil {
				return "", err
			}
		}
		return gateway.Invoke(ctx, provider.Request{
			Model:        model.Model,
			Prompt:       prompt,
			SystemPrompt: systemPrompt,
			Params:       params,
		})
	})
	if err != nil {
		breaker.OnFailure()
		metrics.ObserveModelCall(name, "error", time.Since(started))
		return "", err
	}
	breaker.OnSuccess()
	metrics.ObserveModelCall(name, "success", time.Since(started))
	return result, nil
}

// waitForTokens 以固定间隔轮询令牌桶，直到消费成功或上下文取消。
func (inv *Invoker) waitForTokens(ctx context.Context, limiter *resilience.TokenBucket) error {
	for !limiter.TryConsume(1) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(inv.pollInterval):
		}
	}
	return nil
}

// composeSystemPrompt 组合基础系统提示词与按请求顺序拼接的 addon 文本，
// 每个 addon 都带上自己的名称标签。
func (inv *Invoker) composeSystemPrompt(name string, cfg *CallConfig) string {
	base := cfg.SystemPrompt
	if base == "" {
		base = inv.basePrompts[name]
	}

	if len(cfg.Addons) == 0 {
		return base
	}
	parts := make([]string, 0, len(cfg.Addons))
	for _, addonName := range cfg.Addons {
		text, ok := inv.addons[addonName]
		if !ok || text == "" {
			inv.logger.Warn("引用了未定义的 addon", slog.String("addon", addonName))
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s ADDON]: %s", strings.ToUpper(addonName), text))
	}
	if len(parts) == 0 {
		return base
	}
	if base == "" {
		return strings.Join(parts, "\n\n")
	}
	return base + "\n\n" + strings.Join(parts, "\n\n")
}

// Models 返回模型注册表，供外部接口做只读展示。
func (inv *Invoker) Models() map[string]ModelConfig {
	return inv.models
}

func mergeParams(defaults, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

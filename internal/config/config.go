package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config 描述编排引擎在启动阶段加载的全部配置。
type Config struct {
	Server            ServerConfig                `json:"server"`
	Logging           LoggingConfig               `json:"logging"`
	Models            map[string]ModelConfig      `json:"ai_models"`
	BasePrompts       map[string]string           `json:"base_prompts"`
	PromptAddons      map[string]string           `json:"prompt_addons"`
	PromptsFile       string                      `json:"prompts_file"`
	Fallbacks         map[string][]string         `json:"model_fallbacks"`
	Providers         map[string]ProviderConfig   `json:"providers"`
	ErrorHandling     ErrorHandlingConfig         `json:"error_handling"`
	RequestFlow       RequestFlowConfig           `json:"request_flow"`
	WorkflowTemplates map[string]WorkflowTemplate `json:"workflow_templates"`
	SessionStore      SessionStoreConfig          `json:"session_store"`
	RunStore          RunStoreConfig              `json:"run_store"`
	RunQueue          RunQueueConfig              `json:"run_queue"`
	Alerting          AlertingConfig              `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
	} `json:"audit"`
}

// ModelConfig 将逻辑模型名映射到具体的 provider 与模型标识。
type ModelConfig struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Purpose  string         `json:"purpose"`
	Defaults map[string]any `json:"config"`
}

// ProviderConfig 描述一个上游网关的调用方式与限流配置。
type ProviderConfig struct {
	// Kind 取值 chat 或 media，决定请求的编码方式。
	Kind              string            `json:"kind"`
	Endpoint          string            `json:"endpoint"`
	MediaEndpoints    map[string]string `json:"media_endpoints"`
	APIKey            string            `json:"api_key"`
	APIKeyEnv         string            `json:"api_key_env"`
	RequestsPerMinute int               `json:"requests_per_minute"`
}

// ErrorHandlingConfig 汇总熔断与重试参数。
type ErrorHandlingConfig struct {
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Retry          RetryConfig          `json:"retry_config"`
	// RateLimitPollMS 是限流令牌不足时的轮询间隔。
	RateLimitPollMS int `json:"rate_limit_poll_ms"`
}

// CircuitBreakerConfig 描述每个逻辑模型的熔断参数。
type CircuitBreakerConfig struct {
	FailureThreshold int `json:"failure_threshold"`
	TimeoutSeconds   int `json:"timeout_seconds"`
}

// RetryConfig 描述指数退避重试参数。
type RetryConfig struct {
	BaseDelayMS     int     `json:"base_delay_ms"`
	MaxDelayMS      int     `json:"max_delay_ms"`
	ExponentialBase float64 `json:"exponential_base"`
	JitterEnabled   bool    `json:"jitter_enabled"`
	MaxAttempts     int     `json:"max_attempts"`
}

// RequestFlowConfig 决定请求的分级与路由。
type RequestFlowConfig struct {
	ContextLimits    ContextLimitsConfig    `json:"context_limits"`
	Categorization   map[string]RouteConfig `json:"categorization"`
	CategorizerModel string                 `json:"categorizer_model"`
	NarratorModel    string                 `json:"narrator_model"`
}

// ContextLimitsConfig 定义上下文大小的硬上限与强制高档阈值。
type ContextLimitsConfig struct {
	DenyRequest   int `json:"deny_request"`
	ForceHighTier int `json:"force_high_tier"`
}

// RouteConfig 描述某个复杂度档位的目标模型。
type RouteConfig struct {
	Model             string `json:"model"`
	FastResponseModel string `json:"fast_response_model"`
}

// WorkflowTemplate 是预置的工作流定义，步骤结构延迟到执行时解析。
type WorkflowTemplate struct {
	Description string          `json:"description"`
	Workflow    json.RawMessage `json:"workflow"`
}

// SessionStoreConfig 描述会话历史的存储后端。
type SessionStoreConfig struct {
	Driver string `json:"driver"`
	Redis  struct {
		Address    string `json:"address"`
		Password   string `json:"password"`
		DB         int    `json:"db"`
		KeyPrefix  string `json:"key_prefix"`
		TTLSeconds int    `json:"ttl_seconds"`
	} `json:"redis"`
}

// RunStoreConfig 描述异步运行记录的持久化后端。
type RunStoreConfig struct {
	Driver     string `json:"driver"`
	DSN        string `json:"dsn"`
	MaxRetries int    `json:"max_retries"`
}

// RunQueueConfig 描述异步运行队列的驱动。
type RunQueueConfig struct {
	Driver string `json:"driver"`
	Worker int    `json:"worker"`
	Redis  struct {
		Address   string `json:"address"`
		Password  string `json:"password"`
		DB        int    `json:"db"`
		Queue     string `json:"queue"`
		BlockWait int    `json:"block_wait_seconds"`
	} `json:"redis"`
	RabbitMQ struct {
		URL        string `json:"url"`
		Queue      string `json:"queue"`
		Prefetch   int    `json:"prefetch"`
		Durable    bool   `json:"durable"`
		AutoDelete bool   `json:"auto_delete"`
	} `json:"rabbitmq"`
}

// AlertingConfig 描述告警通知渠道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// promptsDocument 是 prompts_file 指向的 YAML 文件结构。
type promptsDocument struct {
	BasePrompts map[string]string `yaml:"base_prompts"`
	Addons      map[string]string `yaml:"addons"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	baseDir := filepath.Dir(path)
	if err := cfg.loadPrompts(baseDir); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// loadPrompts 合并 prompts_file 中的系统提示词与 addon 文本。
// 文件内的条目优先于配置文档内联的条目。
func (c *Config) loadPrompts(baseDir string) error {
	if c.PromptsFile == "" {
		return nil
	}
	path := c.PromptsFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("读取提示词文件失败: %w", err)
	}
	var doc promptsDocument
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return fmt.Errorf("解析提示词文件失败: %w", err)
	}
	if c.BasePrompts == nil {
		c.BasePrompts = make(map[string]string, len(doc.BasePrompts))
	}
	for name, prompt := range doc.BasePrompts {
		c.BasePrompts[name] = prompt
	}
	if c.PromptAddons == nil {
		c.PromptAddons = make(map[string]string, len(doc.Addons))
	}
	for name, text := range doc.Addons {
		c.PromptAddons[name] = text
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.ErrorHandling.CircuitBreaker.FailureThreshold <= 0 {
		c.ErrorHandling.CircuitBreaker.FailureThreshold = 5
	}
	if c.ErrorHandling.CircuitBreaker.TimeoutSeconds <= 0 {
		c.ErrorHandling.CircuitBreaker.TimeoutSeconds = 60
	}
	if c.ErrorHandling.Retry.BaseDelayMS <= 0 {
		c.ErrorHandling.Retry.BaseDelayMS = 500
	}
	if c.ErrorHandling.Retry.MaxDelayMS <= 0 {
		c.ErrorHandling.Retry.MaxDelayMS = 8000
	}
	if c.ErrorHandling.Retry.ExponentialBase <= 1 {
		c.ErrorHandling.Retry.ExponentialBase = 2.0
	}
	if c.ErrorHandling.Retry.MaxAttempts <= 0 {
		c.ErrorHandling.Retry.MaxAttempts = 3
	}
	if c.ErrorHandling.RateLimitPollMS <= 0 {
		c.ErrorHandling.RateLimitPollMS = 100
	}

	if c.RequestFlow.ContextLimits.DenyRequest <= 0 {
		c.RequestFlow.ContextLimits.DenyRequest = 120000
	}
	if c.RequestFlow.ContextLimits.ForceHighTier <= 0 {
		c.RequestFlow.ContextLimits.ForceHighTier = 60000
	}
	if c.RequestFlow.CategorizerModel == "" {
		c.RequestFlow.CategorizerModel = "categorizer_ai"
	}
	if c.RequestFlow.NarratorModel == "" {
		c.RequestFlow.NarratorModel = "ai_workers_failed_ai"
	}

	if c.SessionStore.Driver == "" {
		c.SessionStore.Driver = "memory"
	}
	if c.RunStore.Driver == "" {
		c.RunStore.Driver = "memory"
	}
	if c.RunStore.MaxRetries <= 0 {
		c.RunStore.MaxRetries = 3
	}
	if c.RunQueue.Driver == "" {
		c.RunQueue.Driver = "memory"
	}
	if c.RunQueue.Worker <= 0 {
		c.RunQueue.Worker = 4
	}
}

// ProviderAPIKey 返回某个 provider 的 API Key，环境变量优先级低于内联配置。
func (c *Config) ProviderAPIKey(name string) string {
	provider, ok := c.Providers[name]
	if !ok {
		return ""
	}
	if provider.APIKey != "" {
		return provider.APIKey
	}
	if provider.APIKeyEnv != "" {
		return os.Getenv(provider.APIKeyEnv)
	}
	return ""
}

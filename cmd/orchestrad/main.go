package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AI-Orchestra/internal/api"
	"AI-Orchestra/internal/config"
	"AI-Orchestra/internal/invoker"
	"AI-Orchestra/internal/observability/alerting"
	"AI-Orchestra/internal/provider"
	"AI-Orchestra/internal/provider/googleai"
	"AI-Orchestra/internal/provider/openrouter"
	"AI-Orchestra/internal/resilience"
	"AI-Orchestra/internal/router"
	"AI-Orchestra/internal/run"
	"AI-Orchestra/internal/session"
	"AI-Orchestra/pkg/logger"
)

// main 是编排守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runDaemon(ctx); err != nil {
		log.Fatalf("orchestrad 运行失败: %v", err)
	}
}

func runDaemon(ctx context.Context) error {
	configPath := os.Getenv("ORCHESTRA_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "orchestra.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	providers, limiters, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	inv := invoker.New(invoker.Config{
		Models:      buildModels(cfg),
		BasePrompts: cfg.BasePrompts,
		Addons:      cfg.PromptAddons,
		Fallbacks:   cfg.Fallbacks,
		Providers:   providers,
		Limiters:    limiters,
		Breakers: resilience.NewBreakerRegistry(
			cfg.ErrorHandling.CircuitBreaker.FailureThreshold,
			time.Duration(cfg.ErrorHandling.CircuitBreaker.TimeoutSeconds)*time.Second,
		),
		Retry: resilience.RetryPolicy{
			BaseDelay:   time.Duration(cfg.ErrorHandling.Retry.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.ErrorHandling.Retry.MaxDelayMS) * time.Millisecond,
			Multiplier:  cfg.ErrorHandling.Retry.ExponentialBase,
			Jitter:      cfg.ErrorHandling.Retry.JitterEnabled,
			MaxAttempts: cfg.ErrorHandling.Retry.MaxAttempts,
		},
		PollInterval: time.Duration(cfg.ErrorHandling.RateLimitPollMS) * time.Millisecond,
	})

	requestRouter := router.New(inv, router.Config{
		DenyTokens:       cfg.RequestFlow.ContextLimits.DenyRequest,
		ForceHighTokens:  cfg.RequestFlow.ContextLimits.ForceHighTier,
		Routes:           buildRoutes(cfg),
		CategorizerModel: cfg.RequestFlow.CategorizerModel,
		NarratorModel:    cfg.RequestFlow.NarratorModel,
	})

	sessions, err := buildSessionStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = sessions.Close()
	}()

	runStore, err := buildRunStore(cfg)
	if err != nil {
		return err
	}

	runQueue, err := buildRunQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := runQueue.Close(); err != nil {
			log.Printf("关闭运行队列失败: %v", err)
		}
	}()

	runService := run.NewService(runStore, runQueue, cfg.RunStore.MaxRetries)
	defer func() {
		_ = runStore.Close()
	}()

	notifiers := []alerting.Notifier{alerting.NewLogNotifier()}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL))
	}

	processor := run.NewProcessor(requestRouter, runStore, runQueue, runQueue,
		run.WithWorkerCount(cfg.RunQueue.Worker),
		run.WithProcessorLogger(logger.Named("processor")),
		run.WithAlertDispatcher(alerting.NewFanout(notifiers...)),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("运行处理器异常退出: %v", err)
		}
	}()

	server := api.NewServer(api.Options{
		Addr:      cfg.Server.Address,
		Router:    requestRouter,
		Models:    inv.Models(),
		Addons:    cfg.PromptAddons,
		Templates: cfg.WorkflowTemplates,
		Sessions:  sessions,
		Runs:      runService,
	})

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildProviders 按配置组装上游网关与各自的限流器。
func buildProviders(cfg *config.Config) (*provider.Registry, *resilience.LimiterRegistry, error) {
	registry := provider.NewRegistry()
	rpm := make(map[string]int, len(cfg.Providers))

	for name, pc := range cfg.Providers {
		apiKey := cfg.ProviderAPIKey(name)
		switch pc.Kind {
		case "", "chat":
			client, err := openrouter.NewClient(openrouter.Config{
				Endpoint: pc.Endpoint,
				APIKey:   apiKey,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("初始化 provider %s 失败: %w", name, err)
			}
			registry.Register(name, client)
		case "media":
			client, err := googleai.NewClient(googleai.Config{
				Endpoints: pc.MediaEndpoints,
				APIKey:    apiKey,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("初始化 provider %s 失败: %w", name, err)
			}
			registry.Register(name, client)
		default:
			return nil, nil, fmt.Errorf("未知的 provider 类型: %s", pc.Kind)
		}
		if pc.RequestsPerMinute > 0 {
			rpm[name] = pc.RequestsPerMinute
		}
	}
	return registry, resilience.NewLimiterRegistry(rpm), nil
}

func buildModels(cfg *config.Config) map[string]invoker.ModelConfig {
	models := make(map[string]invoker.ModelConfig, len(cfg.Models))
	for name, mc := range cfg.Models {
		models[name] = invoker.ModelConfig{
			Provider: mc.Provider,
			Model:    mc.Model,
			Purpose:  mc.Purpose,
			Defaults: mc.Defaults,
		}
	}
	return models
}

func buildRoutes(cfg *config.Config) map[router.Category]router.Route {
	routes := make(map[router.Category]router.Route, len(cfg.RequestFlow.Categorization))
	for tier, rc := range cfg.RequestFlow.Categorization {
		routes[router.Category(tier)] = router.Route{
			Model:             rc.Model,
			FastResponseModel: rc.FastResponseModel,
		}
	}
	return routes
}

func buildSessionStore(cfg *config.Config) (session.Store, error) {
	switch cfg.SessionStore.Driver {
	case "", "memory":
		return session.NewMemoryStore(), nil
	case "redis":
		return session.NewRedisStore(session.RedisStoreConfig{
			Address:   cfg.SessionStore.Redis.Address,
			Password:  cfg.SessionStore.Redis.Password,
			DB:        cfg.SessionStore.Redis.DB,
			KeyPrefix: cfg.SessionStore.Redis.KeyPrefix,
			TTL:       time.Duration(cfg.SessionStore.Redis.TTLSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.SessionStore.Driver)
	}
}

func buildRunStore(cfg *config.Config) (run.Store, error) {
	switch cfg.RunStore.Driver {
	case "", "memory":
		return run.NewMemoryStore(), nil
	case "mysql":
		return run.NewMySQLStore(cfg.RunStore.DSN)
	default:
		return nil, fmt.Errorf("未知的运行存储驱动: %s", cfg.RunStore.Driver)
	}
}

func buildRunQueue(cfg *config.Config) (run.Queue, error) {
	switch cfg.RunQueue.Driver {
	case "", "memory":
		return run.NewMemoryQueue(1024), nil
	case "redis":
		return run.NewRedisQueue(run.RedisQueueConfig{
			Address:   cfg.RunQueue.Redis.Address,
			Password:  cfg.RunQueue.Redis.Password,
			DB:        cfg.RunQueue.Redis.DB,
			Queue:     cfg.RunQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.RunQueue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return run.NewRabbitMQQueue(run.RabbitMQConfig{
			URL:        cfg.RunQueue.RabbitMQ.URL,
			Queue:      cfg.RunQueue.RabbitMQ.Queue,
			Prefetch:   cfg.RunQueue.RabbitMQ.Prefetch,
			Durable:    cfg.RunQueue.RabbitMQ.Durable,
			AutoDelete: cfg.RunQueue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.RunQueue.Driver)
	}
}

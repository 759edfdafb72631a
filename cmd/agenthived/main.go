package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"AgentHive/internal/agent"
	"AgentHive/internal/api"
	"AgentHive/internal/bus"
	"AgentHive/internal/config"
	"AgentHive/internal/intent"
	"AgentHive/internal/llm"
	"AgentHive/internal/llm/openai"
	"AgentHive/internal/orchestrator"
	"AgentHive/internal/session"
	"AgentHive/internal/surface"
	"AgentHive/internal/task"
	"AgentHive/pkg/logger"
)

// main 是 AgentHive 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agenthived 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 仅用于本地开发注入凭据，缺失时忽略。
	_ = godotenv.Load()

	configPath := os.Getenv("AGENTHIVE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agenthive.json")
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
			Enabled: cfg.Logging.Audit.Enabled,
			Path:    cfg.Logging.Audit.Path,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	taskStore, err := createTaskStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = taskStore.Close() }()

	taskQueue, err := createTaskQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			log.Printf("关闭任务队列失败: %v", err)
		}
	}()

	eventBus, err := createBus(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = eventBus.Close() }()

	sessions, err := createSessionStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = sessions.Close() }()

	taskService := task.NewService(taskStore, taskQueue, bus.NewTaskNotifier(eventBus))

	registry := agent.NewRegistry(
		agent.NewSocialAgent(),
		agent.NewResearchAgent(),
		agent.NewFinanceAgent(),
		agent.NewHealthAgent(),
		agent.NewFreelanceAgent(),
		agent.NewMonitorAgent(),
	)

	execOpts := []agent.ExecutorOption{
		agent.WithGenerateTimeout(cfg.LLM.Timeout()),
		agent.WithStatsProvider(func(ctx context.Context) (task.Stats, error) {
			return taskService.Stats(ctx)
		}),
		agent.WithCredentialProvider(credentialProvider(cfg)),
	}

	drivers, err := createSurfaceDrivers(cfg, sessions)
	if err != nil {
		return err
	}
	for _, driver := range drivers {
		execOpts = append(execOpts, agent.WithDriver(driver))
		d := driver
		defer func() { _ = d.Close() }()
	}

	executor := agent.NewExecutor(registry, taskService, llmClient, execOpts...)
	processor := task.NewProcessor(executor, taskService, taskQueue,
		task.WithWorkerCount(cfg.Orchestrator.Workers),
	)

	if _, err := task.RecoverPending(ctx, taskService); err != nil {
		log.Printf("恢复未完成任务失败: %v", err)
	}

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("任务处理器异常退出: %v", err)
		}
	}()

	orch := orchestrator.New(taskService, intent.NewParser(), registry,
		orchestrator.WithWaitTimeout(cfg.Orchestrator.WaitTimeout()),
	)

	server := api.NewServer(cfg.Server.Address, orch, taskService, eventBus)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	apiKey := strings.TrimSpace(os.Getenv(cfg.LLM.APIKeyEnv))
	if apiKey == "" {
		return nil, fmt.Errorf("环境变量 %s 缺少 API Key", cfg.LLM.APIKeyEnv)
	}
	return openai.NewClient(openai.Config{
		APIKey:  apiKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		Timeout: cfg.LLM.Timeout(),
	})
}

func createTaskStore(cfg *config.Config) (task.Store, error) {
	switch cfg.Storage.TaskStore.Driver {
	case "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(cfg.Storage.TaskStore.DSN)
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Storage.TaskStore.Driver)
	}
}

func createTaskQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.Queue.Driver {
	case "memory":
		return task.NewMemoryQueue(cfg.Queue.Size), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: 5 * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func createBus(cfg *config.Config) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case "memory":
		return bus.NewMemoryBus(), nil
	case "redis":
		return bus.NewRedisBus(bus.RedisBusConfig{
			Address:  cfg.Bus.Redis.Address,
			Password: cfg.Bus.Redis.Password,
			DB:       cfg.Bus.Redis.DB,
			Channel:  cfg.Bus.Redis.Channel,
		})
	default:
		return nil, fmt.Errorf("未知的事件总线驱动: %s", cfg.Bus.Driver)
	}
}

func createSessionStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Storage.Sessions.Driver {
	case "file":
		return session.NewFileStore(cfg.Storage.Sessions.Dir)
	case "mysql":
		return session.NewMySQLStore(cfg.Storage.Sessions.DSN)
	default:
		return nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.Storage.Sessions.Driver)
	}
}

func createSurfaceDrivers(cfg *config.Config, sessions session.Store) ([]surface.Driver, error) {
	drivers := make([]surface.Driver, 0, len(cfg.Surfaces))
	for _, sc := range cfg.Surfaces {
		locators := surface.DefaultLocators()
		if sc.LocatorsPath != "" {
			loaded, err := surface.LoadLocators(sc.LocatorsPath)
			if err != nil {
				return nil, err
			}
			locators.Merge(loaded)
		}
		driver, err := surface.NewPlaywrightDriver(surface.PlaywrightConfig{
			Surface:        sc.Name,
			BaseURL:        sc.BaseURL,
			Headless:       sc.Headless,
			Locators:       locators,
			Sessions:       sessions,
			DiagnosticsDir: sc.DiagnosticsDir,
			ThinkTimeMin:   sc.ThinkTimeMin(),
			ThinkTimeMax:   sc.ThinkTimeMax(),
		})
		if err != nil {
			return nil, err
		}
		drivers = append(drivers, driver)
	}
	return drivers, nil
}

// credentialProvider 按操作面名称解析环境变量中的真实凭据。
func credentialProvider(cfg *config.Config) agent.CredentialProvider {
	bySurface := make(map[string]map[string]string, len(cfg.Surfaces))
	for _, sc := range cfg.Surfaces {
		bySurface[sc.Name] = sc.ResolveCredentials()
	}
	return func(agentName, surfaceName string) map[string]string {
		return bySurface[surfaceName]
	}
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config 描述服务启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Storage      StorageConfig      `json:"storage"`
	Queue        QueueConfig        `json:"queue"`
	Bus          BusConfig          `json:"bus"`
	LLM          LLMConfig          `json:"llm"`
	Surfaces     []SurfaceConfig    `json:"surfaces"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Logging      LoggingConfig      `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述任务与会话的持久化后端。
type StorageConfig struct {
	TaskStore TaskStoreConfig    `json:"task_store"`
	Sessions  SessionStoreConfig `json:"sessions"`
}

// TaskStoreConfig 支持 memory 与 mysql 两种驱动。
type TaskStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// SessionStoreConfig 支持 file 与 mysql 两种驱动。
type SessionStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
	Dir    string `json:"dir"`
}

// QueueConfig 描述任务队列后端。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Size     int            `json:"size"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 是 Redis 队列与事件总线共用的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Queue    string `json:"queue,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
	Durable  bool   `json:"durable"`
}

// BusConfig 描述事件总线后端。
type BusConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// LLMConfig 配置内容生成所用的大模型。出于安全考虑，
// API Key 不写入配置文件，而是通过 api_key_env 指定的环境变量注入。
type LLMConfig struct {
	Provider       string `json:"provider"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回推理调用的超时时间。
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SurfaceConfig 描述单个浏览器操作面（如 x、linkedin）的参数。
// Credentials 的取值同样是环境变量名，真实凭据只存在于进程环境中。
type SurfaceConfig struct {
	Name           string            `json:"name"`
	BaseURL        string            `json:"base_url"`
	Headless       bool              `json:"headless"`
	LocatorsPath   string            `json:"locators_path"`
	DiagnosticsDir string            `json:"diagnostics_dir"`
	ThinkTimeMinMS int               `json:"think_time_min_ms"`
	ThinkTimeMaxMS int               `json:"think_time_max_ms"`
	Credentials    map[string]string `json:"credentials"`
}

// ThinkTimeMin 返回模拟人工操作的最小间隔。
func (c SurfaceConfig) ThinkTimeMin() time.Duration {
	return time.Duration(c.ThinkTimeMinMS) * time.Millisecond
}

// ThinkTimeMax 返回模拟人工操作的最大间隔。
func (c SurfaceConfig) ThinkTimeMax() time.Duration {
	return time.Duration(c.ThinkTimeMaxMS) * time.Millisecond
}

// ResolveCredentials 从环境变量读取真实凭据。
func (c SurfaceConfig) ResolveCredentials() map[string]string {
	creds := make(map[string]string, len(c.Credentials))
	for field, envName := range c.Credentials {
		if value := os.Getenv(envName); value != "" {
			creds[field] = value
		}
	}
	return creds
}

// OrchestratorConfig 控制同步等待与工作协程数量。
type OrchestratorConfig struct {
	WaitTimeoutSeconds int `json:"wait_timeout_seconds"`
	Workers            int `json:"workers"`
}

// WaitTimeout 返回调用方同步等待结果的上限。
func (c OrchestratorConfig) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutSeconds) * time.Second
}

// LoggingConfig 控制日志输出行为。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的落盘位置。
type AuditConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Load 解析指定路径的 JSON 配置文件并填充默认值。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	if c.Storage.Sessions.Driver == "" {
		c.Storage.Sessions.Driver = "file"
	}
	if c.Storage.Sessions.Dir == "" {
		c.Storage.Sessions.Dir = filepath.Join(baseDir, "data", "sessions")
	} else if !filepath.IsAbs(c.Storage.Sessions.Dir) {
		c.Storage.Sessions.Dir = filepath.Join(baseDir, c.Storage.Sessions.Dir)
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 64
	}
	if c.Bus.Driver == "" {
		c.Bus.Driver = "memory"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.APIKeyEnv == "" {
		c.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}

	for i := range c.Surfaces {
		s := &c.Surfaces[i]
		if s.DiagnosticsDir == "" {
			s.DiagnosticsDir = filepath.Join(baseDir, "data", "diagnostics")
		} else if !filepath.IsAbs(s.DiagnosticsDir) {
			s.DiagnosticsDir = filepath.Join(baseDir, s.DiagnosticsDir)
		}
		if s.LocatorsPath != "" && !filepath.IsAbs(s.LocatorsPath) {
			s.LocatorsPath = filepath.Join(baseDir, s.LocatorsPath)
		}
		if s.ThinkTimeMinMS <= 0 {
			s.ThinkTimeMinMS = 300
		}
		if s.ThinkTimeMaxMS <= s.ThinkTimeMinMS {
			s.ThinkTimeMaxMS = s.ThinkTimeMinMS + 900
		}
	}

	if c.Orchestrator.WaitTimeoutSeconds <= 0 {
		c.Orchestrator.WaitTimeoutSeconds = 60
	}
	if c.Orchestrator.Workers <= 0 {
		c.Orchestrator.Workers = 4
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// validate 检查驱动取值是否受支持。
func (c *Config) validate() error {
	switch c.Storage.TaskStore.Driver {
	case "memory":
	case "mysql":
		if c.Storage.TaskStore.DSN == "" {
			return errors.New("task_store 使用 mysql 驱动时必须提供 dsn")
		}
	default:
		return fmt.Errorf("不支持的任务存储驱动: %s", c.Storage.TaskStore.Driver)
	}

	switch c.Storage.Sessions.Driver {
	case "file":
	case "mysql":
		if c.Storage.Sessions.DSN == "" {
			return errors.New("sessions 使用 mysql 驱动时必须提供 dsn")
		}
	default:
		return fmt.Errorf("不支持的会话存储驱动: %s", c.Storage.Sessions.Driver)
	}

	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("不支持的队列驱动: %s", c.Queue.Driver)
	}

	switch c.Bus.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("不支持的事件总线驱动: %s", c.Bus.Driver)
	}

	if c.LLM.Provider != "openai" {
		return fmt.Errorf("不支持的大模型提供方: %s", c.LLM.Provider)
	}
	return nil
}

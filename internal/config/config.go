package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	xerrors "SparkLLM-Demo/internal/errors"
	"SparkLLM-Demo/internal/memory"
	"SparkLLM-Demo/internal/sdk"
	"SparkLLM-Demo/pkg/logger"
)

// 环境变量覆盖配置文件中的凭证。
const (
	EnvConfigPath = "SPARKDEMO_CONFIG"
	EnvAppID      = "SPARK_APP_ID"
	EnvAPIKey     = "SPARK_API_KEY"
	EnvAPISecret  = "SPARK_API_SECRET"
	EnvOpenAIKey  = "OPENAI_API_KEY"
)

// DefaultPath 是未设置 SPARKDEMO_CONFIG 时读取的配置文件。
var DefaultPath = filepath.Join("configs", "sparkdemo.yaml")

// Config 描述演示程序启动时需要加载的全部配置。
type Config struct {
	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	Memory     MemoryConfig     `json:"memory" yaml:"memory"`
	Wait       WaitConfig       `json:"wait" yaml:"wait"`
	Demo       DemoConfig       `json:"demo" yaml:"demo"`
	Logging    logger.Config    `json:"logging" yaml:"logging"`
	Transcript TranscriptConfig `json:"transcript" yaml:"transcript"`
	Notify     NotifyConfig     `json:"notify" yaml:"notify"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
	Runtime    RuntimeConfig    `json:"runtime" yaml:"runtime"`
}

// LLMConfig 选择大模型后端并提供凭证与模型参数。
type LLMConfig struct {
	Provider       string       `json:"provider" yaml:"provider"`
	AppID          string       `json:"app_id" yaml:"app_id"`
	APIKey         string       `json:"api_key" yaml:"api_key"`
	APISecret      string       `json:"api_secret" yaml:"api_secret"`
	Domain         string       `json:"domain" yaml:"domain"`
	URL            string       `json:"url" yaml:"url"`
	Temperature    float64      `json:"temperature" yaml:"temperature"`
	MaxTokens      int          `json:"max_tokens" yaml:"max_tokens"`
	TimeoutSeconds int          `json:"timeout_seconds" yaml:"timeout_seconds"`
	OpenAI         OpenAIConfig `json:"openai" yaml:"openai"`
	Ollama         OllamaConfig `json:"ollama" yaml:"ollama"`
}

// OpenAIConfig 用于 OpenAI 兼容接口。
type OpenAIConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
}

// OllamaConfig 用于本地 Ollama 服务。
type OllamaConfig struct {
	Host   string `json:"host" yaml:"host"`
	System string `json:"system" yaml:"system"`
}

// MemoryConfig 描述会话记忆策略，kind 为 window 或 token。
type MemoryConfig struct {
	Kind      string `json:"kind" yaml:"kind"`
	Size      int    `json:"size" yaml:"size"`
	MaxTokens int    `json:"max_tokens" yaml:"max_tokens"`
}

// WaitConfig 控制异步请求的等待上限：max_turns 轮，每轮 poll_interval_ms 毫秒。
type WaitConfig struct {
	MaxTurns       int `json:"max_turns" yaml:"max_turns"`
	PollIntervalMS int `json:"poll_interval_ms" yaml:"poll_interval_ms"`
}

// DemoConfig 描述演示的提问序列与调用方式。
type DemoConfig struct {
	Prompts []string `json:"prompts" yaml:"prompts"`
	Modes   []string `json:"modes" yaml:"modes"`
}

// TranscriptConfig 描述对话记录的存储后端。
type TranscriptConfig struct {
	Driver                 string      `json:"driver" yaml:"driver"`
	DSN                    string      `json:"dsn" yaml:"dsn"`
	Path                   string      `json:"path" yaml:"path"`
	MaxOpenConns           int         `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int         `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int         `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
	Redis                  RedisConfig `json:"redis" yaml:"redis"`
}

// NotifyConfig 描述请求完成通知的发布方式。
type NotifyConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 是 Redis 连接信息，Key 为列表或键前缀。
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	Key      string `json:"key" yaml:"key"`
}

// RabbitMQConfig 是 RabbitMQ 连接信息。
type RabbitMQConfig struct {
	URL     string `json:"url" yaml:"url"`
	Queue   string `json:"queue" yaml:"queue"`
	Durable bool   `json:"durable" yaml:"durable"`
}

// MetricsConfig 控制 /metrics 端点。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
}

// Path 返回配置文件路径，优先读取 SPARKDEMO_CONFIG。
func Path() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 解析指定路径的配置文件，按扩展名选择 YAML 或 JSON。
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
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回只包含默认值的配置，baseDir 用于解析相对路径。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyDefaults(baseDir)
	cfg.applyEnv()
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.LLM.Provider == "" {
		c.LLM.Provider = "spark"
	}
	if c.LLM.Provider == "spark" {
		if c.LLM.Domain == "" {
			c.LLM.Domain = "4.0Ultra"
		}
		if c.LLM.URL == "" {
			c.LLM.URL = "wss://spark-api.xf-yun.com/v4.0/chat"
		}
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 30
	}

	if c.Memory.Kind == "" {
		c.Memory.Kind = string(memory.KindWindow)
	}
	if c.Memory.Kind == string(memory.KindWindow) && c.Memory.Size == 0 {
		c.Memory.Size = 5
	}
	if c.Memory.Kind == string(memory.KindToken) && c.Memory.MaxTokens == 0 {
		c.Memory.MaxTokens = 500
	}

	if c.Wait.MaxTurns <= 0 {
		c.Wait.MaxTurns = 10
	}
	if c.Wait.PollIntervalMS <= 0 {
		c.Wait.PollIntervalMS = 1000
	}

	if len(c.Demo.Prompts) == 0 {
		c.Demo.Prompts = []string{"你好用英语怎么说？", "那日语呢？"}
	}
	if len(c.Demo.Modes) == 0 {
		c.Demo.Modes = []string{"sync", "async"}
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Transcript.Driver == "" {
		c.Transcript.Driver = "memory"
	}
	switch c.Transcript.Driver {
	case "file":
		if c.Transcript.Path == "" {
			c.Transcript.Path = filepath.Join(c.Runtime.DataDir, "transcripts.jsonl")
		}
	case "sqlite":
		if c.Transcript.DSN == "" {
			c.Transcript.DSN = filepath.Join(c.Runtime.DataDir, "transcripts.db")
		}
	}
	if c.Transcript.Redis.Key == "" {
		c.Transcript.Redis.Key = "sparkdemo:transcripts"
	}

	if c.Notify.Driver == "" {
		c.Notify.Driver = "none"
	}
	if c.Notify.Redis.Key == "" {
		c.Notify.Redis.Key = "sparkdemo:completions"
	}
	if c.Notify.RabbitMQ.Queue == "" {
		c.Notify.RabbitMQ.Queue = "sparkdemo.completions"
	}

	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// applyEnv 用环境变量覆盖凭证，避免密钥写入配置文件。
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvAppID)); v != "" {
		c.LLM.AppID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPISecret)); v != "" {
		c.LLM.APISecret = v
	}
	key := EnvAPIKey
	if c.LLM.Provider == "openai" {
		key = EnvOpenAIKey
	}
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		c.LLM.APIKey = v
	}
}

// Validate 检查取值范围。凭证是否齐全由各后端在 Init 时检查。
func (c *Config) Validate() error {
	var problems []string
	switch c.LLM.Provider {
	case "spark", "openai", "ollama", "mock":
	default:
		problems = append(problems, fmt.Sprintf("未知的大模型 provider: %s", c.LLM.Provider))
	}
	if _, err := c.Memory.Policy(); err != nil {
		problems = append(problems, err.Error())
	}
	for _, m := range c.Demo.Modes {
		if m != "sync" && m != "async" {
			problems = append(problems, fmt.Sprintf("未知的调用方式: %s", m))
		}
	}
	switch c.Transcript.Driver {
	case "memory", "file", "sqlite", "redis":
	case "mysql":
		if c.Transcript.DSN == "" {
			problems = append(problems, "mysql transcript 需要配置 dsn")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的 transcript 驱动: %s", c.Transcript.Driver))
	}
	switch c.Notify.Driver {
	case "none", "memory", "redis":
	case "rabbitmq":
		if c.Notify.RabbitMQ.URL == "" {
			problems = append(problems, "rabbitmq 通知需要配置 url")
		}
	default:
		problems = append(problems, fmt.Sprintf("未知的通知驱动: %s", c.Notify.Driver))
	}
	if len(problems) > 0 {
		return xerrors.New(sdk.CodeConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Credentials 返回传给 sdk.Runtime.Init 的凭证。
func (c LLMConfig) Credentials() sdk.Credentials {
	return sdk.Credentials{AppID: c.AppID, APIKey: c.APIKey, APISecret: c.APISecret}
}

// Session 返回创建会话使用的模型参数。
func (c LLMConfig) Session() sdk.LLMConfig {
	return sdk.LLMConfig{
		Domain:      c.Domain,
		URL:         c.URL,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
		Timeout:     time.Duration(c.TimeoutSeconds) * time.Second,
	}
}

// Policy 把配置转换为记忆策略。
func (c MemoryConfig) Policy() (memory.Policy, error) {
	var p memory.Policy
	switch memory.Kind(c.Kind) {
	case memory.KindWindow:
		p = memory.Window(c.Size)
	case memory.KindToken:
		p = memory.TokenBudget(c.MaxTokens)
	default:
		return p, fmt.Errorf("未知的记忆策略: %s", c.Kind)
	}
	return p, p.Validate()
}

// PollInterval 返回每轮等待的时长。
func (c WaitConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

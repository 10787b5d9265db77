package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"AAHB-Assistant/internal/bridge"
	"AAHB-Assistant/internal/llm/anthropic"
	"AAHB-Assistant/internal/llm/command"
	"AAHB-Assistant/internal/llm/openai"
	"AAHB-Assistant/internal/orchestrator"
	"AAHB-Assistant/internal/storage"
	"AAHB-Assistant/pkg/logger"
)

// Config 描述了 aahbd 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Bridge       bridge.Config      `yaml:"bridge"`
	Archive      storage.Config     `yaml:"archive"`
	Knowledge    KnowledgeConfig    `yaml:"knowledge"`
	LLM          LLMConfig          `yaml:"llm"`
	Agents       AgentsConfig       `yaml:"agents"`
	Logging      logger.Config      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Alerting     AlertingConfig     `yaml:"alerting"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
}

// ServerConfig 控制 HTTP 入口的监听地址。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// OrchestratorConfig 控制分发循环。
type OrchestratorConfig struct {
	MaxHops        int           `yaml:"max_hops"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// KnowledgeConfig 指定知识库文件。
type KnowledgeConfig struct {
	Source     string `yaml:"source"`
	MaxResults int    `yaml:"max_results"`
}

// LLMConfig 用于配置大模型推理的调用方式。provider 为 none 时智能体使用模板输出。
type LLMConfig struct {
	Provider  string           `yaml:"provider"`
	APIKeyEnv string           `yaml:"api_key_env"`
	OpenAI    openai.Config    `yaml:"openai"`
	Anthropic anthropic.Config `yaml:"anthropic"`
	Command   command.Config   `yaml:"command"`
}

// AgentsConfig 控制本进程内启用的智能体。
type AgentsConfig struct {
	Enabled []string `yaml:"enabled"`
	Persona string   `yaml:"persona"`
}

// MetricsConfig 控制 Prometheus 指标。Address 为空时挂载在 HTTP 入口上。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Runtime bool   `yaml:"runtime"`
}

// AlertingConfig 配置分发失败告警。
type AlertingConfig struct {
	Enabled         bool   `yaml:"enabled"`
	MinSeverity     string `yaml:"min_severity"`
	Buffer          int    `yaml:"buffer"`
	DingTalkWebhook string `yaml:"dingtalk_webhook"`
	SlackWebhook    string `yaml:"slack_webhook"`
	SlackChannel    string `yaml:"slack_channel"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

var (
	bridgeDrivers  = []string{"none", "memory", "redis", "rabbitmq"}
	archiveDrivers = []string{"none", "memory", "file", "sqlite", "mysql", "redis"}
	llmProviders   = []string{"none", "openai", "anthropic", "command"}
)

// Default 返回未加载任何文件时使用的配置。
func Default() *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	cfg.applyDefaults(".")
	return cfg
}

// Load 负责解析指定路径的 YAML 配置文件，随后应用 AAHB_* 环境变量与默认值。
// path 为空时只使用环境变量与默认值。
func Load(path string) (*Config, error) {
	cfg := Config{Metrics: MetricsConfig{Enabled: true}}
	baseDir := "."
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Orchestrator.MaxHops <= 0 {
		c.Orchestrator.MaxHops = orchestrator.DefaultMaxHops
	}

	if c.Bridge.Driver == "" {
		c.Bridge.Driver = "none"
	}
	if c.Bridge.Workers <= 0 {
		c.Bridge.Workers = 1
	}

	if c.Archive.Driver == "" {
		c.Archive.Driver = "memory"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Archive.DataDir == "" {
		c.Archive.DataDir = c.Runtime.DataDir
	} else if !filepath.IsAbs(c.Archive.DataDir) {
		c.Archive.DataDir = filepath.Join(baseDir, c.Archive.DataDir)
	}

	if c.Knowledge.Source != "" && !filepath.IsAbs(c.Knowledge.Source) {
		c.Knowledge.Source = filepath.Join(baseDir, c.Knowledge.Source)
	}
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}

	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = "none"
	}
	if c.LLM.APIKeyEnv != "" {
		key := strings.TrimSpace(os.Getenv(c.LLM.APIKeyEnv))
		if c.LLM.OpenAI.APIKey == "" && c.LLM.Provider == "openai" {
			c.LLM.OpenAI.APIKey = key
		}
		if c.LLM.Anthropic.APIKey == "" && c.LLM.Provider == "anthropic" {
			c.LLM.Anthropic.APIKey = key
		}
	}

	c.LLM.Command.Script = command.ResolvePath(baseDir, c.LLM.Command.Script)
	c.LLM.Command.WorkingDir = command.ResolvePath(baseDir, c.LLM.Command.WorkingDir)

	if len(c.Agents.Enabled) == 0 {
		c.Agents.Enabled = []string{"planning_agent", "knowledge_agent", "personality_agent"}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}
}

// applyEnv 使用 AAHB_* 环境变量覆盖文件中的值。
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"AAHB_SERVER_ADDRESS":    &c.Server.Address,
		"AAHB_LOG_LEVEL":         &c.Logging.Level,
		"AAHB_BRIDGE_DRIVER":     &c.Bridge.Driver,
		"AAHB_REDIS_ADDRESS":     &c.Bridge.Redis.Address,
		"AAHB_RABBITMQ_URL":      &c.Bridge.RabbitMQ.URL,
		"AAHB_ARCHIVE_DRIVER":    &c.Archive.Driver,
		"AAHB_MYSQL_DSN":         &c.Archive.MySQL.DSN,
		"AAHB_LLM_PROVIDER":      &c.LLM.Provider,
		"AAHB_OPENAI_API_KEY":    &c.LLM.OpenAI.APIKey,
		"AAHB_OPENAI_BASE_URL":   &c.LLM.OpenAI.BaseURL,
		"AAHB_ANTHROPIC_API_KEY": &c.LLM.Anthropic.APIKey,
		"AAHB_DATA_DIR":          &c.Runtime.DataDir,
	}
	for key, target := range strs {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			*target = strings.TrimSpace(value)
		}
	}

	if value, ok := lookup("AAHB_MAX_HOPS"); ok && value != "" {
		hops, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("AAHB_MAX_HOPS 无效: %w", err)
		}
		c.Orchestrator.MaxHops = hops
	}
	if value, ok := lookup("AAHB_HANDLER_TIMEOUT"); ok && value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("AAHB_HANDLER_TIMEOUT 无效: %w", err)
		}
		c.Orchestrator.HandlerTimeout = timeout
	}
	return nil
}

// Validate 检查驱动名称与数值范围。
func (c *Config) Validate() error {
	var errs []error
	if !oneOf(c.Bridge.Driver, bridgeDrivers) {
		errs = append(errs, fmt.Errorf("未知的桥接驱动: %s", c.Bridge.Driver))
	}
	if !oneOf(c.Archive.Driver, archiveDrivers) {
		errs = append(errs, fmt.Errorf("未知的归档驱动: %s", c.Archive.Driver))
	}
	if !oneOf(c.LLM.Provider, llmProviders) {
		errs = append(errs, fmt.Errorf("未知的大模型 provider: %s", c.LLM.Provider))
	}
	if c.LLM.Provider == "openai" && strings.TrimSpace(c.LLM.OpenAI.APIKey) == "" {
		errs = append(errs, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env"))
	}
	if c.LLM.Provider == "anthropic" && strings.TrimSpace(c.LLM.Anthropic.APIKey) == "" {
		errs = append(errs, errors.New("Anthropic provider 需要配置 api_key 或 api_key_env"))
	}
	if c.LLM.Provider == "command" && c.LLM.Command.Exec == "" && c.LLM.Command.Script == "" {
		errs = append(errs, errors.New("command provider 需要配置 exec 或 script"))
	}
	if c.Alerting.Enabled && c.Alerting.DingTalkWebhook == "" && c.Alerting.SlackWebhook == "" {
		errs = append(errs, errors.New("启用告警时至少需要配置一个 webhook"))
	}
	if c.Orchestrator.HandlerTimeout < 0 {
		errs = append(errs, errors.New("handler_timeout 不能为负数"))
	}
	return errors.Join(errs...)
}

func oneOf(value string, allowed []string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	for _, candidate := range allowed {
		if value == candidate {
			return true
		}
	}
	return false
}

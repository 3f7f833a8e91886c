// Package config loads the service configuration from a yaml file and
// ORCH_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/agent-orchestrator/internal/model"
	"github.com/t77yq/agent-orchestrator/internal/scheduler"
)

const (
	// EnvPrefix prefixes every environment override, e.g. ORCH_STORE_PATH
	EnvPrefix = "ORCH"

	// DefaultPath is read when no path is given
	DefaultPath = "config/config.yaml"
)

// Config is the root configuration
type Config struct {
	App          AppConfig              `mapstructure:"app"`
	Log          LogConfig              `mapstructure:"log"`
	Store        StoreConfig            `mapstructure:"store"`
	NATS         NATSConfig             `mapstructure:"nats"`
	Metrics      MetricsConfig          `mapstructure:"metrics"`
	LLM          LLMConfig              `mapstructure:"llm"`
	Orchestrator OrchestratorConfig     `mapstructure:"orchestrator"`
	Agents       map[string]AgentConfig `mapstructure:"agents"`
	Recurring    []RecurringConfig      `mapstructure:"recurring"`
}

// AppConfig identifies the running instance
type AppConfig struct {
	Name string `mapstructure:"name"`
}

// LogConfig controls logger construction and file rotation
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// StoreConfig selects the task store backend
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// NATSConfig configures the event publisher connection
type NATSConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	BufferSize     int           `mapstructure:"buffer_size"`
}

// MetricsConfig configures the Prometheus endpoint and percentile refresh
type MetricsConfig struct {
	Listen             string        `mapstructure:"listen"`
	Path               string        `mapstructure:"path"`
	PercentileInterval time.Duration `mapstructure:"percentile_interval"`
}

// LLMConfig configures the completion endpoint used by the default handlers
type LLMConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// OrchestratorConfig holds the orchestrator-wide settings
type OrchestratorConfig struct {
	HealthInterval    time.Duration `mapstructure:"health_interval"`
	DegradedThreshold float64       `mapstructure:"degraded_threshold"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
	StallTimeout      time.Duration `mapstructure:"stall_timeout"`
	KeepCompleted     int           `mapstructure:"keep_completed"`
	KeepFailed        int           `mapstructure:"keep_failed"`
	HistoryRetention  time.Duration `mapstructure:"history_retention"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

// AgentConfig configures the agent and pool of one agent type
type AgentConfig struct {
	Enabled     bool              `mapstructure:"enabled"`
	Concurrency int               `mapstructure:"concurrency"`
	Policy      scheduler.Policy  `mapstructure:"policy"`
	Settings    model.AgentConfig `mapstructure:"settings"`
}

// RecurringConfig registers a recurring task at startup
type RecurringConfig struct {
	AgentType string `mapstructure:"agent_type"`
	TaskType  string `mapstructure:"task_type"`
	Cron      string `mapstructure:"cron"`
	Priority  string `mapstructure:"priority"`
	Input     string `mapstructure:"input"`
}

// Load reads the file at path (DefaultPath when empty), applies environment
// overrides and defaults, and validates the result. A missing file is only
// an error when path was given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyAgentDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "agent-orchestrator")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", false)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "tasks.db")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.connect_timeout", "5s")
	v.SetDefault("nats.connect_retries", 5)
	v.SetDefault("nats.buffer_size", 256)

	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.percentile_interval", "60s")

	v.SetDefault("llm.endpoint", "http://127.0.0.1:8000/v1/chat/completions")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.timeout", "60s")

	v.SetDefault("orchestrator.health_interval", "30s")
	v.SetDefault("orchestrator.degraded_threshold", 0.5)
	v.SetDefault("orchestrator.shutdown_grace", "30s")
	v.SetDefault("orchestrator.stall_timeout", "30s")
	v.SetDefault("orchestrator.keep_completed", 100)
	v.SetDefault("orchestrator.keep_failed", 500)
	v.SetDefault("orchestrator.history_retention", "720h")
	v.SetDefault("orchestrator.cleanup_interval", "24h")

	for _, t := range model.KnownAgentTypes {
		key := "agents." + string(t)
		v.SetDefault(key+".enabled", true)
		v.SetDefault(key+".concurrency", 2)
		v.SetDefault(key+".settings.model", "gpt-4o-mini")
		v.SetDefault(key+".settings.temperature", 0.2)
		v.SetDefault(key+".settings.max_tokens", 1024)
	}
}

// applyAgentDefaults fills settings of agents declared only partially
func (c *Config) applyAgentDefaults() {
	for name, a := range c.Agents {
		if a.Concurrency == 0 {
			a.Concurrency = 1
		}
		c.Agents[name] = a
	}
}

// Validate checks value ranges and cross references
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported store.driver %q", c.Store.Driver)
	}

	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}

	o := c.Orchestrator
	if o.DegradedThreshold < 0 || o.DegradedThreshold > 1 {
		return fmt.Errorf("orchestrator.degraded_threshold %.2f out of range [0, 1]", o.DegradedThreshold)
	}
	if o.HealthInterval <= 0 {
		return errors.New("orchestrator.health_interval must be positive")
	}

	for name, a := range c.Agents {
		if a.Concurrency < 0 {
			return fmt.Errorf("agents.%s.concurrency must not be negative", name)
		}
		if a.Settings.Temperature < 0 || a.Settings.Temperature > 2 {
			return fmt.Errorf("agents.%s.settings.temperature %.2f out of range [0, 2]", name, a.Settings.Temperature)
		}
	}

	for i, r := range c.Recurring {
		if r.AgentType == "" || r.TaskType == "" {
			return fmt.Errorf("recurring[%d]: agent_type and task_type are required", i)
		}
		if a, ok := c.Agents[r.AgentType]; !ok || !a.Enabled {
			return fmt.Errorf("recurring[%d]: agent type %q is not enabled", i, r.AgentType)
		}
		if _, err := scheduler.ParseCron(r.Cron); err != nil {
			return fmt.Errorf("recurring[%d]: %w", i, err)
		}
		if _, err := model.ParsePriority(r.Priority); err != nil {
			return fmt.Errorf("recurring[%d]: %w", i, err)
		}
	}
	return nil
}

// EnabledAgents lists enabled agent types in a stable order
func (c *Config) EnabledAgents() []model.AgentType {
	var types []model.AgentType
	for _, t := range model.KnownAgentTypes {
		if a, ok := c.Agents[string(t)]; ok && a.Enabled {
			types = append(types, t)
		}
	}
	var extra []model.AgentType
	for name, a := range c.Agents {
		t := model.AgentType(name)
		if a.Enabled && !isKnown(t) {
			extra = append(extra, t)
		}
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
	return append(types, extra...)
}

func isKnown(t model.AgentType) bool {
	for _, k := range model.KnownAgentTypes {
		if k == t {
			return true
		}
	}
	return false
}

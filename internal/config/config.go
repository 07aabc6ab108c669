package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const appName = "ledgerdesk"

// ServerConfig defines the HTTP listen surface.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig defines the backing relational store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SessionConfig defines session cache behavior.
type SessionConfig struct {
	// MaxTokensPerChat = MaxContextMultiplier * LLMContextLimit when zero.
	MaxTokensPerChat     int           `mapstructure:"maxTokensPerChat"`
	MaxContextMultiplier int           `mapstructure:"maxContextMultiplier"`
	LLMContextLimit      int           `mapstructure:"llmContextLimit"`
	IdleTimeout          time.Duration `mapstructure:"idleTimeout"`
	AutoFlushInterval    time.Duration `mapstructure:"autoFlushInterval"`
	SweepInterval        time.Duration `mapstructure:"sweepInterval"`
}

// EffectiveMaxTokens resolves the per-chat token budget.
func (s SessionConfig) EffectiveMaxTokens() int {
	if s.MaxTokensPerChat > 0 {
		return s.MaxTokensPerChat
	}
	return s.MaxContextMultiplier * s.LLMContextLimit
}

// WindowConfig defines the message window handed to the model per turn.
type WindowConfig struct {
	Strategy        string `mapstructure:"strategy"` // "fixed" or "adaptive"
	Size            int    `mapstructure:"size"`
	MaxWindowTokens int    `mapstructure:"maxWindowTokens"`
	MinWindowSize   int    `mapstructure:"minWindowSize"`
}

// OffloadConfig defines result-set chunking.
type OffloadConfig struct {
	ChunkSize int `mapstructure:"chunkSize"`
}

// RatePolicy is one (limit, window) pair for an operation class.
type RatePolicy struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

// RateLimitConfig defines per-operation admission policies.
type RateLimitConfig struct {
	Default    RatePolicy            `mapstructure:"default"`
	Operations map[string]RatePolicy `mapstructure:"operations"`
}

// MetricsConfig defines the metric buffer push cadence.
type MetricsConfig struct {
	PushInterval time.Duration `mapstructure:"pushInterval"`
}

// LogConfig defines logging behavior.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Config is the root configuration for the helpdesk backend.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Session   SessionConfig   `mapstructure:"session"`
	Window    WindowConfig    `mapstructure:"window"`
	Offload   OffloadConfig   `mapstructure:"offload"`
	RateLimit RateLimitConfig `mapstructure:"rateLimit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// Load reads configuration from the given path, falling back to the
// standard search paths and environment overrides.
func Load(configPath string) (*Config, error) {
	setDefaults()

	viper.SetConfigName(fmt.Sprintf(".%s", appName))
	viper.SetConfigType("json")
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.AddConfigPath(fmt.Sprintf("$HOME/.config/%s", appName))
	}
	viper.SetEnvPrefix(strings.ToUpper(appName))
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the core cannot operate under.
func (c *Config) Validate() error {
	if c.Offload.ChunkSize <= 0 {
		return fmt.Errorf("offload.chunkSize must be positive, got %d", c.Offload.ChunkSize)
	}
	if c.Window.MinWindowSize > c.Window.Size {
		return fmt.Errorf("window.minWindowSize (%d) exceeds window.size (%d)",
			c.Window.MinWindowSize, c.Window.Size)
	}
	if c.RateLimit.Default.Limit <= 0 || c.RateLimit.Default.Window <= 0 {
		return fmt.Errorf("rateLimit.default must have positive limit and window")
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("database.path", "")

	viper.SetDefault("session.maxContextMultiplier", 10)
	viper.SetDefault("session.llmContextLimit", 8000)
	viper.SetDefault("session.idleTimeout", "55m")
	viper.SetDefault("session.autoFlushInterval", "5m")
	viper.SetDefault("session.sweepInterval", "1m")

	viper.SetDefault("window.strategy", "adaptive")
	viper.SetDefault("window.size", 10)
	viper.SetDefault("window.maxWindowTokens", 8000)
	viper.SetDefault("window.minWindowSize", 4)

	viper.SetDefault("offload.chunkSize", 2000)

	viper.SetDefault("rateLimit.default.limit", 100)
	viper.SetDefault("rateLimit.default.window", "60s")
	viper.SetDefault("rateLimit.operations.chat.limit", 20)
	viper.SetDefault("rateLimit.operations.chat.window", "60s")
	viper.SetDefault("rateLimit.operations.login.limit", 5)
	viper.SetDefault("rateLimit.operations.login.window", "5m")
	viper.SetDefault("rateLimit.operations.query.limit", 30)
	viper.SetDefault("rateLimit.operations.query.window", "60s")

	viper.SetDefault("metrics.pushInterval", "5m")

	viper.SetDefault("log.level", "info")
}

// Package config loads gateway configuration from a config file,
// environment variables, and built-in defaults, in that order of
// precedence (file < env).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the gateway process.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Store   StoreConfig   `mapstructure:"store"`
	Tools   ToolsConfig   `mapstructure:"tools"`
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	InternalToken  string   `mapstructure:"internal_token"`
}

// LLMConfig holds model selection and pricing used for plan cost estimates.
type LLMConfig struct {
	BaseURL            string  `mapstructure:"base_url"`
	Model              string  `mapstructure:"model"`
	ChildModel         string  `mapstructure:"child_model"`
	MaxTokens          int     `mapstructure:"max_tokens"`
	InputPricePerMTok  float64 `mapstructure:"input_price_per_mtok"`
	OutputPricePerMTok float64 `mapstructure:"output_price_per_mtok"`
}

// AgentConfig bounds the agent loop and the approval channel.
type AgentConfig struct {
	MaxIterations      int           `mapstructure:"max_iterations"`
	ChildMaxIterations int           `mapstructure:"child_max_iterations"`
	ApprovalTimeout    time.Duration `mapstructure:"approval_timeout"`
	SessionIdleTTL     time.Duration `mapstructure:"session_idle_ttl"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`

	// PermissionOverrides forces a tool into auto or manual mode,
	// keyed by tool name with value "auto" or "manual".
	PermissionOverrides map[string]string `mapstructure:"permission_overrides"`
}

// WebhookConfig bounds the inbound webhook admission pipeline.
type WebhookConfig struct {
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
	ReplayWindow   time.Duration `mapstructure:"replay_window"`
	HourlyLimit    int           `mapstructure:"hourly_limit"`
	HourlyTokenCap int           `mapstructure:"hourly_token_cap"`
	WakeTimeout    time.Duration `mapstructure:"wake_timeout"`
}

// StoreConfig locates the durable state on disk.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// ToolsConfig controls the tool runtime.
type ToolsConfig struct {
	WorkspaceRoot string        `mapstructure:"workspace_root"`
	FetchTimeout  time.Duration `mapstructure:"fetch_timeout"`
}

// Load reads dyno.yaml from the given path (or the default search path when
// empty), applies DYNO_* environment overrides, and validates the result.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DYNO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("dyno")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".dyno"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8787")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.internal_token", "")

	v.SetDefault("llm.base_url", "https://api.anthropic.com")
	v.SetDefault("llm.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.child_model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.max_tokens", 8192)
	v.SetDefault("llm.input_price_per_mtok", 3.0)
	v.SetDefault("llm.output_price_per_mtok", 15.0)

	v.SetDefault("agent.max_iterations", 15)
	v.SetDefault("agent.child_max_iterations", 100)
	v.SetDefault("agent.approval_timeout", time.Minute)
	v.SetDefault("agent.session_idle_ttl", 30*time.Minute)
	v.SetDefault("agent.sweep_interval", 5*time.Minute)

	v.SetDefault("webhook.max_body_bytes", int64(256*1024))
	v.SetDefault("webhook.replay_window", 5*time.Minute)
	v.SetDefault("webhook.hourly_limit", 100)
	v.SetDefault("webhook.hourly_token_cap", 500000)
	v.SetDefault("webhook.wake_timeout", 5*time.Minute)

	v.SetDefault("store.data_dir", defaultDataDir())

	v.SetDefault("tools.workspace_root", "")
	v.SetDefault("tools.fetch_timeout", 20*time.Second)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dyno"
	}
	return filepath.Join(home, ".dyno")
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.ChildMaxIterations <= 0 {
		return fmt.Errorf("agent.child_max_iterations must be positive, got %d", c.Agent.ChildMaxIterations)
	}
	if c.Agent.ApprovalTimeout <= 0 {
		return fmt.Errorf("agent.approval_timeout must be positive, got %s", c.Agent.ApprovalTimeout)
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		return fmt.Errorf("webhook.max_body_bytes must be positive, got %d", c.Webhook.MaxBodyBytes)
	}
	if c.Webhook.HourlyLimit <= 0 {
		return fmt.Errorf("webhook.hourly_limit must be positive, got %d", c.Webhook.HourlyLimit)
	}
	for tool, mode := range c.Agent.PermissionOverrides {
		if mode != "auto" && mode != "manual" {
			return fmt.Errorf("agent.permission_overrides[%s]: mode must be auto or manual, got %q", tool, mode)
		}
	}
	return nil
}

// Package config loads the runtime settings from ~/.mixpilot/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 2048
)

// Config captures the tunable runtime settings for the copilot.
type Config struct {
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	BaseURL   string `yaml:"base_url"`
	Stream    bool   `yaml:"stream"`

	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
	StreamStallSeconds    int `yaml:"stream_stall_seconds"`

	MaxSteps   int `yaml:"max_steps"`
	RetryLimit int `yaml:"retry_limit"`

	CharsPerToken     int `yaml:"chars_per_token"`
	MaxInputTokens    int `yaml:"max_input_tokens"`
	PruneTargetTokens int `yaml:"prune_target_tokens"`
	MinKeepPairs      int `yaml:"min_keep_pairs"`

	// SystemPrompt is appended to the built-in prompt, not a replacement.
	SystemPrompt string `yaml:"system_prompt"`

	TranscriptPath string `yaml:"transcript_path"`
	LogPath        string `yaml:"log_path"`
	HistoryPath    string `yaml:"history_path"`
}

// GetConfigDir returns the directory holding config, credentials, logs
// and transcripts. MIXPILOT_CONFIG_DIR overrides it for tests and
// sandboxed setups.
func GetConfigDir() string {
	if configDir := os.Getenv("MIXPILOT_CONFIG_DIR"); configDir != "" {
		return configDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".mixpilot"
	}
	return filepath.Join(home, ".mixpilot")
}

func configPath() string {
	if p := os.Getenv("MIXPILOT_CONFIG_PATH"); p != "" {
		return p
	}
	return filepath.Join(GetConfigDir(), "config.yaml")
}

// EnsureDefaultConfig creates config.yaml with defaults if it doesn't
// exist, so users have a file to edit.
func EnsureDefaultConfig() error {
	path := configPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	cfg := Config{}
	cfg.applyDefaults()

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadUserConfig loads the configuration, checking MIXPILOT_CONFIG_PATH
// first. A missing file yields defaults, not an error.
func LoadUserConfig() (Config, error) {
	path := configPath()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Config{}
		cfg.applyDefaults()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the config to the user's config file.
func Save(c Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(configPath(), data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// applyDefaults fills in optional values to keep the YAML file concise.
func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.anthropic.com"
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = 60
	}
	if c.ConnectTimeoutSeconds <= 0 {
		c.ConnectTimeoutSeconds = 10
	}
	if c.StreamStallSeconds <= 0 {
		c.StreamStallSeconds = 30
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 10
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = 1
	}
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = 4
	}
	if c.MaxInputTokens <= 0 {
		c.MaxInputTokens = 100000
	}
	if c.PruneTargetTokens <= 0 {
		c.PruneTargetTokens = 80000
	}
	if c.MinKeepPairs <= 0 {
		c.MinKeepPairs = 2
	}
	if c.TranscriptPath == "" {
		c.TranscriptPath = filepath.Join(GetConfigDir(), "transcripts.db")
	}
	if c.LogPath == "" {
		c.LogPath = filepath.Join(GetConfigDir(), "mixpilot.log")
	}
	if c.HistoryPath == "" {
		c.HistoryPath = filepath.Join(GetConfigDir(), "history")
	}
}

func (c Config) validate() error {
	if c.RequestTimeoutSeconds > 600 {
		return fmt.Errorf("request_timeout_seconds cannot exceed 600 (10 minutes)")
	}
	if c.ConnectTimeoutSeconds > 120 {
		return fmt.Errorf("connect_timeout_seconds cannot exceed 120")
	}
	if c.StreamStallSeconds < 5 {
		return fmt.Errorf("stream_stall_seconds must be at least 5 (got %d)", c.StreamStallSeconds)
	}
	if c.MaxSteps > 100 {
		return fmt.Errorf("max_steps cannot exceed 100 (got %d)", c.MaxSteps)
	}
	if c.RetryLimit > 5 {
		return fmt.Errorf("retry_limit cannot exceed 5 (got %d)", c.RetryLimit)
	}
	if c.PruneTargetTokens >= c.MaxInputTokens {
		return fmt.Errorf("prune_target_tokens (%d) must be below max_input_tokens (%d)", c.PruneTargetTokens, c.MaxInputTokens)
	}
	if ctx := ModelContextTokens(c.Model); c.MaxInputTokens > ctx {
		return fmt.Errorf("max_input_tokens (%d) exceeds the %s context window (%d)", c.MaxInputTokens, c.Model, ctx)
	}
	if strings.TrimSpace(c.TranscriptPath) == "" {
		return fmt.Errorf("transcript_path must be set")
	}
	if strings.TrimSpace(c.LogPath) == "" {
		return fmt.Errorf("log_path must be set")
	}
	return nil
}

// RequestTimeout turns the integer value into a duration for HTTP clients.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ConnectTimeout exposes the configured connect deadline.
func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// StreamStallGrace exposes the streaming stall watchdog duration.
func (c Config) StreamStallGrace() time.Duration {
	return time.Duration(c.StreamStallSeconds) * time.Second
}

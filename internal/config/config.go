// Package config loads and validates aichat configuration from YAML,
// with environment variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all aichat configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Data directory (database, logs)
	DataDir string `yaml:"data_dir"`

	// Summarizer LLM configuration
	Summarizer SummarizerConfig `yaml:"summarizer"`

	// Conversation memory configuration
	Memory MemoryConfig `yaml:"memory"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// SummarizerConfig configures the external summarization model.
type SummarizerConfig struct {
	Provider string `yaml:"provider"` // openrouter, genai
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// MemoryConfig configures the conversation memory core.
type MemoryConfig struct {
	// SQLite turn log path (relative paths resolve under DataDir)
	DatabasePath string `yaml:"database_path"`

	// Inactivity window after which a session is no longer resumed
	SessionTimeout string `yaml:"session_timeout"`

	ContextWindow ContextWindowConfig `yaml:"context_window"`
}

// ContextWindowConfig configures the token budget and compaction thresholds.
//
// The buffer zone lies between SoftThreshold and HardThreshold: crossing the
// soft threshold starts a background summarization, crossing the hard
// threshold forces a synchronous context reset.
type ContextWindowConfig struct {
	// Token budget for conversation context sent to the chat model
	MaxContextTokens int `yaml:"max_context_tokens"`

	// Fraction of MaxContextTokens that starts background compression (default 0.75)
	SoftThreshold float64 `yaml:"soft_threshold"`

	// Fraction that forces an immediate context reset (default 0.85)
	HardThreshold float64 `yaml:"hard_threshold"`

	// Recent turns always kept verbatim, never summarized (default 10)
	RecentTurnsKeep int `yaml:"recent_turns_keep"`

	// Token budget for preserved high-importance turns (default 1000)
	PreservedTurnsBudget int `yaml:"preserved_turns_budget"`

	// Token allowance for the character reminder block (default 200)
	CharacterReminderTokens int `yaml:"character_reminder_tokens"`

	// Force a reset every N turns regardless of token usage (default 100)
	CompressionFrequency int `yaml:"compression_frequency"`

	// Minimum importance score for a turn to be preserved (default 5.0)
	MinImportanceScore float64 `yaml:"min_importance_score"`

	// Bound on waiting for an in-flight background summarization during a
	// hard reset before falling back to the degraded path (default 2s)
	BackgroundWaitTimeout string `yaml:"background_wait_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`      // debug, info, warn, error
	DebugMode  bool            `yaml:"debug_mode"` // master toggle - false = no logging
	Categories map[string]bool `yaml:"categories"` // per-category toggles
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "aichat",
		Version: "1.0.0",
		DataDir: ".aichat",
		Summarizer: SummarizerConfig{
			Provider: "openrouter",
			Model:    "mistralai/mistral-7b-instruct",
			BaseURL:  "https://openrouter.ai/api/v1",
			Timeout:  "60s",
		},
		Memory: MemoryConfig{
			DatabasePath:   "memory.db",
			SessionTimeout: "24h",
			ContextWindow: ContextWindowConfig{
				MaxContextTokens:        8000,
				SoftThreshold:           0.75,
				HardThreshold:           0.85,
				RecentTurnsKeep:         10,
				PreservedTurnsBudget:    1000,
				CharacterReminderTokens: 200,
				CompressionFrequency:    100,
				MinImportanceScore:      5.0,
				BackgroundWaitTimeout:   "2s",
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			DebugMode: false,
		},
	}
}

// Load reads a config file, applying defaults for missing fields and
// environment overrides for secrets. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the config to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides lets environment variables win over file values.
// Secrets should come from the environment, not the config file.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("AICHAT_OPENROUTER_API_KEY"); key != "" && c.Summarizer.Provider == "openrouter" {
		c.Summarizer.APIKey = key
	}
	if key := os.Getenv("AICHAT_GENAI_API_KEY"); key != "" && c.Summarizer.Provider == "genai" {
		c.Summarizer.APIKey = key
	}
	if key := os.Getenv("AICHAT_API_KEY"); key != "" && c.Summarizer.APIKey == "" {
		c.Summarizer.APIKey = key
	}
	if dir := os.Getenv("AICHAT_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
}

// GetSummarizerTimeout parses the summarizer timeout, defaulting to 60s.
func (c *Config) GetSummarizerTimeout() time.Duration {
	d, err := time.ParseDuration(c.Summarizer.Timeout)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// GetSessionTimeout parses the session resume window, defaulting to 24h.
func (c *Config) GetSessionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Memory.SessionTimeout)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// GetBackgroundWaitTimeout parses the bounded wait for in-flight background
// summarization during a hard reset, defaulting to 2s.
func (c *ContextWindowConfig) GetBackgroundWaitTimeout() time.Duration {
	d, err := time.ParseDuration(c.BackgroundWaitTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	cw := c.Memory.ContextWindow
	if cw.MaxContextTokens <= 0 {
		return fmt.Errorf("max_context_tokens must be positive, got %d", cw.MaxContextTokens)
	}
	if cw.SoftThreshold <= 0 || cw.SoftThreshold >= 1 {
		return fmt.Errorf("soft_threshold must be in (0,1), got %.2f", cw.SoftThreshold)
	}
	if cw.HardThreshold <= cw.SoftThreshold || cw.HardThreshold >= 1 {
		return fmt.Errorf("hard_threshold must be in (soft_threshold,1), got %.2f", cw.HardThreshold)
	}
	if cw.RecentTurnsKeep < 0 {
		return fmt.Errorf("recent_turns_keep must be non-negative, got %d", cw.RecentTurnsKeep)
	}
	if cw.PreservedTurnsBudget < 0 {
		return fmt.Errorf("preserved_turns_budget must be non-negative, got %d", cw.PreservedTurnsBudget)
	}
	if cw.CompressionFrequency <= 0 {
		return fmt.Errorf("compression_frequency must be positive, got %d", cw.CompressionFrequency)
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "openrouter", cfg.Summarizer.Provider)
	assert.Equal(t, "mistralai/mistral-7b-instruct", cfg.Summarizer.Model)

	cw := cfg.Memory.ContextWindow
	assert.Equal(t, 8000, cw.MaxContextTokens)
	assert.Equal(t, 0.75, cw.SoftThreshold)
	assert.Equal(t, 0.85, cw.HardThreshold)
	assert.Equal(t, 10, cw.RecentTurnsKeep)
	assert.Equal(t, 1000, cw.PreservedTurnsBudget)
	assert.Equal(t, 100, cw.CompressionFrequency)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Memory.ContextWindow.MaxContextTokens)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aichat.yaml")
	data := `
memory:
  session_timeout: 1h
  context_window:
    max_context_tokens: 2000
    soft_threshold: 0.6
    hard_threshold: 0.7
summarizer:
  provider: genai
  model: gemini-2.0-flash
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2000, cfg.Memory.ContextWindow.MaxContextTokens)
	assert.Equal(t, 0.6, cfg.Memory.ContextWindow.SoftThreshold)
	assert.Equal(t, "genai", cfg.Summarizer.Provider)
	assert.Equal(t, time.Hour, cfg.GetSessionTimeout())

	// Untouched fields keep defaults.
	assert.Equal(t, 10, cfg.Memory.ContextWindow.RecentTurnsKeep)
}

func TestEnvOverridesAPIKey(t *testing.T) {
	t.Setenv("AICHAT_OPENROUTER_API_KEY", "sk-test")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Summarizer.APIKey)
}

func TestValidateThresholdOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Memory.ContextWindow.HardThreshold = 0.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Memory.ContextWindow.SoftThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Memory.ContextWindow.MaxContextTokens = 0
	assert.Error(t, cfg.Validate())
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Summarizer.Timeout = "garbage"
	cfg.Memory.SessionTimeout = ""
	cfg.Memory.ContextWindow.BackgroundWaitTimeout = "-3s"

	assert.Equal(t, 60*time.Second, cfg.GetSummarizerTimeout())
	assert.Equal(t, 24*time.Hour, cfg.GetSessionTimeout())
	assert.Equal(t, 2*time.Second, cfg.Memory.ContextWindow.GetBackgroundWaitTimeout())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aichat.yaml")

	cfg := DefaultConfig()
	cfg.Memory.ContextWindow.MaxContextTokens = 4000
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4000, loaded.Memory.ContextWindow.MaxContextTokens)
}
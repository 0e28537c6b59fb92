package main

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"aichat/internal/config"
	"aichat/internal/enrichment"
	"aichat/internal/logging"
	"aichat/internal/memory"
	"aichat/internal/store"
	"aichat/internal/summarize"
)

// app wires the memory core from configuration: store, summarizer backend,
// detector, and manager. One instance per command invocation.
type app struct {
	cfg     *config.Config
	store   *store.LocalStore
	manager *memory.Manager
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if apiKey != "" {
		cfg.Summarizer.APIKey = apiKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logOpts := logging.Options{
		DebugMode:  cfg.Logging.DebugMode || verbose,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}
	if err := logging.Initialize(cfg.DataDir, logOpts); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	tok := memory.HeuristicTokenizer{}

	dbPath := cfg.Memory.DatabasePath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.DataDir, dbPath)
	}
	st, err := store.NewLocalStore(dbPath, tok)
	if err != nil {
		return nil, err
	}

	engine, err := buildEngine(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	mgr := memory.NewManager(st, engine, enrichment.NewKeywordDetector(), tok,
		compressionConfig(cfg), cfg.GetSessionTimeout())

	logger.Debug("Memory core ready",
		zap.String("db", dbPath),
		zap.String("provider", cfg.Summarizer.Provider))

	return &app{cfg: cfg, store: st, manager: mgr}, nil
}

func (a *app) Close() {
	a.manager.Close()
	if err := a.store.Close(); err != nil {
		logger.Warn("Failed to close store", zap.Error(err))
	}
	logging.CloseAll()
}

func buildEngine(cfg *config.Config) (memory.Summarizer, error) {
	switch cfg.Summarizer.Provider {
	case "openrouter", "":
		client := summarize.NewOpenRouterClientWithConfig(summarize.OpenRouterConfig{
			APIKey:  cfg.Summarizer.APIKey,
			BaseURL: cfg.Summarizer.BaseURL,
			Model:   cfg.Summarizer.Model,
			Timeout: cfg.GetSummarizerTimeout(),
		})
		return summarize.NewLLMEngine(client, "openrouter"), nil
	case "genai":
		client, err := summarize.NewGenAIClient(context.Background(), cfg.Summarizer.APIKey, cfg.Summarizer.Model)
		if err != nil {
			return nil, err
		}
		return summarize.NewLLMEngine(client, "genai"), nil
	default:
		return nil, fmt.Errorf("unknown summarizer provider %q", cfg.Summarizer.Provider)
	}
}

func compressionConfig(cfg *config.Config) memory.CompressionConfig {
	cw := cfg.Memory.ContextWindow
	out := memory.DefaultCompressionConfig()
	if cw.MaxContextTokens > 0 {
		out.MaxContextTokens = cw.MaxContextTokens
	}
	if cw.SoftThreshold > 0 {
		out.SoftThreshold = cw.SoftThreshold
	}
	if cw.HardThreshold > 0 {
		out.HardThreshold = cw.HardThreshold
	}
	if cw.RecentTurnsKeep > 0 {
		out.RecentTurnsKeep = cw.RecentTurnsKeep
	}
	if cw.PreservedTurnsBudget > 0 {
		out.PreservedTurnsBudget = cw.PreservedTurnsBudget
	}
	if cw.CharacterReminderTokens > 0 {
		out.CharacterReminderTokens = cw.CharacterReminderTokens
	}
	if cw.CompressionFrequency > 0 {
		out.CompressionFrequency = cw.CompressionFrequency
	}
	if cw.MinImportanceScore > 0 {
		out.MinImportanceScore = cw.MinImportanceScore
	}
	out.BackgroundWait = cw.GetBackgroundWaitTimeout()
	out.SummarizerTimeout = cfg.GetSummarizerTimeout()
	return out
}

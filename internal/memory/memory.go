// Package memory keeps long-running conversations bounded within a token
// budget: it scores turns for retention, runs two-phase compaction (a
// cancellable background summarization followed by a synchronous reset), and
// assembles the renderable context from the compacted state.
package memory

import (
	"context"
	"time"

	"aichat/internal/types"
)

// TurnStore is the durable persistence contract the memory core depends on.
// Implemented by store.LocalStore.
type TurnStore interface {
	CreateSession(sess *types.Session) error
	GetSession(sessionID string) (*types.Session, error)
	FindActiveSession(characterID int, userID string, activeSince time.Time) (*types.Session, error)
	SaveSession(sess *types.Session) error
	SetSessionState(sessionID string, state types.SessionState) error
	RecordCompression(sessionID string) error

	AppendTurn(sessionID, speakerID string, speakerType types.SpeakerType, message string, metadata types.TurnMetadata) (*types.Turn, error)
	GetTurns(sessionID string, fromTurn, toTurn int) ([]types.Turn, error)
	UpdateImportanceScores(sessionID string, scores map[int]float64) error

	SaveSummary(sum *types.Summary) error
	LatestSummary(sessionID string) (*types.Summary, error)
	RecordCompressionEvent(ev types.CompressionEvent) error

	SearchTurns(sessionID, query string, limit int) ([]types.Turn, error)
	SearchSummaries(sessionID, query string, limit int) ([]types.Summary, error)

	ExpireSessions(before time.Time) (int, error)
}

// Summarizer produces a narrative summary for a contiguous turn range.
// Implemented by summarize.LLMEngine.
type Summarizer interface {
	Summarize(ctx context.Context, profile types.CharacterProfile, turns []types.Turn) (*types.Summary, error)
}

// CompressionConfig tunes the buffer-zone state machine and the assembler.
type CompressionConfig struct {
	MaxContextTokens        int
	SoftThreshold           float64
	HardThreshold           float64
	RecentTurnsKeep         int
	PreservedTurnsBudget    int
	CharacterReminderTokens int
	CompressionFrequency    int
	MinImportanceScore      float64

	// BackgroundWait bounds how long a hard reset waits for an in-flight
	// background summarization before falling back to the degraded path.
	BackgroundWait time.Duration

	// SummarizerTimeout bounds synchronous summarization calls made when no
	// background result is available.
	SummarizerTimeout time.Duration
}

// DefaultCompressionConfig mirrors the production tuning.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MaxContextTokens:        8000,
		SoftThreshold:           0.75,
		HardThreshold:           0.85,
		RecentTurnsKeep:         10,
		PreservedTurnsBudget:    1000,
		CharacterReminderTokens: 200,
		CompressionFrequency:    100,
		MinImportanceScore:      5.0,
		BackgroundWait:          2 * time.Second,
		SummarizerTimeout:       60 * time.Second,
	}
}

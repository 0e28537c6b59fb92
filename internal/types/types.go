// Package types defines the shared domain model for the conversation memory
// system: sessions, turns, summaries, and compressed context. Keeping these in
// a leaf package lets store, summarize, and memory depend on them without
// import cycles.
package types

import (
	"time"
)

// SpeakerType identifies who produced a turn.
type SpeakerType string

const (
	SpeakerUser      SpeakerType = "user"
	SpeakerAssistant SpeakerType = "assistant"
	SpeakerSystem    SpeakerType = "system"
)

// SessionState tracks the compaction state machine for a session.
type SessionState string

const (
	// SessionActive is the normal state: turns accumulate, no compaction running.
	SessionActive SessionState = "ACTIVE"
	// SessionBackgroundCompressing means the soft threshold was crossed and a
	// cancellable background summarization is in flight.
	SessionBackgroundCompressing SessionState = "BACKGROUND_COMPRESSING"
	// SessionResetting means the hard threshold was crossed and a synchronous
	// context rebuild is in progress.
	SessionResetting SessionState = "RESETTING"
	// SessionClosed means the session was explicitly ended or expired. Closed
	// sessions are never resumed.
	SessionClosed SessionState = "CLOSED"
)

// Session represents a conversation between one character and its participants.
type Session struct {
	SessionID        string
	CharacterID      int
	CharacterName    string
	StartedAt        time.Time
	LastActivity     time.Time
	Participants     []string
	TotalTurns       int
	TotalTokens      int
	CompressionCount int
	State            SessionState
}

// Signals holds the enrichment signals detected on a turn. Each flag maps to
// an importance weight during compaction scoring.
type Signals struct {
	EmotionalPeak      bool `json:"emotional_peak,omitempty"`
	DecisionMade       bool `json:"decision_made,omitempty"`
	TopicIntroduction  bool `json:"topic_introduction,omitempty"`
	UserInformation    bool `json:"user_information,omitempty"`
	CharacterDefining  bool `json:"character_defining,omitempty"`
	QuestionAsked      bool `json:"question_asked,omitempty"`
	HumorMoment        bool `json:"humor_moment,omitempty"`
	ConflictResolution bool `json:"conflict_resolution,omitempty"`
}

// TurnMetadata carries typed enrichment signals plus a bounded open extension
// map for signal types this version does not know about.
type TurnMetadata struct {
	Signals Signals `json:"signals"`

	// Emotion is the dominant emotion label for the turn, if detected.
	Emotion string `json:"emotion,omitempty"`

	// Extra holds forward-compatible string fields from newer enrichment
	// collaborators. Bounded: persisted as-is, never interpreted here.
	Extra map[string]string `json:"extra,omitempty"`
}

// Turn is one attributed message unit within a session. Immutable once
// persisted.
type Turn struct {
	TurnID          int
	SessionID       string
	SpeakerID       string
	SpeakerType     SpeakerType
	Message         string
	CreatedAt       time.Time
	TokenCount      int
	Metadata        TurnMetadata
	ImportanceScore float64
}

// KeyMoment is a notable moment referenced by a summary.
type KeyMoment struct {
	TurnID      int    `json:"turn_id"`
	Description string `json:"description"`
}

// Summary is a narrative compression of a contiguous turn range.
type Summary struct {
	SummaryID    string
	SessionID    string
	TurnStart    int
	TurnEnd      int
	Narrative    string
	KeyMoments   []KeyMoment
	EmotionalArc string
	Facts        []string
	Decisions    []string
	CreatedAt    time.Time
}

// ContextMeta describes how a CompressedContext was produced.
type ContextMeta struct {
	OriginalTurnCount int
	CompressedAtTurn  int
	TokensSaved       int

	// Degraded marks a context built via the synchronous concatenation
	// fallback rather than a real summarization call. Callers must be able
	// to tell a fabricated narrative from the real thing.
	Degraded bool
}

// CompressedContext is the renderable conversation state after a reset:
// character reminder, summary, preserved turns, buffer-zone turns, and the
// recent-turn window. Replaced wholesale on each hard reset.
type CompressedContext struct {
	CharacterReminder string
	Summary           *Summary
	PreservedTurns    []Turn
	BufferTurns       []Turn
	RecentTurns       []Turn
	Meta              ContextMeta
}

// CompressionEvent records when and how a compaction occurred.
type CompressionEvent struct {
	SessionID        string
	CompressedAtTurn int
	TokensSaved      int
	Timestamp        time.Time
}

// CharacterProfile is the persona data handed to the summarizer and the
// reminder builder. Owned by the caller; the core only reads it.
type CharacterProfile struct {
	CharacterID int
	Name        string
	Personality string
	Profile     string
}

// Tokenizer converts text to a token count for the downstream model.
// Implementations must be pure and deterministic for a given model.
type Tokenizer interface {
	CountTokens(text string) int
}

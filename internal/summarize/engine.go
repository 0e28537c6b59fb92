// Package summarize turns a range of conversation turns into a structured
// narrative summary via an LLM backend.
package summarize

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"aichat/internal/logging"
	"aichat/internal/types"
)

// Engine produces a summary for a contiguous range of turns. The turn slice
// is never empty and is already in chronological order.
type Engine interface {
	Summarize(ctx context.Context, profile types.CharacterProfile, turns []types.Turn) (*types.Summary, error)
}

// Client is the minimal completion surface an LLM backend must provide.
type Client interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// SummarizationError wraps a backend failure with the provider name so
// callers can distinguish summarizer faults from storage faults.
type SummarizationError struct {
	Provider string
	Err      error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("summarization via %s: %v", e.Provider, e.Err)
}

func (e *SummarizationError) Unwrap() error { return e.Err }

// LLMEngine implements Engine on top of any completion Client.
type LLMEngine struct {
	client   Client
	provider string
}

// NewLLMEngine wraps a completion client. The provider name appears in errors
// and logs only.
func NewLLMEngine(client Client, provider string) *LLMEngine {
	return &LLMEngine{client: client, provider: provider}
}

const summarizerSystemPrompt = "You are an analytical conversation summarizer. Follow the output format exactly."

// Summarize builds the compression prompt, calls the backend, and parses the
// structured response. The summary's turn range always matches its input even
// when the model drifts.
func (e *LLMEngine) Summarize(ctx context.Context, profile types.CharacterProfile, turns []types.Turn) (*types.Summary, error) {
	if len(turns) == 0 {
		return nil, &SummarizationError{Provider: e.provider, Err: fmt.Errorf("no turns to summarize")}
	}

	timer := logging.StartTimer(logging.CategorySummary, "Summarize")
	defer timer.Stop()

	prompt := buildCompressionPrompt(formatTurns(turns))
	logging.SummaryDebug("Summarizing %d turns (%d-%d) for session %s via %s",
		len(turns), turns[0].TurnID, turns[len(turns)-1].TurnID, turns[0].SessionID, e.provider)

	response, err := e.client.Complete(ctx, summarizerSystemPrompt, prompt)
	if err != nil {
		return nil, &SummarizationError{Provider: e.provider, Err: err}
	}

	parsed := parseSummaryResponse(response)
	if parsed.Narrative == "" {
		return nil, &SummarizationError{Provider: e.provider, Err: fmt.Errorf("response missing SUMMARY section")}
	}

	sum := &types.Summary{
		SummaryID:    uuid.NewString(),
		SessionID:    turns[0].SessionID,
		TurnStart:    turns[0].TurnID,
		TurnEnd:      turns[len(turns)-1].TurnID,
		Narrative:    parsed.Narrative,
		KeyMoments:   clampKeyMoments(parsed.KeyMoments, turns[0].TurnID, turns[len(turns)-1].TurnID),
		EmotionalArc: parsed.EmotionalArc,
		Facts:        parsed.Facts,
		Decisions:    parsed.Decisions,
		CreatedAt:    time.Now().UTC(),
	}

	logging.Summary("Summarized turns %d-%d of session %s: %d key moments, %d facts",
		sum.TurnStart, sum.TurnEnd, sum.SessionID, len(sum.KeyMoments), len(sum.Facts))
	return sum, nil
}

// clampKeyMoments drops moments whose turn reference falls outside the
// summarized range. Models hallucinate turn numbers occasionally.
func clampKeyMoments(moments []types.KeyMoment, start, end int) []types.KeyMoment {
	var out []types.KeyMoment
	for _, m := range moments {
		if m.TurnID >= start && m.TurnID <= end {
			out = append(out, m)
		}
	}
	return out
}

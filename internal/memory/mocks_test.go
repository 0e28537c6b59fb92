package memory

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"aichat/internal/types"
)

// mockSummarizer lets tests control summarization behavior per call.
type mockSummarizer struct {
	SummarizeFunc func(ctx context.Context, profile types.CharacterProfile, turns []types.Turn) (*types.Summary, error)
	calls         atomic.Int64
}

func (m *mockSummarizer) Summarize(ctx context.Context, profile types.CharacterProfile, turns []types.Turn) (*types.Summary, error) {
	m.calls.Add(1)
	if m.SummarizeFunc != nil {
		return m.SummarizeFunc(ctx, profile, turns)
	}
	return cannedSummary(turns), nil
}

func cannedSummary(turns []types.Turn) *types.Summary {
	if len(turns) == 0 {
		return nil
	}
	return &types.Summary{
		SummaryID: fmt.Sprintf("sum-%d-%d", turns[0].TurnID, turns[len(turns)-1].TurnID),
		SessionID: turns[0].SessionID,
		TurnStart: turns[0].TurnID,
		TurnEnd:   turns[len(turns)-1].TurnID,
		Narrative: "They talked.",
		CreatedAt: time.Now().UTC(),
	}
}

// slowSummarizer blocks until the context is cancelled.
func slowSummarizer() *mockSummarizer {
	return &mockSummarizer{
		SummarizeFunc: func(ctx context.Context, _ types.CharacterProfile, _ []types.Turn) (*types.Summary, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

// failingSummarizer always errors.
func failingSummarizer() *mockSummarizer {
	return &mockSummarizer{
		SummarizeFunc: func(ctx context.Context, _ types.CharacterProfile, _ []types.Turn) (*types.Summary, error) {
			return nil, fmt.Errorf("summarizer unavailable")
		},
	}
}

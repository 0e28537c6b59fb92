package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aichat/internal/types"
)

func plainTurn(id, tokens int, message string) types.Turn {
	return types.Turn{
		TurnID:      id,
		SpeakerType: types.SpeakerUser,
		Message:     message,
		TokenCount:  tokens,
	}
}

func TestAssembleBlockOrder(t *testing.T) {
	a := NewAssembler(HeuristicTokenizer{}, 8000, NewBus())

	cc := &types.CompressedContext{
		CharacterReminder: "You are Luna.",
		Summary:           &types.Summary{Narrative: "They talked about travel."},
		PreservedTurns:    []types.Turn{plainTurn(2, 5, "important thing")},
		BufferTurns:       []types.Turn{plainTurn(30, 5, "bridging")},
		RecentTurns:       []types.Turn{plainTurn(41, 5, "latest")},
	}

	blocks := a.Assemble("sess-1", cc)
	var labels []string
	for _, b := range blocks {
		labels = append(labels, b.Label)
	}
	assert.Equal(t, []string{"character_reminder", "summary", "preserved_turns", "buffer_turns", "recent_turns"}, labels)
}

func TestAssembleEmptySessionIsReminderOnly(t *testing.T) {
	a := NewAssembler(HeuristicTokenizer{}, 8000, NewBus())

	cc := &types.CompressedContext{CharacterReminder: "You are Luna."}
	blocks := a.Assemble("sess-1", cc)
	require.Len(t, blocks, 1)
	assert.Equal(t, "character_reminder", blocks[0].Label)
}

func TestAssembleTruncatesRecentOldestFirst(t *testing.T) {
	bus := NewBus()
	events, stop := bus.Subscribe()
	defer stop()

	// Budget fits the reminder plus two of the three recent turns.
	a := NewAssembler(fixedTok{}, 20, bus)
	cc := &types.CompressedContext{
		CharacterReminder: "reminder", // 10 tokens under fixedTok
		RecentTurns: []types.Turn{
			plainTurn(1, 5, "oldest"),
			plainTurn(2, 5, "middle"),
			plainTurn(3, 5, "newest"),
		},
	}

	blocks := a.Assemble("sess-1", cc)
	require.Len(t, blocks, 2)
	recent := blocks[1].Text
	assert.NotContains(t, recent, "oldest")
	assert.Contains(t, recent, "middle")
	assert.Contains(t, recent, "newest")

	select {
	case ev := <-events:
		assert.Equal(t, EventOverflowWarning, ev.Type)
		assert.Equal(t, "sess-1", ev.SessionID)
	default:
		t.Fatal("expected overflow warning event")
	}
}

func TestAssembleTruncatesBufferAfterRecent(t *testing.T) {
	a := NewAssembler(fixedTok{}, 5, NewBus())
	cc := &types.CompressedContext{
		BufferTurns: []types.Turn{
			plainTurn(20, 5, "buffer-old"),
			plainTurn(21, 5, "buffer-new"),
		},
		RecentTurns: []types.Turn{plainTurn(30, 5, "recent")},
	}

	blocks := a.Assemble("sess-1", cc)
	joined := ""
	for _, b := range blocks {
		joined += b.Text + "\n"
	}
	// Recent went first, then the oldest buffer turn.
	assert.NotContains(t, joined, "recent")
	assert.NotContains(t, joined, "buffer-old")
	assert.Contains(t, joined, "buffer-new")
}

func TestAssembleNeverTruncatesReminderOrSummary(t *testing.T) {
	a := NewAssembler(fixedTok{}, 1, NewBus())
	cc := &types.CompressedContext{
		CharacterReminder: "reminder",
		Summary:           &types.Summary{Narrative: "the summary"},
		RecentTurns:       []types.Turn{plainTurn(1, 5, "recent")},
	}

	blocks := a.Assemble("sess-1", cc)
	require.Len(t, blocks, 2)
	assert.Equal(t, "character_reminder", blocks[0].Label)
	assert.Equal(t, "summary", blocks[1].Label)
}

func TestRenderPromptSections(t *testing.T) {
	a := NewAssembler(HeuristicTokenizer{}, 8000, NewBus())
	cc := &types.CompressedContext{
		CharacterReminder: "You are Luna.",
		Summary: &types.Summary{
			Narrative:    "They planned a trip.",
			KeyMoments:   []types.KeyMoment{{TurnID: 4, Description: "picked a date"}},
			EmotionalArc: "calm to excited",
			Facts:        []string{"user lives in Lisbon"},
			Decisions:    []string{"leave on Friday"},
		},
		PreservedTurns: []types.Turn{plainTurn(4, 5, "let's go Friday")},
		RecentTurns: []types.Turn{
			{TurnID: 12, SpeakerID: "luna", SpeakerType: types.SpeakerAssistant,
				Message: "Can't wait!", TokenCount: 3,
				Metadata: types.TurnMetadata{Emotion: "excited"}},
		},
	}

	prompt := a.RenderPrompt("sess-1", cc)
	assert.True(t, strings.HasPrefix(prompt, "You are Luna."))
	assert.Contains(t, prompt, "CONVERSATION SUMMARY:\nThey planned a trip.")
	assert.Contains(t, prompt, "- picked a date (Turn 4)")
	assert.Contains(t, prompt, "EMOTIONAL JOURNEY:\ncalm to excited")
	assert.Contains(t, prompt, "- user lives in Lisbon")
	assert.Contains(t, prompt, "- Decision: leave on Friday")
	assert.Contains(t, prompt, "PRESERVED TURNS:\nTurn 4 (User): \"let's go Friday\"")
	assert.Contains(t, prompt, "Turn 12 (luna): [excited] \"Can't wait!\"")
}

// fixedTok charges 10 tokens for any non-empty text. Turn token counts come
// from the TokenCount field, so tests control both sides exactly.
type fixedTok struct{}

func (fixedTok) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return 10
}

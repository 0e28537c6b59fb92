package memory

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"aichat/internal/store"
	"aichat/internal/types"
)

// testTok charges a flat 20 tokens per non-empty text. Combined with
// one-message-per-turn appends this makes token arithmetic exact.
type testTok struct{}

func (testTok) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	return 20
}

func newTestManager(t *testing.T, cfg CompressionConfig, engine Summarizer) (*Manager, *store.LocalStore) {
	t.Helper()
	tok := testTok{}
	st, err := store.NewLocalStore(filepath.Join(t.TempDir(), "memory.db"), tok)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := NewManager(st, engine, nil, tok, cfg, 24*time.Hour)
	t.Cleanup(m.Close)
	return m, st
}

func scenarioConfig() CompressionConfig {
	cfg := DefaultCompressionConfig()
	cfg.MaxContextTokens = 1000
	cfg.SoftThreshold = 0.75
	cfg.HardThreshold = 0.85
	cfg.RecentTurnsKeep = 10
	cfg.PreservedTurnsBudget = 200
	cfg.CompressionFrequency = 1000
	cfg.BackgroundWait = time.Second
	return cfg
}

func lunaProfile() types.CharacterProfile {
	return types.CharacterProfile{CharacterID: 7, Name: "Luna", Personality: "warm"}
}

func appendTurns(t *testing.T, m *Manager, sessionID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := m.AddTurn(sessionID, "user-1", types.SpeakerUser, "twenty tokens of text", types.TurnMetadata{})
		require.NoError(t, err)
	}
}

// Growing token usage enters background compression exactly once between the
// soft and hard thresholds, then resets at the hard threshold.
func TestThresholdLifecycle(t *testing.T) {
	engine := &mockSummarizer{}
	m, st := newTestManager(t, scenarioConfig(), engine)

	sess, err := m.StartSession(lunaProfile(), "user-1")
	require.NoError(t, err)

	events, stop := m.Events().Subscribe()
	defer stop()

	appendTurns(t, m, sess.SessionID, 50)

	started, completed := 0, 0
	for drained := false; !drained; {
		select {
		case ev := <-events:
			switch ev.Type {
			case EventCompressionStarted:
				started++
				// Soft threshold (750 of 1000) is crossed near turn 37.
				assert.LessOrEqual(t, ev.Turn, 38)
			case EventCompressionCompleted:
				completed++
				assert.LessOrEqual(t, ev.Turn, 43)
			}
		default:
			drained = true
		}
	}
	assert.Equal(t, 1, started, "background compression must start exactly once")
	assert.Equal(t, 1, completed)

	got, err := st.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CompressionCount)
	assert.Equal(t, types.SessionActive, got.State)

	cc, err := m.GetContext(sess.SessionID)
	require.NoError(t, err)
	assert.Empty(t, cc.BufferTurns)
	assert.False(t, cc.Meta.Degraded)
	require.NotNil(t, cc.Summary)
	assert.Len(t, cc.RecentTurns, 10)
}

// After a reset the assembled context fits the budget and reproduces the
// compacted baseline with an empty buffer.
func TestContextRoundTripAfterReset(t *testing.T) {
	m, _ := newTestManager(t, scenarioConfig(), &mockSummarizer{})

	sess, err := m.StartSession(lunaProfile(), "user-1")
	require.NoError(t, err)
	appendTurns(t, m, sess.SessionID, 45)

	blocks, err := m.AssembleContext(sess.SessionID)
	require.NoError(t, err)

	total := 0
	var labels []string
	for _, b := range blocks {
		total += b.Tokens
		labels = append(labels, b.Label)
	}
	assert.LessOrEqual(t, total, 1000)
	assert.Contains(t, labels, "character_reminder")
	assert.Contains(t, labels, "summary")
	assert.Contains(t, labels, "recent_turns")
	assert.NotContains(t, labels, "buffer_turns")
}

// A summarizer failure during background compression degrades the reset
// instead of surfacing an error to the chat pipeline.
func TestDegradedFallbackOnSummarizerFailure(t *testing.T) {
	m, _ := newTestManager(t, scenarioConfig(), failingSummarizer())

	sess, err := m.StartSession(lunaProfile(), "user-1")
	require.NoError(t, err)
	appendTurns(t, m, sess.SessionID, 50)

	cc, err := m.GetContext(sess.SessionID)
	require.NoError(t, err)
	assert.True(t, cc.Meta.Degraded)
	require.NotNil(t, cc.Summary)
	assert.Contains(t, cc.Summary.Narrative, "exchanges")
}

// A background task that never finishes is cancelled after the bounded wait
// and the reset falls back to the degraded path.
func TestBoundedWaitCancelsSlowBackgroundTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := scenarioConfig()
	cfg.BackgroundWait = 50 * time.Millisecond
	tok := testTok{}
	st, err := store.NewLocalStore(filepath.Join(t.TempDir(), "memory.db"), tok)
	require.NoError(t, err)
	m := NewManager(st, slowSummarizer(), nil, tok, cfg, 24*time.Hour)

	sess, err := m.StartSession(lunaProfile(), "user-1")
	require.NoError(t, err)

	start := time.Now()
	appendTurns(t, m, sess.SessionID, 50)
	assert.Less(t, time.Since(start), 5*time.Second, "appends must not block on the stuck summarizer")

	cc, err := m.GetContext(sess.SessionID)
	require.NoError(t, err)
	assert.True(t, cc.Meta.Degraded)

	m.Close()
	require.NoError(t, st.Close())
}

func TestForcedResetEveryNTurns(t *testing.T) {
	cfg := scenarioConfig()
	cfg.MaxContextTokens = 1000000
	cfg.CompressionFrequency = 5
	m, st := newTestManager(t, cfg, &mockSummarizer{})

	sess, err := m.StartSession(lunaProfile(), "user-1")
	require.NoError(t, err)

	appendTurns(t, m, sess.SessionID, 10)
	got, err := st.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CompressionCount)
}

func TestForceCompressIdempotent(t *testing.T) {
	cfg := scenarioConfig()
	cfg.MaxContextTokens = 1000000
	m, _ := newTestManager(t, cfg, &mockSummarizer{})

	sess, err := m.StartSession(lunaProfile(), "user-1")
	require.NoError(t, err)

	for i := 0; i < 15; i++ {
		meta := types.TurnMetadata{}
		if i%3 == 0 {
			meta.Signals.EmotionalPeak = true
		}
		_, err := m.AddTurn(sess.SessionID, "user-1", types.SpeakerUser, "twenty tokens of text", meta)
		require.NoError(t, err)
	}

	require.NoError(t, m.ForceCompress(sess.SessionID))
	first, err := m.GetContext(sess.SessionID)
	require.NoError(t, err)

	require.NoError(t, m.ForceCompress(sess.SessionID))
	second, err := m.GetContext(sess.SessionID)
	require.NoError(t, err)

	ids := func(turns []types.Turn) []int {
		var out []int
		for _, turn := range turns {
			out = append(out, turn.TurnID)
		}
		return out
	}
	assert.Equal(t, ids(first.PreservedTurns), ids(second.PreservedTurns))
	assert.Empty(t, first.BufferTurns)
	assert.Empty(t, second.BufferTurns)
	assert.Equal(t, first.Meta.CompressedAtTurn, second.Meta.CompressedAtTurn)
}

func TestStartSessionIdempotent(t *testing.T) {
	m, _ := newTestManager(t, scenarioConfig(), &mockSummarizer{})

	first, err := m.StartSession(lunaProfile(), "user-1")
	require.NoError(t, err)
	second, err := m.StartSession(lunaProfile(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	other, err := m.StartSession(lunaProfile(), "user-2")
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, other.SessionID)
}

func TestEmptySessionContext(t *testing.T) {
	m, st := newTestManager(t, scenarioConfig(), &mockSummarizer{})

	sess, err := m.StartSession(lunaProfile(), "user-1")
	require.NoError(t, err)

	got, err := st.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TotalTurns)

	blocks, err := m.AssembleContext(sess.SessionID)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, "character_reminder", blocks[0].Label)
	assert.True(t, strings.HasPrefix(blocks[0].Text, "You are Luna."))
}

func TestSearchMemories(t *testing.T) {
	cfg := scenarioConfig()
	cfg.MaxContextTokens = 1000000
	m, _ := newTestManager(t, cfg, &mockSummarizer{
		SummarizeFunc: func(_ context.Context, _ types.CharacterProfile, turns []types.Turn) (*types.Summary, error) {
			sum := cannedSummary(turns)
			sum.Narrative = "They argued about the dragon."
			return sum, nil
		},
	})

	sess, err := m.StartSession(lunaProfile(), "user-1")
	require.NoError(t, err)

	_, err = m.AddTurn(sess.SessionID, "user-1", types.SpeakerUser, "tell me about the dragon", types.TurnMetadata{})
	require.NoError(t, err)
	appendTurns(t, m, sess.SessionID, 14)
	require.NoError(t, m.ForceCompress(sess.SessionID))

	results, err := m.SearchMemories(context.Background(), sess.SessionID, "dragon", 10)
	require.NoError(t, err)
	require.Len(t, results.Turns, 1)
	assert.Equal(t, 1, results.Turns[0].TurnID)
	require.Len(t, results.Summaries, 1)

	empty, err := m.SearchMemories(context.Background(), sess.SessionID, "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, empty.Turns)
}

func TestCloseSessionEndsResumability(t *testing.T) {
	m, st := newTestManager(t, scenarioConfig(), &mockSummarizer{})

	sess, err := m.StartSession(lunaProfile(), "user-1")
	require.NoError(t, err)
	require.NoError(t, m.CloseSession(sess.SessionID))

	got, err := st.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionClosed, got.State)

	next, err := m.StartSession(lunaProfile(), "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, sess.SessionID, next.SessionID)
}

func TestAddTurnOnClosedSessionFails(t *testing.T) {
	m, st := newTestManager(t, scenarioConfig(), &mockSummarizer{})

	sess, err := m.StartSession(lunaProfile(), "user-1")
	require.NoError(t, err)
	appendTurns(t, m, sess.SessionID, 3)
	require.NoError(t, m.CloseSession(sess.SessionID))

	_, err = m.AddTurn(sess.SessionID, "user-1", types.SpeakerUser, "hello?", types.TurnMetadata{})
	assert.ErrorIs(t, err, ErrSessionClosed)

	_, err = m.GetContext(sess.SessionID)
	assert.ErrorIs(t, err, ErrSessionClosed)

	got, err := st.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionClosed, got.State)
	assert.Equal(t, 3, got.TotalTurns)
}

func TestResumeAfterRestart(t *testing.T) {
	tok := testTok{}
	dbPath := filepath.Join(t.TempDir(), "memory.db")
	cfg := scenarioConfig()

	st, err := store.NewLocalStore(dbPath, tok)
	require.NoError(t, err)
	m := NewManager(st, &mockSummarizer{}, nil, tok, cfg, 24*time.Hour)

	sess, err := m.StartSession(lunaProfile(), "user-1")
	require.NoError(t, err)
	appendTurns(t, m, sess.SessionID, 45)
	m.Close()
	require.NoError(t, st.Close())

	st2, err := store.NewLocalStore(dbPath, tok)
	require.NoError(t, err)
	defer st2.Close()
	m2 := NewManager(st2, &mockSummarizer{}, nil, tok, cfg, 24*time.Hour)
	defer m2.Close()

	resumed, err := m2.StartSession(lunaProfile(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, resumed.SessionID)

	cc, err := m2.GetContext(resumed.SessionID)
	require.NoError(t, err)
	require.NotNil(t, cc.Summary)
	assert.Len(t, cc.RecentTurns, 10)

	turn, err := m2.AddTurn(resumed.SessionID, "user-1", types.SpeakerUser, "still here", types.TurnMetadata{})
	require.NoError(t, err)
	assert.Equal(t, 46, turn.TurnID)
}

func TestCleanupExpiredSessions(t *testing.T) {
	tok := testTok{}
	st, err := store.NewLocalStore(filepath.Join(t.TempDir(), "memory.db"), tok)
	require.NoError(t, err)
	defer st.Close()

	m := NewManager(st, &mockSummarizer{}, nil, tok, scenarioConfig(), time.Nanosecond)
	defer m.Close()

	_, err = m.StartSession(lunaProfile(), "user-1")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	n, err := m.CleanupExpiredSessions()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAddTurnUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, scenarioConfig(), &mockSummarizer{})
	_, err := m.AddTurn("missing", "user-1", types.SpeakerUser, "hi", types.TurnMetadata{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aichat/internal/logging"
	"aichat/internal/types"
)

// sessionRuntime is the in-memory compaction state for one session. All
// fields except the background task internals are guarded by mu; the Manager
// acquires mu for every operation on the session, which serializes turn
// appends and resets per session while leaving other sessions untouched.
type sessionRuntime struct {
	mu sync.Mutex

	sess     *types.Session
	profile  types.CharacterProfile
	reminder string

	// Compacted baseline from the last reset.
	summary   *types.Summary
	preserved []types.Turn

	// live holds every raw turn since the last reset, oldest first. The last
	// RecentTurnsKeep entries form the recent window; entries at or past
	// bufferStartID that have aged out of the window form the buffer zone.
	live          []types.Turn
	bufferStartID int

	bg   *backgroundTask
	meta types.ContextMeta
}

// backgroundTask is one cancellable summarization in flight. summary and err
// are written exactly once before done is closed; readers wait on done.
type backgroundTask struct {
	cancel  context.CancelFunc
	done    chan struct{}
	summary *types.Summary
	err     error
}

// Compressor is the buffer-zone state machine: it watches token usage after
// every appended turn, starts background summarization past the soft
// threshold, and performs the synchronous reset past the hard threshold.
type Compressor struct {
	cfg    CompressionConfig
	store  TurnStore
	engine Summarizer
	tok    types.Tokenizer
	bus    *Bus
}

func NewCompressor(cfg CompressionConfig, st TurnStore, engine Summarizer, tok types.Tokenizer, bus *Bus) *Compressor {
	return &Compressor{cfg: cfg, store: st, engine: engine, tok: tok, bus: bus}
}

// currentTokens is the budget accounting: reminder plus compacted baseline
// plus every raw turn since the last reset.
func (c *Compressor) currentTokens(rt *sessionRuntime) int {
	return c.tok.CountTokens(rt.reminder) +
		summaryTokens(c.tok, rt.summary) +
		sumTurnTokens(rt.preserved) +
		sumTurnTokens(rt.live)
}

// OnTurnAppended advances the state machine after a turn was persisted.
// Called with rt.mu held.
func (c *Compressor) OnTurnAppended(rt *sessionRuntime, turn types.Turn) error {
	rt.live = append(rt.live, turn)

	// Forced reset bounds preserved-turn staleness regardless of token usage.
	if c.cfg.CompressionFrequency > 0 && rt.sess.TotalTurns%c.cfg.CompressionFrequency == 0 {
		logging.Compression("Session %s: forced reset at turn %d", rt.sess.SessionID, rt.sess.TotalTurns)
		return c.hardReset(rt, "frequency")
	}

	tokens := c.currentTokens(rt)
	ratio := float64(tokens) / float64(c.cfg.MaxContextTokens)
	logging.CompressionDebug("Session %s: turn %d, %d tokens (%.0f%%), state=%s",
		rt.sess.SessionID, turn.TurnID, tokens, ratio*100, rt.sess.State)

	if ratio >= c.cfg.HardThreshold {
		logging.Compression("Session %s: hard threshold crossed at turn %d (%d tokens)",
			rt.sess.SessionID, turn.TurnID, tokens)
		return c.hardReset(rt, "hard_threshold")
	}

	if ratio >= c.cfg.SoftThreshold && rt.sess.State == types.SessionActive {
		c.startBackground(rt)
	}
	return nil
}

// startBackground launches the cancellable summarization task. At most one
// task per session; a second call while one is in flight is a no-op.
func (c *Compressor) startBackground(rt *sessionRuntime) {
	if rt.bg != nil {
		return
	}

	snapshot := c.compactRange(rt)
	if len(snapshot) == 0 {
		// Nothing outside the recent window to summarize yet.
		return
	}

	rt.sess.State = types.SessionBackgroundCompressing
	if err := c.store.SetSessionState(rt.sess.SessionID, types.SessionBackgroundCompressing); err != nil {
		logging.CompressionWarn("Session %s: failed to persist state: %v", rt.sess.SessionID, err)
	}
	rt.bufferStartID = rt.sess.TotalTurns + 1

	ctx, cancel := context.WithCancel(context.Background())
	task := &backgroundTask{cancel: cancel, done: make(chan struct{})}
	rt.bg = task

	sessionID := rt.sess.SessionID
	profile := rt.profile
	turns := make([]types.Turn, len(snapshot))
	copy(turns, snapshot)

	logging.Compression("Session %s: background summarization started over turns %d-%d",
		sessionID, turns[0].TurnID, turns[len(turns)-1].TurnID)
	c.bus.Publish(Event{Type: EventCompressionStarted, SessionID: sessionID, Turn: rt.sess.TotalTurns})

	go func() {
		defer close(task.done)
		defer func() {
			if r := recover(); r != nil {
				task.err = fmt.Errorf("summarization panic: %v", r)
				logging.CompressionWarn("Session %s: background task panicked: %v", sessionID, r)
			}
		}()
		task.summary, task.err = c.engine.Summarize(ctx, profile, turns)
		if task.err != nil && ctx.Err() == nil {
			logging.CompressionWarn("Session %s: background summarization failed: %v", sessionID, task.err)
		}
	}()
}

// compactRange returns the live turns outside the recent window, i.e. the
// turns eligible for summarization and preservation.
func (c *Compressor) compactRange(rt *sessionRuntime) []types.Turn {
	if len(rt.live) <= c.cfg.RecentTurnsKeep {
		return nil
	}
	return rt.live[:len(rt.live)-c.cfg.RecentTurnsKeep]
}

func (c *Compressor) recentWindow(rt *sessionRuntime) []types.Turn {
	if len(rt.live) <= c.cfg.RecentTurnsKeep {
		return rt.live
	}
	return rt.live[len(rt.live)-c.cfg.RecentTurnsKeep:]
}

// hardReset performs the synchronous RESETTING pass: obtain a summary
// (preferring the background task's result), select preserved turns, swap in
// the new baseline, and clear the buffer zone. Called with rt.mu held, so it
// blocks appends for this session only. Summarization failures degrade, they
// never fail the reset; only storage failures propagate.
func (c *Compressor) hardReset(rt *sessionRuntime, trigger string) error {
	sessionID := rt.sess.SessionID
	timer := logging.StartTimer(logging.CategoryCompression, "hardReset")
	defer timer.Stop()

	rt.sess.State = types.SessionResetting
	if err := c.store.SetSessionState(sessionID, types.SessionResetting); err != nil {
		logging.CompressionWarn("Session %s: failed to persist state: %v", sessionID, err)
	}

	tokensBefore := c.currentTokens(rt)
	compact := c.compactRange(rt)
	newSum, degraded := c.obtainSummary(rt, compact)

	// Selection pool: previously preserved turns compete with the newly
	// compacted range under the same budget. Keeps the selection stable when
	// a reset runs with no new turns.
	pool := mergeByTurnID(rt.preserved, compact)
	preserved := SelectPreserved(pool, rt.sess.TotalTurns, c.cfg.PreservedTurnsBudget, c.cfg.MinImportanceScore)

	if len(compact) > 0 {
		if err := c.store.UpdateImportanceScores(sessionID, ScoreAll(compact)); err != nil {
			logging.CompressionWarn("Session %s: failed to persist importance scores: %v", sessionID, err)
		}
	}
	if newSum != nil {
		if err := c.store.SaveSummary(newSum); err != nil {
			return err
		}
		rt.summary = newSum
	}

	recent := make([]types.Turn, len(c.recentWindow(rt)))
	copy(recent, c.recentWindow(rt))

	tokensAfter := c.tok.CountTokens(rt.reminder) +
		summaryTokens(c.tok, rt.summary) +
		sumTurnTokens(preserved) +
		sumTurnTokens(recent)
	saved := tokensBefore - tokensAfter
	if saved < 0 {
		saved = 0
	}

	rt.meta = types.ContextMeta{
		OriginalTurnCount: len(rt.live),
		CompressedAtTurn:  rt.sess.TotalTurns,
		TokensSaved:       saved,
		Degraded:          degraded,
	}
	rt.preserved = preserved
	rt.live = recent
	rt.bufferStartID = 0

	if err := c.store.RecordCompression(sessionID); err != nil {
		return err
	}
	rt.sess.CompressionCount++
	if err := c.store.RecordCompressionEvent(types.CompressionEvent{
		SessionID:        sessionID,
		CompressedAtTurn: rt.meta.CompressedAtTurn,
		TokensSaved:      saved,
		Timestamp:        time.Now().UTC(),
	}); err != nil {
		logging.CompressionWarn("Session %s: failed to record compression event: %v", sessionID, err)
	}

	rt.sess.State = types.SessionActive
	if err := c.store.SetSessionState(sessionID, types.SessionActive); err != nil {
		logging.CompressionWarn("Session %s: failed to persist state: %v", sessionID, err)
	}

	logging.Compression("Session %s: reset #%d complete (trigger=%s, saved %d tokens, %d preserved, degraded=%v)",
		sessionID, rt.sess.CompressionCount, trigger, saved, len(preserved), degraded)
	c.bus.Publish(Event{Type: EventCompressionCompleted, SessionID: sessionID, Turn: rt.sess.TotalTurns, Detail: trigger})
	c.bus.Publish(Event{Type: EventContextReset, SessionID: sessionID, Turn: rt.sess.TotalTurns})
	return nil
}

// obtainSummary resolves the summary for a reset. Preference order: a
// finished background result, a bounded wait for an in-flight one, a single
// synchronous call when no task was running, and finally the degraded
// concatenation fallback. The background task is always cancelled and
// discarded here; its result is either fully consumed or not at all.
func (c *Compressor) obtainSummary(rt *sessionRuntime, compact []types.Turn) (*types.Summary, bool) {
	sessionID := rt.sess.SessionID

	if rt.bg != nil {
		task := rt.bg
		rt.bg = nil

		select {
		case <-task.done:
		case <-time.After(c.cfg.BackgroundWait):
			logging.CompressionWarn("Session %s: background task still running after %v, cancelling",
				sessionID, c.cfg.BackgroundWait)
			task.cancel()
			return c.degradedSummary(rt, compact), true
		}
		task.cancel()

		if task.err == nil && task.summary != nil {
			return task.summary, false
		}
		logging.CompressionWarn("Session %s: background summary unusable, using fallback: %v", sessionID, task.err)
		return c.degradedSummary(rt, compact), true
	}

	if len(compact) == 0 {
		// Nothing new to summarize; the existing baseline stands.
		return nil, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SummarizerTimeout)
	defer cancel()
	sum, err := c.engine.Summarize(ctx, rt.profile, compact)
	if err != nil {
		logging.CompressionWarn("Session %s: synchronous summarization failed, using fallback: %v", sessionID, err)
		return c.degradedSummary(rt, compact), true
	}
	return sum, false
}

// degradedSummary fabricates a summary by concatenating and truncating the
// turns that should have been summarized. Explicitly marked so callers never
// mistake it for real narrative compression.
func (c *Compressor) degradedSummary(rt *sessionRuntime, compact []types.Turn) *types.Summary {
	if len(compact) == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Conversation with %d exchanges. ", len(compact))
	for _, t := range compact {
		speaker := "Assistant"
		if t.SpeakerType == types.SpeakerUser {
			speaker = "User"
		}
		b.WriteString(speaker + ": " + t.Message + " ")
	}

	narrative := b.String()
	limit := c.cfg.PreservedTurnsBudget * 4
	if len(narrative) > limit {
		narrative = narrative[:limit]
	}

	return &types.Summary{
		SummaryID: uuid.NewString(),
		SessionID: rt.sess.SessionID,
		TurnStart: compact[0].TurnID,
		TurnEnd:   compact[len(compact)-1].TurnID,
		Narrative: strings.TrimSpace(narrative),
		CreatedAt: time.Now().UTC(),
	}
}

// cancelBackground discards any in-flight task without consuming its result.
// Used on session teardown.
func (c *Compressor) cancelBackground(rt *sessionRuntime) {
	if rt.bg == nil {
		return
	}
	rt.bg.cancel()
	rt.bg = nil
}

// Snapshot builds the current CompressedContext view: compacted baseline,
// buffer-zone turns, and the recent window.
func (c *Compressor) Snapshot(rt *sessionRuntime) *types.CompressedContext {
	recent := c.recentWindow(rt)

	var buffer []types.Turn
	if rt.bufferStartID > 0 {
		recentStart := 0
		if len(recent) > 0 {
			recentStart = recent[0].TurnID
		}
		for _, t := range rt.live {
			if t.TurnID >= rt.bufferStartID && (recentStart == 0 || t.TurnID < recentStart) {
				buffer = append(buffer, t)
			}
		}
	}

	cc := &types.CompressedContext{
		CharacterReminder: rt.reminder,
		Summary:           rt.summary,
		PreservedTurns:    append([]types.Turn(nil), rt.preserved...),
		BufferTurns:       buffer,
		RecentTurns:       append([]types.Turn(nil), recent...),
		Meta:              rt.meta,
	}
	return cc
}

// mergeByTurnID merges two chronological turn slices, dropping duplicates.
func mergeByTurnID(a, b []types.Turn) []types.Turn {
	seen := make(map[int]bool, len(a)+len(b))
	var out []types.Turn
	for _, list := range [][]types.Turn{a, b} {
		for _, t := range list {
			if !seen[t.TurnID] {
				seen[t.TurnID] = true
				out = append(out, t)
			}
		}
	}
	return out
}

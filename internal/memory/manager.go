package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"aichat/internal/enrichment"
	"aichat/internal/logging"
	"aichat/internal/store"
	"aichat/internal/types"
)

// ErrSessionClosed reports an operation against a session that has been
// closed. Closed sessions are never resumed; start a new one instead.
var ErrSessionClosed = errors.New("session closed")

// Manager is the façade over the memory core: session lifecycle, turn
// ingestion, context retrieval, and search. One instance per process,
// constructed once and passed to callers.
type Manager struct {
	store          TurnStore
	engine         Summarizer
	detector       enrichment.Detector
	tok            types.Tokenizer
	cfg            CompressionConfig
	sessionTimeout time.Duration

	compressor *Compressor
	assembler  *Assembler
	bus        *Bus

	mu       sync.Mutex
	sessions map[string]*sessionRuntime
}

// NewManager wires the memory core. The detector may be nil, in which case
// only caller-provided metadata is used.
func NewManager(st TurnStore, engine Summarizer, detector enrichment.Detector, tok types.Tokenizer, cfg CompressionConfig, sessionTimeout time.Duration) *Manager {
	bus := NewBus()
	return &Manager{
		store:          st,
		engine:         engine,
		detector:       detector,
		tok:            tok,
		cfg:            cfg,
		sessionTimeout: sessionTimeout,
		compressor:     NewCompressor(cfg, st, engine, tok, bus),
		assembler:      NewAssembler(tok, cfg.MaxContextTokens, bus),
		bus:            bus,
		sessions:       make(map[string]*sessionRuntime),
	}
}

// Events exposes the lifecycle notification bus.
func (m *Manager) Events() *Bus { return m.bus }

// StartSession returns an existing active session for the character and user
// within the resume window, or creates a new one. Idempotent.
func (m *Manager) StartSession(profile types.CharacterProfile, userID string) (*types.Session, error) {
	cutoff := time.Now().UTC().Add(-m.sessionTimeout)

	existing, err := m.store.FindActiveSession(profile.CharacterID, userID, cutoff)
	if err == nil {
		logging.Session("Resuming session %s for character %q", existing.SessionID, profile.Name)
		if _, err := m.resumeRuntime(existing, profile); err != nil {
			return nil, err
		}
		return existing, nil
	}

	now := time.Now().UTC()
	sess := &types.Session{
		SessionID:     uuid.NewString(),
		CharacterID:   profile.CharacterID,
		CharacterName: profile.Name,
		StartedAt:     now,
		LastActivity:  now,
		Participants:  []string{userID},
		State:         types.SessionActive,
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, err
	}

	rt := &sessionRuntime{
		sess:     sess,
		profile:  profile,
		reminder: m.buildReminder(profile),
	}
	m.mu.Lock()
	m.sessions[sess.SessionID] = rt
	m.mu.Unlock()

	m.bus.Publish(Event{
		Type:      EventSessionStarted,
		SessionID: sess.SessionID,
		Detail:    profile.Name,
		Timestamp: now,
	})
	return sess, nil
}

// resumeRuntime rebuilds in-memory compaction state for a session loaded from
// storage: the latest summary becomes the baseline, preserved turns are
// re-selected from the summarized range, and everything after the summary is
// raw live history.
func (m *Manager) resumeRuntime(sess *types.Session, profile types.CharacterProfile) (*sessionRuntime, error) {
	if sess.State == types.SessionClosed {
		return nil, fmt.Errorf("session %s: %w", sess.SessionID, ErrSessionClosed)
	}

	m.mu.Lock()
	if rt, ok := m.sessions[sess.SessionID]; ok {
		m.mu.Unlock()
		return rt, nil
	}
	m.mu.Unlock()

	rt := &sessionRuntime{
		sess:     sess,
		profile:  profile,
		reminder: m.buildReminder(profile),
	}

	latest, err := m.store.LatestSummary(sess.SessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	lastResetTurn := 0
	if latest != nil {
		rt.summary = latest
		lastResetTurn = latest.TurnEnd

		pool, err := m.store.GetTurns(sess.SessionID, latest.TurnStart, latest.TurnEnd)
		if err != nil {
			return nil, err
		}
		rt.preserved = SelectPreserved(pool, sess.TotalTurns, m.cfg.PreservedTurnsBudget, m.cfg.MinImportanceScore)
	}

	if sess.TotalTurns > lastResetTurn {
		live, err := m.store.GetTurns(sess.SessionID, lastResetTurn+1, sess.TotalTurns)
		if err != nil {
			return nil, err
		}
		rt.live = live
	}

	// A crash mid-compaction leaves a stale state behind; the task is gone.
	if sess.State == types.SessionBackgroundCompressing || sess.State == types.SessionResetting {
		sess.State = types.SessionActive
		if err := m.store.SetSessionState(sess.SessionID, types.SessionActive); err != nil {
			logging.SessionDebug("Session %s: failed to reset state on resume: %v", sess.SessionID, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[sess.SessionID]; ok {
		return existing, nil
	}
	m.sessions[sess.SessionID] = rt
	logging.Memory("Session %s: rebuilt memory state (%d preserved, %d live, summary through turn %d)",
		sess.SessionID, len(rt.preserved), len(rt.live), lastResetTurn)
	return rt, nil
}

func (m *Manager) runtime(sessionID string) (*sessionRuntime, error) {
	m.mu.Lock()
	rt, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		return rt, nil
	}

	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return m.resumeRuntime(sess, types.CharacterProfile{
		CharacterID: sess.CharacterID,
		Name:        sess.CharacterName,
	})
}

// AddTurn persists a turn and advances the compaction state machine. Turn
// metadata is finalized here: detected signals merged with caller-provided
// ones before the turn is scored or stored.
func (m *Manager) AddTurn(sessionID, speakerID string, speakerType types.SpeakerType, message string, metadata types.TurnMetadata) (*types.Turn, error) {
	rt, err := m.runtime(sessionID)
	if err != nil {
		return nil, err
	}

	if m.detector != nil {
		metadata = enrichment.Merge(m.detector.Detect(speakerType, message), metadata)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	turn, err := m.store.AppendTurn(sessionID, speakerID, speakerType, message, metadata)
	if err != nil {
		return nil, err
	}
	rt.sess.TotalTurns = turn.TurnID
	rt.sess.TotalTokens += turn.TokenCount
	rt.sess.LastActivity = turn.CreatedAt
	logging.MemoryDebug("Session %s: turn %d appended (%d tokens, score %.1f)",
		sessionID, turn.TurnID, turn.TokenCount, turn.ImportanceScore)

	if err := m.compressor.OnTurnAppended(rt, *turn); err != nil {
		return nil, fmt.Errorf("compaction after turn %d: %w", turn.TurnID, err)
	}
	return turn, nil
}

// GetContext returns the current compressed context for a session.
func (m *Manager) GetContext(sessionID string) (*types.CompressedContext, error) {
	rt, err := m.runtime(sessionID)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	return m.compressor.Snapshot(rt), nil
}

// AssembleContext renders the session context as ordered prompt blocks.
func (m *Manager) AssembleContext(sessionID string) ([]Block, error) {
	cc, err := m.GetContext(sessionID)
	if err != nil {
		return nil, err
	}
	return m.assembler.Assemble(sessionID, cc), nil
}

// RenderPrompt renders the session context as the prompt string for the
// downstream model.
func (m *Manager) RenderPrompt(sessionID string) (string, error) {
	cc, err := m.GetContext(sessionID)
	if err != nil {
		return "", err
	}
	return m.assembler.RenderPrompt(sessionID, cc), nil
}

// SearchResults holds matches over raw turns and summaries.
type SearchResults struct {
	Turns     []types.Turn
	Summaries []types.Summary
}

// SearchMemories runs deterministic substring search over persisted turns and
// summaries in parallel.
func (m *Manager) SearchMemories(ctx context.Context, sessionID, query string, limit int) (*SearchResults, error) {
	if strings.TrimSpace(query) == "" {
		return &SearchResults{}, nil
	}

	var results SearchResults
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		turns, err := m.store.SearchTurns(sessionID, query, limit)
		if err != nil {
			return err
		}
		results.Turns = turns
		return nil
	})
	g.Go(func() error {
		sums, err := m.store.SearchSummaries(sessionID, query, limit)
		if err != nil {
			return err
		}
		results.Summaries = sums
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &results, nil
}

// ForceCompress triggers a synchronous reset regardless of thresholds.
func (m *Manager) ForceCompress(sessionID string) error {
	rt, err := m.runtime(sessionID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	return m.compressor.hardReset(rt, "forced")
}

// CloseSession ends a session explicitly: any in-flight background task is
// discarded and the session is marked closed.
func (m *Manager) CloseSession(sessionID string) error {
	rt, err := m.runtime(sessionID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	m.compressor.cancelBackground(rt)
	rt.sess.State = types.SessionClosed
	final := *rt.sess
	rt.mu.Unlock()

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	logging.Session("Closed session %s", sessionID)
	if err := m.store.SaveSession(&final); err != nil {
		return err
	}
	m.bus.Publish(Event{
		Type:      EventSessionClosed,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

// CleanupExpiredSessions closes sessions idle longer than the resume window
// and drops their runtime state.
func (m *Manager) CleanupExpiredSessions() (int, error) {
	cutoff := time.Now().UTC().Add(-m.sessionTimeout)
	n, err := m.store.ExpireSessions(cutoff)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rt := range m.sessions {
		rt.mu.Lock()
		idle := rt.sess.LastActivity.Before(cutoff)
		if idle {
			m.compressor.cancelBackground(rt)
		}
		rt.mu.Unlock()
		if idle {
			delete(m.sessions, id)
		}
	}
	return n, nil
}

// Close cancels all in-flight background tasks. The store is closed by its
// owner.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rt := range m.sessions {
		rt.mu.Lock()
		m.compressor.cancelBackground(rt)
		rt.mu.Unlock()
	}
}

// buildReminder renders the persona reinforcement block, bounded by the
// configured token allowance.
func (m *Manager) buildReminder(profile types.CharacterProfile) string {
	name := profile.Name
	if name == "" {
		name = "Assistant"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", name)
	if brief := strings.SplitN(profile.Profile, ".", 2)[0]; brief != "" {
		fmt.Fprintf(&b, " %s.", strings.TrimSpace(brief))
	}
	if profile.Personality != "" {
		fmt.Fprintf(&b, "\n\nCORE TRAITS: %s", profile.Personality)
	}
	b.WriteString("\n\nRemember to maintain your personality while being responsive to the conversation context.")

	reminder := b.String()
	limit := m.cfg.CharacterReminderTokens * 4
	if limit > 0 && len(reminder) > limit {
		reminder = reminder[:limit]
	}
	return reminder
}

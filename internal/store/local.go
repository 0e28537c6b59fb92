// Package store persists the conversation memory system in SQLite: the
// append-only turn log plus session, summary, and compression-event tables.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"aichat/internal/logging"
	"aichat/internal/types"
)

// LocalStore implements the durable turn log on SQLite.
//
// Turns are append-only: a turn is immutable once committed, and turn IDs are
// assigned inside the same transaction that bumps the session counter, so the
// per-session sequence is contiguous from 1 even across restarts.
type LocalStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	dbPath    string
	tokenizer types.Tokenizer
}

// NewLocalStore opens (or creates) the SQLite database at the given path.
// The tokenizer computes token_count for appended turns.
func NewLocalStore(path string, tokenizer types.Tokenizer) (*LocalStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewLocalStore")
	defer timer.Stop()

	logging.Store("Initializing LocalStore at path: %s", path)

	if tokenizer == nil {
		return nil, fmt.Errorf("tokenizer is required")
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, storageErr("init", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, storageErr("open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is safe with WAL and much faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable sqlite foreign_keys: %v", err)
	}

	s := &LocalStore{db: db, dbPath: path, tokenizer: tokenizer}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("LocalStore initialization complete")
	return s, nil
}

// initialize creates the required tables.
func (s *LocalStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		character_id INTEGER NOT NULL,
		character_name TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		last_activity TEXT NOT NULL,
		participants TEXT NOT NULL DEFAULT '[]',
		total_turns INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		compression_count INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL DEFAULT 'ACTIVE'
	);

	CREATE TABLE IF NOT EXISTS turns (
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		turn_id INTEGER NOT NULL,
		speaker_id TEXT NOT NULL,
		speaker_type TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at TEXT NOT NULL,
		token_count INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		importance_score REAL NOT NULL DEFAULT 0.0,
		PRIMARY KEY (session_id, turn_id)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, turn_id);

	CREATE TABLE IF NOT EXISTS summaries (
		summary_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		turn_start INTEGER NOT NULL,
		turn_end INTEGER NOT NULL,
		narrative TEXT NOT NULL,
		key_moments TEXT NOT NULL DEFAULT '[]',
		emotional_arc TEXT NOT NULL DEFAULT '',
		facts TEXT NOT NULL DEFAULT '[]',
		decisions TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_session ON summaries(session_id, turn_end);

	CREATE TABLE IF NOT EXISTS compression_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(session_id),
		compressed_at_turn INTEGER NOT NULL,
		tokens_saved INTEGER NOT NULL DEFAULT 0,
		timestamp TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return storageErr("initialize schema", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// =============================================================================
// Sessions
// =============================================================================

// CreateSession persists a new session row.
func (s *LocalStore) CreateSession(sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	participants, err := json.Marshal(sess.Participants)
	if err != nil {
		return storageErr("marshal participants", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO sessions (session_id, character_id, character_name, started_at,
		 last_activity, participants, total_turns, total_tokens, compression_count, state)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.CharacterID, sess.CharacterName,
		sess.StartedAt.UTC().Format(time.RFC3339Nano),
		sess.LastActivity.UTC().Format(time.RFC3339Nano),
		string(participants), sess.TotalTurns, sess.TotalTokens,
		sess.CompressionCount, string(sess.State),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create session %s: %v", sess.SessionID, err)
		return storageErr("create session", err)
	}

	logging.Session("Created session %s for character %q", sess.SessionID, sess.CharacterName)
	return nil
}

// GetSession loads a session by ID. Returns ErrNotFound if absent.
func (s *LocalStore) GetSession(sessionID string) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT session_id, character_id, character_name, started_at, last_activity,
		 participants, total_turns, total_tokens, compression_count, state
		 FROM sessions WHERE session_id = ?`, sessionID)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get session", err)
	}
	return sess, nil
}

// FindActiveSession returns the most recently active ACTIVE session for the
// given character and participant with activity after the cutoff, or
// ErrNotFound.
func (s *LocalStore) FindActiveSession(characterID int, userID string, activeSince time.Time) (*types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT session_id, character_id, character_name, started_at, last_activity,
		 participants, total_turns, total_tokens, compression_count, state
		 FROM sessions
		 WHERE character_id = ? AND state != 'CLOSED' AND last_activity >= ?
		 ORDER BY last_activity DESC`,
		characterID, activeSince.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, storageErr("find active session", err)
	}
	defer rows.Close()

	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			continue
		}
		for _, p := range sess.Participants {
			if p == userID {
				return sess, nil
			}
		}
	}
	return nil, ErrNotFound
}

// SaveSession updates the mutable session fields.
func (s *LocalStore) SaveSession(sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	participants, err := json.Marshal(sess.Participants)
	if err != nil {
		return storageErr("marshal participants", err)
	}

	res, err := s.db.Exec(
		`UPDATE sessions SET last_activity = ?, participants = ?, total_turns = ?,
		 total_tokens = ?, compression_count = ?, state = ?
		 WHERE session_id = ?`,
		sess.LastActivity.UTC().Format(time.RFC3339Nano), string(participants),
		sess.TotalTurns, sess.TotalTokens, sess.CompressionCount,
		string(sess.State), sess.SessionID)
	if err != nil {
		return storageErr("save session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sess.SessionID, ErrNotFound)
	}
	return nil
}

// SetSessionState updates only the state column.
func (s *LocalStore) SetSessionState(sessionID string, state types.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE sessions SET state = ? WHERE session_id = ?`,
		string(state), sessionID)
	if err != nil {
		return storageErr("set session state", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	logging.SessionDebug("Session %s -> %s", sessionID, state)
	return nil
}

// RecordCompression increments the session's compression counter.
func (s *LocalStore) RecordCompression(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE sessions SET compression_count = compression_count + 1 WHERE session_id = ?`,
		sessionID)
	if err != nil {
		return storageErr("record compression", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// ListSessions returns sessions ordered by most recent activity.
func (s *LocalStore) ListSessions(limit int) ([]types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT session_id, character_id, character_name, started_at, last_activity,
		 participants, total_turns, total_tokens, compression_count, state
		 FROM sessions ORDER BY last_activity DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list sessions", err)
	}
	defer rows.Close()

	var out []types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			continue
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// ExpireSessions closes every non-closed session whose last activity is older
// than the cutoff. Returns the number of sessions closed.
func (s *LocalStore) ExpireSessions(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE sessions SET state = 'CLOSED' WHERE state != 'CLOSED' AND last_activity < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, storageErr("expire sessions", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Session("Expired %d inactive sessions", n)
	}
	return int(n), nil
}

// =============================================================================
// Turns
// =============================================================================

// AppendTurn assigns the next turn_id, computes token_count, and persists the
// turn and the session counters in one transaction. Never partially commits.
func (s *LocalStore) AppendTurn(sessionID, speakerID string, speakerType types.SpeakerType, message string, metadata types.TurnMetadata) (*types.Turn, error) {
	timer := logging.StartTimer(logging.CategoryStore, "AppendTurn")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, storageErr("marshal turn metadata", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, storageErr("append turn begin", err)
	}
	defer tx.Rollback()

	var totalTurns int
	err = tx.QueryRow(`SELECT total_turns FROM sessions WHERE session_id = ?`, sessionID).Scan(&totalTurns)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("append turn read session", err)
	}

	now := time.Now().UTC()
	turn := &types.Turn{
		TurnID:      totalTurns + 1,
		SessionID:   sessionID,
		SpeakerID:   speakerID,
		SpeakerType: speakerType,
		Message:     message,
		CreatedAt:   now,
		TokenCount:  s.tokenizer.CountTokens(message),
		Metadata:    metadata,
	}

	_, err = tx.Exec(
		`INSERT INTO turns (session_id, turn_id, speaker_id, speaker_type, message,
		 created_at, token_count, metadata, importance_score)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.SessionID, turn.TurnID, turn.SpeakerID, string(turn.SpeakerType),
		turn.Message, now.Format(time.RFC3339Nano), turn.TokenCount,
		string(metaJSON), turn.ImportanceScore)
	if err != nil {
		return nil, storageErr("append turn insert", err)
	}

	_, err = tx.Exec(
		`UPDATE sessions SET total_turns = ?, total_tokens = total_tokens + ?, last_activity = ?
		 WHERE session_id = ?`,
		turn.TurnID, turn.TokenCount, now.Format(time.RFC3339Nano), sessionID)
	if err != nil {
		return nil, storageErr("append turn update session", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("append turn commit", err)
	}

	logging.StoreDebug("Appended turn %d to session %s (%d tokens)", turn.TurnID, sessionID, turn.TokenCount)
	return turn, nil
}

// UpdateImportanceScores persists scores computed during a compaction pass.
// Advisory only; the score stored with the turn is the most recent compaction
// view, not an input to future selection.
func (s *LocalStore) UpdateImportanceScores(sessionID string, scores map[int]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("update scores begin", err)
	}
	defer tx.Rollback()

	for turnID, score := range scores {
		if _, err := tx.Exec(
			`UPDATE turns SET importance_score = ? WHERE session_id = ? AND turn_id = ?`,
			score, sessionID, turnID); err != nil {
			return storageErr("update scores", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("update scores commit", err)
	}
	return nil
}

// GetTurns returns turns with fromTurn <= turn_id <= toTurn, in order.
// Ranges are bounded by construction; callers page through history rather
// than loading it all.
func (s *LocalStore) GetTurns(sessionID string, fromTurn, toTurn int) ([]types.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fromTurn < 1 {
		fromTurn = 1
	}
	if toTurn < fromTurn {
		return nil, nil
	}

	rows, err := s.db.Query(
		`SELECT session_id, turn_id, speaker_id, speaker_type, message, created_at,
		 token_count, metadata, importance_score
		 FROM turns
		 WHERE session_id = ? AND turn_id >= ? AND turn_id <= ?
		 ORDER BY turn_id`,
		sessionID, fromTurn, toTurn)
	if err != nil {
		return nil, storageErr("get turns", err)
	}
	defer rows.Close()

	return scanTurns(rows)
}

// GetRecentTurns returns the last n turns for a session, in chronological order.
func (s *LocalStore) GetRecentTurns(sessionID string, n int) ([]types.Turn, error) {
	if n <= 0 {
		return nil, nil
	}

	sess, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	from := sess.TotalTurns - n + 1
	return s.GetTurns(sessionID, from, sess.TotalTurns)
}

// =============================================================================
// Summaries and compression events
// =============================================================================

// SaveSummary persists a summary produced by a compaction pass.
func (s *LocalStore) SaveSummary(sum *types.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	moments, err := json.Marshal(sum.KeyMoments)
	if err != nil {
		return storageErr("marshal key moments", err)
	}
	facts, _ := json.Marshal(sum.Facts)
	decisions, _ := json.Marshal(sum.Decisions)

	_, err = s.db.Exec(
		`INSERT INTO summaries (summary_id, session_id, turn_start, turn_end,
		 narrative, key_moments, emotional_arc, facts, decisions, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.SummaryID, sum.SessionID, sum.TurnStart, sum.TurnEnd,
		sum.Narrative, string(moments), sum.EmotionalArc,
		string(facts), string(decisions),
		sum.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("save summary", err)
	}

	logging.StoreDebug("Saved summary %s for session %s (turns %d-%d)",
		sum.SummaryID, sum.SessionID, sum.TurnStart, sum.TurnEnd)
	return nil
}

// GetSummaries returns all summaries for a session, oldest first.
func (s *LocalStore) GetSummaries(sessionID string) ([]types.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT summary_id, session_id, turn_start, turn_end, narrative,
		 key_moments, emotional_arc, facts, decisions, created_at
		 FROM summaries WHERE session_id = ? ORDER BY turn_end`,
		sessionID)
	if err != nil {
		return nil, storageErr("get summaries", err)
	}
	defer rows.Close()

	return scanSummaries(rows)
}

// LatestSummary returns the most recent summary for a session, or ErrNotFound.
func (s *LocalStore) LatestSummary(sessionID string) (*types.Summary, error) {
	sums, err := s.GetSummaries(sessionID)
	if err != nil {
		return nil, err
	}
	if len(sums) == 0 {
		return nil, fmt.Errorf("summary for session %s: %w", sessionID, ErrNotFound)
	}
	return &sums[len(sums)-1], nil
}

// RecordCompressionEvent appends a row to the compression audit log.
func (s *LocalStore) RecordCompressionEvent(ev types.CompressionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO compression_events (session_id, compressed_at_turn, tokens_saved, timestamp)
		 VALUES (?, ?, ?, ?)`,
		ev.SessionID, ev.CompressedAtTurn, ev.TokensSaved,
		ev.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("record compression event", err)
	}
	return nil
}

// =============================================================================
// Search
// =============================================================================

// SearchTurns finds turns whose message contains the query substring,
// case-insensitive, ordered by importance then recency. Deterministic.
func (s *LocalStore) SearchTurns(sessionID, query string, limit int) ([]types.Turn, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SearchTurns")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.Query(
		`SELECT session_id, turn_id, speaker_id, speaker_type, message, created_at,
		 token_count, metadata, importance_score
		 FROM turns
		 WHERE session_id = ? AND message LIKE ? ESCAPE '\'
		 ORDER BY importance_score DESC, turn_id DESC
		 LIMIT ?`,
		sessionID, likePattern(query), limit)
	if err != nil {
		return nil, storageErr("search turns", err)
	}
	defer rows.Close()

	return scanTurns(rows)
}

// SearchSummaries finds summaries whose narrative contains the query
// substring, newest range first.
func (s *LocalStore) SearchSummaries(sessionID, query string, limit int) ([]types.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.Query(
		`SELECT summary_id, session_id, turn_start, turn_end, narrative,
		 key_moments, emotional_arc, facts, decisions, created_at
		 FROM summaries
		 WHERE session_id = ? AND narrative LIKE ? ESCAPE '\'
		 ORDER BY turn_end DESC
		 LIMIT ?`,
		sessionID, likePattern(query), limit)
	if err != nil {
		return nil, storageErr("search summaries", err)
	}
	defer rows.Close()

	return scanSummaries(rows)
}

// =============================================================================
// Row scanning helpers
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(r rowScanner) (*types.Session, error) {
	var sess types.Session
	var startedAt, lastActivity, participants, state string
	err := r.Scan(&sess.SessionID, &sess.CharacterID, &sess.CharacterName,
		&startedAt, &lastActivity, &participants, &sess.TotalTurns,
		&sess.TotalTokens, &sess.CompressionCount, &state)
	if err != nil {
		return nil, err
	}
	sess.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	sess.LastActivity, _ = time.Parse(time.RFC3339Nano, lastActivity)
	sess.State = types.SessionState(state)
	if err := json.Unmarshal([]byte(participants), &sess.Participants); err != nil {
		sess.Participants = nil
	}
	return &sess, nil
}

func scanTurns(rows *sql.Rows) ([]types.Turn, error) {
	var out []types.Turn
	for rows.Next() {
		var t types.Turn
		var speakerType, createdAt, metaJSON string
		if err := rows.Scan(&t.SessionID, &t.TurnID, &t.SpeakerID, &speakerType,
			&t.Message, &createdAt, &t.TokenCount, &metaJSON, &t.ImportanceScore); err != nil {
			continue
		}
		t.SpeakerType = types.SpeakerType(speakerType)
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if err := json.Unmarshal([]byte(metaJSON), &t.Metadata); err != nil {
			logging.StoreDebug("Skipping malformed metadata for turn %d: %v", t.TurnID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanSummaries(rows *sql.Rows) ([]types.Summary, error) {
	var out []types.Summary
	for rows.Next() {
		var sum types.Summary
		var moments, facts, decisions, createdAt string
		if err := rows.Scan(&sum.SummaryID, &sum.SessionID, &sum.TurnStart,
			&sum.TurnEnd, &sum.Narrative, &moments, &sum.EmotionalArc,
			&facts, &decisions, &createdAt); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(moments), &sum.KeyMoments); err != nil {
			logging.StoreDebug("Skipping malformed key_moments for summary %s: %v", sum.SummaryID, err)
		}
		_ = json.Unmarshal([]byte(facts), &sum.Facts)
		_ = json.Unmarshal([]byte(decisions), &sum.Decisions)
		sum.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// likePattern escapes LIKE wildcards in the query and wraps it for substring
// matching.
func likePattern(query string) string {
	escaped := ""
	for _, r := range query {
		switch r {
		case '%', '_', '\\':
			escaped += `\` + string(r)
		default:
			escaped += string(r)
		}
	}
	return "%" + escaped + "%"
}

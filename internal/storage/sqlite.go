// Package storage persists session, segment, transcript and batch records
// in SQLite, and writes the human-readable artifact files.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sorenh/minuteman/internal/segment"
)

const (
	SessionActive  = "active"
	SessionDrained = "drained"
	SessionPartial = "partial"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "minuteman.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL,
			final_transcript TEXT NOT NULL DEFAULT '',
			final_summary TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS segments (
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			path TEXT NOT NULL,
			expected_duration REAL NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			PRIMARY KEY(session_id, sequence),
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create segments table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transcripts (
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			text TEXT NOT NULL,
			backend TEXT NOT NULL,
			truncated INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			tokens TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY(session_id, sequence),
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create transcripts table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS batches (
			session_id TEXT NOT NULL,
			batch_id INTEGER NOT NULL,
			members TEXT NOT NULL,
			transcript TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			approx_tokens INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(session_id, batch_id),
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create batches table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS rolling (
			session_id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			last_batch_id INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create rolling table: %w", err)
	}

	return nil
}

// DB exposes the underlying handle for callers that need raw queries.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(id string, startedAt time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("session id is required")
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions(id, started_at, status) VALUES(?, ?, ?)`,
		id, startedAt.UTC().Format(time.RFC3339Nano), SessionActive,
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) AddSegment(sessionID string, seg segment.Segment) error {
	_, err := s.db.Exec(
		`INSERT INTO segments(session_id, sequence, path, expected_duration, status) VALUES(?, ?, ?, ?, ?)`,
		sessionID, seg.Sequence, seg.Path, seg.ExpectedDuration.Seconds(), string(seg.Status),
	)
	if err != nil {
		return fmt.Errorf("add segment %d: %w", seg.Sequence, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSegmentStatus(sessionID string, sequence int, status segment.Status, reason string) error {
	res, err := s.db.Exec(
		`UPDATE segments SET status = ?, reason = ? WHERE session_id = ? AND sequence = ?`,
		string(status), reason, sessionID, sequence,
	)
	if err != nil {
		return fmt.Errorf("update segment %d status: %w", sequence, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update segment status rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) SaveTranscript(sessionID string, res segment.TranscriptionResult) error {
	tokens, err := json.Marshal(res.Tokens)
	if err != nil {
		return fmt.Errorf("marshal tokens for segment %d: %w", res.Sequence, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO transcripts(session_id, sequence, text, backend, truncated, retry_count, tokens)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		sessionID, res.Sequence, res.Text, res.Backend, boolInt(res.Truncated), res.RetryCount, string(tokens),
	)
	if err != nil {
		return fmt.Errorf("save transcript %d: %w", res.Sequence, err)
	}
	return nil
}

func (s *SQLiteStore) SaveBatch(sessionID string, b segment.SummaryBatch) error {
	members, err := json.Marshal(b.Members)
	if err != nil {
		return fmt.Errorf("marshal members for batch %d: %w", b.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO batches(session_id, batch_id, members, transcript, summary, approx_tokens, failed)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		sessionID, b.ID, string(members), b.Transcript, b.Summary, b.ApproxTokens, boolInt(b.Failed),
	)
	if err != nil {
		return fmt.Errorf("save batch %d: %w", b.ID, err)
	}
	return nil
}

func (s *SQLiteStore) SaveRolling(sessionID string, r segment.RollingSummary) error {
	_, err := s.db.Exec(
		`INSERT INTO rolling(session_id, text, last_batch_id, updated_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET text = excluded.text, last_batch_id = excluded.last_batch_id, updated_at = excluded.updated_at`,
		sessionID, r.Text, r.LastBatchID, r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save rolling summary: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveOutcome(sessionID string, o segment.Outcome) error {
	status := SessionDrained
	if o.Partial {
		status = SessionPartial
	}
	res, err := s.db.Exec(
		`UPDATE sessions SET ended_at = ?, status = ?, final_transcript = ?, final_summary = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), status, o.FinalTranscript, o.FinalSummary, sessionID,
	)
	if err != nil {
		return fmt.Errorf("save outcome for session %s: %w", sessionID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save outcome rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetTranscripts returns a session's accepted transcripts ordered by
// sequence.
func (s *SQLiteStore) GetTranscripts(sessionID string) ([]segment.TranscriptionResult, error) {
	rows, err := s.db.Query(
		`SELECT sequence, text, backend, truncated, retry_count, tokens FROM transcripts
		 WHERE session_id = ? ORDER BY sequence`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transcripts for %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var results []segment.TranscriptionResult
	for rows.Next() {
		var r segment.TranscriptionResult
		var truncated, retries int
		var tokens string
		if err := rows.Scan(&r.Sequence, &r.Text, &r.Backend, &truncated, &retries, &tokens); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		r.Truncated = truncated != 0
		r.RetryCount = retries
		if err := json.Unmarshal([]byte(tokens), &r.Tokens); err != nil {
			return nil, fmt.Errorf("parse tokens for segment %d: %w", r.Sequence, err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript rows: %w", err)
	}
	return results, nil
}

// GetBatches returns a session's sealed batches in flush order.
func (s *SQLiteStore) GetBatches(sessionID string) ([]segment.SummaryBatch, error) {
	rows, err := s.db.Query(
		`SELECT batch_id, members, transcript, summary, approx_tokens, failed FROM batches
		 WHERE session_id = ? ORDER BY batch_id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query batches for %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var batches []segment.SummaryBatch
	for rows.Next() {
		var b segment.SummaryBatch
		var members string
		var failed int
		if err := rows.Scan(&b.ID, &members, &b.Transcript, &b.Summary, &b.ApproxTokens, &failed); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		b.Failed = failed != 0
		if err := json.Unmarshal([]byte(members), &b.Members); err != nil {
			return nil, fmt.Errorf("parse members for batch %d: %w", b.ID, err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch rows: %w", err)
	}
	return batches, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SessionStore binds a SQLiteStore to one session, matching the narrow
// interfaces the pipeline and summarizer consume.
type SessionStore struct {
	store     *SQLiteStore
	sessionID string
}

func (s *SQLiteStore) ForSession(sessionID string) *SessionStore {
	return &SessionStore{store: s, sessionID: sessionID}
}

func (s *SessionStore) AddSegment(seg segment.Segment) error {
	return s.store.AddSegment(s.sessionID, seg)
}

func (s *SessionStore) UpdateSegmentStatus(sequence int, status segment.Status, reason string) error {
	return s.store.UpdateSegmentStatus(s.sessionID, sequence, status, reason)
}

func (s *SessionStore) SaveTranscript(res segment.TranscriptionResult) error {
	return s.store.SaveTranscript(s.sessionID, res)
}

func (s *SessionStore) SaveBatch(b segment.SummaryBatch) error {
	return s.store.SaveBatch(s.sessionID, b)
}

func (s *SessionStore) SaveRolling(r segment.RollingSummary) error {
	return s.store.SaveRolling(s.sessionID, r)
}

func (s *SessionStore) SaveOutcome(o segment.Outcome) error {
	return s.store.SaveOutcome(s.sessionID, o)
}

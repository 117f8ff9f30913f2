// Package transcript persists conversation turns to a local sqlite
// database so a session can be resumed later. One session is keyed by
// an opaque string; turns are ordered by insertion.
package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"mixpilot/internal/conversation"
)

// ErrSessionNotFound is returned by LoadSession for an unknown key.
var ErrSessionNotFound = errors.New("session not found")

// Session summarizes one stored conversation.
type Session struct {
	Key       string
	Turns     int
	UpdatedAt time.Time
}

// Store wraps the transcript database.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the transcript database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("transcript path must be set")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("prepare transcript dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open transcript store: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), `
CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init transcript schema: %w", err)
	}
	if _, err := db.ExecContext(context.Background(),
		`CREATE INDEX IF NOT EXISTS turns_session ON turns (session_key, id)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init transcript index: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendTurn records one turn under the session key.
func (s *Store) AppendTurn(ctx context.Context, sessionKey string, turn conversation.Turn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (session_key, role, content, created_at) VALUES (?, ?, ?, ?)`,
		sessionKey, turn.Role, turn.Content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// LoadSession returns all turns of a session in insertion order.
func (s *Store) LoadSession(ctx context.Context, sessionKey string) ([]conversation.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM turns WHERE session_key = ? ORDER BY id`, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	defer rows.Close()

	var turns []conversation.Turn
	for rows.Next() {
		var t conversation.Turn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	if len(turns) == 0 {
		return nil, ErrSessionNotFound
	}
	return turns, nil
}

// ListSessions returns every stored session, most recently updated
// first.
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT session_key, COUNT(*), MAX(created_at)
FROM turns GROUP BY session_key ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.Key, &sess.Turns, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes all turns of one session.
func (s *Store) DeleteSession(ctx context.Context, sessionKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE session_key = ?`, sessionKey)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Package sqlite implements a session store on a local SQLite file using
// the pure-Go driver. Zero CGO required. Events are stored one row per
// event with the same JSON encoding the file store writes per line.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	conduit "github.com/nevindra/conduit"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is a SQLite-backed conduit.SessionStore.
type Store struct {
	db      *sql.DB
	baseDir string
	logger  *slog.Logger
}

var _ conduit.SessionStore = (*Store)(nil)

// New opens (or creates) the store at dbPath. A single shared connection
// serializes all goroutines, eliminating SQLITE_BUSY errors from
// concurrent writers.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	baseDir := filepath.Dir(dbPath)
	if dbPath == ":memory:" || baseDir == "." {
		baseDir = os.TempDir()
	}

	s := &Store{db: db, baseDir: baseDir, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s, nil
}

func (s *Store) init() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			created_at REAL NOT NULL,
			metadata TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite: create table: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateSession(metadata map[string]any) (string, error) {
	return s.createWithID(conduit.NewSessionID(), metadata)
}

func (s *Store) createWithID(id string, metadata map[string]any) (string, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("sqlite: marshal metadata: %w", err)
	}
	createdAt := float64(time.Now().UnixNano()) / 1e9
	_, err = s.db.Exec(
		`INSERT INTO sessions (session_id, created_at, metadata) VALUES (?, ?, ?)`,
		id, createdAt, string(meta),
	)
	if err != nil {
		if exists, _ := s.sessionExists(id); exists {
			return "", &conduit.ErrSessionExists{SessionID: id}
		}
		return "", fmt.Errorf("sqlite: create session: %w", err)
	}
	s.logger.Debug("session created", "session_id", id)
	return id, nil
}

func (s *Store) sessionExists(id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM sessions WHERE session_id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) AppendEvent(sessionID string, e conduit.Event) error {
	exists, err := s.sessionExists(sessionID)
	if err != nil {
		return fmt.Errorf("sqlite: check session: %w", err)
	}
	if !exists {
		return &conduit.ErrSessionNotFound{SessionID: sessionID}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	var last int
	if err := tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`, sessionID,
	).Scan(&last); err != nil {
		return fmt.Errorf("sqlite: last seq: %w", err)
	}

	env := e.Envelope()
	env.Seq = last + 1
	if env.TS == 0 {
		env.TS = float64(time.Now().UnixNano()) / 1e9
	}

	payload, err := conduit.EncodeEvent(e)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO events (session_id, seq, payload) VALUES (?, ?, ?)`,
		sessionID, env.Seq, string(payload),
	); err != nil {
		return fmt.Errorf("sqlite: append event: %w", err)
	}
	return tx.Commit()
}

func (s *Store) ReadEvents(sessionID string) ([]conduit.Event, error) {
	exists, err := s.sessionExists(sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: check session: %w", err)
	}
	if !exists {
		return nil, &conduit.ErrSessionNotFound{SessionID: sessionID}
	}

	rows, err := s.db.Query(
		`SELECT payload FROM events WHERE session_id = ? ORDER BY seq`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: read events: %w", err)
	}
	defer rows.Close()

	var events []conduit.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		e, err := conduit.DecodeEvent([]byte(payload))
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) ReadMetadata(sessionID string) (*conduit.SessionMeta, error) {
	var createdAt float64
	var metadata string
	err := s.db.QueryRow(
		`SELECT created_at, metadata FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&createdAt, &metadata)
	if err == sql.ErrNoRows {
		return nil, &conduit.ErrSessionNotFound{SessionID: sessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: read metadata: %w", err)
	}

	meta := conduit.SessionMeta{SessionID: sessionID, CreatedAt: createdAt}
	if err := json.Unmarshal([]byte(metadata), &meta.Metadata); err != nil {
		return nil, &conduit.ErrDecode{What: "session metadata", Cause: err}
	}
	return &meta, nil
}

// SessionDir returns a per-session scratch directory next to the database
// file, created on demand. Used for session artifacts like todos.json.
func (s *Store) SessionDir(sessionID string) (string, error) {
	exists, err := s.sessionExists(sessionID)
	if err != nil {
		return "", fmt.Errorf("sqlite: check session: %w", err)
	}
	if !exists {
		return "", &conduit.ErrSessionNotFound{SessionID: sessionID}
	}
	dir := filepath.Join(s.baseDir, "sessions", sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("sqlite: session dir: %w", err)
	}
	return dir, nil
}

func (s *Store) Fork(sessionID string, headSeq int, extra map[string]any) (string, error) {
	meta, err := s.ReadMetadata(sessionID)
	if err != nil {
		return "", err
	}
	events, err := s.ReadEvents(sessionID)
	if err != nil {
		return "", err
	}
	head := conduit.ResolveHead(events)
	if headSeq > 0 {
		head = headSeq
	}

	metadata := make(map[string]any, len(meta.Metadata)+len(extra)+1)
	for k, v := range meta.Metadata {
		metadata[k] = v
	}
	metadata["forked_from"] = sessionID
	for k, v := range extra {
		metadata[k] = v
	}

	newID, err := s.createWithID(conduit.NewSessionID(), metadata)
	if err != nil {
		return "", err
	}
	for _, e := range events {
		if conduit.IsLifecycleEvent(e) || e.Envelope().Seq > head {
			continue
		}
		// Re-seq in the fork but keep the original timestamp.
		e.Envelope().Seq = 0
		if err := s.AppendEvent(newID, e); err != nil {
			return "", err
		}
	}
	s.logger.Debug("session forked", "from", sessionID, "to", newID, "head", head)
	return newID, nil
}

func (s *Store) Checkpoint(sessionID, label string) (int, error) {
	events, err := s.ReadEvents(sessionID)
	if err != nil {
		return 0, err
	}
	head := conduit.ResolveHead(events)
	if err := s.AppendEvent(sessionID, &conduit.SessionCheckpoint{Label: label, HeadSeq: head}); err != nil {
		return 0, err
	}
	return head, nil
}

func (s *Store) SetHead(sessionID string, seq int, reason string) error {
	if seq < 0 {
		return fmt.Errorf("set head: negative seq %d", seq)
	}
	return s.AppendEvent(sessionID, &conduit.SessionSetHead{HeadSeq: seq, Reason: reason})
}

func (s *Store) Undo(sessionID string) (int, error) {
	events, err := s.ReadEvents(sessionID)
	if err != nil {
		return 0, err
	}
	target, ok := conduit.UndoTarget(events)
	if !ok {
		return 0, fmt.Errorf("undo: no earlier checkpoint in session %s", sessionID)
	}
	if err := s.AppendEvent(sessionID, &conduit.SessionUndo{HeadSeq: target}); err != nil {
		return 0, err
	}
	return target, nil
}

func (s *Store) Redo(sessionID string) (int, error) {
	events, err := s.ReadEvents(sessionID)
	if err != nil {
		return 0, err
	}
	target, ok := conduit.RedoTarget(events)
	if !ok {
		return 0, fmt.Errorf("redo: no undo to reverse in session %s", sessionID)
	}
	if err := s.AppendEvent(sessionID, &conduit.SessionRedo{HeadSeq: target}); err != nil {
		return 0, err
	}
	return target, nil
}

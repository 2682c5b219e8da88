// Package postgres implements a session store on PostgreSQL via pgx. One
// row per event, keyed (session_id, seq), with the same JSON encoding the
// file store writes per line.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	conduit "github.com/nevindra/conduit"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is a PostgreSQL-backed conduit.SessionStore.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ conduit.SessionStore = (*Store)(nil)

// New connects to the database and creates the schema.
func New(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := &Store{pool: pool, logger: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			created_at DOUBLE PRECISION NOT NULL,
			metadata JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL REFERENCES sessions(session_id),
			seq INTEGER NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: create table: %w", err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) CreateSession(metadata map[string]any) (string, error) {
	return s.createWithID(conduit.NewSessionID(), metadata)
}

func (s *Store) createWithID(id string, metadata map[string]any) (string, error) {
	ctx := context.Background()
	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	createdAt := float64(time.Now().UnixNano()) / 1e9
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (session_id, created_at, metadata) VALUES ($1, $2, $3)`,
		id, createdAt, meta,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return "", &conduit.ErrSessionExists{SessionID: id}
		}
		return "", fmt.Errorf("postgres: create session: %w", err)
	}
	s.logger.Debug("session created", "session_id", id)
	return id, nil
}

func (s *Store) sessionExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM sessions WHERE session_id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) AppendEvent(sessionID string, e conduit.Event) error {
	ctx := context.Background()
	exists, err := s.sessionExists(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("postgres: check session: %w", err)
	}
	if !exists {
		return &conduit.ErrSessionNotFound{SessionID: sessionID}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var last int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = $1`, sessionID,
	).Scan(&last); err != nil {
		return fmt.Errorf("postgres: last seq: %w", err)
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
	if _, err := tx.Exec(ctx,
		`INSERT INTO events (session_id, seq, payload) VALUES ($1, $2, $3)`,
		sessionID, env.Seq, payload,
	); err != nil {
		return fmt.Errorf("postgres: append event: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) ReadEvents(sessionID string) ([]conduit.Event, error) {
	ctx := context.Background()
	exists, err := s.sessionExists(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: check session: %w", err)
	}
	if !exists {
		return nil, &conduit.ErrSessionNotFound{SessionID: sessionID}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM events WHERE session_id = $1 ORDER BY seq`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: read events: %w", err)
	}
	defer rows.Close()

	var events []conduit.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		e, err := conduit.DecodeEvent(payload)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) ReadMetadata(sessionID string) (*conduit.SessionMeta, error) {
	ctx := context.Background()
	var createdAt float64
	var metadata []byte
	err := s.pool.QueryRow(ctx,
		`SELECT created_at, metadata FROM sessions WHERE session_id = $1`, sessionID,
	).Scan(&createdAt, &metadata)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &conduit.ErrSessionNotFound{SessionID: sessionID}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: read metadata: %w", err)
	}

	meta := conduit.SessionMeta{SessionID: sessionID, CreatedAt: createdAt}
	if err := json.Unmarshal(metadata, &meta.Metadata); err != nil {
		return nil, &conduit.ErrDecode{What: "session metadata", Cause: err}
	}
	return &meta, nil
}

// SessionDir returns a per-session scratch directory under the system
// temp dir, created on demand. Used for session artifacts like todos.json.
func (s *Store) SessionDir(sessionID string) (string, error) {
	exists, err := s.sessionExists(context.Background(), sessionID)
	if err != nil {
		return "", fmt.Errorf("postgres: check session: %w", err)
	}
	if !exists {
		return "", &conduit.ErrSessionNotFound{SessionID: sessionID}
	}
	dir := filepath.Join(os.TempDir(), "conduit-sessions", sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("postgres: session dir: %w", err)
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
		e.Envelope().Seq = 0
		if err := s.AppendEvent(newID, e); err != nil {
			return "", err
		}
	}
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

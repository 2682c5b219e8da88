// Package file implements the canonical session store: one directory per
// session holding meta.json and an append-only events.jsonl with one JSON
// event per line.
package file

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	conduit "github.com/nevindra/conduit"
)

func init() {
	conduit.RegisterDefaultStore(func(root string, logger *slog.Logger) (conduit.SessionStore, error) {
		if logger == nil {
			return New(root)
		}
		return New(root, WithLogger(logger))
	})
}

// Store is a filesystem-backed conduit.SessionStore rooted at a directory.
type Store struct {
	root   string
	logger *slog.Logger

	mu  sync.Mutex
	seq map[string]int // last assigned seq per session
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}
	s := &Store{
		root:   dir,
		logger: slog.New(slog.DiscardHandler),
		seq:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) sessionDir(id string) string { return filepath.Join(s.root, "sessions", id) }

func (s *Store) eventsPath(id string) string {
	return filepath.Join(s.sessionDir(id), "events.jsonl")
}

func (s *Store) CreateSession(metadata map[string]any) (string, error) {
	return s.createWithID(conduit.NewSessionID(), metadata)
}

func (s *Store) createWithID(id string, metadata map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.sessionDir(id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", &conduit.ErrSessionExists{SessionID: id}
		}
		return "", fmt.Errorf("create session dir: %w", err)
	}

	meta := conduit.SessionMeta{
		SessionID: id,
		CreatedAt: float64(time.Now().UnixNano()) / 1e9,
		Metadata:  metadata,
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshal session meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), raw, 0o644); err != nil {
		return "", fmt.Errorf("write session meta: %w", err)
	}

	s.seq[id] = 0
	s.logger.Debug("session created", "session_id", id)
	return id, nil
}

func (s *Store) AppendEvent(sessionID string, e conduit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(sessionID, e)
}

func (s *Store) appendLocked(sessionID string, e conduit.Event) error {
	if _, err := os.Stat(s.sessionDir(sessionID)); err != nil {
		return &conduit.ErrSessionNotFound{SessionID: sessionID}
	}

	last, ok := s.seq[sessionID]
	if !ok {
		inferred, err := s.inferLastSeq(sessionID)
		if err != nil {
			return err
		}
		last = inferred
	}

	env := e.Envelope()
	env.Seq = last + 1
	if env.TS == 0 {
		env.TS = float64(time.Now().UnixNano()) / 1e9
	}

	line, err := conduit.EncodeEvent(e)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.eventsPath(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	s.seq[sessionID] = env.Seq
	return nil
}

// inferLastSeq recovers the seq counter for a session this store instance
// has not touched yet (resume after restart) by reading the log tail.
func (s *Store) inferLastSeq(sessionID string) (int, error) {
	events, err := s.readEventsLocked(sessionID)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}
	return events[len(events)-1].Envelope().Seq, nil
}

func (s *Store) ReadEvents(sessionID string) ([]conduit.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readEventsLocked(sessionID)
}

func (s *Store) readEventsLocked(sessionID string) ([]conduit.Event, error) {
	if _, err := os.Stat(s.sessionDir(sessionID)); err != nil {
		return nil, &conduit.ErrSessionNotFound{SessionID: sessionID}
	}

	f, err := os.Open(s.eventsPath(sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []conduit.Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		e, err := conduit.DecodeEvent(line)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	return events, nil
}

func (s *Store) ReadMetadata(sessionID string) (*conduit.SessionMeta, error) {
	raw, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), "meta.json"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &conduit.ErrSessionNotFound{SessionID: sessionID}
		}
		return nil, fmt.Errorf("read session meta: %w", err)
	}
	var meta conduit.SessionMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, &conduit.ErrDecode{What: "session meta", Cause: err}
	}
	return &meta, nil
}

func (s *Store) SessionDir(sessionID string) (string, error) {
	dir := s.sessionDir(sessionID)
	if _, err := os.Stat(dir); err != nil {
		return "", &conduit.ErrSessionNotFound{SessionID: sessionID}
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

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		if conduit.IsLifecycleEvent(e) || e.Envelope().Seq > head {
			continue
		}
		// Re-seq in the fork but keep the original timestamp.
		e.Envelope().Seq = 0
		if err := s.appendLocked(newID, e); err != nil {
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
	cp := &conduit.SessionCheckpoint{Label: label, HeadSeq: head}
	if err := s.AppendEvent(sessionID, cp); err != nil {
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

var _ conduit.SessionStore = (*Store)(nil)

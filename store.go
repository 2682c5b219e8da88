package conduit

import "strings"

// SessionMeta is the per-session record kept alongside the event log.
type SessionMeta struct {
	SessionID string         `json:"session_id"`
	CreatedAt float64        `json:"created_at"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// SessionStore persists session event logs. Implementations must be safe
// for concurrent use by independent sessions; appends within one session
// are serialized by the runtime's single-goroutine loop.
//
// AppendEvent stamps the event's envelope in place: Seq is always assigned
// the next value for the session, TS is stamped only when zero (fork keeps
// original timestamps this way).
type SessionStore interface {
	// CreateSession allocates a new session id, persists its metadata, and
	// returns the id.
	CreateSession(metadata map[string]any) (string, error)
	// AppendEvent appends one event to the session log.
	AppendEvent(sessionID string, e Event) error
	// ReadEvents returns the full log in append order.
	ReadEvents(sessionID string) ([]Event, error)
	// ReadMetadata returns the session's meta record.
	ReadMetadata(sessionID string) (*SessionMeta, error)
	// SessionDir returns a per-session directory for auxiliary files
	// (todos.json). Created on demand.
	SessionDir(sessionID string) (string, error)
	// Fork copies a session into a new session, skipping lifecycle events,
	// and returns the new id. A positive headSeq bounds the copy; zero
	// means the session's resolved head. metadata entries are merged over
	// the parent's.
	Fork(sessionID string, headSeq int, metadata map[string]any) (string, error)
	// Checkpoint appends a named marker capturing the current head seq.
	Checkpoint(sessionID, label string) (int, error)
	// SetHead moves the head to an earlier seq.
	SetHead(sessionID string, seq int, reason string) error
	// Undo moves the head back to the most recent checkpoint before it.
	Undo(sessionID string) (int, error)
	// Redo reverses the most recent undo.
	Redo(sessionID string) (int, error)
}

// IsLifecycleEvent reports whether e is excluded from forks and transcript
// rebuilds: the init record, the terminal result, and session.* markers.
func IsLifecycleEvent(e Event) bool {
	t := e.EventType()
	return t == TypeSystemInit || t == TypeResult || strings.HasPrefix(t, "session.")
}

// ResolveHead computes the session head from its log. Data events advance
// the head to their seq; session.set_head, session.undo, and session.redo
// move it to the seq they carry.
func ResolveHead(events []Event) int {
	head := 0
	for _, e := range events {
		switch ev := e.(type) {
		case *SessionSetHead:
			head = ev.HeadSeq
		case *SessionUndo:
			head = ev.HeadSeq
		case *SessionRedo:
			head = ev.HeadSeq
		case *SessionCheckpoint, *SystemInit:
			// markers never move the head
		default:
			if s := e.Envelope().Seq; s > head {
				head = s
			}
		}
	}
	return head
}

// UndoTarget finds the most recent checkpoint strictly before the current
// head. Returns false when there is nothing to undo to.
func UndoTarget(events []Event) (int, bool) {
	cur := ResolveHead(events)
	target, ok := 0, false
	for _, e := range events {
		if cp, isCP := e.(*SessionCheckpoint); isCP && cp.HeadSeq < cur {
			target, ok = cp.HeadSeq, true
		}
	}
	return target, ok
}

// RedoTarget finds the head value in effect just before the most recent
// undo. Returns false when there is no undo to reverse.
func RedoTarget(events []Event) (int, bool) {
	last := -1
	for i, e := range events {
		if _, isUndo := e.(*SessionUndo); isUndo {
			last = i
		}
	}
	if last < 0 {
		return 0, false
	}
	return ResolveHead(events[:last]), true
}

package conduit

import "fmt"

// UnknownEventTypeError is returned by DecodeEvent for a record whose "type"
// tag is not part of the event union. Logs written by a newer runtime are
// rejected rather than silently skipped.
type UnknownEventTypeError struct {
	Type string
}

func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf("unknown event type %q", e.Type)
}

// ErrDecode wraps a JSON parse failure while reading persisted data.
type ErrDecode struct {
	What  string
	Cause error
}

func (e *ErrDecode) Error() string {
	return fmt.Sprintf("decode %s: %v", e.What, e.Cause)
}

func (e *ErrDecode) Unwrap() error { return e.Cause }

// ErrProvider is a model call failure. Kind is a short classifier used in
// error stop reasons ("http", "protocol", "decode"); Message carries the
// provider's own error text, which the runtime also matches for protocol
// recovery.
type ErrProvider struct {
	Provider string
	Kind     string
	Message  string
}

func (e *ErrProvider) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// ErrHTTP is a non-2xx response from a provider endpoint.
type ErrHTTP struct {
	Status int
	Body   string
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrSessionExists is returned by CreateSession on an id collision.
type ErrSessionExists struct {
	SessionID string
}

func (e *ErrSessionExists) Error() string {
	return fmt.Sprintf("session %s already exists", e.SessionID)
}

// ErrSessionNotFound is returned by store reads for an unknown session id.
type ErrSessionNotFound struct {
	SessionID string
}

func (e *ErrSessionNotFound) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

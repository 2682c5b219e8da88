package sqlite

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	conduit "github.com/nevindra/conduit"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "conduit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateSession(t *testing.T) {
	s := newStore(t)
	id, err := s.CreateSession(map[string]any{"model": "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if len(id) != 32 {
		t.Errorf("session id = %q, want 32 hex chars", id)
	}

	meta, err := s.ReadMetadata(id)
	if err != nil {
		t.Fatal(err)
	}
	if meta.SessionID != id || meta.CreatedAt == 0 {
		t.Errorf("meta = %+v", meta)
	}
	if meta.Metadata["model"] != "gpt-4o" {
		t.Errorf("metadata = %+v", meta.Metadata)
	}
}

func TestAppendAndReadEvents(t *testing.T) {
	s := newStore(t)
	id, err := s.CreateSession(nil)
	if err != nil {
		t.Fatal(err)
	}

	events := []conduit.Event{
		&conduit.SystemInit{SessionID: id},
		&conduit.UserMessage{Text: "hello"},
		&conduit.AssistantMessage{Text: "hi"},
	}
	for _, e := range events {
		if err := s.AppendEvent(id, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ReadEvents(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	for i, e := range got {
		env := e.Envelope()
		if env.Seq != i+1 {
			t.Errorf("event %d seq = %d, want %d", i, env.Seq, i+1)
		}
		if env.TS == 0 {
			t.Errorf("event %d has no timestamp", i)
		}
	}
	if um, ok := got[1].(*conduit.UserMessage); !ok || um.Text != "hello" {
		t.Errorf("got[1] = %+v", got[1])
	}
}

func TestAppendPreservesNonzeroTimestamp(t *testing.T) {
	s := newStore(t)
	id, _ := s.CreateSession(nil)

	e := &conduit.UserMessage{Text: "x"}
	e.TS = 1700000000.5
	if err := s.AppendEvent(id, e); err != nil {
		t.Fatal(err)
	}
	got, _ := s.ReadEvents(id)
	if got[0].Envelope().TS != 1700000000.5 {
		t.Errorf("ts = %v, want preserved", got[0].Envelope().TS)
	}
}

func TestSeqContinuesAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.db")
	s1, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	id, _ := s1.CreateSession(nil)
	s1.AppendEvent(id, &conduit.UserMessage{Text: "one"})
	s1.AppendEvent(id, &conduit.UserMessage{Text: "two"})
	s1.Close()

	// Reopening the same file must continue the per-session counter.
	s2, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if err := s2.AppendEvent(id, &conduit.UserMessage{Text: "three"}); err != nil {
		t.Fatal(err)
	}
	got, _ := s2.ReadEvents(id)
	if len(got) != 3 || got[2].Envelope().Seq != 3 {
		t.Errorf("events = %d, last seq = %d, want 3", len(got), got[len(got)-1].Envelope().Seq)
	}
}

func TestUnknownSession(t *testing.T) {
	s := newStore(t)
	var notFound *conduit.ErrSessionNotFound

	if err := s.AppendEvent("missing", &conduit.UserMessage{Text: "x"}); !errors.As(err, &notFound) {
		t.Errorf("AppendEvent err = %v", err)
	}
	if _, err := s.ReadEvents("missing"); !errors.As(err, &notFound) {
		t.Errorf("ReadEvents err = %v", err)
	}
	if _, err := s.ReadMetadata("missing"); !errors.As(err, &notFound) {
		t.Errorf("ReadMetadata err = %v", err)
	}
	if _, err := s.SessionDir("missing"); !errors.As(err, &notFound) {
		t.Errorf("SessionDir err = %v", err)
	}
}

func TestSessionDir(t *testing.T) {
	s := newStore(t)
	id, _ := s.CreateSession(nil)
	dir, err := s.SessionDir(id)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "todos.json"), []byte("{}"), 0o644); err != nil {
		t.Errorf("session dir not writable: %v", err)
	}
}

func TestFork(t *testing.T) {
	s := newStore(t)
	id, _ := s.CreateSession(map[string]any{"model": "gpt-4o"})

	s.AppendEvent(id, &conduit.SystemInit{SessionID: id})
	s.AppendEvent(id, &conduit.UserMessage{Text: "keep me"})
	s.AppendEvent(id, &conduit.AssistantMessage{Text: "kept"})
	s.AppendEvent(id, &conduit.Result{SessionID: id, StopReason: "end"})

	forkID, err := s.Fork(id, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if forkID == id {
		t.Fatal("fork reused the session id")
	}

	got, err := s.ReadEvents(forkID)
	if err != nil {
		t.Fatal(err)
	}
	// Lifecycle events (init, result) are skipped; data is re-sequenced.
	if len(got) != 2 {
		t.Fatalf("fork has %d events, want 2: %v", len(got), got)
	}
	if got[0].Envelope().Seq != 1 || got[1].Envelope().Seq != 2 {
		t.Errorf("fork seqs = %d, %d", got[0].Envelope().Seq, got[1].Envelope().Seq)
	}

	meta, _ := s.ReadMetadata(forkID)
	if meta.Metadata["forked_from"] != id || meta.Metadata["model"] != "gpt-4o" {
		t.Errorf("fork metadata = %+v", meta.Metadata)
	}
}

func TestForkRespectsHead(t *testing.T) {
	s := newStore(t)
	id, _ := s.CreateSession(nil)

	s.AppendEvent(id, &conduit.UserMessage{Text: "one"})
	s.AppendEvent(id, &conduit.UserMessage{Text: "two"})
	if err := s.SetHead(id, 1, "rewind"); err != nil {
		t.Fatal(err)
	}

	forkID, err := s.Fork(id, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.ReadEvents(forkID)
	if len(got) != 1 {
		t.Fatalf("fork has %d events, want only those before the head", len(got))
	}
	if um := got[0].(*conduit.UserMessage); um.Text != "one" {
		t.Errorf("fork kept %q", um.Text)
	}
}

func TestForkExplicitHeadAndMetadata(t *testing.T) {
	s := newStore(t)
	id, _ := s.CreateSession(map[string]any{"model": "gpt-4o"})

	s.AppendEvent(id, &conduit.UserMessage{Text: "one"})
	s.AppendEvent(id, &conduit.UserMessage{Text: "two"})
	s.AppendEvent(id, &conduit.UserMessage{Text: "three"})

	forkID, err := s.Fork(id, 2, map[string]any{"label": "experiment"})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.ReadEvents(forkID)
	if len(got) != 2 {
		t.Fatalf("fork has %d events, want 2 (bounded by the explicit head)", len(got))
	}

	meta, _ := s.ReadMetadata(forkID)
	if meta.Metadata["forked_from"] != id || meta.Metadata["model"] != "gpt-4o" {
		t.Errorf("fork metadata = %+v", meta.Metadata)
	}
	if meta.Metadata["label"] != "experiment" {
		t.Errorf("extra metadata not merged: %+v", meta.Metadata)
	}
}

func TestCheckpointUndoRedo(t *testing.T) {
	s := newStore(t)
	id, _ := s.CreateSession(nil)

	s.AppendEvent(id, &conduit.UserMessage{Text: "one"})
	s.AppendEvent(id, &conduit.UserMessage{Text: "two"})

	head, err := s.Checkpoint(id, "before-risky")
	if err != nil {
		t.Fatal(err)
	}
	if head != 2 {
		t.Errorf("checkpoint head = %d, want 2", head)
	}

	s.AppendEvent(id, &conduit.UserMessage{Text: "three"})

	target, err := s.Undo(id)
	if err != nil {
		t.Fatal(err)
	}
	if target != 2 {
		t.Errorf("undo target = %d, want 2", target)
	}
	events, _ := s.ReadEvents(id)
	if got := conduit.ResolveHead(events); got != 2 {
		t.Errorf("head after undo = %d, want 2", got)
	}

	target, err = s.Redo(id)
	if err != nil {
		t.Fatal(err)
	}
	if target != 4 {
		t.Errorf("redo target = %d, want the pre-undo head", target)
	}
}

func TestUndoWithoutCheckpoint(t *testing.T) {
	s := newStore(t)
	id, _ := s.CreateSession(nil)
	s.AppendEvent(id, &conduit.UserMessage{Text: "x"})
	if _, err := s.Undo(id); err == nil {
		t.Error("undo without a checkpoint must fail")
	}
	if _, err := s.Redo(id); err == nil {
		t.Error("redo without an undo must fail")
	}
}

func TestSetHeadRejectsNegative(t *testing.T) {
	s := newStore(t)
	id, _ := s.CreateSession(nil)
	if err := s.SetHead(id, -1, "bad"); err == nil {
		t.Error("negative seq must be rejected")
	}
}

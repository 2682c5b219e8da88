package conduit

import "testing"

func seqEvent(seq int) Event {
	e := &UserMessage{Text: "x"}
	e.Seq = seq
	return e
}

func TestResolveHead(t *testing.T) {
	init := &SystemInit{SessionID: "s"}
	init.Seq = 1
	cp := &SessionCheckpoint{Label: "a", HeadSeq: 3}
	cp.Seq = 4

	events := []Event{init, seqEvent(2), seqEvent(3), cp}
	if got := ResolveHead(events); got != 3 {
		t.Errorf("head = %d, want 3 (markers never advance it)", got)
	}

	events = append(events, &SessionSetHead{HeadSeq: 2})
	if got := ResolveHead(events); got != 2 {
		t.Errorf("head after set_head = %d, want 2", got)
	}

	events = append(events, seqEvent(6))
	if got := ResolveHead(events); got != 6 {
		t.Errorf("head after new data = %d, want 6", got)
	}
}

func TestUndoRedoTargets(t *testing.T) {
	cp1 := &SessionCheckpoint{HeadSeq: 2}
	cp1.Seq = 3
	cp2 := &SessionCheckpoint{HeadSeq: 5}
	cp2.Seq = 6

	events := []Event{seqEvent(1), seqEvent(2), cp1, seqEvent(4), seqEvent(5), cp2, seqEvent(7)}

	// Head is 7; the latest checkpoint before it is cp2 at 5.
	target, ok := UndoTarget(events)
	if !ok || target != 5 {
		t.Fatalf("UndoTarget = %d/%v, want 5/true", target, ok)
	}

	// Nothing undone yet.
	if _, ok := RedoTarget(events); ok {
		t.Error("RedoTarget should report false before any undo")
	}

	events = append(events, &SessionUndo{HeadSeq: 5})
	if got := ResolveHead(events); got != 5 {
		t.Fatalf("head after undo = %d, want 5", got)
	}

	// Redo restores the head in effect just before the undo.
	target, ok = RedoTarget(events)
	if !ok || target != 7 {
		t.Errorf("RedoTarget = %d/%v, want 7/true", target, ok)
	}

	// A second undo from head 5 goes to cp1.
	target, ok = UndoTarget(events)
	if !ok || target != 2 {
		t.Errorf("second UndoTarget = %d/%v, want 2/true", target, ok)
	}
}

func TestUndoTargetNothingEarlier(t *testing.T) {
	if _, ok := UndoTarget([]Event{seqEvent(1), seqEvent(2)}); ok {
		t.Error("UndoTarget should report false without checkpoints")
	}
}

func TestIsLifecycleEvent(t *testing.T) {
	lifecycle := []Event{
		&SystemInit{}, &Result{},
		&SessionCheckpoint{}, &SessionSetHead{}, &SessionUndo{}, &SessionRedo{},
	}
	for _, e := range lifecycle {
		if !IsLifecycleEvent(e) {
			t.Errorf("%s should be lifecycle", e.EventType())
		}
	}
	data := []Event{
		&UserMessage{}, &AssistantMessage{}, &ToolUse{}, &ToolResult{},
		&HookEvent{}, &SkillActivated{}, &UserCompaction{}, &ToolOutputCompacted{},
	}
	for _, e := range data {
		if IsLifecycleEvent(e) {
			t.Errorf("%s should not be lifecycle", e.EventType())
		}
	}
}

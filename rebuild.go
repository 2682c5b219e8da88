package conduit

// Transcript rebuilders: turn a session event log back into provider input.
// Both walk from the log tail accumulating a byte budget, then reverse, so
// the most recent turns always survive truncation.

// ToolOutputPlaceholder replaces pruned tool outputs in rebuilt transcripts.
const ToolOutputPlaceholder = "[tool output compacted]"

// Default rebuild budgets. Thresholds are deliberately generous; pruning
// and auto compaction are the real window control.
const (
	DefaultRebuildMaxEvents = 500
	DefaultRebuildMaxBytes  = 400_000
)

// compactedToolIDs collects every tool_use_id marked compacted anywhere in
// the log.
func compactedToolIDs(events []Event) map[string]bool {
	ids := make(map[string]bool)
	for _, e := range events {
		if m, ok := e.(*ToolOutputCompacted); ok {
			ids[m.ToolUseID] = true
		}
	}
	return ids
}

// toolResultContent renders a tool result for the transcript, honoring
// compaction markers.
func toolResultContent(tr *ToolResult, compacted map[string]bool) string {
	if compacted[tr.ToolUseID] {
		return ToolOutputPlaceholder
	}
	if len(tr.Output) == 0 {
		return "null"
	}
	return string(tr.Output)
}

// RebuildMessages produces a legacy chat transcript from the log. Tool
// results become tool-role turns; tool-call placeholders are reconstituted
// by the runtime, since the legacy shape carries them on assistant turns it
// builds itself.
func RebuildMessages(events []Event, maxEvents, maxBytes int) []Item {
	compacted := compactedToolIDs(events)
	var rev []Item
	totalBytes := 0

	for i := len(events) - 1; i >= 0; i-- {
		var it Item
		switch e := events[i].(type) {
		case *UserMessage:
			it = UserItem(e.Text)
		case *AssistantMessage:
			it = AssistantItem(e.Text)
		case *ToolResult:
			it = Item{Role: "tool", ToolCallID: e.ToolUseID, Content: toolResultContent(e, compacted)}
		default:
			continue
		}
		size := len(it.Content)
		if len(rev) >= maxEvents || totalBytes+size > maxBytes {
			break
		}
		totalBytes += size
		rev = append(rev, it)
	}

	reverseItems(rev)
	return rev
}

// RebuildResponsesInput produces a responses-shape transcript: chat turns
// plus function_call / function_call_output pairs around each tool use.
func RebuildResponsesInput(events []Event, maxEvents, maxBytes int) []Item {
	compacted := compactedToolIDs(events)
	var rev []Item
	totalBytes := 0

	for i := len(events) - 1; i >= 0; i-- {
		var it Item
		switch e := events[i].(type) {
		case *UserMessage:
			it = UserItem(e.Text)
		case *AssistantMessage:
			it = AssistantItem(e.Text)
		case *ToolUse:
			args := string(e.Input)
			if args == "" {
				args = "{}"
			}
			it = FunctionCallItem(e.ToolUseID, e.Name, args)
		case *ToolResult:
			it = FunctionCallOutputItem(e.ToolUseID, toolResultContent(e, compacted))
		default:
			continue
		}
		size := len(it.Content) + len(it.Arguments) + len(it.Output)
		if len(rev) >= maxEvents || totalBytes+size > maxBytes {
			break
		}
		totalBytes += size
		rev = append(rev, it)
	}

	reverseItems(rev)
	return rev
}

func reverseItems(items []Item) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}

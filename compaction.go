package conduit

// Compaction keeps long sessions inside the model's context window with two
// mechanisms: cheap append-only pruning of old tool outputs, and a heavy
// summarization pass when token usage approaches the limit. The event log
// itself is never rewritten.

// Fixed prompts for the summarization pass.
const (
	compactionSystemPrompt    = "You are summarizing an agent session so it can continue in a smaller context window. Preserve goals, decisions, file paths, tool outcomes, and unfinished work. Be concise but complete."
	compactionMarkerQuestion  = "The conversation above is close to the context window limit and will be compacted."
	compactionUserInstruction = "Summarize the conversation so far into a single message that lets the agent continue seamlessly."
	compactionContinuation    = "Continue if you have next steps"
)

// CompactionOptions controls both mechanisms. The zero value disables
// compaction entirely.
type CompactionOptions struct {
	// Prune enables tool-output pruning before each full-transcript call.
	Prune bool
	// KeepRecentToolResults is the number of most recent tool results left
	// untouched by pruning.
	KeepRecentToolResults int
	// Auto enables the summarization pass on predicted overflow.
	Auto bool
	// ContextLimit is the model's context window in tokens.
	ContextLimit int
	// Threshold is the overflow trigger as a fraction of ContextLimit.
	// Defaults to 0.85 when zero.
	Threshold float64
}

// DefaultKeepRecentToolResults applies when pruning is enabled with a zero
// keep-window.
const DefaultKeepRecentToolResults = 3

func (c CompactionOptions) keepWindow() int {
	if c.KeepRecentToolResults > 0 {
		return c.KeepRecentToolResults
	}
	return DefaultKeepRecentToolResults
}

// WouldOverflow reports whether the last turn's usage predicts the next
// call will cross the context limit.
func WouldOverflow(c CompactionOptions, usage *Usage) bool {
	if !c.Auto || c.ContextLimit <= 0 || usage == nil {
		return false
	}
	threshold := c.Threshold
	if threshold <= 0 {
		threshold = 0.85
	}
	return float64(usage.TotalTokens) > float64(c.ContextLimit)*threshold
}

// SelectToolOutputsToPrune returns tool_use_ids to mark compacted:
// oldest-first, everything except the keep-window of most recent results,
// skipping ids already marked.
func SelectToolOutputsToPrune(events []Event, c CompactionOptions) []string {
	if !c.Prune {
		return nil
	}
	already := compactedToolIDs(events)
	var ids []string
	for _, e := range events {
		if tr, ok := e.(*ToolResult); ok && !already[tr.ToolUseID] {
			ids = append(ids, tr.ToolUseID)
		}
	}
	keep := c.keepWindow()
	if len(ids) <= keep {
		return nil
	}
	return ids[:len(ids)-keep]
}

// compactionInput builds the summarization pass transcript: fixed system
// prompt, the current chat-shaped window, and the marker + instruction.
func compactionInput(events []Event, maxEvents, maxBytes int) []Item {
	history := RebuildMessages(events, maxEvents, maxBytes)
	input := make([]Item, 0, len(history)+3)
	input = append(input, SystemItem(compactionSystemPrompt))
	input = append(input, history...)
	input = append(input, UserItem(compactionMarkerQuestion))
	input = append(input, UserItem(compactionUserInstruction))
	return input
}

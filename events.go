package conduit

import (
	"encoding/json"
	"fmt"
)

// Event is one record in a session's append-only log. The concrete types
// below form a closed union: every event serializes to a single JSON object
// tagged by a "type" field, and DecodeEvent rejects tags it does not know.
type Event interface {
	// EventType returns the wire tag ("user.message", "tool.use", ...).
	EventType() string
	// Envelope returns the shared envelope fields. The store stamps Seq and
	// TS through this on append.
	Envelope() *EventBase
}

// EventBase carries the envelope fields shared by every event. Seq and TS
// are assigned by the session store on append; ParentToolUseID and AgentName
// are set on events produced inside a Task subagent.
type EventBase struct {
	Seq             int     `json:"seq,omitempty"`
	TS              float64 `json:"ts,omitempty"`
	ParentToolUseID string  `json:"parent_tool_use_id,omitempty"`
	AgentName       string  `json:"agent_name,omitempty"`
}

func (b *EventBase) Envelope() *EventBase { return b }

// Wire tags for the event union.
const (
	TypeSystemInit          = "system.init"
	TypeUserMessage         = "user.message"
	TypeUserQuestion        = "user.question"
	TypeAssistantDelta      = "assistant.delta"
	TypeAssistantMessage    = "assistant.message"
	TypeToolUse             = "tool.use"
	TypeToolResult          = "tool.result"
	TypeToolOutputCompacted = "tool.output.compacted"
	TypeHookEvent           = "hook.event"
	TypeSkillActivated      = "skill.activated"
	TypeUserCompaction      = "user.compaction"
	TypeSessionCheckpoint   = "session.checkpoint"
	TypeSessionSetHead      = "session.set_head"
	TypeSessionUndo         = "session.undo"
	TypeSessionRedo         = "session.redo"
	TypeResult              = "result"
)

// SystemInit is the first event of every session: runtime configuration at
// the time the run started.
type SystemInit struct {
	EventBase
	SessionID    string   `json:"session_id"`
	Cwd          string   `json:"cwd,omitempty"`
	Version      string   `json:"version,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
	Tools        []string `json:"tools,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

func (*SystemInit) EventType() string { return TypeSystemInit }

// UserMessage is a user turn after prompt expansion.
type UserMessage struct {
	EventBase
	Text string `json:"text"`
}

func (*UserMessage) EventType() string { return TypeUserMessage }

// UserQuestion records a question surfaced to the user, either by the
// AskUserQuestion tool or by a permission prompt.
type UserQuestion struct {
	EventBase
	QuestionID string   `json:"question_id"`
	Prompt     string   `json:"prompt"`
	Choices    []string `json:"choices,omitempty"`
	Answer     string   `json:"answer,omitempty"`
}

func (*UserQuestion) EventType() string { return TypeUserQuestion }

// AssistantDelta is a streamed text fragment. Only persisted and emitted
// when the run opts into partial messages.
type AssistantDelta struct {
	EventBase
	Text string `json:"text"`
}

func (*AssistantDelta) EventType() string { return TypeAssistantDelta }

// AssistantMessage is a complete assistant turn. IsSummary marks compaction
// summaries.
type AssistantMessage struct {
	EventBase
	Text      string `json:"text"`
	IsSummary bool   `json:"is_summary,omitempty"`
}

func (*AssistantMessage) EventType() string { return TypeAssistantMessage }

// ToolUse records a tool invocation requested by the model, before gating.
type ToolUse struct {
	EventBase
	ToolUseID string          `json:"tool_use_id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
}

func (*ToolUse) EventType() string { return TypeToolUse }

// ToolResult records the outcome of a tool invocation. Exactly one
// ToolResult follows every ToolUse, including denials and tool errors.
type ToolResult struct {
	EventBase
	ToolUseID    string          `json:"tool_use_id"`
	Output       json.RawMessage `json:"output,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	ErrorType    string          `json:"error_type,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func (*ToolResult) EventType() string { return TypeToolResult }

/// ToolOutputCompacted marks an earlier tool result as pruned: transcript
// rebuilds replace its output with a placeholder. The log itself is never
// rewritten.
type ToolOutputCompacted struct {
	EventBase
	ToolUseID string `json:"tool_use_id"`
}

func (*ToolOutputCompacted) EventType() string { return TypeToolOutputCompacted }

// HookEvent records one hook matcher invocation at a hook point.
type HookEvent struct {
	EventBase
	HookPoint  string  `json:"hook_point"`
	Name       string  `json:"name,omitempty"`
	Matched    bool    `json:"matched"`
	Blocked    bool    `json:"blocked,omitempty"`
	Action     string  `json:"action,omitempty"`
	DurationMS float64 `json:"duration_ms,omitempty"`
}

func (*HookEvent) EventType() string { return TypeHookEvent }

// SkillActivated records a skill being loaded into the system prompt.
type SkillActivated struct {
	EventBase
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

func (*SkillActivated) EventType() string { return TypeSkillActivated }

// UserCompaction marks the start of a compaction pass. Auto is true when
// the runtime triggered it from the overflow predicate.
type UserCompaction struct {
	EventBase
	Auto   bool   `json:"auto,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (*UserCompaction) EventType() string { return TypeUserCompaction }

// SessionCheckpoint is a named marker capturing the head seq at the time it
// was written.
type SessionCheckpoint struct {
	EventBase
	Label   string `json:"label,omitempty"`
	HeadSeq int    `json:"head_seq"`
}

func (*SessionCheckpoint) EventType() string { return TypeSessionCheckpoint }

// SessionSetHead moves the session head to an earlier seq.
type SessionSetHead struct {
	EventBase
	HeadSeq int    `json:"head_seq"`
	Reason  string `json:"reason,omitempty"`
}

func (*SessionSetHead) EventType() string { return TypeSessionSetHead }

// SessionUndo moves the head back to the previous checkpoint.
type SessionUndo struct {
	EventBase
	HeadSeq int `json:"head_seq"`
}

func (*SessionUndo) EventType() string { return TypeSessionUndo }

// SessionRedo reverses the most recent undo.
type SessionRedo struct {
	EventBase
	HeadSeq int `json:"head_seq"`
}

func (*SessionRedo) EventType() string { return TypeSessionRedo }

// Usage is token accounting reported by a provider for one model call.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
	TotalTokens  int `json:"total_tokens,omitempty"`
}

// ProviderMetadata is persisted in the final result so a resumed session
// can continue with the same wire protocol without re-detection.
type ProviderMetadata struct {
	Protocol                   string `json:"protocol,omitempty"`
	SupportsPreviousResponseID *bool  `json:"supports_previous_response_id,omitempty"`
}

// Result is the terminal event of a run. Exactly one per run.
type Result struct {
	EventBase
	FinalText        string            `json:"final_text,omitempty"`
	SessionID        string            `json:"session_id"`
	StopReason       string            `json:"stop_reason"`
	Steps            int               `json:"steps,omitempty"`
	Usage            *Usage            `json:"usage,omitempty"`
	ResponseID       string            `json:"response_id,omitempty"`
	ProviderMetadata *ProviderMetadata `json:"provider_metadata,omitempty"`
}

func (*Result) EventType() string { return TypeResult }

// eventFactories maps wire tags to empty concrete events for decoding.
var eventFactories = map[string]func() Event{
	TypeSystemInit:          func() Event { return &SystemInit{} },
	TypeUserMessage:         func() Event { return &UserMessage{} },
	TypeUserQuestion:        func() Event { return &UserQuestion{} },
	TypeAssistantDelta:      func() Event { return &AssistantDelta{} },
	TypeAssistantMessage:    func() Event { return &AssistantMessage{} },
	TypeToolUse:             func() Event { return &ToolUse{} },
	TypeToolResult:          func() Event { return &ToolResult{} },
	TypeToolOutputCompacted: func() Event { return &ToolOutputCompacted{} },
	TypeHookEvent:           func() Event { return &HookEvent{} },
	TypeSkillActivated:      func() Event { return &SkillActivated{} },
	TypeUserCompaction:      func() Event { return &UserCompaction{} },
	TypeSessionCheckpoint:   func() Event { return &SessionCheckpoint{} },
	TypeSessionSetHead:      func() Event { return &SessionSetHead{} },
	TypeSessionUndo:         func() Event { return &SessionUndo{} },
	TypeSessionRedo:         func() Event { return &SessionRedo{} },
	TypeResult:              func() Event { return &Result{} },
}

// EncodeEvent serializes an event to a single-line JSON object with its
// "type" tag injected. The output has no trailing newline.
func EncodeEvent(e Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.EventType(), err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.EventType(), err)
	}
	m["type"] = json.RawMessage(`"` + e.EventType() + `"`)
	return json.Marshal(m)
}

// DecodeEvent parses one JSON event record. Records whose "type" tag is not
// part of the union return an *UnknownEventTypeError; records that are not
// valid JSON return an *ErrDecode.
func DecodeEvent(data []byte) (Event, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, &ErrDecode{What: "event record", Cause: err}
	}
	factory, ok := eventFactories[tag.Type]
	if !ok {
		return nil, &UnknownEventTypeError{Type: tag.Type}
	}
	e := factory()
	if err := json.Unmarshal(data, e); err != nil {
		return nil, &ErrDecode{What: tag.Type + " event", Cause: err}
	}
	return e, nil
}

package conduit

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"time"
)

// HookPoint identifies where in the loop a hook runs.
type HookPoint string

const (
	HookUserPromptSubmit HookPoint = "UserPromptSubmit"
	HookSessionStart     HookPoint = "SessionStart"
	HookSessionEnd       HookPoint = "SessionEnd"
	HookBeforeModelCall  HookPoint = "BeforeModelCall"
	HookAfterModelCall   HookPoint = "AfterModelCall"
	HookPreToolUse       HookPoint = "PreToolUse"
	HookPostToolUse      HookPoint = "PostToolUse"
	HookStop             HookPoint = "Stop"
)

// HookPayload is the input to a hook callback. Fields are populated
// according to the hook point: ToolName/ToolInput for tool hooks, Model and
// Messages for model hooks, Prompt for UserPromptSubmit, Output for
// AfterModelCall and PostToolUse.
type HookPayload struct {
	Point     HookPoint
	SessionID string
	Prompt    string
	ToolName  string
	ToolInput json.RawMessage
	Model     string
	Messages  []Item
	Output    any
	FinalText string
}

// HookDecision is the outcome of one hook callback. Zero value means
// "continue unchanged".
type HookDecision struct {
	Block              bool
	BlockReason        string
	OverridePrompt     string
	OverrideToolInput  json.RawMessage
	OverrideToolOutput any
	OverrideMessages   []Item
	// Action is a free-form tag recorded on the hook.event for
	// observability.
	Action string
}

// HookFunc is a hook callback. It must not retain the payload.
type HookFunc func(ctx context.Context, p HookPayload) HookDecision

// HookMatcher binds a callback to a name pattern. Pattern is a set of glob
// segments joined by "|"; it matches the tool name at tool points and the
// model name at model points, and is ignored (always matches) elsewhere.
// Empty pattern or "*" matches everything.
type HookMatcher struct {
	Name    string
	Pattern string
	Fn      HookFunc
}

func (m HookMatcher) matches(subject string) bool {
	if m.Pattern == "" || m.Pattern == "*" {
		return true
	}
	for _, seg := range strings.Split(m.Pattern, "|") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		if ok, err := path.Match(seg, subject); err == nil && ok {
			return true
		}
	}
	return false
}

// HookOutcome is the accumulated result of running one hook point: the
// final decision (nil when nothing blocked), the accumulated rewrites, and
// one HookEvent per matcher invocation.
type HookOutcome struct {
	Blocked     bool
	BlockReason string
	Prompt      string
	ToolInput   json.RawMessage
	ToolOutput  any
	Messages    []Item
	Events      []*HookEvent
}

// HookEngine holds ordered matcher lists per hook point.
//
// EnableMessageRewriteHooks gates OverrideMessages in BeforeModelCall: when
// false, the engine drops the override and records an
// "ignored_override_messages" action instead. Guardrail against accidental
// transcript corruption.
type HookEngine struct {
	matchers                  map[HookPoint][]HookMatcher
	EnableMessageRewriteHooks bool
}

// NewHookEngine creates an empty engine.
func NewHookEngine() *HookEngine {
	return &HookEngine{matchers: make(map[HookPoint][]HookMatcher)}
}

// Add registers a matcher at a hook point. Matchers run in registration
// order.
func (h *HookEngine) Add(point HookPoint, m HookMatcher) {
	h.matchers[point] = append(h.matchers[point], m)
}

// Len returns the number of matchers registered at a point.
func (h *HookEngine) Len(point HookPoint) int { return len(h.matchers[point]) }

// Run executes all matchers at a point. The pattern is matched against
// subject (tool or model name; ignored for session/stop/prompt points,
// pass ""). Rewrites accumulate: each matcher sees the previous matcher's
// output. A blocking decision stops the iteration.
func (h *HookEngine) Run(ctx context.Context, point HookPoint, subject string, p HookPayload) HookOutcome {
	out := HookOutcome{
		Prompt:     p.Prompt,
		ToolInput:  p.ToolInput,
		ToolOutput: p.Output,
		Messages:   p.Messages,
	}
	if h == nil {
		return out
	}

	matchOnName := point == HookPreToolUse || point == HookPostToolUse ||
		point == HookBeforeModelCall || point == HookAfterModelCall

	for _, m := range h.matchers[point] {
		matched := !matchOnName || m.matches(subject)
		he := &HookEvent{HookPoint: string(point), Name: m.Name, Matched: matched}
		if !matched {
			out.Events = append(out.Events, he)
			continue
		}

		cur := p
		cur.Point = point
		cur.Prompt = out.Prompt
		cur.ToolInput = out.ToolInput
		cur.Output = out.ToolOutput
		cur.Messages = out.Messages

		start := time.Now()
		d := m.Fn(ctx, cur)
		he.DurationMS = float64(time.Since(start).Microseconds()) / 1000
		he.Action = d.Action

		if d.OverridePrompt != "" {
			out.Prompt = d.OverridePrompt
		}
		if d.OverrideToolInput != nil {
			out.ToolInput = d.OverrideToolInput
		}
		if d.OverrideToolOutput != nil {
			out.ToolOutput = d.OverrideToolOutput
		}
		if d.OverrideMessages != nil {
			if point == HookBeforeModelCall && !h.EnableMessageRewriteHooks {
				he.Action = "ignored_override_messages"
			} else {
				out.Messages = d.OverrideMessages
			}
		}
		if d.Block {
			he.Blocked = true
			if he.Action == "" {
				he.Action = "block"
			}
			out.Blocked = true
			out.BlockReason = d.BlockReason
			out.Events = append(out.Events, he)
			return out
		}
		out.Events = append(out.Events, he)
	}
	return out
}

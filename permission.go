package conduit

import (
	"context"
	"encoding/json"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// PermissionMode selects how tool calls are approved.
type PermissionMode string

const (
	// PermissionDefault consults the callback when set, else allows.
	PermissionDefault PermissionMode = "default"
	// PermissionPrompt asks the user (via the answerer) when no callback
	// decides.
	PermissionPrompt PermissionMode = "prompt"
	// PermissionBypass allows everything.
	PermissionBypass PermissionMode = "bypass"
	// PermissionDeny denies everything.
	PermissionDeny PermissionMode = "deny"
	// PermissionCallback requires a callback; denies without one.
	PermissionCallback PermissionMode = "callback"
	// PermissionAcceptEdits allows read-like and edit tools without
	// prompting and prompts for the rest.
	PermissionAcceptEdits PermissionMode = "acceptEdits"
)

// PermissionContext is passed to permission callbacks.
type PermissionContext struct {
	SessionID string
	Cwd       string
	AgentName string
}

// PermissionDecision is returned by a permission callback.
type PermissionDecision struct {
	Allow bool
	// UpdatedInput, when set on an allow, replaces the tool input.
	UpdatedInput json.RawMessage
	// Message explains a denial.
	Message string
}

// Allow approves a tool call, optionally rewriting its input.
func Allow(updatedInput json.RawMessage) PermissionDecision {
	return PermissionDecision{Allow: true, UpdatedInput: updatedInput}
}

// Deny rejects a tool call with a message.
func Deny(message string) PermissionDecision {
	return PermissionDecision{Allow: false, Message: message}
}

// PermissionFunc decides a single tool call.
type PermissionFunc func(ctx context.Context, toolName string, input json.RawMessage, pc PermissionContext) PermissionDecision

// UserAnswerer resolves a question to the user's answer. Used by the
// permission gate in prompt mode and by the AskUserQuestion tool.
type UserAnswerer func(ctx context.Context, q *UserQuestion) (string, error)

// Approval is the gate's verdict on one tool call. Question, when set, is
// the user.question the runtime must append before acting on the verdict.
type Approval struct {
	Allowed      bool
	UpdatedInput json.RawMessage
	DenyMessage  string
	Question     *UserQuestion
}

// acceptEditsAllowed is the tool set acceptEdits approves without asking:
// reads, edits, and the runtime-handled tools that carry their own
// confirmation semantics.
var acceptEditsAllowed = map[string]bool{
	"Read": true, "Glob": true, "Grep": true,
	"Edit": true, "Write": true, "NotebookEdit": true,
	"TodoWrite": true, "WebFetch": true, "WebSearch": true,
	"SlashCommand": true, "Skill": true, "AskUserQuestion": true,
}

// PermissionGate approves tool calls before dispatch. The gate never
// invokes tools itself.
type PermissionGate struct {
	Mode     PermissionMode
	Callback PermissionFunc
	// Answerer resolves permission prompts in prompt/acceptEdits mode.
	Answerer UserAnswerer
}

// Approve decides one tool call.
func (g *PermissionGate) Approve(ctx context.Context, toolName string, input json.RawMessage, pc PermissionContext) Approval {
	mode := PermissionDefault
	if g != nil && g.Mode != "" {
		mode = g.Mode
	}

	switch mode {
	case PermissionBypass:
		return Approval{Allowed: true}
	case PermissionDeny:
		return Approval{Allowed: false, DenyMessage: "permission denied by policy"}
	case PermissionCallback:
		if g == nil || g.Callback == nil {
			return Approval{Allowed: false, DenyMessage: "permission callback required but not configured"}
		}
		return g.callbackApproval(ctx, toolName, input, pc)
	case PermissionAcceptEdits:
		if acceptEditsAllowed[toolName] {
			return Approval{Allowed: true}
		}
		return g.promptApproval(ctx, toolName, input)
	case PermissionPrompt:
		if g != nil && g.Callback != nil {
			return g.callbackApproval(ctx, toolName, input, pc)
		}
		return g.promptApproval(ctx, toolName, input)
	default: // PermissionDefault
		if g != nil && g.Callback != nil {
			return g.callbackApproval(ctx, toolName, input, pc)
		}
		return Approval{Allowed: true}
	}
}

func (g *PermissionGate) callbackApproval(ctx context.Context, toolName string, input json.RawMessage, pc PermissionContext) Approval {
	d := g.Callback(ctx, toolName, input, pc)
	if !d.Allow {
		msg := d.Message
		if msg == "" {
			msg = "permission denied"
		}
		return Approval{Allowed: false, DenyMessage: msg}
	}
	return Approval{Allowed: true, UpdatedInput: d.UpdatedInput}
}

// promptApproval asks the user to approve the call. Without an answerer
// the call is denied.
func (g *PermissionGate) promptApproval(ctx context.Context, toolName string, input json.RawMessage) Approval {
	q := &UserQuestion{
		QuestionID: "perm_" + NewSessionID(),
		Prompt:     "Allow tool " + toolName + "(" + renderToolInput(input) + ")?",
		Choices:    []string{"yes", "no"},
	}
	if g == nil || g.Answerer == nil {
		return Approval{Allowed: false, DenyMessage: "no user answerer configured for permission prompt", Question: q}
	}
	answer, err := g.Answerer(ctx, q)
	if err != nil {
		return Approval{Allowed: false, DenyMessage: "permission prompt failed: " + err.Error(), Question: q}
	}
	q.Answer = answer
	if strings.EqualFold(strings.TrimSpace(answer), "yes") || strings.EqualFold(strings.TrimSpace(answer), "y") {
		return Approval{Allowed: true, Question: q}
	}
	return Approval{Allowed: false, DenyMessage: "denied by user", Question: q}
}

// renderToolInput renders tool input compactly for a permission prompt:
// NFKC-normalized to defeat homoglyph padding tricks, whitespace collapsed,
// and truncated.
func renderToolInput(input json.RawMessage) string {
	s := string(input)
	if s == "" {
		s = "{}"
	}
	var compact map[string]any
	if err := json.Unmarshal(input, &compact); err == nil {
		if b, err := json.Marshal(compact); err == nil {
			s = string(b)
		}
	}
	s = norm.NFKC.String(s)
	s = strings.Join(strings.Fields(s), " ")
	const max = 200
	if len(s) > max {
		// Back off to a rune boundary so the cut never splits a UTF-8
		// sequence.
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}

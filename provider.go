package conduit

import (
	"context"
	"encoding/json"
	"strings"
)

// Protocol selects the transcript shape a provider expects.
type Protocol string

const (
	// ProtocolLegacy is the chat-completions shape: the full transcript is
	// resent every call, tool calls ride on assistant messages and tool
	// results come back as tool-role messages.
	ProtocolLegacy Protocol = "legacy"
	// ProtocolResponses is the server-threaded shape: only new items are
	// sent, threaded by PreviousResponseID, with function_call /
	// function_call_output items.
	ProtocolResponses Protocol = "responses"
)

// Item is one transcript entry. A single struct covers both protocol
// shapes: chat turns set Role/Content (plus ToolCalls or ToolCallID on the
// legacy side), function-call items set Type with CallID/Name/Arguments or
// Output. Provider codecs translate items to their wire form.
type Item struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// Legacy shape.
	ToolCalls  []ItemToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`

	// Responses shape: Type is "function_call" or "function_call_output".
	Type      string `json:"type,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

// ItemToolCall is a tool call carried on a legacy assistant item.
type ItemToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// SystemItem returns a system-role chat item.
func SystemItem(content string) Item { return Item{Role: "system", Content: content} }

// UserItem returns a user-role chat item.
func UserItem(content string) Item { return Item{Role: "user", Content: content} }

// AssistantItem returns an assistant-role chat item.
func AssistantItem(content string) Item { return Item{Role: "assistant", Content: content} }

// FunctionCallItem returns a responses-shape function_call item.
func FunctionCallItem(callID, name, arguments string) Item {
	return Item{Type: "function_call", CallID: callID, Name: name, Arguments: arguments}
}

// FunctionCallOutputItem returns a responses-shape function_call_output item.
func FunctionCallOutputItem(callID, output string) Item {
	return Item{Type: "function_call_output", CallID: callID, Output: output}
}

// ToolSchema describes one tool to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request is one model call. Legacy codecs ignore PreviousResponseID and
// Store; responses codecs thread on them.
type Request struct {
	Model              string
	Input              []Item
	Tools              []ToolSchema
	APIKey             string
	PreviousResponseID string
	Store              bool
	Stream             bool
}

// ToolCall is a tool invocation parsed out of a model response.
type ToolCall struct {
	ToolUseID string
	Name      string
	Arguments json.RawMessage
}

// ModelOutput is the parsed result of one model call. ProviderMetadata, when
// set, seeds the metadata persisted in the terminal result.
type ModelOutput struct {
	AssistantText    string
	ToolCalls        []ToolCall
	Usage            *Usage
	ResponseID       string
	ProviderMetadata *ProviderMetadata
}

// Stream event kinds.
const (
	StreamTextDelta = "text_delta"
	StreamToolCall  = "tool_call"
	StreamDone      = "done"
)

// StreamEvent is one increment of a streamed model response. A terminal
// StreamDone event carries the ResponseID and Usage when the provider
// reports them.
type StreamEvent struct {
	Type       string
	Delta      string
	ToolCall   *ToolCall
	ResponseID string
	Usage      *Usage
}

// Provider is a model backend. Implementations translate Request.Input into
// their wire format according to their protocol.
type Provider interface {
	// Name identifies the provider in logs, metadata, and errors.
	Name() string
	// Complete sends one non-streaming model call.
	Complete(ctx context.Context, req Request) (ModelOutput, error)
}

// StreamingProvider is implemented by providers that can stream. Stream
// writes events to ch and closes it before returning; the final accumulated
// state (text, tool calls, response id, usage) arrives as a StreamDone
// event before close.
type StreamingProvider interface {
	Provider
	Stream(ctx context.Context, req Request, ch chan<- StreamEvent) error
}

// ProtocolHinter lets a provider declare its transcript shape. Providers
// without a hint are assumed to speak the responses protocol, which the
// runtime downgrades at the first threading error.
type ProtocolHinter interface {
	Protocol() Protocol
}

// DetectProtocol resolves the protocol for a provider, once per run.
func DetectProtocol(p Provider) Protocol {
	if h, ok := p.(ProtocolHinter); ok {
		if proto := h.Protocol(); proto == ProtocolLegacy || proto == ProtocolResponses {
			return proto
		}
	}
	return ProtocolResponses
}

// isUnsupportedPreviousResponseIDErr reports whether err is the server
// rejecting the previous_response_id parameter outright.
func isUnsupportedPreviousResponseIDErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unsupported parameter") &&
		strings.Contains(msg, "previous_response_id")
}

// isNoToolCallFoundErr reports whether err is the server failing to match a
// function_call_output to a call id, which happens when server-side
// threading lost the originating function_call items.
func isNoToolCallFoundErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no tool call found for function call output") &&
		strings.Contains(msg, "call_id")
}

// looksLikeOnlyFunctionCallOutput reports whether items start with a
// function_call_output that has no preceding function_call, the shape that
// triggers the no-tool-call-found recovery.
func looksLikeOnlyFunctionCallOutput(items []Item) bool {
	for _, it := range items {
		switch it.Type {
		case "function_call":
			return false
		case "function_call_output":
			return true
		}
	}
	return false
}

// prependFunctionCalls inserts synthetic function_call items ahead of the
// orphaned outputs so a full-transcript resend carries matched pairs.
func prependFunctionCalls(items []Item, calls []ToolCall) []Item {
	if len(calls) == 0 {
		return items
	}
	prefix := make([]Item, 0, len(calls))
	for _, tc := range calls {
		args := string(tc.Arguments)
		if args == "" {
			args = "{}"
		}
		prefix = append(prefix, FunctionCallItem(tc.ToolUseID, tc.Name, args))
	}
	out := make([]Item, 0, len(prefix)+len(items))
	out = append(out, prefix...)
	out = append(out, items...)
	return out
}

package openaicompat

import (
	"encoding/json"

	conduit "github.com/nevindra/conduit"
)

// BuildBody converts transcript items and tool schemas into a ChatRequest.
// Responses-shape items (function_call / function_call_output) are mapped
// to their chat-completions equivalents so a transcript rebuilt in either
// shape survives a protocol switch.
func BuildBody(items []conduit.Item, tools []conduit.ToolSchema, model string, opts ...Option) ChatRequest {
	var msgs []Message

	for _, it := range items {
		switch {
		case it.Type == "function_call":
			msgs = append(msgs, Message{
				Role: "assistant",
				ToolCalls: []ToolCallRequest{{
					ID:       it.CallID,
					Type:     "function",
					Function: FunctionCall{Name: it.Name, Arguments: it.Arguments},
				}},
			})

		case it.Type == "function_call_output":
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    it.Output,
				ToolCallID: it.CallID,
			})

		case it.Role == "assistant" && len(it.ToolCalls) > 0:
			var tcs []ToolCallRequest
			for _, tc := range it.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:       tc.ID,
					Type:     "function",
					Function: FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
				})
			}
			msgs = append(msgs, Message{
				Role:      "assistant",
				Content:   it.Content,
				ToolCalls: tcs,
			})

		case it.Role == "tool":
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    it.Content,
				ToolCallID: it.ToolCallID,
			})

		default:
			msgs = append(msgs, Message{Role: it.Role, Content: it.Content})
		}
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}
	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}
	for _, opt := range opts {
		opt(&req)
	}
	return req
}

// BuildToolDefs converts tool schemas to the OpenAI tool format.
func BuildToolDefs(tools []conduit.ToolSchema) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// ParseResponse converts a ChatResponse into a ModelOutput. It extracts
// content, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) conduit.ModelOutput {
	out := conduit.ModelOutput{ResponseID: resp.ID}

	if len(resp.Choices) > 0 && resp.Choices[0].Message != nil {
		msg := resp.Choices[0].Message
		out.AssistantText = msg.Content
		out.ToolCalls = ParseToolCalls(msg.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = &conduit.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	return out
}

// ParseToolCalls converts wire tool call requests to runtime ToolCalls.
// Arguments arrive as a JSON string; invalid JSON degrades to an empty
// object rather than poisoning the dispatch.
func ParseToolCalls(tcs []ToolCallRequest) []conduit.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]conduit.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, conduit.ToolCall{
			ToolUseID: tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out
}

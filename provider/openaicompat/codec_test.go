package openaicompat

import (
	"encoding/json"
	"testing"

	conduit "github.com/nevindra/conduit"
)

func TestBuildBodyChatShapes(t *testing.T) {
	items := []conduit.Item{
		conduit.SystemItem("be brief"),
		conduit.UserItem("run ls"),
		{Role: "assistant", Content: "running", ToolCalls: []conduit.ItemToolCall{
			{ID: "call_1", Name: "Bash", Arguments: `{"command":"ls"}`},
		}},
		{Role: "tool", ToolCallID: "call_1", Content: `{"output":"a.txt"}`},
	}
	body := BuildBody(items, nil, "gpt-4o")

	if body.Model != "gpt-4o" || len(body.Messages) != 4 {
		t.Fatalf("body = %+v", body)
	}
	asst := body.Messages[2]
	if asst.Role != "assistant" || len(asst.ToolCalls) != 1 || asst.ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant message = %+v", asst)
	}
	if asst.ToolCalls[0].Type != "function" || asst.ToolCalls[0].Function.Name != "Bash" {
		t.Errorf("tool call = %+v", asst.ToolCalls[0])
	}
	tool := body.Messages[3]
	if tool.Role != "tool" || tool.ToolCallID != "call_1" || tool.Content != `{"output":"a.txt"}` {
		t.Errorf("tool message = %+v", tool)
	}
}

func TestBuildBodyResponsesShapeItems(t *testing.T) {
	// A transcript rebuilt in the responses shape must survive the protocol
	// switch to chat completions.
	items := []conduit.Item{
		conduit.UserItem("run ls"),
		conduit.FunctionCallItem("call_1", "Bash", `{"command":"ls"}`),
		conduit.FunctionCallOutputItem("call_1", `{"output":"a.txt"}`),
	}
	body := BuildBody(items, nil, "gpt-4o")
	if len(body.Messages) != 3 {
		t.Fatalf("messages = %+v", body.Messages)
	}
	fc := body.Messages[1]
	if fc.Role != "assistant" || len(fc.ToolCalls) != 1 || fc.ToolCalls[0].Function.Arguments != `{"command":"ls"}` {
		t.Errorf("function_call mapped to %+v", fc)
	}
	out := body.Messages[2]
	if out.Role != "tool" || out.ToolCallID != "call_1" || out.Content != `{"output":"a.txt"}` {
		t.Errorf("function_call_output mapped to %+v", out)
	}
}

func TestBuildBodyToolsAndOptions(t *testing.T) {
	tools := []conduit.ToolSchema{
		{Name: "Read", Description: "read a file", Parameters: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`)},
		{Name: "Noop"},
	}
	body := BuildBody(nil, tools, "gpt-4o", WithTemperature(0.2), WithMaxTokens(256))

	if len(body.Tools) != 2 || body.Tools[0].Type != "function" || body.Tools[0].Function.Name != "Read" {
		t.Errorf("tools = %+v", body.Tools)
	}
	if string(body.Tools[1].Function.Parameters) != `{"type":"object"}` {
		t.Errorf("empty parameters not defaulted: %s", body.Tools[1].Function.Parameters)
	}
	if body.Temperature == nil || *body.Temperature != 0.2 || body.MaxTokens != 256 {
		t.Errorf("options not applied: %+v", body)
	}
}

func TestParseResponse(t *testing.T) {
	resp := ChatResponse{
		ID: "chatcmpl-1",
		Choices: []Choice{{
			Message: &ChoiceMessage{
				Content: "done",
				ToolCalls: []ToolCallRequest{{
					ID: "call_1", Type: "function",
					Function: FunctionCall{Name: "Bash", Arguments: `{"command":"ls"}`},
				}},
			},
		}},
		Usage: &Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	out := ParseResponse(resp)
	if out.ResponseID != "chatcmpl-1" || out.AssistantText != "done" {
		t.Errorf("out = %+v", out)
	}
	if len(out.ToolCalls) != 1 || out.ToolCalls[0].ToolUseID != "call_1" || out.ToolCalls[0].Name != "Bash" {
		t.Errorf("tool calls = %+v", out.ToolCalls)
	}
	if out.Usage == nil || out.Usage.InputTokens != 10 || out.Usage.OutputTokens != 5 || out.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestParseResponseEmptyChoices(t *testing.T) {
	out := ParseResponse(ChatResponse{ID: "chatcmpl-2"})
	if out.AssistantText != "" || out.ToolCalls != nil || out.Usage != nil {
		t.Errorf("out = %+v, want empty", out)
	}
}

func TestParseToolCallsInvalidArguments(t *testing.T) {
	calls := ParseToolCalls([]ToolCallRequest{{
		ID: "call_1", Function: FunctionCall{Name: "Bash", Arguments: `{broken`},
	}})
	if len(calls) != 1 || string(calls[0].Arguments) != `{}` {
		t.Errorf("calls = %+v, want arguments degraded to {}", calls)
	}
	if ParseToolCalls(nil) != nil {
		t.Error("nil in, nil out")
	}
}

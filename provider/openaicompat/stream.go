package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	conduit "github.com/nevindra/conduit"
)

// StreamSSE reads an SSE stream from body, sends text-delta events to ch,
// and finishes with the accumulated tool calls and a done event carrying
// the response id and usage. The channel is closed when streaming
// completes; the context cancels channel sends when the consumer is gone.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- conduit.StreamEvent) error {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var responseID string
	var usage *conduit.Usage

	// Tool calls stream incrementally: each chunk has an index, and
	// arguments arrive as string fragments.
	type partialToolCall struct {
		ID   string
		Name string
		Args strings.Builder
	}
	var toolCalls []partialToolCall

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.ID != "" {
			responseID = chunk.ID
		}
		if chunk.Usage != nil {
			usage = &conduit.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			// Usage-only chunk (some providers send this).
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			select {
			case ch <- conduit.StreamEvent{Type: conduit.StreamTextDelta, Delta: delta.Content}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, partialToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args.WriteString(tc.Function.Arguments)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	for _, tc := range toolCalls {
		args := json.RawMessage(tc.Args.String())
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		ev := conduit.StreamEvent{
			Type:     conduit.StreamToolCall,
			ToolCall: &conduit.ToolCall{ToolUseID: tc.ID, Name: tc.Name, Arguments: args},
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := conduit.StreamEvent{Type: conduit.StreamDone, ResponseID: responseID, Usage: usage}
	select {
	case ch <- done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

package responses

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	conduit "github.com/nevindra/conduit"
)

// StreamSSE reads a responses-API SSE stream, sending text deltas as they
// arrive, completed function calls as tool_call events, and a final done
// event with the response id and usage from response.completed. The
// channel is closed when streaming completes.
//
// Each SSE data payload carries its own "type" discriminator, so event:
// lines are not needed for routing.
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- conduit.StreamEvent) error {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	send := func(ev conduit.StreamEvent) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var responseID string
	var usage *conduit.Usage

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		switch chunk.Type {
		case "response.output_text.delta":
			if chunk.Delta == "" {
				continue
			}
			if err := send(conduit.StreamEvent{Type: conduit.StreamTextDelta, Delta: chunk.Delta}); err != nil {
				return err
			}

		case "response.output_item.done":
			if chunk.Item == nil || chunk.Item.Type != "function_call" {
				continue
			}
			args := json.RawMessage(chunk.Item.Arguments)
			if !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			ev := conduit.StreamEvent{
				Type: conduit.StreamToolCall,
				ToolCall: &conduit.ToolCall{
					ToolUseID: chunk.Item.CallID,
					Name:      chunk.Item.Name,
					Arguments: args,
				},
			}
			if err := send(ev); err != nil {
				return err
			}

		case "response.completed":
			if chunk.Response == nil {
				continue
			}
			responseID = chunk.Response.ID
			if chunk.Response.Usage != nil {
				usage = &conduit.Usage{
					InputTokens:  chunk.Response.Usage.InputTokens,
					OutputTokens: chunk.Response.Usage.OutputTokens,
					TotalTokens:  chunk.Response.Usage.TotalTokens,
				}
			}

		case "response.failed", "error":
			// Surfaced through the final response body on retry; stop here.
			if chunk.Response != nil && chunk.Response.Error != nil {
				return &conduit.ErrProvider{Provider: "openai", Kind: "api", Message: chunk.Response.Error.Message}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	return send(conduit.StreamEvent{Type: conduit.StreamDone, ResponseID: responseID, Usage: usage})
}

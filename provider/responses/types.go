// Package responses implements the server-threaded responses protocol:
// only new items are sent each call, chained by previous_response_id, with
// function_call / function_call_output items instead of tool-role
// messages.
package responses

import "encoding/json"

// --- Request types ---

// APIRequest is the responses API request body.
type APIRequest struct {
	Model              string      `json:"model"`
	Input              []InputItem `json:"input"`
	Tools              []Tool      `json:"tools,omitempty"`
	PreviousResponseID string      `json:"previous_response_id,omitempty"`
	Store              *bool       `json:"store,omitempty"`
	Stream             bool        `json:"stream,omitempty"`
	Temperature        *float64    `json:"temperature,omitempty"`
	MaxOutputTokens    int         `json:"max_output_tokens,omitempty"`
}

// InputItem is one entry of the input array: a chat message (Role set) or
// a function call item (Type set).
type InputItem struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	Type      string `json:"type,omitempty"` // "function_call" | "function_call_output"
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

// Tool is a function tool definition. Unlike the chat completions format
// the function fields sit directly on the tool object.
type Tool struct {
	Type        string          `json:"type"` // always "function"
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// --- Response types ---

// APIResponse is the responses API response body.
type APIResponse struct {
	ID     string       `json:"id"`
	Status string       `json:"status,omitempty"`
	Output []OutputItem `json:"output"`
	Usage  *Usage       `json:"usage,omitempty"`
	Error  *APIError    `json:"error,omitempty"`
}

// OutputItem is one entry of the output array.
type OutputItem struct {
	Type    string        `json:"type"` // "message" | "function_call"
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ContentPart is one part of a message output item.
type ContentPart struct {
	Type string `json:"type"` // "output_text" | "refusal"
	Text string `json:"text,omitempty"`
}

// Usage contains token accounting.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// APIError is an error object embedded in a response body.
type APIError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// --- Streaming types ---

// StreamChunk is one SSE data payload. Type discriminates the event; the
// other fields are populated per type.
type StreamChunk struct {
	Type     string       `json:"type"`
	Delta    string       `json:"delta,omitempty"`
	Item     *OutputItem  `json:"item,omitempty"`
	Response *APIResponse `json:"response,omitempty"`
}

package responses

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	conduit "github.com/nevindra/conduit"
)

// Provider speaks the OpenAI responses API. It declares the responses
// protocol: the runtime threads calls with previous_response_id and only
// sends new items, falling back to full transcripts when the server
// rejects threading.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	logger  *slog.Logger
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithName overrides the provider name reported in events and errors.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// New creates a responses-protocol provider. baseURL is the API base
// (e.g. "https://api.openai.com/v1"); the /responses path is appended.
func New(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai").
func (p *Provider) Name() string { return p.name }

// Protocol declares the server-threaded responses transcript shape.
func (p *Provider) Protocol() conduit.Protocol { return conduit.ProtocolResponses }

// Complete sends one non-streaming model call.
func (p *Provider) Complete(ctx context.Context, req conduit.Request) (conduit.ModelOutput, error) {
	resp, err := p.sendHTTP(ctx, req, false)
	if err != nil {
		return conduit.ModelOutput{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return conduit.ModelOutput{}, p.httpErr(resp)
	}

	var apiResp APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return conduit.ModelOutput{}, &conduit.ErrProvider{
			Provider: p.name, Kind: "decode", Message: fmt.Sprintf("decode response: %v", err),
		}
	}
	if apiResp.Error != nil {
		return conduit.ModelOutput{}, &conduit.ErrProvider{
			Provider: p.name, Kind: "api", Message: apiResp.Error.Message,
		}
	}
	return parseResponse(apiResp), nil
}

// Stream sends one streaming model call, writing events to ch. The stream
// reader closes ch when the stream ends.
func (p *Provider) Stream(ctx context.Context, req conduit.Request, ch chan<- conduit.StreamEvent) error {
	resp, err := p.sendHTTP(ctx, req, true)
	if err != nil {
		close(ch)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return p.httpErr(resp)
	}

	return StreamSSE(ctx, resp.Body, ch)
}

// buildBody converts a runtime request to the wire body. Legacy-shape
// items (tool role, assistant tool_calls) are translated so transcripts
// rebuilt in either shape survive a protocol switch.
func buildBody(req conduit.Request, model string, stream bool) APIRequest {
	var input []InputItem
	for _, it := range req.Input {
		switch {
		case it.Type != "":
			input = append(input, InputItem{
				Type:      it.Type,
				CallID:    it.CallID,
				Name:      it.Name,
				Arguments: it.Arguments,
				Output:    it.Output,
			})
		case it.Role == "assistant" && len(it.ToolCalls) > 0:
			if it.Content != "" {
				input = append(input, InputItem{Role: "assistant", Content: it.Content})
			}
			for _, tc := range it.ToolCalls {
				input = append(input, InputItem{
					Type: "function_call", CallID: tc.ID, Name: tc.Name, Arguments: tc.Arguments,
				})
			}
		case it.Role == "tool":
			input = append(input, InputItem{
				Type: "function_call_output", CallID: it.ToolCallID, Output: it.Content,
			})
		default:
			input = append(input, InputItem{Role: it.Role, Content: it.Content})
		}
	}

	body := APIRequest{
		Model:              model,
		Input:              input,
		PreviousResponseID: req.PreviousResponseID,
		Stream:             stream,
	}
	if req.Store {
		store := true
		body.Store = &store
	}
	for _, t := range req.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		body.Tools = append(body.Tools, Tool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return body
}

// parseResponse flattens the output array into a ModelOutput: message
// items contribute text, function_call items become tool calls.
func parseResponse(resp APIResponse) conduit.ModelOutput {
	out := conduit.ModelOutput{ResponseID: resp.ID}

	var text strings.Builder
	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" {
					text.WriteString(part.Text)
				}
			}
		case "function_call":
			args := json.RawMessage(item.Arguments)
			if !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, conduit.ToolCall{
				ToolUseID: item.CallID,
				Name:      item.Name,
				Arguments: args,
			})
		}
	}
	out.AssistantText = text.String()

	if resp.Usage != nil {
		out.Usage = &conduit.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	return out
}

func (p *Provider) resolveModel(req conduit.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

func (p *Provider) sendHTTP(ctx context.Context, req conduit.Request, stream bool) (*http.Response, error) {
	body := buildBody(req, p.resolveModel(req), stream)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &conduit.ErrProvider{
			Provider: p.name, Kind: "encode", Message: fmt.Sprintf("marshal request: %v", err),
		}
	}

	url := p.baseURL + "/responses"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &conduit.ErrProvider{
			Provider: p.name, Kind: "request", Message: fmt.Sprintf("create request: %v", err),
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	key := req.APIKey
	if key == "" {
		key = p.apiKey
	}
	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	return p.client.Do(httpReq)
}

// httpErr surfaces the server error body; the runtime's threading
// recovery matches on its text.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &conduit.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
}

var (
	_ conduit.Provider          = (*Provider)(nil)
	_ conduit.StreamingProvider = (*Provider)(nil)
	_ conduit.ProtocolHinter    = (*Provider)(nil)
)

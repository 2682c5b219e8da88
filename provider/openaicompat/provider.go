package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	conduit "github.com/nevindra/conduit"
)

// Provider speaks the chat completions API for any OpenAI-compatible
// backend. It declares the legacy protocol, so the runtime resends the
// full transcript each call and never attempts server-side threading.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
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

// WithOptions sets request options applied to every call.
func WithOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = opts }
}

// WithLogger sets the logger. Defaults to a discard logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// New creates a chat-completions provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1"). The
// /chat/completions path is appended automatically.
func New(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai-compat",
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai-compat").
func (p *Provider) Name() string { return p.name }

// Protocol declares the legacy chat-completions transcript shape.
func (p *Provider) Protocol() conduit.Protocol { return conduit.ProtocolLegacy }

// Complete sends one non-streaming model call.
func (p *Provider) Complete(ctx context.Context, req conduit.Request) (conduit.ModelOutput, error) {
	body := BuildBody(req.Input, req.Tools, p.resolveModel(req), p.opts...)

	resp, err := p.sendHTTP(ctx, req, body)
	if err != nil {
		return conduit.ModelOutput{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return conduit.ModelOutput{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return conduit.ModelOutput{}, &conduit.ErrProvider{
			Provider: p.name, Kind: "decode", Message: fmt.Sprintf("decode response: %v", err),
		}
	}
	return ParseResponse(chatResp), nil
}

// Stream sends one streaming model call, writing events to ch. StreamSSE
// closes ch when the stream ends.
func (p *Provider) Stream(ctx context.Context, req conduit.Request, ch chan<- conduit.StreamEvent) error {
	body := BuildBody(req.Input, req.Tools, p.resolveModel(req), p.opts...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, req, body)
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

func (p *Provider) resolveModel(req conduit.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

// sendHTTP marshals the body and posts it to the chat completions
// endpoint. A per-request API key overrides the provider's.
func (p *Provider) sendHTTP(ctx context.Context, req conduit.Request, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &conduit.ErrProvider{
			Provider: p.name, Kind: "encode", Message: fmt.Sprintf("marshal request: %v", err),
		}
	}

	url := p.baseURL + "/chat/completions"
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

// httpErr reads the response body into an ErrHTTP so callers can inspect
// the status and server message.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &conduit.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
}

var (
	_ conduit.Provider          = (*Provider)(nil)
	_ conduit.StreamingProvider = (*Provider)(nil)
	_ conduit.ProtocolHinter    = (*Provider)(nil)
)

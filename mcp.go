package conduit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// MCPServerConfig describes one MCP server. Exactly one of Tools (an
// in-process SDK server) or Command (a local stdio server) should be set.
type MCPServerConfig struct {
	// Tools registers in-process tools under this server's namespace.
	Tools []Tool
	// Command launches a stdio JSON-RPC server process.
	Command []string
	Env     map[string]string
}

// mcpToolName namespaces a server tool: mcp__<server>__<tool>.
func mcpToolName(server, tool string) string {
	return "mcp__" + server + "__" + tool
}

// registerMCPServers registers all configured MCP servers' tools into the
// registry, idempotently, and returns a cleanup closing any stdio clients
// it started.
func registerMCPServers(ctx context.Context, servers map[string]MCPServerConfig, registry *ToolRegistry, logger *slog.Logger) (func(), error) {
	var clients []*mcpStdioClient
	cleanup := func() {
		for _, c := range clients {
			c.Close()
		}
	}

	for key, cfg := range servers {
		for _, t := range cfg.Tools {
			wrapped := &namespacedTool{server: key, inner: t}
			if _, exists := registry.Get(wrapped.Name()); exists {
				continue
			}
			registry.Register(wrapped)
		}

		if len(cfg.Command) == 0 {
			continue
		}
		client, err := startMCPStdioClient(ctx, cfg.Command, cfg.Env, logger)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("mcp server %s: %w", key, err)
		}
		clients = append(clients, client)

		tools, err := client.ListTools(ctx)
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("mcp server %s: list tools: %w", key, err)
		}
		for _, rt := range tools {
			name := mcpToolName(key, rt.Name)
			if _, exists := registry.Get(name); exists {
				continue
			}
			registry.Register(&mcpRemoteTool{
				name:        name,
				remoteName:  rt.Name,
				description: rt.Description,
				schema:      rt.InputSchema,
				client:      client,
			})
		}
	}
	return cleanup, nil
}

// namespacedTool exposes an SDK-server tool under its server namespace.
type namespacedTool struct {
	server string
	inner  Tool
}

func (t *namespacedTool) Name() string            { return mcpToolName(t.server, t.inner.Name()) }
func (t *namespacedTool) Description() string     { return t.inner.Description() }
func (t *namespacedTool) Schema() json.RawMessage { return t.inner.Schema() }
func (t *namespacedTool) Run(ctx context.Context, input json.RawMessage, tc ToolContext) (any, error) {
	return t.inner.Run(ctx, input, tc)
}

// mcpRemoteToolInfo is a tool advertised by a stdio server.
type mcpRemoteToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// mcpRemoteTool proxies calls to a stdio server.
type mcpRemoteTool struct {
	name        string
	remoteName  string
	description string
	schema      json.RawMessage
	client      *mcpStdioClient
}

func (t *mcpRemoteTool) Name() string        { return t.name }
func (t *mcpRemoteTool) Description() string { return t.description }
func (t *mcpRemoteTool) Schema() json.RawMessage {
	if t.schema == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return t.schema
}

func (t *mcpRemoteTool) Run(ctx context.Context, input json.RawMessage, _ ToolContext) (any, error) {
	return t.client.CallTool(ctx, t.remoteName, input)
}

// mcpStdioClient speaks newline-delimited JSON-RPC 2.0 over a child
// process's stdin/stdout.
type mcpStdioClient struct {
	cmd    *exec.Cmd
	stdin  *json.Encoder
	stdout *bufio.Scanner
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("mcp rpc error %d: %s", e.Code, e.Message)
}

func startMCPStdioClient(ctx context.Context, command []string, env map[string]string, logger *slog.Logger) (*mcpStdioClient, error) {
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command[0], err)
	}

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	c := &mcpStdioClient{
		cmd:    cmd,
		stdin:  json.NewEncoder(stdin),
		stdout: sc,
		logger: logger,
	}
	if _, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]any{"name": "conduit", "version": Version},
		"capabilities":    map[string]any{},
	}); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return c, nil
}

func (c *mcpStdioClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID, Method: method, Params: params}
	if err := c.stdin.Encode(req); err != nil {
		return nil, fmt.Errorf("mcp write: %w", err)
	}

	// Read lines until our response id arrives; servers may interleave
	// notifications (no id) which we skip.
	for c.stdout.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := strings.TrimSpace(c.stdout.Text())
		if line == "" {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			c.logger.Debug("mcp: skipping malformed line", "error", err)
			continue
		}
		if resp.ID != c.nextID {
			continue
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
	if err := c.stdout.Err(); err != nil {
		return nil, fmt.Errorf("mcp read: %w", err)
	}
	return nil, fmt.Errorf("mcp server closed the stream during %s", method)
}

// ListTools fetches the server's advertised tools.
func (c *mcpStdioClient) ListTools(ctx context.Context) ([]mcpRemoteToolInfo, error) {
	raw, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var result struct {
		Tools []mcpRemoteToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ErrDecode{What: "mcp tools/list result", Cause: err}
	}
	return result.Tools, nil
}

// CallTool invokes a remote tool and returns its content.
func (c *mcpStdioClient) CallTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	params := map[string]any{"name": name}
	if len(args) > 0 {
		var decoded any
		if err := json.Unmarshal(args, &decoded); err == nil {
			params["arguments"] = decoded
		}
	}
	raw, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ErrDecode{What: "mcp tools/call result", Cause: err}
	}
	var texts []string
	for _, part := range result.Content {
		if part.Text != "" {
			texts = append(texts, part.Text)
		}
	}
	text := strings.Join(texts, "\n")
	if result.IsError {
		return nil, fmt.Errorf("mcp tool %s: %s", name, text)
	}
	return map[string]any{"content": text}, nil
}

// Close terminates the server process.
func (c *mcpStdioClient) Close() {
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
}

// Package conduit is an agent runtime SDK for building tool-calling LLM
// agents in Go.
//
// It provides an event-sourced agent loop: every user message, model reply,
// tool call, and permission decision is appended to a session log, and the
// model's context window is rebuilt from that log on every step. Sessions
// can be resumed, forked, checkpointed, and rolled back.
//
// # Quick Start
//
// Create a runtime with a provider and run a prompt:
//
//	provider := openaicompat.New(apiKey, "gpt-4o", "https://api.openai.com/v1")
//
//	registry := conduit.NewToolRegistry(file.Tools()...)
//	registry.Register(shell.BashTool())
//
//	rt := conduit.New(
//		conduit.WithProvider(provider),
//		conduit.WithSystemPrompt("You are a helpful coding agent."),
//		conduit.WithTools(registry),
//		conduit.WithSessionRoot(".conduit"),
//	)
//
//	result, err := rt.Run(ctx, "List the Go files in this repo.")
//
// Use [Runtime.RunStream] with a channel to observe events as they happen,
// and [WithResume] to continue an existing session.
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend (complete, optional streaming, protocol hint)
//   - [SessionStore] — append-only event persistence with fork/checkpoint/undo
//   - [Tool] — pluggable capability exposed to the model
//   - [HookEngine] — lifecycle interception (rewrite or block at eight points)
//   - [PermissionGate] — tool approval (bypass, deny, callback, interactive)
//   - [Tracer] — span instrumentation seam, implemented by observer
//
// # Included Implementations
//
// Providers: provider/openaicompat (chat-completions APIs), provider/responses
// (responses APIs with server-side threading), provider/resolve (name lookup).
// Storage: store/file (JSONL), store/sqlite (local), store/postgres (shared).
// Tools: tools/file, tools/shell, tools/web, tools/todo.
// Observability: observer (OpenTelemetry traces, metrics, and cost tracking).
package conduit

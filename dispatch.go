package conduit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// runToolCall executes one tool call through the full pipeline: PreToolUse
// hooks, permission gate, tool.use, execution, PostToolUse hooks,
// tool.result. Every tool.use gets exactly one tool.result; tool failures
// become error results, never loop errors. The returned error is
// store-fatal only.
func (s *runState) runToolCall(ctx context.Context, tc ToolCall) (*ToolResult, error) {
	o := s.o
	tctx, span := startSpan(ctx, o.Tracer, "conduit.tool_call",
		StringAttr("tool", tc.Name), StringAttr("tool_use_id", tc.ToolUseID))
	defer span.End()

	input := tc.Arguments
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}

	// A registered tool the model calls despite not being allowed gets an
	// error result without executing.
	if !toolAllowed(o.AllowedTools, tc.Name) {
		if err := s.emit(tctx, &ToolUse{ToolUseID: tc.ToolUseID, Name: tc.Name, Input: input}); err != nil {
			return nil, err
		}
		return s.emitToolError(tctx, tc, "ToolNotAllowed", fmt.Sprintf("tool %q is not allowed in this run", tc.Name))
	}

	pre, err := s.runHooks(tctx, HookPreToolUse, tc.Name, HookPayload{
		SessionID: s.sessionID, ToolName: tc.Name, ToolInput: input,
	})
	if err != nil {
		return nil, err
	}
	if pre.ToolInput != nil {
		input = pre.ToolInput
	}
	if pre.Blocked {
		if err := s.emit(tctx, &ToolUse{ToolUseID: tc.ToolUseID, Name: tc.Name, Input: input}); err != nil {
			return nil, err
		}
		return s.emitToolError(tctx, tc, "HookBlocked", orDefault(pre.BlockReason, "blocked by hook"))
	}

	approval := o.Gate.Approve(tctx, tc.Name, input, PermissionContext{
		SessionID: s.sessionID, Cwd: o.Cwd, AgentName: s.r.agentName,
	})
	if approval.Question != nil {
		if err := s.emit(tctx, approval.Question); err != nil {
			return nil, err
		}
	}
	if !approval.Allowed {
		if err := s.emit(tctx, &ToolUse{ToolUseID: tc.ToolUseID, Name: tc.Name, Input: input}); err != nil {
			return nil, err
		}
		return s.emitToolError(tctx, tc, "PermissionDenied", approval.DenyMessage)
	}
	if approval.UpdatedInput != nil {
		input = approval.UpdatedInput
	}

	if err := s.emit(tctx, &ToolUse{ToolUseID: tc.ToolUseID, Name: tc.Name, Input: input}); err != nil {
		return nil, err
	}

	output, runErr := s.execTool(tctx, tc, input)
	if runErr != nil {
		if fatal, ok := runErr.(*fatalRunError); ok {
			return nil, fatal.err
		}
		span.Error(runErr)
		return s.emitToolError(tctx, tc, toolErrorType(runErr), runErr.Error())
	}

	post, err := s.runHooks(tctx, HookPostToolUse, tc.Name, HookPayload{
		SessionID: s.sessionID, ToolName: tc.Name, ToolInput: input, Output: output,
	})
	if err != nil {
		return nil, err
	}
	if post.ToolOutput != nil {
		output = post.ToolOutput
	}

	result := &ToolResult{ToolUseID: tc.ToolUseID, Output: marshalOutput(output)}
	if err := s.emit(tctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// fatalRunError escapes execTool for store failures only.
type fatalRunError struct{ err error }

func (e *fatalRunError) Error() string { return e.err.Error() }

func (s *runState) emitToolError(ctx context.Context, tc ToolCall, errorType, message string) (*ToolResult, error) {
	result := &ToolResult{
		ToolUseID:    tc.ToolUseID,
		Output:       marshalOutput(map[string]any{"error": message}),
		IsError:      true,
		ErrorType:    errorType,
		ErrorMessage: message,
	}
	if err := s.emit(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func toolErrorType(err error) string {
	switch err.(type) {
	case *ErrProvider:
		return "ProviderError"
	case *ErrHTTP:
		return "HTTPError"
	default:
		return "ToolError"
	}
}

// execTool runs the named tool, routing the runtime-handled names to their
// handlers and everything else to the registry.
func (s *runState) execTool(ctx context.Context, tc ToolCall, input json.RawMessage) (any, error) {
	switch tc.Name {
	case ToolAskUserQuestion:
		return s.handleAskUserQuestion(ctx, tc, input)
	case ToolTask:
		return s.handleTask(ctx, tc, input)
	case ToolSlashCommand:
		return s.handleSlashCommand(ctx, input)
	case ToolWebFetch:
		return s.handleWebFetch(ctx, input)
	case ToolTodoWrite:
		return s.handleTodoWrite(ctx, input)
	case ToolSkill:
		return s.handleSkill(ctx, input)
	}

	tool, ok := s.o.Registry.Get(tc.Name)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", tc.Name)
	}
	return tool.Run(ctx, input, ToolContext{Cwd: s.o.Cwd, ProjectDir: s.o.projectDirOrCwd()})
}

// askQuestion is one normalized question from an AskUserQuestion input.
type askQuestion struct {
	Question string
	Options  []string
}

// normalizeQuestions accepts both the single-question shape
// {question, options} and the batched {questions:[...]} shape, where each
// option may be a plain string or an object with a label.
func normalizeQuestions(input json.RawMessage) []askQuestion {
	var raw struct {
		Question  string            `json:"question"`
		Options   []json.RawMessage `json:"options"`
		Questions []struct {
			Question string            `json:"question"`
			Options  []json.RawMessage `json:"options"`
			Choices  []json.RawMessage `json:"choices"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(input, &raw); err != nil {
		return nil
	}

	var out []askQuestion
	if raw.Question != "" {
		out = append(out, askQuestion{Question: raw.Question, Options: optionLabels(raw.Options)})
	}
	for _, q := range raw.Questions {
		opts := q.Options
		if len(opts) == 0 {
			opts = q.Choices
		}
		if q.Question != "" {
			out = append(out, askQuestion{Question: q.Question, Options: optionLabels(opts)})
		}
	}
	return out
}

// optionLabels extracts choice labels: strings pass through, objects yield
// their label (or name) field.
func optionLabels(raw []json.RawMessage) []string {
	var out []string
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			Label string `json:"label"`
			Name  string `json:"name"`
		}
		if err := json.Unmarshal(r, &obj); err == nil {
			if obj.Label != "" {
				out = append(out, obj.Label)
			} else if obj.Name != "" {
				out = append(out, obj.Name)
			}
		}
	}
	return out
}

func (s *runState) handleAskUserQuestion(ctx context.Context, tc ToolCall, input json.RawMessage) (any, error) {
	questions := normalizeQuestions(input)
	if len(questions) == 0 {
		return nil, fmt.Errorf("AskUserQuestion: no questions in input")
	}

	var answerer UserAnswerer
	if s.o.Gate != nil {
		answerer = s.o.Gate.Answerer
	}
	if answerer == nil {
		return nil, fmt.Errorf("AskUserQuestion: no user answerer configured")
	}

	asked := make([]string, 0, len(questions))
	answers := make(map[string]string, len(questions))
	for i, q := range questions {
		choices := q.Options
		if len(choices) == 0 {
			choices = []string{"ok"}
		}
		ev := &UserQuestion{
			QuestionID: fmt.Sprintf("%s:%d", tc.ToolUseID, i),
			Prompt:     q.Question,
			Choices:    choices,
		}
		// The question is logged before the answerer blocks, so an
		// interrupted run still records what was pending.
		if err := s.emit(ctx, ev); err != nil {
			return nil, &fatalRunError{err: err}
		}
		answer, err := answerer(ctx, ev)
		if err != nil {
			return nil, fmt.Errorf("AskUserQuestion: %w", err)
		}
		ev.Answer = answer
		asked = append(asked, q.Question)
		answers[q.Question] = answer
	}
	return map[string]any{"questions": asked, "answers": answers}, nil
}

func (s *runState) handleTask(ctx context.Context, tc ToolCall, input json.RawMessage) (any, error) {
	var req struct {
		Agent  string `json:"agent"`
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, &ErrDecode{What: "Task input", Cause: err}
	}
	def, ok := s.o.Agents[req.Agent]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", req.Agent)
	}

	child := s.o
	child.Resume = ""
	child.Agents = nil // no recursive delegation
	child.MCPServers = nil
	child.Store = s.store
	child.sessionMeta = map[string]any{
		"parent_session_id":  s.sessionID,
		"parent_tool_use_id": tc.ToolUseID,
		"agent_name":         req.Agent,
	}
	if def.Provider != nil {
		child.Provider = def.Provider
	}
	if def.Model != "" {
		child.Model = def.Model
	}
	if def.MaxSteps > 0 {
		child.MaxSteps = def.MaxSteps
	}
	if def.Tools != nil {
		child.AllowedTools = def.Tools
	}

	prompt := req.Prompt
	if def.Prompt != "" {
		prompt = def.Prompt + "\n\n" + req.Prompt
	}

	rt := newChildRuntime(child, req.Agent, tc.ToolUseID)

	// Child events stream to the parent channel and are replayed into the
	// parent log, re-sequenced there with their subagent attribution. The
	// child log keeps its own copies.
	childCh := make(chan Event, 64)
	done := make(chan struct{})
	var res RunResult
	var runErr error
	go func() {
		defer close(done)
		res, runErr = rt.RunStream(ctx, prompt, childCh)
	}()
	var replayErr error
	for ev := range childCh {
		if replayErr != nil {
			continue // drain so the child can finish
		}
		clone, err := cloneEvent(ev)
		if err != nil {
			s.o.Logger.Warn("task: dropping unreplayable child event", "type", ev.EventType(), "error", err)
			continue
		}
		replayErr = s.forward(ctx, clone)
	}
	<-done

	if replayErr != nil {
		return nil, &fatalRunError{err: replayErr}
	}
	if runErr != nil {
		return nil, fmt.Errorf("agent %s: %w", req.Agent, runErr)
	}
	return map[string]any{
		"child_session_id": res.SessionID,
		"final_text":       res.FinalText,
	}, nil
}

// cloneEvent deep-copies an event through its wire encoding, so a replayed
// copy can be re-stamped without touching the original's envelope.
func cloneEvent(e Event) (Event, error) {
	raw, err := EncodeEvent(e)
	if err != nil {
		return nil, err
	}
	return DecodeEvent(raw)
}

var fileRefRe = regexp.MustCompile(`@([A-Za-z0-9_./\-]+)`)

func (s *runState) handleSlashCommand(ctx context.Context, input json.RawMessage) (any, error) {
	var req struct {
		Name string `json:"name"`
		Args string `json:"args"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, &ErrDecode{What: "SlashCommand input", Cause: err}
	}
	req.Name = strings.TrimPrefix(strings.TrimSpace(req.Name), "/")

	tpl, ok := LoadCommandTemplate(req.Name, s.o.projectDirOrCwd(), s.o.Commands)
	if !ok {
		return nil, fmt.Errorf("unknown command %q", req.Name)
	}

	content := ExpandCommandArgs(tpl.Content, req.Args)
	content = s.expandShellLines(ctx, content)
	content, refSources := s.expandFileRefs(ctx, content)
	sources := append([]string{tpl.Source}, refSources...)

	return map[string]any{
		"name":    req.Name,
		"args":    req.Args,
		"sources": sources,
		"content": content,
	}, nil
}

// expandShellLines replaces lines of the form "!command" with the command's
// output, executed through the Bash tool. Expansion requires Bash to be
// registered, allowed for this run, and approved by the permission gate;
// denied lines stay as written.
func (s *runState) expandShellLines(ctx context.Context, text string) string {
	bash, ok := s.o.Registry.Get("Bash")
	if !ok || !toolAllowed(s.o.AllowedTools, "Bash") {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "!") || len(trimmed) < 2 {
			continue
		}
		cmd := strings.TrimSpace(trimmed[1:])
		in, _ := json.Marshal(map[string]string{"command": cmd})
		in, ok := s.approveExpansion(ctx, "Bash", in)
		if !ok {
			continue
		}
		out, err := bash.Run(ctx, in, ToolContext{Cwd: s.o.Cwd, ProjectDir: s.o.projectDirOrCwd()})
		if err != nil {
			lines[i] = fmt.Sprintf("[command failed: %s]", err)
			continue
		}
		lines[i] = extractStringField(out, "output")
	}
	return strings.Join(lines, "\n")
}

// expandFileRefs substitutes each @path reference with the file's content
// in place, read through the Read tool when registered and straight from
// disk otherwise. Refs stay as written unless Read is allowed for this run
// and the gate approves. Returns the expanded paths alongside the text.
func (s *runState) expandFileRefs(ctx context.Context, text string) (string, []string) {
	matches := fileRefRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, nil
	}
	read, hasRead := s.o.Registry.Get("Read")

	var sources []string
	seen := make(map[string]bool)
	for _, m := range matches {
		p := m[1]
		if seen[p] {
			continue
		}
		seen[p] = true

		if !toolAllowed(s.o.AllowedTools, "Read") {
			continue
		}
		in, _ := json.Marshal(map[string]string{"path": p})
		in, ok := s.approveExpansion(ctx, "Read", in)
		if !ok {
			continue
		}

		var content string
		if hasRead {
			out, err := read.Run(ctx, in, ToolContext{Cwd: s.o.Cwd, ProjectDir: s.o.projectDirOrCwd()})
			if err != nil {
				continue
			}
			content = extractStringField(out, "content")
		} else {
			full := p
			if !filepath.IsAbs(full) {
				full = filepath.Join(s.o.Cwd, p)
			}
			raw, err := os.ReadFile(full)
			if err != nil {
				continue
			}
			content = string(raw)
		}
		text = strings.ReplaceAll(text, "@"+p, content)
		sources = append(sources, p)
	}
	return text, sources
}

// approveExpansion runs a command-expansion side effect through the
// permission gate, logging any prompt it raises. Returns the (possibly
// rewritten) input and whether the expansion may run.
func (s *runState) approveExpansion(ctx context.Context, toolName string, input json.RawMessage) (json.RawMessage, bool) {
	approval := s.o.Gate.Approve(ctx, toolName, input, PermissionContext{
		SessionID: s.sessionID, Cwd: s.o.Cwd, AgentName: s.r.agentName,
	})
	if approval.Question != nil {
		if err := s.emit(ctx, approval.Question); err != nil {
			return input, false
		}
	}
	if !approval.Allowed {
		return input, false
	}
	if approval.UpdatedInput != nil {
		return approval.UpdatedInput, true
	}
	return input, true
}

// extractStringField pulls a named string field out of an arbitrary tool
// output via a JSON round trip; plain strings pass through.
func extractStringField(output any, field string) string {
	if s, ok := output.(string); ok {
		return s
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%v", output)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return string(raw)
	}
	var s string
	if err := json.Unmarshal(m[field], &s); err != nil {
		return string(raw)
	}
	return s
}

const webFetchAnalysisLimit = 100_000

func (s *runState) handleWebFetch(ctx context.Context, input json.RawMessage) (any, error) {
	tool, ok := s.o.Registry.Get(ToolWebFetch)
	if !ok {
		return nil, fmt.Errorf("WebFetch tool not registered")
	}
	out, err := tool.Run(ctx, input, ToolContext{Cwd: s.o.Cwd, ProjectDir: s.o.projectDirOrCwd()})
	if err != nil {
		return nil, err
	}

	var req struct {
		URL    string `json:"url"`
		Prompt string `json:"prompt"`
	}
	_ = json.Unmarshal(input, &req)
	if req.Prompt == "" {
		return out, nil
	}

	// Prompt mode: run a one-shot analysis pass over the fetched page,
	// outside the session transcript.
	text := extractStringField(out, "text")
	if len(text) > webFetchAnalysisLimit {
		text = text[:webFetchAnalysisLimit]
	}
	analysis, cErr := s.o.Provider.Complete(ctx, Request{
		Model:  s.o.Model,
		Input:  []Item{UserItem(req.Prompt + "\n\nCONTENT:\n" + text)},
		APIKey: s.o.APIKey,
		Store:  false,
	})
	if cErr != nil {
		return nil, fmt.Errorf("WebFetch analysis: %w", cErr)
	}
	result := map[string]any{"url": req.URL, "response": analysis.AssistantText}
	if m, ok := out.(map[string]any); ok {
		if v, ok := m["final_url"]; ok {
			result["final_url"] = v
		}
		if v, ok := m["status"]; ok {
			result["status_code"] = v
		}
	}
	return result, nil
}

func (s *runState) handleTodoWrite(ctx context.Context, input json.RawMessage) (any, error) {
	var req struct {
		Todos []map[string]any `json:"todos"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, &ErrDecode{What: "TodoWrite input", Cause: err}
	}

	// A registered TodoWrite tool runs first and owns the output; the
	// runtime still mirrors the list into the session directory.
	output := any(map[string]any{"saved": len(req.Todos)})
	if tool, ok := s.o.Registry.Get(ToolTodoWrite); ok {
		out, err := tool.Run(ctx, input, ToolContext{Cwd: s.o.Cwd, ProjectDir: s.o.projectDirOrCwd()})
		if err != nil {
			return nil, err
		}
		output = out
	}

	dir, err := s.store.SessionDir(s.sessionID)
	if err != nil {
		return nil, err
	}
	raw, err := json.MarshalIndent(map[string]any{"todos": req.Todos}, "", "  ")
	if err != nil {
		return nil, err
	}

	// Atomic replace: readers never see a torn todos.json.
	tmp := filepath.Join(dir, ".todos.json.tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return nil, fmt.Errorf("write todos: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, "todos.json")); err != nil {
		return nil, fmt.Errorf("write todos: %w", err)
	}
	return output, nil
}

func (s *runState) handleSkill(ctx context.Context, input json.RawMessage) (any, error) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, &ErrDecode{What: "Skill input", Cause: err}
	}
	sk, ok := FindSkill(s.o.projectDirOrCwd(), req.Name)
	if !ok {
		return nil, fmt.Errorf("unknown skill %q", req.Name)
	}

	if err := s.emit(ctx, &SkillActivated{Name: sk.Name, Path: sk.Path}); err != nil {
		return nil, &fatalRunError{err: err}
	}
	active := false
	for _, existing := range s.activeSkills {
		if existing.Name == sk.Name {
			active = true
			break
		}
	}
	if !active {
		s.activeSkills = append(s.activeSkills, sk)
	}

	var names []string
	for _, existing := range s.activeSkills {
		names = append(names, existing.Name)
	}
	return map[string]any{
		"name":      sk.Name,
		"summary":   sk.Summary,
		"checklist": sk.Checklist,
		"active":    names,
	}, nil
}

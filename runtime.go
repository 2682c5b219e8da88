package conduit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Runtime drives the agent loop: prompt in, events out, one terminal
// result per run. Construct with New; a Runtime is reusable across runs
// but a single run is one goroutine.
type Runtime struct {
	opts            Options
	agentName       string
	parentToolUseID string
}

// New builds a Runtime from functional options.
func New(opts ...Option) *Runtime {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	o.applyDefaults()
	return &Runtime{opts: o}
}

// newChildRuntime is used by Task dispatch: same options surface but with
// subagent identity stamped on every event.
func newChildRuntime(o Options, agentName, parentToolUseID string) *Runtime {
	o.applyDefaults()
	return &Runtime{opts: o, agentName: agentName, parentToolUseID: parentToolUseID}
}

// RunResult is the blocking-API view of a finished run.
type RunResult struct {
	FinalText  string
	SessionID  string
	StopReason string
	Events     []Event
}

// Run executes one prompt to completion and returns the collected events.
// The returned error is non-nil only for session store failures; every
// other failure mode ends in the terminal result event.
func (r *Runtime) Run(ctx context.Context, prompt string) (RunResult, error) {
	return r.run(ctx, prompt, nil)
}

// RunStream executes one prompt, sending each event to ch as it is
// persisted. ch is closed when the run finishes, error or not.
func (r *Runtime) RunStream(ctx context.Context, prompt string, ch chan<- Event) (RunResult, error) {
	defer safeCloseEvents(ch)
	return r.run(ctx, prompt, ch)
}

// safeCloseEvents closes ch exactly once, tolerating external closes.
func safeCloseEvents(ch chan<- Event) {
	defer func() { recover() }()
	close(ch)
}

func defaultSessionRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = os.TempDir()
	}
	return filepath.Join(home, ".conduit")
}

// runState is the per-run loop state.
type runState struct {
	r  *Runtime
	o  Options
	ch chan<- Event

	store     SessionStore
	sessionID string

	protocol     Protocol
	supportsPrev bool
	prevID       string

	messages       []Item
	pendingCalls   []ToolCall
	pendingHistory []Item

	baseSystem   string
	activeSkills []Skill
	skillIndex   []Skill

	steps  int
	events []Event

	finalText  string
	stopReason string

	cleanupFn func()
}

func (r *Runtime) run(ctx context.Context, prompt string, ch chan<- Event) (RunResult, error) {
	o := r.opts
	if o.Provider == nil {
		return RunResult{}, fmt.Errorf("conduit: no provider configured")
	}
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	s := &runState{r: r, o: o, ch: ch, supportsPrev: true}
	err := s.execute(ctx, prompt)
	if s.cleanupFn != nil {
		s.cleanupFn()
	}
	return RunResult{
		FinalText:  s.finalText,
		SessionID:  s.sessionID,
		StopReason: s.stopReason,
		Events:     s.events,
	}, err
}

func (s *runState) execute(ctx context.Context, prompt string) error {
	o := s.o
	logger := o.Logger

	cleanup, err := registerMCPServers(ctx, o.MCPServers, o.Registry, logger)
	if err != nil {
		return fmt.Errorf("conduit: mcp setup: %w", err)
	}
	s.cleanupFn = cleanup

	store := o.Store
	if store == nil {
		root := o.SessionRoot
		if root == "" {
			root = defaultSessionRoot()
		}
		fs, err := newDefaultStore(root, logger)
		if err != nil {
			return err
		}
		store = fs
	}
	s.store = store

	var resumeProtocol Protocol
	if o.Resume != "" {
		s.sessionID = o.Resume
		past, err := store.ReadEvents(s.sessionID)
		if err != nil {
			return err
		}
		for i := len(past) - 1; i >= 0; i-- {
			if res, ok := past[i].(*Result); ok && res.ProviderMetadata != nil {
				if res.ProviderMetadata.Protocol != "" {
					resumeProtocol = Protocol(res.ProviderMetadata.Protocol)
				}
				if res.ProviderMetadata.SupportsPreviousResponseID != nil {
					s.supportsPrev = *res.ProviderMetadata.SupportsPreviousResponseID
				}
				break
			}
		}
		for i := len(past) - 1; i >= 0; i-- {
			if res, ok := past[i].(*Result); ok && res.ResponseID != "" {
				s.prevID = res.ResponseID
				break
			}
		}
		if resumeProtocol == ProtocolResponses && !s.supportsPrev {
			s.messages = RebuildResponsesInput(past, o.ResumeMaxEvents, o.ResumeMaxBytes)
		} else {
			s.messages = RebuildMessages(past, o.ResumeMaxEvents, o.ResumeMaxBytes)
		}
		s.activeSkills = rebuildActiveSkills(past, o.projectDirOrCwd())
	} else {
		metadata := map[string]any{
			"cwd":           o.Cwd,
			"provider_name": o.Provider.Name(),
			"model":         o.Model,
		}
		if len(o.SettingSources) > 0 {
			metadata["setting_sources"] = o.SettingSources
		}
		if o.AllowedTools != nil {
			metadata["allowed_tools"] = o.AllowedTools
		}
		for k, v := range o.sessionMeta {
			metadata[k] = v
		}
		id, err := store.CreateSession(metadata)
		if err != nil {
			return err
		}
		s.sessionID = id
	}

	if err := s.emit(ctx, &SystemInit{
		SessionID:    s.sessionID,
		Cwd:          o.Cwd,
		Version:      Version,
		Provider:     o.Provider.Name(),
		Model:        o.Model,
		Tools:        o.Registry.Names(),
		AllowedTools: o.AllowedTools,
	}); err != nil {
		return err
	}

	// Abort raised before any work still gets a clean terminal result.
	if s.aborted(ctx) {
		if err := s.emitHookPoint(ctx, HookSessionEnd, "", HookPayload{SessionID: s.sessionID}); err != nil {
			return err
		}
		return s.terminal(ctx, "interrupted", "", nil, "", nil)
	}

	if _, err := s.runHooks(ctx, HookSessionStart, "", HookPayload{SessionID: s.sessionID}); err != nil {
		return err
	}

	s.skillIndex = IndexSkills(o.projectDirOrCwd())
	s.baseSystem = buildSystemPrompt(o)
	if s.baseSystem != "" {
		s.messages = append([]Item{SystemItem(s.baseSystem)}, s.messages...)
	}

	submit, err := s.runHooks(ctx, HookUserPromptSubmit, "", HookPayload{SessionID: s.sessionID, Prompt: prompt})
	if err != nil {
		return err
	}
	if submit.Blocked {
		if err := s.emitHookPoint(ctx, HookSessionEnd, "", HookPayload{SessionID: s.sessionID}); err != nil {
			return err
		}
		return s.terminal(ctx, "blocked:user_prompt_submit:"+orDefault(submit.BlockReason, "blocked"), "", nil, "", nil)
	}

	projectDir := o.projectDirOrCwd()
	expanded := maybeExpandExecuteSkillPrompt(submit.Prompt, projectDir)
	expanded = maybeExpandListSkillsPrompt(expanded, projectDir)

	if err := s.emit(ctx, &UserMessage{Text: expanded}); err != nil {
		return err
	}
	s.messages = append(s.messages, UserItem(expanded))

	s.protocol = resumeProtocol
	if s.protocol == "" {
		s.protocol = DetectProtocol(o.Provider)
	}

	return s.loop(ctx)
}

// newDefaultStore creates the fallback store used when Options.Store is
// nil. The root package cannot import store/file (subpackages import the
// root), so store/file installs itself here from its init.
var newDefaultStore = func(root string, _ *slog.Logger) (SessionStore, error) {
	return nil, fmt.Errorf("conduit: no session store configured and no default store registered (import %s)", defaultStoreImport)
}

const defaultStoreImport = "github.com/nevindra/conduit/store/file"

// RegisterDefaultStore installs the fallback store factory. Called by
// store/file's init.
func RegisterDefaultStore(factory func(root string, logger *slog.Logger) (SessionStore, error)) {
	newDefaultStore = factory
}

func (s *runState) loop(ctx context.Context) error {
	o := s.o
	for s.steps < o.MaxSteps {
		if s.aborted(ctx) {
			return s.interrupted(ctx)
		}
		s.steps++

		toolNames := filterAllowed(s.activeToolNames(), o.AllowedTools)
		schemas := o.Registry.Schemas(toolNames)
		s.enrichSkillSchema(schemas)

		// Full-transcript modes re-derive the window from the log each
		// turn, so pruning markers take effect immediately.
		if s.protocol == ProtocolLegacy || !s.supportsPrev {
			if err := s.prunePass(ctx); err != nil {
				return err
			}
			s.messages = s.rebuildWindow()
		}
		s.restampSystem()

		before, err := s.runHooks(ctx, HookBeforeModelCall, o.Model, HookPayload{
			SessionID: s.sessionID, Model: o.Model, Messages: s.messages,
		})
		if err != nil {
			return err
		}
		if before.Blocked {
			if err := s.emitHookPoint(ctx, HookSessionEnd, "", HookPayload{SessionID: s.sessionID}); err != nil {
				return err
			}
			return s.terminal(ctx, "blocked:before_model_call:"+orDefault(before.BlockReason, "blocked"), "", nil, "", nil)
		}
		s.messages = before.Messages

		out, interrupted, callErr := s.callModel(ctx, schemas)
		if interrupted {
			return s.interrupted(ctx)
		}
		if callErr != nil {
			if err := s.emitHookPoint(ctx, HookSessionEnd, "", HookPayload{SessionID: s.sessionID}); err != nil {
				return err
			}
			return s.terminal(ctx, "error:"+errorKind(callErr)+":"+callErr.Error(), "", nil, "", nil)
		}

		after, err := s.runHooks(ctx, HookAfterModelCall, o.Model, HookPayload{
			SessionID: s.sessionID, Model: o.Model, Output: &out,
		})
		if err != nil {
			return err
		}
		if after.Blocked {
			if err := s.emitHookPoint(ctx, HookSessionEnd, "", HookPayload{SessionID: s.sessionID}); err != nil {
				return err
			}
			return s.terminal(ctx, "blocked:after_model_call:"+orDefault(after.BlockReason, "blocked"), "", nil, "", nil)
		}
		if replaced, ok := after.ToolOutput.(*ModelOutput); ok && replaced != nil {
			out = *replaced
		}

		if len(out.ToolCalls) > 0 {
			if err := s.handleToolCalls(ctx, out); err != nil {
				return err
			}
			continue
		}

		if out.AssistantText == "" {
			if err := s.emitHookPoint(ctx, HookSessionEnd, "", HookPayload{SessionID: s.sessionID}); err != nil {
				return err
			}
			return s.terminal(ctx, "no_output", "", nil, "", nil)
		}

		if WouldOverflow(o.Compaction, out.Usage) && (s.protocol == ProtocolLegacy || !s.supportsPrev) {
			if err := s.compact(ctx); err != nil {
				return err
			}
			continue
		}

		if err := s.emit(ctx, &AssistantMessage{Text: out.AssistantText}); err != nil {
			return err
		}

		if err := s.emitHookPoint(ctx, HookStop, "", HookPayload{SessionID: s.sessionID, FinalText: out.AssistantText}); err != nil {
			return err
		}
		if err := s.emitHookPoint(ctx, HookSessionEnd, "", HookPayload{SessionID: s.sessionID}); err != nil {
			return err
		}

		responseID := out.ResponseID
		if responseID == "" {
			responseID = s.prevID
		}
		pm := &ProviderMetadata{}
		if out.ProviderMetadata != nil {
			*pm = *out.ProviderMetadata
		}
		pm.Protocol = string(s.protocol)
		if s.protocol == ProtocolResponses {
			supports := s.supportsPrev
			pm.SupportsPreviousResponseID = &supports
		}
		return s.terminal(ctx, "end", out.AssistantText, out.Usage, responseID, pm)
	}

	if err := s.emitHookPoint(ctx, HookSessionEnd, "", HookPayload{SessionID: s.sessionID}); err != nil {
		return err
	}
	return s.terminal(ctx, "max_steps", "", nil, "", nil)
}

// handleToolCalls dispatches every call of a turn and updates the window
// according to the protocol mode.
func (s *runState) handleToolCalls(ctx context.Context, out ModelOutput) error {
	calls := out.ToolCalls
	for i := range calls {
		if calls[i].ToolUseID == "" {
			calls[i].ToolUseID = newToolUseID()
		}
	}
	s.pendingCalls = calls

	if s.protocol == ProtocolLegacy {
		placeholder := Item{Role: "assistant"}
		for _, tc := range calls {
			placeholder.ToolCalls = append(placeholder.ToolCalls, ItemToolCall{
				ID: tc.ToolUseID, Name: tc.Name, Arguments: string(tc.Arguments),
			})
		}
		s.messages = append(s.messages, placeholder)
		for _, tc := range calls {
			result, err := s.runToolCall(ctx, tc)
			if err != nil {
				return err
			}
			s.messages = append(s.messages, Item{
				Role: "tool", ToolCallID: tc.ToolUseID, Content: string(result.Output),
			})
		}
		return nil
	}

	if s.supportsPrev {
		var outputs []Item
		for _, tc := range calls {
			result, err := s.runToolCall(ctx, tc)
			if err != nil {
				return err
			}
			outputs = append(outputs, FunctionCallOutputItem(tc.ToolUseID, string(result.Output)))
		}
		if out.ResponseID != "" {
			s.prevID = out.ResponseID
		}
		s.pendingHistory = append([]Item(nil), s.messages...)
		s.messages = outputs
		return nil
	}

	for _, tc := range calls {
		args := string(tc.Arguments)
		if args == "" {
			args = "{}"
		}
		s.messages = append(s.messages, FunctionCallItem(tc.ToolUseID, tc.Name, args))
		result, err := s.runToolCall(ctx, tc)
		if err != nil {
			return err
		}
		s.messages = append(s.messages, FunctionCallOutputItem(tc.ToolUseID, string(result.Output)))
	}
	return nil
}

// callModel invokes the provider, streaming when supported, with the
// one-retry recovery for responses threading errors.
func (s *runState) callModel(ctx context.Context, schemas []ToolSchema) (ModelOutput, bool, error) {
	o := s.o
	mctx, span := startSpan(ctx, o.Tracer, "conduit.model_call",
		StringAttr("model", o.Model), IntAttr("step", s.steps))
	defer span.End()

	sp, streaming := o.Provider.(StreamingProvider)
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req := Request{
			Model:  o.Model,
			Input:  s.messages,
			Tools:  schemas,
			APIKey: o.APIKey,
			Store:  true,
		}
		if s.protocol == ProtocolResponses && s.supportsPrev {
			req.PreviousResponseID = s.prevID
		}

		var out ModelOutput
		var interrupted bool
		var err error
		if streaming {
			out, interrupted, err = s.consumeStream(mctx, sp, req)
			if interrupted {
				return ModelOutput{}, true, nil
			}
		} else {
			out, err = o.Provider.Complete(mctx, req)
		}
		if err == nil {
			return out, false, nil
		}
		lastErr = err

		recoverable := s.protocol == ProtocolResponses && s.supportsPrev && attempt == 0 &&
			((s.prevID != "" && isUnsupportedPreviousResponseIDErr(err)) || isNoToolCallFoundErr(err))
		if !recoverable {
			span.Error(err)
			return ModelOutput{}, false, err
		}

		o.Logger.Debug("provider threading rejected, falling back to full transcript", "error", err)
		span.Event("threading_fallback")
		s.supportsPrev = false
		if len(s.pendingCalls) > 0 && len(s.pendingHistory) > 0 && looksLikeOnlyFunctionCallOutput(s.messages) {
			s.messages = append(append([]Item(nil), s.pendingHistory...), prependFunctionCalls(s.messages, s.pendingCalls)...)
			s.restampSystem()
		}
	}
	span.Error(lastErr)
	return ModelOutput{}, false, lastErr
}

// consumeStream drains one provider stream, emitting deltas when partial
// messages are enabled. A zero-output stream error is left retryable by
// the caller; once anything arrived the error is final.
func (s *runState) consumeStream(ctx context.Context, sp StreamingProvider, req Request) (ModelOutput, bool, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req.Stream = true
	ch := make(chan StreamEvent, 16)
	errCh := make(chan error, 1)
	go func() { errCh <- sp.Stream(sctx, req, ch) }()

	var out ModelOutput
	var text string
	interrupted := false
	for ev := range ch {
		if s.aborted(ctx) {
			interrupted = true
			cancel()
			for range ch {
			}
			break
		}
		switch ev.Type {
		case StreamTextDelta:
			if ev.Delta == "" {
				continue
			}
			text += ev.Delta
			if s.o.IncludePartialMessages {
				if err := s.emit(ctx, &AssistantDelta{Text: ev.Delta}); err != nil {
					cancel()
					<-errCh
					return ModelOutput{}, false, err
				}
			}
		case StreamToolCall:
			if ev.ToolCall != nil {
				out.ToolCalls = append(out.ToolCalls, *ev.ToolCall)
			}
		case StreamDone:
			out.ResponseID = ev.ResponseID
			out.Usage = ev.Usage
		}
	}
	streamErr := <-errCh
	if interrupted {
		return ModelOutput{}, true, nil
	}
	if streamErr != nil {
		if text != "" || len(out.ToolCalls) > 0 || out.ResponseID != "" {
			// Partial output already flowed; not retryable.
			return ModelOutput{}, false, &ErrProvider{Provider: s.o.Provider.Name(), Kind: "stream", Message: streamErr.Error()}
		}
		return ModelOutput{}, false, streamErr
	}
	out.AssistantText = text
	return out, false, nil
}

// prunePass marks old tool outputs compacted, emitting one marker each.
func (s *runState) prunePass(ctx context.Context) error {
	if !s.o.Compaction.Prune {
		return nil
	}
	events, err := s.store.ReadEvents(s.sessionID)
	if err != nil {
		return err
	}
	for _, id := range SelectToolOutputsToPrune(events, s.o.Compaction) {
		if err := s.emit(ctx, &ToolOutputCompacted{ToolUseID: id}); err != nil {
			return err
		}
	}
	return nil
}

// compact runs the auto-compaction sequence: marker, summarization pass,
// window rebuild, continuation message.
func (s *runState) compact(ctx context.Context) error {
	o := s.o
	cctx, span := startSpan(ctx, o.Tracer, "conduit.compaction")
	defer span.End()

	if err := s.emit(ctx, &UserCompaction{Auto: true, Reason: "overflow"}); err != nil {
		return err
	}

	events, err := s.store.ReadEvents(s.sessionID)
	if err != nil {
		return err
	}
	input := compactionInput(events, o.ResumeMaxEvents, o.ResumeMaxBytes)
	out, cErr := o.Provider.Complete(cctx, Request{
		Model:  o.Model,
		Input:  input,
		APIKey: o.APIKey,
		Store:  false,
	})
	if cErr != nil {
		span.Error(cErr)
		o.Logger.Warn("compaction pass failed, continuing uncompacted", "error", cErr)
	} else if summary := out.AssistantText; summary != "" {
		if err := s.emit(ctx, &AssistantMessage{Text: summary, IsSummary: true}); err != nil {
			return err
		}
	}

	s.messages = s.rebuildWindow()
	s.prevID = ""
	if err := s.emit(ctx, &UserMessage{Text: compactionContinuation}); err != nil {
		return err
	}
	s.messages = append(s.messages, UserItem(compactionContinuation))
	return nil
}

// rebuildWindow derives the provider window from the log, protocol-shaped,
// with the base system prompt at position 0.
func (s *runState) rebuildWindow() []Item {
	events, err := s.store.ReadEvents(s.sessionID)
	if err != nil {
		// Reads after successful appends should not fail; keep the
		// current window rather than guessing.
		s.o.Logger.Error("rebuild window: read events failed", "error", err)
		return s.messages
	}
	var items []Item
	if s.protocol == ProtocolLegacy {
		items = RebuildMessages(events, s.o.ResumeMaxEvents, s.o.ResumeMaxBytes)
	} else {
		items = RebuildResponsesInput(events, s.o.ResumeMaxEvents, s.o.ResumeMaxBytes)
	}
	if s.baseSystem != "" {
		items = append([]Item{SystemItem(s.baseSystem)}, items...)
	}
	return items
}

// restampSystem rewrites index 0 with the current base system prompt,
// re-rendered with the active skills.
func (s *runState) restampSystem() {
	if s.baseSystem == "" {
		return
	}
	rendered := renderSystemPrompt(s.baseSystem, s.activeSkills)
	if len(s.messages) > 0 && s.messages[0].Role == "system" {
		s.messages[0] = SystemItem(rendered)
		return
	}
	s.messages = append([]Item{SystemItem(rendered)}, s.messages...)
}

// emit persists one event then forwards it to the stream channel. Store
// failures are fatal to the run.
func (s *runState) emit(ctx context.Context, e Event) error {
	env := e.Envelope()
	if env.ParentToolUseID == "" {
		env.ParentToolUseID = s.r.parentToolUseID
	}
	if env.AgentName == "" {
		env.AgentName = s.r.agentName
	}
	return s.forward(ctx, e)
}

// forward appends and sends an event. Child replay uses it directly so
// the child's envelope stays untouched.
func (s *runState) forward(ctx context.Context, e Event) error {
	if err := s.store.AppendEvent(s.sessionID, e); err != nil {
		return err
	}
	s.events = append(s.events, e)
	if s.ch == nil {
		return nil
	}
	select {
	case s.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runHooks executes a hook point and emits its hook events.
func (s *runState) runHooks(ctx context.Context, point HookPoint, subject string, p HookPayload) (HookOutcome, error) {
	outcome := s.o.Hooks.Run(ctx, point, subject, p)
	for _, he := range outcome.Events {
		if err := s.emit(ctx, he); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

// emitHookPoint runs a point whose outcome is ignored beyond its events
// (SessionEnd, Stop).
func (s *runState) emitHookPoint(ctx context.Context, point HookPoint, subject string, p HookPayload) error {
	_, err := s.runHooks(ctx, point, subject, p)
	return err
}

func (s *runState) interrupted(ctx context.Context) error {
	if err := s.emitHookPoint(ctx, HookSessionEnd, "", HookPayload{SessionID: s.sessionID}); err != nil {
		return err
	}
	return s.terminal(ctx, "interrupted", "", nil, "", nil)
}

// terminal emits the run's single result event.
func (s *runState) terminal(ctx context.Context, stopReason, finalText string, usage *Usage, responseID string, pm *ProviderMetadata) error {
	s.stopReason = stopReason
	s.finalText = finalText
	return s.emit(ctx, &Result{
		FinalText:        finalText,
		SessionID:        s.sessionID,
		StopReason:       stopReason,
		Steps:            s.steps,
		Usage:            usage,
		ResponseID:       responseID,
		ProviderMetadata: pm,
	})
}

func (s *runState) aborted(ctx context.Context) bool {
	return s.o.Abort.Aborted() || ctx.Err() != nil
}

// activeToolNames is the registry plus the synthetic tools whose
// preconditions hold: Task with configured agents, Skill with an indexed
// skill set, SlashCommand with visible templates, AskUserQuestion with an
// answerer.
func (s *runState) activeToolNames() []string {
	o := s.o
	names := o.Registry.Names()
	add := func(name string) {
		if _, registered := o.Registry.Get(name); !registered && !contains(names, name) {
			names = append(names, name)
		}
	}
	if len(o.Agents) > 0 {
		add(ToolTask)
	}
	if len(s.skillIndex) > 0 {
		add(ToolSkill)
	}
	if len(o.Commands) > 0 || len(ListCommands(o.projectDirOrCwd(), o.Commands)) > 0 {
		add(ToolSlashCommand)
	}
	if o.Gate != nil && o.Gate.Answerer != nil {
		add(ToolAskUserQuestion)
	}
	return names
}

// enrichSkillSchema swaps the Skill tool's static description for one
// listing the project's skills.
func (s *runState) enrichSkillSchema(schemas []ToolSchema) {
	if len(s.skillIndex) == 0 {
		return
	}
	for i := range schemas {
		if schemas[i].Name == ToolSkill {
			schemas[i].Description = skillToolDescription(s.skillIndex)
			return
		}
	}
}

// rebuildActiveSkills reconstructs the active skill set from a resumed
// session's skill.activated events.
func rebuildActiveSkills(events []Event, projectDir string) []Skill {
	var skills []Skill
	seen := make(map[string]bool)
	for _, e := range events {
		if sa, ok := e.(*SkillActivated); ok && !seen[sa.Name] {
			if sk, found := FindSkill(projectDir, sa.Name); found {
				skills = append(skills, sk)
				seen[sa.Name] = true
			}
		}
	}
	return skills
}

func errorKind(err error) string {
	switch e := err.(type) {
	case *ErrProvider:
		return e.Kind
	case *ErrHTTP:
		return "http"
	default:
		return "provider"
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// marshalOutput renders a tool output for persistence. Unmarshalable
// outputs degrade to their string form.
func marshalOutput(v any) json.RawMessage {
	if v == nil {
		return json.RawMessage("null")
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprintf("%v", v))
	}
	return b
}

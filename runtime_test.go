package conduit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory SessionStore for loop tests. The root package
// cannot import store/file without a cycle, so tests carry their own.
type memStore struct {
	mu       sync.Mutex
	dir      string
	nextID   int
	sessions map[string]*memSession
}

type memSession struct {
	meta   *SessionMeta
	events []Event
	seq    int
}

func newMemStore(t *testing.T) *memStore {
	t.Helper()
	return &memStore{dir: t.TempDir(), sessions: make(map[string]*memSession)}
}

func (s *memStore) CreateSession(metadata map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("sess_%d", s.nextID)
	if _, exists := s.sessions[id]; exists {
		return "", &ErrSessionExists{SessionID: id}
	}
	s.sessions[id] = &memSession{meta: &SessionMeta{
		SessionID: id,
		CreatedAt: float64(time.Now().UnixMilli()) / 1000,
		Metadata:  metadata,
	}}
	return id, nil
}

func (s *memStore) AppendEvent(sessionID string, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return &ErrSessionNotFound{SessionID: sessionID}
	}
	sess.seq++
	env := e.Envelope()
	env.Seq = sess.seq
	if env.TS == 0 {
		env.TS = float64(time.Now().UnixMilli()) / 1000
	}
	sess.events = append(sess.events, e)
	return nil
}

func (s *memStore) ReadEvents(sessionID string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, &ErrSessionNotFound{SessionID: sessionID}
	}
	return append([]Event(nil), sess.events...), nil
}

func (s *memStore) ReadMetadata(sessionID string) (*SessionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, &ErrSessionNotFound{SessionID: sessionID}
	}
	return sess.meta, nil
}

func (s *memStore) SessionDir(sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return "", &ErrSessionNotFound{SessionID: sessionID}
	}
	return s.dir, nil
}

func (s *memStore) Fork(sessionID string, headSeq int, extra map[string]any) (string, error) {
	events, err := s.ReadEvents(sessionID)
	if err != nil {
		return "", err
	}
	head := ResolveHead(events)
	if headSeq > 0 {
		head = headSeq
	}
	metadata := map[string]any{"forked_from": sessionID}
	for k, v := range extra {
		metadata[k] = v
	}
	id, err := s.CreateSession(metadata)
	if err != nil {
		return "", err
	}
	for _, e := range events {
		if IsLifecycleEvent(e) || e.Envelope().Seq > head {
			continue
		}
		raw, err := EncodeEvent(e)
		if err != nil {
			return "", err
		}
		clone, err := DecodeEvent(raw)
		if err != nil {
			return "", err
		}
		if err := s.AppendEvent(id, clone); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (s *memStore) Checkpoint(sessionID, label string) (int, error) {
	events, err := s.ReadEvents(sessionID)
	if err != nil {
		return 0, err
	}
	head := ResolveHead(events)
	return head, s.AppendEvent(sessionID, &SessionCheckpoint{Label: label, HeadSeq: head})
}

func (s *memStore) SetHead(sessionID string, seq int, reason string) error {
	return s.AppendEvent(sessionID, &SessionSetHead{HeadSeq: seq, Reason: reason})
}

func (s *memStore) Undo(sessionID string) (int, error) {
	events, err := s.ReadEvents(sessionID)
	if err != nil {
		return 0, err
	}
	target, ok := UndoTarget(events)
	if !ok {
		return 0, fmt.Errorf("session %s: nothing to undo", sessionID)
	}
	return target, s.AppendEvent(sessionID, &SessionUndo{HeadSeq: target})
}

func (s *memStore) Redo(sessionID string) (int, error) {
	events, err := s.ReadEvents(sessionID)
	if err != nil {
		return 0, err
	}
	target, ok := RedoTarget(events)
	if !ok {
		return 0, fmt.Errorf("session %s: nothing to redo", sessionID)
	}
	return target, s.AppendEvent(sessionID, &SessionRedo{HeadSeq: target})
}

var _ SessionStore = (*memStore)(nil)

// scriptProvider plays back canned model outputs in order, recording every
// request it receives. Hint-less, so the runtime treats it as responses.
type scriptProvider struct {
	mu    sync.Mutex
	steps []scriptStep
	calls []Request
}

type scriptStep struct {
	out ModelOutput
	err error
}

func textStep(text, responseID string, usage *Usage) scriptStep {
	return scriptStep{out: ModelOutput{AssistantText: text, ResponseID: responseID, Usage: usage}}
}

func callStep(responseID string, calls ...ToolCall) scriptStep {
	return scriptStep{out: ModelOutput{ToolCalls: calls, ResponseID: responseID}}
}

func (p *scriptProvider) Name() string { return "scripted" }

func (p *scriptProvider) Complete(_ context.Context, req Request) (ModelOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req.Input = append([]Item(nil), req.Input...)
	p.calls = append(p.calls, req)
	if len(p.steps) == 0 {
		return ModelOutput{}, fmt.Errorf("scripted provider exhausted after %d calls", len(p.calls))
	}
	st := p.steps[0]
	p.steps = p.steps[1:]
	return st.out, st.err
}

func (p *scriptProvider) requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.calls...)
}

// legacyScriptProvider is a scriptProvider that declares the chat protocol.
type legacyScriptProvider struct{ scriptProvider }

func (p *legacyScriptProvider) Protocol() Protocol { return ProtocolLegacy }

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventType()
	}
	return out
}

func assertEventTypes(t *testing.T, events []Event, want ...string) {
	t.Helper()
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event types = %v, want %v", got, want)
		}
	}
}

func echoTool() Tool {
	return NewTool("Echo", "echoes its input", nil, func(_ context.Context, input json.RawMessage, _ ToolContext) (any, error) {
		var req struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(input, &req); err != nil {
			return nil, err
		}
		return map[string]any{"echo": req.Text}, nil
	})
}

func TestRunNoProvider(t *testing.T) {
	_, err := New().Run(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "no provider") {
		t.Errorf("err = %v, want no-provider error", err)
	}
}

func TestRunNoDefaultStore(t *testing.T) {
	// The root test binary never imports store/file, so the fallback
	// factory must fail and name the import path.
	p := &scriptProvider{steps: []scriptStep{textStep("hi", "", nil)}}
	_, err := New(WithProvider(p), WithSessionRoot(t.TempDir())).Run(context.Background(), "hi")
	if err == nil || !strings.Contains(err.Error(), "store/file") {
		t.Errorf("err = %v, want default-store error naming the import", err)
	}
}

func TestRunSimpleText(t *testing.T) {
	store := newMemStore(t)
	p := &scriptProvider{steps: []scriptStep{
		textStep("hello there", "resp_1", &Usage{InputTokens: 10, OutputTokens: 2, TotalTokens: 12}),
	}}
	rt := New(WithProvider(p), WithModel("gpt-4o"), WithStore(store), WithProjectDir(t.TempDir()))

	res, err := rt.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinalText != "hello there" || res.StopReason != "end" {
		t.Errorf("result = %q/%q, want hello there/end", res.FinalText, res.StopReason)
	}
	assertEventTypes(t, res.Events, TypeSystemInit, TypeUserMessage, TypeAssistantMessage, TypeResult)

	final := res.Events[len(res.Events)-1].(*Result)
	if final.ResponseID != "resp_1" || final.Usage == nil || final.Usage.TotalTokens != 12 {
		t.Errorf("final = %+v, want response id and usage carried", final)
	}
	pm := final.ProviderMetadata
	if pm == nil || pm.Protocol != "responses" || pm.SupportsPreviousResponseID == nil || !*pm.SupportsPreviousResponseID {
		t.Errorf("provider metadata = %+v, want responses with threading intact", pm)
	}

	// The log matches the in-memory view and is seq-stamped from 1.
	logged, err := store.ReadEvents(res.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(logged) != len(res.Events) {
		t.Fatalf("log has %d events, result has %d", len(logged), len(res.Events))
	}
	for i, e := range logged {
		if e.Envelope().Seq != i+1 {
			t.Errorf("event %d seq = %d, want %d", i, e.Envelope().Seq, i+1)
		}
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	store := newMemStore(t)
	p := &scriptProvider{steps: []scriptStep{
		callStep("resp_1", ToolCall{ToolUseID: "toolu_1", Name: "Echo", Arguments: json.RawMessage(`{"text":"hi"}`)}),
		textStep("done", "resp_2", nil),
	}}
	rt := New(WithProvider(p), WithStore(store), WithTools(NewToolRegistry(echoTool())), WithProjectDir(t.TempDir()))

	res, err := rt.Run(context.Background(), "echo hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	assertEventTypes(t, res.Events,
		TypeSystemInit, TypeUserMessage, TypeToolUse, TypeToolResult, TypeAssistantMessage, TypeResult)

	tr := res.Events[3].(*ToolResult)
	if tr.ToolUseID != "toolu_1" || tr.IsError {
		t.Errorf("tool result = %+v", tr)
	}
	if string(tr.Output) != `{"echo":"hi"}` {
		t.Errorf("tool output = %s", tr.Output)
	}

	// Second call threads on the response id and sends only the outputs.
	reqs := p.requests()
	if len(reqs) != 2 {
		t.Fatalf("provider saw %d calls, want 2", len(reqs))
	}
	if reqs[1].PreviousResponseID != "resp_1" {
		t.Errorf("PreviousResponseID = %q, want resp_1", reqs[1].PreviousResponseID)
	}
	if len(reqs[1].Input) != 1 || reqs[1].Input[0].Type != "function_call_output" || reqs[1].Input[0].CallID != "toolu_1" {
		t.Errorf("second input = %+v, want one function_call_output", reqs[1].Input)
	}
}

func TestRunAbortBeforeWork(t *testing.T) {
	flag := &AbortFlag{}
	flag.Abort()
	p := &scriptProvider{}
	rt := New(WithProvider(p), WithStore(newMemStore(t)), WithAbortFlag(flag), WithProjectDir(t.TempDir()))

	res, err := rt.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != "interrupted" {
		t.Errorf("stop reason = %q, want interrupted", res.StopReason)
	}
	assertEventTypes(t, res.Events, TypeSystemInit, TypeResult)
	if len(p.requests()) != 0 {
		t.Error("aborted run must not call the provider")
	}
}

func TestRunPromptSubmitBlocked(t *testing.T) {
	hooks := NewHookEngine()
	hooks.Add(HookUserPromptSubmit, HookMatcher{Name: "policy", Fn: func(_ context.Context, _ HookPayload) HookDecision {
		return HookDecision{Block: true, BlockReason: "off-topic"}
	}})
	p := &scriptProvider{}
	rt := New(WithProvider(p), WithStore(newMemStore(t)), WithHooks(hooks), WithProjectDir(t.TempDir()))

	res, err := rt.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != "blocked:user_prompt_submit:off-topic" {
		t.Errorf("stop reason = %q", res.StopReason)
	}
	for _, e := range res.Events {
		if e.EventType() == TypeUserMessage {
			t.Error("blocked prompt must not be persisted as a user.message")
		}
	}
}

func TestRunPermissionDenyContinues(t *testing.T) {
	p := &scriptProvider{steps: []scriptStep{
		callStep("resp_1", ToolCall{ToolUseID: "toolu_1", Name: "Echo", Arguments: json.RawMessage(`{"text":"hi"}`)}),
		textStep("could not run the tool", "resp_2", nil),
	}}
	rt := New(WithProvider(p), WithStore(newMemStore(t)),
		WithTools(NewToolRegistry(echoTool())),
		WithPermissionGate(&PermissionGate{Mode: PermissionDeny}),
		WithProjectDir(t.TempDir()))

	res, err := rt.Run(context.Background(), "echo hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != "end" {
		t.Errorf("stop reason = %q, want the loop to continue past the denial", res.StopReason)
	}
	var tr *ToolResult
	for _, e := range res.Events {
		if r, ok := e.(*ToolResult); ok {
			tr = r
		}
	}
	if tr == nil || !tr.IsError || tr.ErrorType != "PermissionDenied" {
		t.Errorf("tool result = %+v, want a PermissionDenied error result", tr)
	}
}

func TestRunMaxSteps(t *testing.T) {
	call := ToolCall{ToolUseID: "toolu_1", Name: "Echo", Arguments: json.RawMessage(`{"text":"x"}`)}
	p := &scriptProvider{steps: []scriptStep{callStep("r1", call), callStep("r2", call)}}
	rt := New(WithProvider(p), WithStore(newMemStore(t)),
		WithTools(NewToolRegistry(echoTool())), WithMaxSteps(2), WithProjectDir(t.TempDir()))

	res, err := rt.Run(context.Background(), "loop")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != "max_steps" {
		t.Errorf("stop reason = %q, want max_steps", res.StopReason)
	}
	final := res.Events[len(res.Events)-1].(*Result)
	if final.Steps != 2 {
		t.Errorf("steps = %d, want 2", final.Steps)
	}
}

func TestRunResume(t *testing.T) {
	store := newMemStore(t)
	project := t.TempDir()

	p1 := &scriptProvider{steps: []scriptStep{textStep("first answer", "resp_1", nil)}}
	res1, err := New(WithProvider(p1), WithStore(store), WithProjectDir(project)).
		Run(context.Background(), "first question")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	p2 := &scriptProvider{steps: []scriptStep{textStep("second answer", "resp_2", nil)}}
	res2, err := New(WithProvider(p2), WithStore(store), WithProjectDir(project), WithResume(res1.SessionID)).
		Run(context.Background(), "second question")
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if res2.SessionID != res1.SessionID {
		t.Errorf("session id changed across resume: %q -> %q", res1.SessionID, res2.SessionID)
	}

	reqs := p2.requests()
	if len(reqs) != 1 {
		t.Fatalf("provider saw %d calls", len(reqs))
	}
	if reqs[0].PreviousResponseID != "resp_1" {
		t.Errorf("PreviousResponseID = %q, want the prior run's response id", reqs[0].PreviousResponseID)
	}
	var haveFirstQ, haveFirstA, haveSecondQ bool
	for _, it := range reqs[0].Input {
		switch it.Content {
		case "first question":
			haveFirstQ = true
		case "first answer":
			haveFirstA = true
		case "second question":
			haveSecondQ = true
		}
	}
	if !haveFirstQ || !haveFirstA || !haveSecondQ {
		t.Errorf("resumed input missing history: %+v", reqs[0].Input)
	}
}

func TestRunThreadingRecovery(t *testing.T) {
	p := &scriptProvider{steps: []scriptStep{
		callStep("resp_1", ToolCall{ToolUseID: "toolu_1", Name: "Echo", Arguments: json.RawMessage(`{"text":"hi"}`)}),
		{err: fmt.Errorf("400: No tool call found for function call output with call_id toolu_1")},
		textStep("recovered", "", nil),
	}}
	rt := New(WithProvider(p), WithStore(newMemStore(t)),
		WithTools(NewToolRegistry(echoTool())), WithProjectDir(t.TempDir()))

	res, err := rt.Run(context.Background(), "echo hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != "end" || res.FinalText != "recovered" {
		t.Errorf("result = %q/%q, want recovered/end", res.FinalText, res.StopReason)
	}

	reqs := p.requests()
	if len(reqs) != 3 {
		t.Fatalf("provider saw %d calls, want 3", len(reqs))
	}
	// The retry resends the full transcript with matched call pairs and no
	// threading id.
	retry := reqs[2]
	if retry.PreviousResponseID != "" {
		t.Errorf("retry PreviousResponseID = %q, want empty", retry.PreviousResponseID)
	}
	callIdx, outIdx := -1, -1
	for i, it := range retry.Input {
		switch {
		case it.Type == "function_call" && it.CallID == "toolu_1":
			callIdx = i
		case it.Type == "function_call_output" && it.CallID == "toolu_1":
			outIdx = i
		}
	}
	if callIdx < 0 || outIdx < 0 || callIdx >= outIdx {
		t.Errorf("retry input pairs broken (call=%d out=%d): %+v", callIdx, outIdx, retry.Input)
	}

	final := res.Events[len(res.Events)-1].(*Result)
	pm := final.ProviderMetadata
	if pm == nil || pm.SupportsPreviousResponseID == nil || *pm.SupportsPreviousResponseID {
		t.Errorf("provider metadata = %+v, want threading marked unsupported", pm)
	}
}

func TestRunStreamDeliversEvents(t *testing.T) {
	p := &scriptProvider{steps: []scriptStep{textStep("hello", "resp_1", nil)}}
	rt := New(WithProvider(p), WithStore(newMemStore(t)), WithProjectDir(t.TempDir()))

	ch := make(chan Event, 16)
	res, err := rt.RunStream(context.Background(), "hi", ch)
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}

	var streamed []Event
	for ev := range ch {
		streamed = append(streamed, ev)
	}
	if len(streamed) != len(res.Events) {
		t.Errorf("streamed %d events, result has %d", len(streamed), len(res.Events))
	}
	if streamed[len(streamed)-1].EventType() != TypeResult {
		t.Errorf("last streamed event = %s, want result", streamed[len(streamed)-1].EventType())
	}
}

func TestRunNoOutput(t *testing.T) {
	p := &scriptProvider{steps: []scriptStep{{out: ModelOutput{}}}}
	rt := New(WithProvider(p), WithStore(newMemStore(t)), WithProjectDir(t.TempDir()))

	res, err := rt.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != "no_output" {
		t.Errorf("stop reason = %q, want no_output", res.StopReason)
	}
}

func TestRunProviderHTTPError(t *testing.T) {
	p := &scriptProvider{steps: []scriptStep{{err: &ErrHTTP{Status: 500, Body: "upstream down"}}}}
	rt := New(WithProvider(p), WithStore(newMemStore(t)), WithProjectDir(t.TempDir()))

	res, err := rt.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run returns store errors only, got %v", err)
	}
	if !strings.HasPrefix(res.StopReason, "error:http:") {
		t.Errorf("stop reason = %q, want error:http: prefix", res.StopReason)
	}
	if !strings.Contains(res.StopReason, "upstream down") {
		t.Errorf("stop reason = %q, want the provider message carried", res.StopReason)
	}
}

func TestRunAutoCompaction(t *testing.T) {
	store := newMemStore(t)
	p := &legacyScriptProvider{scriptProvider{steps: []scriptStep{
		textStep("long answer", "", &Usage{TotalTokens: 1000}),
		textStep("the session so far: greeted", "", nil), // summarization pass
		textStep("final answer", "", &Usage{TotalTokens: 40}),
	}}}
	rt := New(WithProvider(p), WithStore(store), WithProjectDir(t.TempDir()),
		WithCompaction(CompactionOptions{Auto: true, ContextLimit: 100}))

	res, err := rt.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.StopReason != "end" || res.FinalText != "final answer" {
		t.Errorf("result = %q/%q", res.FinalText, res.StopReason)
	}

	var compaction *UserCompaction
	var summary *AssistantMessage
	var continuation *UserMessage
	for _, e := range res.Events {
		switch ev := e.(type) {
		case *UserCompaction:
			compaction = ev
		case *AssistantMessage:
			if ev.IsSummary {
				summary = ev
			}
		case *UserMessage:
			if ev.Text == compactionContinuation {
				continuation = ev
			}
		}
	}
	if compaction == nil || !compaction.Auto || compaction.Reason != "overflow" {
		t.Errorf("user.compaction = %+v", compaction)
	}
	if summary == nil || summary.Text != "the session so far: greeted" {
		t.Errorf("summary = %+v", summary)
	}
	if continuation == nil {
		t.Error("continuation user.message missing")
	}

	reqs := p.requests()
	if len(reqs) != 3 {
		t.Fatalf("provider saw %d calls, want 3", len(reqs))
	}
	// The summarization pass is out-of-session: fixed system prompt, not
	// stored server-side.
	if reqs[1].Store {
		t.Error("compaction pass must set Store=false")
	}
	if len(reqs[1].Input) == 0 || reqs[1].Input[0].Content != compactionSystemPrompt {
		t.Errorf("compaction input = %+v, want the summarizer prompt first", reqs[1].Input)
	}
	// The post-compaction window is rebuilt from the log and includes the
	// summary.
	var haveSummary bool
	for _, it := range reqs[2].Input {
		if it.Role == "assistant" && it.Content == "the session so far: greeted" {
			haveSummary = true
		}
	}
	if !haveSummary {
		t.Errorf("post-compaction window missing the summary: %+v", reqs[2].Input)
	}
}

func TestRunTaskSubagent(t *testing.T) {
	store := newMemStore(t)
	p := &scriptProvider{steps: []scriptStep{
		callStep("resp_p1", ToolCall{ToolUseID: "toolu_task", Name: ToolTask,
			Arguments: json.RawMessage(`{"agent":"helper","prompt":"look this up"}`)}),
		textStep("child done", "resp_c1", nil), // child run
		textStep("parent done", "resp_p2", nil),
	}}
	rt := New(WithProvider(p), WithStore(store), WithProjectDir(t.TempDir()),
		WithAgents(map[string]AgentDefinition{"helper": {
			Description: "research helper",
			Prompt:      "You research things.",
		}}))

	ch := make(chan Event, 128)
	res, err := rt.RunStream(context.Background(), "delegate this", ch)
	if err != nil {
		t.Fatalf("RunStream: %v", err)
	}
	if res.FinalText != "parent done" || res.StopReason != "end" {
		t.Errorf("result = %q/%q", res.FinalText, res.StopReason)
	}

	var streamed []Event
	for ev := range ch {
		streamed = append(streamed, ev)
	}

	// Child events flow through the parent stream, stamped with the agent
	// identity.
	var childSeen bool
	for _, e := range streamed {
		env := e.Envelope()
		if env.AgentName == "helper" {
			childSeen = true
			if env.ParentToolUseID != "toolu_task" {
				t.Errorf("child event parent_tool_use_id = %q, want toolu_task", env.ParentToolUseID)
			}
		}
	}
	if !childSeen {
		t.Error("no child events reached the parent stream")
	}

	// Child events are replayed into the parent log, re-sequenced but still
	// attributed to the subagent.
	parentLog, err := store.ReadEvents(res.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	var childUser *UserMessage
	var childAssistant *AssistantMessage
	for _, e := range parentLog {
		if e.Envelope().AgentName != "helper" {
			continue
		}
		switch ev := e.(type) {
		case *UserMessage:
			childUser = ev
		case *AssistantMessage:
			childAssistant = ev
		}
	}
	if childUser == nil {
		t.Fatal("child user.message missing from the parent log")
	}
	// The agent definition's prompt is prepended to the task prompt.
	if childUser.Text != "You research things.\n\nlook this up" {
		t.Errorf("child prompt = %q", childUser.Text)
	}
	if childAssistant == nil || childAssistant.Text != "child done" {
		t.Errorf("child assistant message = %+v", childAssistant)
	}

	var tr *ToolResult
	for _, e := range parentLog {
		if r, ok := e.(*ToolResult); ok && r.ToolUseID == "toolu_task" {
			tr = r
		}
	}
	if tr == nil {
		t.Fatal("Task tool.result missing from the parent log")
	}
	var out struct {
		ChildSessionID string `json:"child_session_id"`
		FinalText      string `json:"final_text"`
	}
	if err := json.Unmarshal(tr.Output, &out); err != nil {
		t.Fatalf("Task output = %s: %v", tr.Output, err)
	}
	if out.FinalText != "child done" || out.ChildSessionID == "" || out.ChildSessionID == res.SessionID {
		t.Errorf("Task output = %s", tr.Output)
	}

	// The child session records its parentage.
	meta, err := store.ReadMetadata(out.ChildSessionID)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Metadata["parent_session_id"] != res.SessionID ||
		meta.Metadata["parent_tool_use_id"] != "toolu_task" ||
		meta.Metadata["agent_name"] != "helper" {
		t.Errorf("child session metadata = %+v", meta.Metadata)
	}
}

func TestRunSkillActivation(t *testing.T) {
	project := t.TempDir()
	writeSkill(t, project, ".claude", "review", reviewSkill)

	p := &scriptProvider{steps: []scriptStep{
		callStep("resp_1", ToolCall{ToolUseID: "toolu_1", Name: ToolSkill, Arguments: json.RawMessage(`{"name":"review"}`)}),
		textStep("skill loaded", "resp_2", nil),
	}}
	rt := New(WithProvider(p), WithStore(newMemStore(t)), WithProjectDir(project),
		WithSystemPrompt("You are an agent."))

	res, err := rt.Run(context.Background(), "use the review skill")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var activated *SkillActivated
	for _, e := range res.Events {
		if sa, ok := e.(*SkillActivated); ok {
			activated = sa
		}
	}
	if activated == nil || activated.Name != "review" {
		t.Fatalf("skill.activated = %+v", activated)
	}

	// The next model call carries the skill content in the system prompt.
	reqs := p.requests()
	if len(reqs) != 2 {
		t.Fatalf("provider saw %d calls", len(reqs))
	}
	sys := reqs[1].Input[0]
	if sys.Role != "system" || !strings.Contains(sys.Content, "### Skill: review") {
		t.Errorf("second call system prompt missing the active skill:\n%s", sys.Content)
	}
}

func TestRunAskUserQuestion(t *testing.T) {
	p := &scriptProvider{steps: []scriptStep{
		callStep("resp_1", ToolCall{ToolUseID: "toolu_1", Name: ToolAskUserQuestion,
			Arguments: json.RawMessage(`{"question":"favorite color?","options":["red","blue"]}`)}),
		textStep("noted", "resp_2", nil),
	}}
	rt := New(WithProvider(p), WithStore(newMemStore(t)), WithProjectDir(t.TempDir()),
		WithPermissionGate(&PermissionGate{Answerer: func(_ context.Context, q *UserQuestion) (string, error) {
			if q.Prompt != "favorite color?" || len(q.Choices) != 2 {
				t.Errorf("question = %+v", q)
			}
			return "blue", nil
		}}))

	res, err := rt.Run(context.Background(), "ask me")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var q *UserQuestion
	var tr *ToolResult
	for _, e := range res.Events {
		switch ev := e.(type) {
		case *UserQuestion:
			q = ev
		case *ToolResult:
			tr = ev
		}
	}
	if q == nil || q.Answer != "blue" {
		t.Errorf("user.question = %+v, want the answer recorded", q)
	}
	// Question ids derive from the tool use so answers can be correlated.
	if q != nil && q.QuestionID != "toolu_1:0" {
		t.Errorf("question id = %q, want toolu_1:0", q.QuestionID)
	}
	if tr == nil || !strings.Contains(string(tr.Output), `"favorite color?":"blue"`) {
		t.Errorf("tool output = %s", tr.Output)
	}
	if tr != nil && !strings.Contains(string(tr.Output), `"questions"`) {
		t.Errorf("tool output = %s, want the asked questions listed", tr.Output)
	}
}

func TestRunAskUserQuestionNoAnswerer(t *testing.T) {
	p := &scriptProvider{steps: []scriptStep{
		callStep("resp_1", ToolCall{ToolUseID: "toolu_1", Name: ToolAskUserQuestion,
			Arguments: json.RawMessage(`{"question":"proceed?"}`)}),
		textStep("ok then", "resp_2", nil),
	}}
	rt := New(WithProvider(p), WithStore(newMemStore(t)), WithProjectDir(t.TempDir()))

	res, err := rt.Run(context.Background(), "ask me")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var tr *ToolResult
	for _, e := range res.Events {
		if r, ok := e.(*ToolResult); ok {
			tr = r
		}
	}
	if tr == nil || !tr.IsError {
		t.Fatalf("tool result = %+v, want an error without an answerer", tr)
	}
	if !strings.Contains(tr.ErrorMessage, "no user answerer") {
		t.Errorf("error message = %q", tr.ErrorMessage)
	}
}

func TestRunSlashCommand(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("remember the milk"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := &scriptProvider{steps: []scriptStep{
		callStep("resp_1", ToolCall{ToolUseID: "toolu_1", Name: ToolSlashCommand,
			Arguments: json.RawMessage(`{"name":"/greet","args":"World"}`)}),
		textStep("greeted", "resp_2", nil),
	}}
	rt := New(WithProvider(p), WithStore(newMemStore(t)), WithProjectDir(dir), WithCwd(dir),
		WithCommands(map[string]string{"greet": "Say hello to $ARGUMENTS\nNOTES: @notes.txt"}))

	res, err := rt.Run(context.Background(), "greet the world")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var tr *ToolResult
	for _, e := range res.Events {
		if r, ok := e.(*ToolResult); ok {
			tr = r
		}
	}
	if tr == nil {
		t.Fatal("tool result missing")
	}
	var out struct {
		Name    string   `json:"name"`
		Args    string   `json:"args"`
		Sources []string `json:"sources"`
		Content string   `json:"content"`
	}
	if err := json.Unmarshal(tr.Output, &out); err != nil {
		t.Fatalf("tool output = %s: %v", tr.Output, err)
	}
	if out.Name != "greet" || out.Args != "World" {
		t.Errorf("output = %+v", out)
	}
	if !strings.Contains(out.Content, "Say hello to World") {
		t.Errorf("content = %q, want the rendered template", out.Content)
	}
	// File references are substituted in place, not appended.
	if !strings.Contains(out.Content, "NOTES: remember the milk") || strings.Contains(out.Content, "@notes.txt") {
		t.Errorf("content = %q, want the ref replaced inline", out.Content)
	}
	if len(out.Sources) != 2 || out.Sources[1] != "notes.txt" {
		t.Errorf("sources = %v, want the template and the expanded ref", out.Sources)
	}
}

func TestRunSlashCommandDeniedRefStays(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("hidden"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := &scriptProvider{steps: []scriptStep{
		callStep("resp_1", ToolCall{ToolUseID: "toolu_1", Name: ToolSlashCommand,
			Arguments: json.RawMessage(`{"name":"show","args":""}`)}),
		textStep("done", "resp_2", nil),
	}}
	rt := New(WithProvider(p), WithStore(newMemStore(t)), WithProjectDir(dir), WithCwd(dir),
		WithCommands(map[string]string{"show": "SHOW: @secret.txt"}),
		WithAllowedTools(ToolSlashCommand)) // Read not allowed

	res, err := rt.Run(context.Background(), "show it")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var tr *ToolResult
	for _, e := range res.Events {
		if r, ok := e.(*ToolResult); ok {
			tr = r
		}
	}
	if tr == nil {
		t.Fatal("tool result missing")
	}
	if strings.Contains(string(tr.Output), "hidden") {
		t.Errorf("output = %s, ref expanded despite Read being disallowed", tr.Output)
	}
	if !strings.Contains(string(tr.Output), "@secret.txt") {
		t.Errorf("output = %s, want the ref left as written", tr.Output)
	}
}

func TestRunDisallowedTool(t *testing.T) {
	ran := false
	echo := NewTool("Echo", "Echo input.", nil,
		func(_ context.Context, input json.RawMessage, _ ToolContext) (any, error) {
			ran = true
			return map[string]any{"echo": string(input)}, nil
		})
	p := &scriptProvider{steps: []scriptStep{
		callStep("resp_1", ToolCall{ToolUseID: "toolu_1", Name: "Echo",
			Arguments: json.RawMessage(`{"text":"hi"}`)}),
		textStep("done", "resp_2", nil),
	}}
	rt := New(WithProvider(p), WithStore(newMemStore(t)), WithProjectDir(t.TempDir()),
		WithTools(NewToolRegistry(echo)), WithAllowedTools("Read"))

	res, err := rt.Run(context.Background(), "try the echo tool")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ran {
		t.Error("disallowed tool executed")
	}
	var tu *ToolUse
	var tr *ToolResult
	for _, e := range res.Events {
		switch ev := e.(type) {
		case *ToolUse:
			tu = ev
		case *ToolResult:
			tr = ev
		}
	}
	if tu == nil {
		t.Fatal("tool.use missing for the refused call")
	}
	if tr == nil || !tr.IsError || tr.ErrorType != "ToolNotAllowed" {
		t.Fatalf("tool result = %+v, want a ToolNotAllowed error", tr)
	}
	if res.StopReason != "end" || res.FinalText != "done" {
		t.Errorf("run must continue past the refusal: %q/%q", res.FinalText, res.StopReason)
	}
}

func TestRunWebFetchPromptMode(t *testing.T) {
	fetch := NewTool(ToolWebFetch, "Fetch a page.", nil,
		func(_ context.Context, _ json.RawMessage, _ ToolContext) (any, error) {
			return map[string]any{
				"url":       "http://example.com/old",
				"final_url": "http://example.com/new",
				"status":    200,
				"text":      "release adds previous_response_id support",
			}, nil
		})
	p := &scriptProvider{steps: []scriptStep{
		callStep("resp_1", ToolCall{ToolUseID: "toolu_1", Name: ToolWebFetch,
			Arguments: json.RawMessage(`{"url":"http://example.com/old","prompt":"what changed?"}`)}),
		textStep("threading support landed", "", nil), // analysis pass
		textStep("summarized", "resp_2", nil),
	}}
	rt := New(WithProvider(p), WithStore(newMemStore(t)), WithProjectDir(t.TempDir()),
		WithTools(NewToolRegistry(fetch)))

	res, err := rt.Run(context.Background(), "check the page")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var tr *ToolResult
	for _, e := range res.Events {
		if r, ok := e.(*ToolResult); ok {
			tr = r
		}
	}
	if tr == nil {
		t.Fatal("tool result missing")
	}
	var out struct {
		URL        string `json:"url"`
		FinalURL   string `json:"final_url"`
		StatusCode int    `json:"status_code"`
		Response   string `json:"response"`
	}
	if err := json.Unmarshal(tr.Output, &out); err != nil {
		t.Fatalf("tool output = %s: %v", tr.Output, err)
	}
	if out.FinalURL != "http://example.com/new" || out.StatusCode != 200 {
		t.Errorf("output = %+v, want the fetch details carried through", out)
	}
	if out.Response != "threading support landed" {
		t.Errorf("response = %q", out.Response)
	}

	// The analysis pass is a single user item: prompt plus page content.
	reqs := p.requests()
	if len(reqs) != 3 {
		t.Fatalf("provider saw %d calls, want 3", len(reqs))
	}
	analysis := reqs[1]
	if len(analysis.Input) != 1 || analysis.Input[0].Role != "user" {
		t.Fatalf("analysis input = %+v, want one user item", analysis.Input)
	}
	if !strings.Contains(analysis.Input[0].Content, "what changed?") ||
		!strings.Contains(analysis.Input[0].Content, "CONTENT:") {
		t.Errorf("analysis content = %q", analysis.Input[0].Content)
	}
}

func TestRunTodoWriteUsesRegisteredTool(t *testing.T) {
	store := newMemStore(t)
	ran := false
	todo := NewTool(ToolTodoWrite, "Track todos.", nil,
		func(_ context.Context, input json.RawMessage, _ ToolContext) (any, error) {
			ran = true
			return map[string]any{"ack": true}, nil
		})
	p := &scriptProvider{steps: []scriptStep{
		callStep("resp_1", ToolCall{ToolUseID: "toolu_1", Name: ToolTodoWrite,
			Arguments: json.RawMessage(`{"todos":[{"content":"ship it","status":"pending"}]}`)}),
		textStep("tracked", "resp_2", nil),
	}}
	rt := New(WithProvider(p), WithStore(store), WithProjectDir(t.TempDir()),
		WithTools(NewToolRegistry(todo)))

	res, err := rt.Run(context.Background(), "track this")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ran {
		t.Error("registered TodoWrite tool not invoked")
	}
	var tr *ToolResult
	for _, e := range res.Events {
		if r, ok := e.(*ToolResult); ok {
			tr = r
		}
	}
	if tr == nil || !strings.Contains(string(tr.Output), `"ack":true`) {
		t.Errorf("tool output = %s, want the registered tool's output", tr.Output)
	}

	// The runtime still mirrors the list into the session directory.
	dir, err := store.SessionDir(res.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "todos.json"))
	if err != nil {
		t.Fatalf("todos.json not written: %v", err)
	}
	if !strings.Contains(string(raw), "ship it") {
		t.Errorf("todos.json = %s", raw)
	}
}

func TestRunStampsMissingToolUseIDs(t *testing.T) {
	p := &scriptProvider{steps: []scriptStep{
		callStep("resp_1", ToolCall{Name: "Echo", Arguments: json.RawMessage(`{"text":"hi"}`)}),
		textStep("done", "resp_2", nil),
	}}
	rt := New(WithProvider(p), WithStore(newMemStore(t)), WithTools(NewToolRegistry(echoTool())),
		WithProjectDir(t.TempDir()))

	res, err := rt.Run(context.Background(), "echo hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var tu *ToolUse
	var tr *ToolResult
	for _, e := range res.Events {
		switch ev := e.(type) {
		case *ToolUse:
			tu = ev
		case *ToolResult:
			tr = ev
		}
	}
	if tu == nil || !strings.HasPrefix(tu.ToolUseID, "toolu_") {
		t.Fatalf("tool.use = %+v, want a generated toolu_ id", tu)
	}
	if tr == nil || tr.ToolUseID != tu.ToolUseID {
		t.Errorf("tool.result id = %+v, want paired with the tool.use", tr)
	}
}

func TestRunCarriesProviderMetadata(t *testing.T) {
	noThreading := false
	p := &legacyScriptProvider{scriptProvider{steps: []scriptStep{
		{out: ModelOutput{
			AssistantText:    "hello",
			ProviderMetadata: &ProviderMetadata{SupportsPreviousResponseID: &noThreading},
		}},
	}}}
	rt := New(WithProvider(p), WithStore(newMemStore(t)), WithProjectDir(t.TempDir()))

	res, err := rt.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	final := res.Events[len(res.Events)-1].(*Result)
	pm := final.ProviderMetadata
	if pm == nil || pm.Protocol != "legacy" {
		t.Fatalf("provider metadata = %+v", pm)
	}
	// Provider-reported fields survive alongside the protocol stamp.
	if pm.SupportsPreviousResponseID == nil || *pm.SupportsPreviousResponseID {
		t.Errorf("provider metadata = %+v, want the provider's threading hint kept", pm)
	}
}

package conduit

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Version is surfaced in system.init events.
const Version = "0.3.0"

// AbortFlag requests cooperative cancellation of a run. The runtime polls
// it at the top of each loop iteration and between stream events.
type AbortFlag struct {
	aborted atomic.Bool
}

// Abort signals the flag. Safe to call from any goroutine, repeatedly.
func (a *AbortFlag) Abort() { a.aborted.Store(true) }

// Aborted reports whether Abort has been called.
func (a *AbortFlag) Aborted() bool {
	return a != nil && a.aborted.Load()
}

// AgentDefinition configures a named subagent invocable via the Task tool.
// Zero fields inherit the parent run's configuration.
type AgentDefinition struct {
	Description string
	// Prompt is prepended to the task prompt.
	Prompt   string
	Provider Provider
	Model    string
	// Tools restricts the child's allowed tools.
	Tools    []string
	MaxSteps int
}

// Options is the full, immutable run configuration. Build it with New and
// functional options; a Runtime copies it once and never mutates it.
type Options struct {
	Provider     Provider
	Model        string
	APIKey       string
	SystemPrompt string

	Cwd        string
	ProjectDir string

	MaxSteps int
	Timeout  time.Duration

	Registry     *ToolRegistry
	AllowedTools []string // nil = all
	Gate         *PermissionGate
	Hooks        *HookEngine

	Store       SessionStore
	SessionRoot string
	Resume      string // session id to resume

	SettingSources []string
	Agents         map[string]AgentDefinition
	MCPServers     map[string]MCPServerConfig
	Commands       map[string]string // name -> template override

	Compaction             CompactionOptions
	IncludePartialMessages bool
	InstructionFiles       []string

	ResumeMaxEvents int
	ResumeMaxBytes  int

	Abort  *AbortFlag
	Logger *slog.Logger
	Tracer Tracer

	// sessionMeta is merged into the session metadata at creation. Task
	// dispatch uses it to record the child's parentage.
	sessionMeta map[string]any
}

// Option configures a Runtime.
type Option func(*Options)

func WithProvider(p Provider) Option        { return func(o *Options) { o.Provider = p } }
func WithModel(model string) Option         { return func(o *Options) { o.Model = model } }
func WithAPIKey(key string) Option          { return func(o *Options) { o.APIKey = key } }
func WithSystemPrompt(prompt string) Option { return func(o *Options) { o.SystemPrompt = prompt } }
func WithCwd(cwd string) Option             { return func(o *Options) { o.Cwd = cwd } }
func WithProjectDir(dir string) Option      { return func(o *Options) { o.ProjectDir = dir } }
func WithMaxSteps(n int) Option             { return func(o *Options) { o.MaxSteps = n } }
func WithTimeout(d time.Duration) Option    { return func(o *Options) { o.Timeout = d } }

// WithTools sets the tool registry.
func WithTools(r *ToolRegistry) Option { return func(o *Options) { o.Registry = r } }

// WithAllowedTools restricts which tools the model may call. Nil means all.
func WithAllowedTools(names ...string) Option {
	return func(o *Options) { o.AllowedTools = names }
}

func WithPermissionGate(g *PermissionGate) Option { return func(o *Options) { o.Gate = g } }
func WithHooks(h *HookEngine) Option              { return func(o *Options) { o.Hooks = h } }
func WithStore(s SessionStore) Option             { return func(o *Options) { o.Store = s } }
func WithSessionRoot(dir string) Option           { return func(o *Options) { o.SessionRoot = dir } }

// WithResume continues an existing session instead of creating one.
func WithResume(sessionID string) Option { return func(o *Options) { o.Resume = sessionID } }

// WithSettingSources opts into configuration scopes ("project").
func WithSettingSources(sources ...string) Option {
	return func(o *Options) { o.SettingSources = sources }
}

// WithAgents configures named subagents and enables the Task tool.
func WithAgents(agents map[string]AgentDefinition) Option {
	return func(o *Options) { o.Agents = agents }
}

// WithMCPServers configures MCP servers whose tools are registered at run
// start.
func WithMCPServers(servers map[string]MCPServerConfig) Option {
	return func(o *Options) { o.MCPServers = servers }
}

// WithCommands sets config-level slash command templates, which shadow
// on-disk templates of the same name.
func WithCommands(commands map[string]string) Option {
	return func(o *Options) { o.Commands = commands }
}

func WithCompaction(c CompactionOptions) Option { return func(o *Options) { o.Compaction = c } }

// WithPartialMessages enables assistant.delta persistence and emission.
func WithPartialMessages(enabled bool) Option {
	return func(o *Options) { o.IncludePartialMessages = enabled }
}

// WithInstructionFiles adds glob specs of files merged into the system
// prompt (requires the "project" setting source).
func WithInstructionFiles(specs ...string) Option {
	return func(o *Options) { o.InstructionFiles = specs }
}

func WithAbortFlag(a *AbortFlag) Option { return func(o *Options) { o.Abort = a } }
func WithLogger(l *slog.Logger) Option  { return func(o *Options) { o.Logger = l } }
func WithTracer(t Tracer) Option        { return func(o *Options) { o.Tracer = t } }

// Defaults applied by New.
const (
	DefaultMaxSteps = 50
)

func (o *Options) applyDefaults() {
	if o.MaxSteps <= 0 {
		o.MaxSteps = DefaultMaxSteps
	}
	if o.Registry == nil {
		o.Registry = NewToolRegistry()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.ResumeMaxEvents <= 0 {
		o.ResumeMaxEvents = DefaultRebuildMaxEvents
	}
	if o.ResumeMaxBytes <= 0 {
		o.ResumeMaxBytes = DefaultRebuildMaxBytes
	}
}

func (o Options) hasSettingSource(name string) bool {
	for _, s := range o.SettingSources {
		if s == name {
			return true
		}
	}
	return false
}

func (o Options) projectDirOrCwd() string {
	if o.ProjectDir != "" {
		return o.ProjectDir
	}
	return o.Cwd
}

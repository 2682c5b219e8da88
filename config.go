package conduit

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// RuntimeConfig is the TOML file configuration for host processes. It
// covers the scalar parts of Options; providers, tools, hooks, and gates
// are wired in code.
type RuntimeConfig struct {
	Provider   ProviderConfig   `toml:"provider"`
	Session    SessionConfig    `toml:"session"`
	Loop       LoopConfig       `toml:"loop"`
	Compaction CompactionConfig `toml:"compaction"`
	Observer   ObserverConfig   `toml:"observer"`
}

type ProviderConfig struct {
	Name      string `toml:"name"`
	Model     string `toml:"model"`
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	APIKeyEnv string `toml:"api_key_env"`
}

type SessionConfig struct {
	Root   string `toml:"root"`
	Driver string `toml:"driver"` // file | sqlite | postgres
	DSN    string `toml:"dsn"`
}

type LoopConfig struct {
	MaxSteps         int      `toml:"max_steps"`
	PermissionMode   string   `toml:"permission_mode"`
	PartialMessages  bool     `toml:"partial_messages"`
	SettingSources   []string `toml:"setting_sources"`
	InstructionFiles []string `toml:"instruction_files"`
}

type CompactionConfig struct {
	Prune                 bool    `toml:"prune"`
	KeepRecentToolResults int     `toml:"keep_recent_tool_results"`
	Auto                  bool    `toml:"auto"`
	ContextLimit          int     `toml:"context_limit"`
	Threshold             float64 `toml:"threshold"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns a RuntimeConfig with defaults applied.
func DefaultConfig() RuntimeConfig {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return RuntimeConfig{
		Provider: ProviderConfig{Name: "openai", Model: "gpt-4.1-mini", APIKeyEnv: "OPENAI_API_KEY"},
		Session:  SessionConfig{Root: filepath.Join(home, ".conduit", "sessions"), Driver: "file"},
		Loop:     LoopConfig{MaxSteps: DefaultMaxSteps, PermissionMode: string(PermissionDefault)},
		Compaction: CompactionConfig{
			KeepRecentToolResults: DefaultKeepRecentToolResults,
			Threshold:             0.85,
		},
	}
}

// LoadConfig reads a TOML config file over the defaults. A missing path
// returns the defaults.
func LoadConfig(path string) (RuntimeConfig, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ResolvedAPIKey returns the configured key, falling back to the named
// environment variable.
func (p ProviderConfig) ResolvedAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	return ""
}

// RuntimeOptions converts the file config into functional options. The
// provider itself comes from provider/resolve or direct construction.
func (c RuntimeConfig) RuntimeOptions() []Option {
	opts := []Option{
		WithModel(c.Provider.Model),
		WithAPIKey(c.Provider.ResolvedAPIKey()),
		WithSessionRoot(c.Session.Root),
		WithMaxSteps(c.Loop.MaxSteps),
		WithPartialMessages(c.Loop.PartialMessages),
		WithCompaction(CompactionOptions{
			Prune:                 c.Compaction.Prune,
			KeepRecentToolResults: c.Compaction.KeepRecentToolResults,
			Auto:                  c.Compaction.Auto,
			ContextLimit:          c.Compaction.ContextLimit,
			Threshold:             c.Compaction.Threshold,
		}),
	}
	if len(c.Loop.SettingSources) > 0 {
		opts = append(opts, WithSettingSources(c.Loop.SettingSources...))
	}
	if len(c.Loop.InstructionFiles) > 0 {
		opts = append(opts, WithInstructionFiles(c.Loop.InstructionFiles...))
	}
	if c.Loop.PermissionMode != "" {
		opts = append(opts, WithPermissionGate(&PermissionGate{Mode: PermissionMode(c.Loop.PermissionMode)}))
	}
	return opts
}

// Package shell provides the Bash tool: shell command execution in the
// run's working directory with a timeout and a small safety blocklist.
package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	conduit "github.com/nevindra/conduit"
)

const (
	defaultTimeoutSec = 30
	maxTimeoutSec     = 300
	maxOutputBytes    = 30_000
)

var blocked = []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}

// Option configures the Bash tool.
type Option func(*settings)

type settings struct {
	timeoutSec int
}

// WithDefaultTimeout sets the default command timeout in seconds.
func WithDefaultTimeout(sec int) Option {
	return func(s *settings) {
		if sec > 0 {
			s.timeoutSec = sec
		}
	}
}

// BashTool runs shell commands via sh -c in the working directory and
// returns merged stdout/stderr.
func BashTool(opts ...Option) conduit.Tool {
	cfg := settings{timeoutSec: defaultTimeoutSec}
	for _, opt := range opts {
		opt(&cfg)
	}

	schema := json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30)"}},"required":["command"]}`)
	return conduit.NewTool("Bash", "Execute a shell command in the working directory. Returns stdout and stderr.", schema,
		func(ctx context.Context, input json.RawMessage, tc conduit.ToolContext) (any, error) {
			var params struct {
				Command string `json:"command"`
				Timeout int    `json:"timeout"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, fmt.Errorf("invalid args: %w", err)
			}
			if params.Command == "" {
				return nil, fmt.Errorf("command is required")
			}

			lower := strings.ToLower(params.Command)
			for _, b := range blocked {
				if strings.Contains(lower, b) {
					return nil, fmt.Errorf("command blocked for safety: %s", b)
				}
			}

			timeout := cfg.timeoutSec
			if params.Timeout > 0 {
				timeout = params.Timeout
			}
			if timeout > maxTimeoutSec {
				timeout = maxTimeoutSec
			}

			cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
			defer cancel()

			cmd := exec.CommandContext(cmdCtx, "sh", "-c", params.Command)
			cmd.Dir = tc.Cwd

			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			runErr := cmd.Run()

			output := stdout.String()
			if stderr.Len() > 0 {
				if output != "" {
					output += "\n--- stderr ---\n"
				}
				output += stderr.String()
			}
			if len(output) > maxOutputBytes {
				output = output[:maxOutputBytes] + "\n... (truncated)"
			}

			if runErr != nil {
				if cmdCtx.Err() == context.DeadlineExceeded {
					return nil, fmt.Errorf("command timed out after %ds", timeout)
				}
				if output == "" {
					return nil, fmt.Errorf("exit: %w", runErr)
				}
				return map[string]any{"output": output, "exit_error": runErr.Error()}, nil
			}

			if output == "" {
				output = "(no output)"
			}
			return map[string]any{"output": output}, nil
		})
}

package conduit

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// CommandTemplate is a slash-command prompt template.
type CommandTemplate struct {
	Name    string
	Source  string
	Content string
}

// globalCommandDir returns the global command template directory,
// honoring OPENCODE_CONFIG_DIR.
func globalCommandDir() string {
	if dir := os.Getenv("OPENCODE_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, "commands")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "opencode", "commands")
}

// LoadCommandTemplate resolves a command template by name. Precedence:
// configured overrides, project .opencode/commands, project
// .claude/commands (compat), then the global command directory.
func LoadCommandTemplate(name, projectDir string, overrides map[string]string) (*CommandTemplate, bool) {
	if name == "" {
		return nil, false
	}
	if tpl, ok := overrides[name]; ok && strings.TrimSpace(tpl) != "" {
		return &CommandTemplate{Name: name, Source: "config:" + name, Content: strings.TrimSpace(tpl)}, true
	}

	candidates := []string{
		filepath.Join(projectDir, ".opencode", "commands", name+".md"),
		filepath.Join(projectDir, ".claude", "commands", name+".md"),
	}
	if global := globalCommandDir(); global != "" {
		candidates = append(candidates, filepath.Join(global, name+".md"))
	}
	for _, p := range candidates {
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		return &CommandTemplate{Name: name, Source: p, Content: string(raw)}, true
	}
	return nil, false
}

// ListCommands returns the command names visible from the project, for the
// system prompt index.
func ListCommands(projectDir string, overrides map[string]string) []CommandTemplate {
	seen := make(map[string]bool)
	var out []CommandTemplate
	for name := range overrides {
		if !seen[name] {
			out = append(out, CommandTemplate{Name: name, Source: "config:" + name})
			seen[name] = true
		}
	}
	dirs := []string{
		filepath.Join(projectDir, ".opencode", "commands"),
		filepath.Join(projectDir, ".claude", "commands"),
	}
	if global := globalCommandDir(); global != "" {
		dirs = append(dirs, global)
	}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, ent := range entries {
			if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".md") {
				continue
			}
			name := strings.TrimSuffix(ent.Name(), ".md")
			if !seen[name] {
				out = append(out, CommandTemplate{Name: name, Source: filepath.Join(dir, ent.Name())})
				seen[name] = true
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ExpandCommandArgs substitutes $ARGUMENTS and positional $1..$20 into a
// template. Positionals come from a shell-style split of args.
func ExpandCommandArgs(template, args string) string {
	out := strings.ReplaceAll(template, "$ARGUMENTS", args)
	parts := shellSplit(args)
	// Highest index first so $12 is not clobbered by $1.
	for i := 20; i >= 1; i-- {
		val := ""
		if i-1 < len(parts) {
			val = parts[i-1]
		}
		out = strings.ReplaceAll(out, fmt.Sprintf("$%d", i), val)
	}
	return out
}

// shellSplit splits a string on whitespace honoring single and double
// quotes. Malformed quoting falls back to plain field splitting.
func shellSplit(s string) []string {
	var parts []string
	var cur strings.Builder
	var quote rune
	escaped := false
	flush := func() {
		if cur.Len() > 0 {
			parts = append(parts, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if quote != 0 || escaped {
		return strings.Fields(s)
	}
	flush()
	return parts
}

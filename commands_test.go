package conduit

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCommand(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadCommandTemplatePrecedence(t *testing.T) {
	project := t.TempDir()
	global := t.TempDir()
	t.Setenv("OPENCODE_CONFIG_DIR", global)

	writeCommand(t, filepath.Join(global, "commands"), "deploy", "global deploy")
	writeCommand(t, filepath.Join(project, ".claude", "commands"), "deploy", "claude deploy")
	writeCommand(t, filepath.Join(project, ".opencode", "commands"), "deploy", "opencode deploy")

	tpl, ok := LoadCommandTemplate("deploy", project, map[string]string{"deploy": "override deploy"})
	if !ok || tpl.Content != "override deploy" {
		t.Errorf("got %+v, want the configured override", tpl)
	}

	tpl, ok = LoadCommandTemplate("deploy", project, nil)
	if !ok || tpl.Content != "opencode deploy" {
		t.Errorf("got %+v, want .opencode to win over .claude", tpl)
	}

	if err := os.RemoveAll(filepath.Join(project, ".opencode")); err != nil {
		t.Fatal(err)
	}
	tpl, ok = LoadCommandTemplate("deploy", project, nil)
	if !ok || tpl.Content != "claude deploy" {
		t.Errorf("got %+v, want .claude fallback", tpl)
	}

	if err := os.RemoveAll(filepath.Join(project, ".claude")); err != nil {
		t.Fatal(err)
	}
	tpl, ok = LoadCommandTemplate("deploy", project, nil)
	if !ok || tpl.Content != "global deploy" {
		t.Errorf("got %+v, want the global template", tpl)
	}

	if _, ok := LoadCommandTemplate("missing", project, nil); ok {
		t.Error("unknown command must not resolve")
	}
	if _, ok := LoadCommandTemplate("", project, nil); ok {
		t.Error("empty name must not resolve")
	}
}

func TestLoadCommandTemplateBlankOverrideFallsThrough(t *testing.T) {
	project := t.TempDir()
	t.Setenv("OPENCODE_CONFIG_DIR", t.TempDir())
	writeCommand(t, filepath.Join(project, ".opencode", "commands"), "lint", "run the linter")

	tpl, ok := LoadCommandTemplate("lint", project, map[string]string{"lint": "   "})
	if !ok || tpl.Content != "run the linter" {
		t.Errorf("got %+v, want blank override ignored", tpl)
	}
}

func TestListCommands(t *testing.T) {
	project := t.TempDir()
	t.Setenv("OPENCODE_CONFIG_DIR", t.TempDir())

	writeCommand(t, filepath.Join(project, ".opencode", "commands"), "deploy", "x")
	writeCommand(t, filepath.Join(project, ".claude", "commands"), "deploy", "shadowed")
	writeCommand(t, filepath.Join(project, ".claude", "commands"), "review", "y")

	cmds := ListCommands(project, map[string]string{"audit": "z"})
	if len(cmds) != 3 {
		t.Fatalf("len = %d, want 3 (%+v)", len(cmds), cmds)
	}
	for i, want := range []string{"audit", "deploy", "review"} {
		if cmds[i].Name != want {
			t.Errorf("cmds[%d] = %q, want %q (sorted, deduped)", i, cmds[i].Name, want)
		}
	}
}

func TestExpandCommandArgs(t *testing.T) {
	tests := []struct {
		template string
		args     string
		want     string
	}{
		{"review $ARGUMENTS now", "the diff", "review the diff now"},
		{"fix $1 in $2", "parser lexer", "fix parser in lexer"},
		{"open $1", `"my file.txt"`, "open my file.txt"},
		{"open $1 $2", "'a b' c", "open a b c"},
		{"need $3", "a b", "need "},
		{"$1 then $12", "a b c d e f g h i j k l", "a then l"},
		{"plain text", "ignored", "plain text"},
	}
	for _, tt := range tests {
		if got := ExpandCommandArgs(tt.template, tt.args); got != tt.want {
			t.Errorf("ExpandCommandArgs(%q, %q) = %q, want %q", tt.template, tt.args, got, tt.want)
		}
	}
}

func TestShellSplit(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{`a b c`, []string{"a", "b", "c"}},
		{`"a b" c`, []string{"a b", "c"}},
		{`'a "b"' c`, []string{`a "b"`, "c"}},
		{`a\ b c`, []string{"a b", "c"}},
		{`"unterminated a b`, []string{`"unterminated`, "a", "b"}},
		{``, nil},
	}
	for _, tt := range tests {
		got := shellSplit(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("shellSplit(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("shellSplit(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
			}
		}
	}
}

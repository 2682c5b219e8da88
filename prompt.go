package conduit

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// System prompt assembly. The runtime keeps a single base system prompt
// string and restamps it at position 0 of the window each iteration,
// re-rendered with the current active skill set.

// buildSystemPrompt assembles the base system prompt from the configured
// system prompt, project rules and memory files, the slash-command index,
// and explicit instruction files. Project-scoped loading is opt-in via the
// "project" setting source.
func buildSystemPrompt(o Options) string {
	var parts []string
	if s := strings.TrimSpace(o.SystemPrompt); s != "" {
		parts = append(parts, s)
	}

	if o.hasSettingSource("project") {
		projectDir := o.projectDirOrCwd()

		for _, p := range []string{
			filepath.Join(o.SessionRoot, "AGENTS.md"),
			filepath.Join(projectDir, "AGENTS.md"),
		} {
			if txt := readTrimmed(p); txt != "" {
				parts = append(parts, "## Rules (AGENTS.md)\nSource: "+p+"\n\n"+txt)
			}
		}

		if memory := readTrimmed(filepath.Join(projectDir, "CLAUDE.md")); memory != "" {
			parts = append(parts, "## Project Memory (CLAUDE.md)\n"+memory)
		} else if memory := readTrimmed(filepath.Join(projectDir, ".claude", "CLAUDE.md")); memory != "" {
			parts = append(parts, "## Project Memory (CLAUDE.md)\n"+memory)
		}

		if commands := ListCommands(projectDir, o.Commands); len(commands) > 0 {
			lines := []string{"## Slash Commands"}
			for _, c := range commands {
				lines = append(lines, fmt.Sprintf("- /%s (%s)", c.Name, c.Source))
			}
			parts = append(parts, strings.Join(lines, "\n"))
		}

		for _, p := range resolveInstructionGlobs(projectDir, o.InstructionFiles) {
			if txt := readTrimmed(p); txt != "" {
				parts = append(parts, "## Additional Instructions\nSource: "+filepath.Base(p)+"\n\n"+txt)
			}
		}
	}

	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

// renderSystemPrompt appends the active-skills block to the base prompt.
func renderSystemPrompt(base string, activeSkills []Skill) string {
	if len(activeSkills) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	if base != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("## Active Skills")
	for _, s := range activeSkills {
		b.WriteString("\n\n### Skill: " + s.Name + "\n")
		b.WriteString(s.Content)
	}
	return b.String()
}

func readTrimmed(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// resolveInstructionGlobs expands instruction file specs (optionally
// "file:"-prefixed, relative to the project dir) into a sorted, deduped
// path list.
func resolveInstructionGlobs(projectDir string, specs []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, raw := range specs {
		spec := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "file:"))
		if spec == "" {
			continue
		}
		if !filepath.IsAbs(spec) {
			spec = filepath.Join(projectDir, spec)
		}
		matches, err := filepath.Glob(spec)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && !info.IsDir() && !seen[m] {
				out = append(out, m)
				seen[m] = true
			}
		}
	}
	sort.Strings(out)
	return out
}

// Prompt expansions: best-effort rewrites of the raw user prompt, applied
// before the user.message is persisted.

var execSkillRe = regexp.MustCompile(`(?i)^\s*(?:执行技能|运行技能|run skill|execute skill)\s*[:：]?\s*([A-Za-z0-9_.-]+)\s*$`)

var listSkillsRe = regexp.MustCompile(`(?i)^\s*(?:what\s+skills\s+are\s+available\??|list\s+skills|有哪些技能\??|有什么技能\??|技能有哪些\??)\s*$`)

// maybeExpandExecuteSkillPrompt rewrites "execute skill NAME" into an
// instruction block telling the model to activate the skill and follow its
// checklist. No-op when the skill does not exist.
func maybeExpandExecuteSkillPrompt(prompt, projectDir string) string {
	m := execSkillRe.FindStringSubmatch(prompt)
	if m == nil {
		return prompt
	}
	name := m[1]
	if _, ok := FindSkill(projectDir, name); !ok {
		return prompt
	}
	return "你正在执行技能 `" + name + "`。\n" +
		"除非技能文档明确要求，否则不要向用户询问额外的目标/输入。\n" +
		"请严格按技能的 Workflow/Checklist 执行。\n\n" +
		"你 MUST 调用 `Skill` 工具加载该技能：`Skill({\"name\": \"" + name + "\"})`。\n"
}

// maybeExpandListSkillsPrompt rewrites "list skills" style prompts into an
// instruction to enumerate skills from the Skill tool description. No-op
// when the project has no skills.
func maybeExpandListSkillsPrompt(prompt, projectDir string) string {
	if !listSkillsRe.MatchString(prompt) {
		return prompt
	}
	if len(IndexSkills(projectDir)) == 0 {
		return prompt
	}
	return "List the available Skills for this project.\n" +
		"The available skills are listed in the `Skill` tool description under <available_skills>.\n" +
		"Present them as a short bullet list: `name` — description (or summary).\n"
}

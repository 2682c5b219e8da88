package conduit

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Skill is a reusable procedure loaded from a SKILL.md file. Summary is the
// first paragraph; Checklist collects the items under a "Checklist" or
// "Workflow" heading.
type Skill struct {
	Name      string
	Summary   string
	Checklist []string
	Content   string
	Path      string
}

// skillDirs are the project-relative roots scanned for skills, in
// precedence order. A skill in an earlier root shadows the same name later.
var skillDirs = []string{
	filepath.Join(".claude", "skills"),
	filepath.Join(".opencode", "skills"),
}

// IndexSkills scans the project for `<root>/<name>/SKILL.md` files and
// parses each. Unreadable or empty files are skipped.
func IndexSkills(projectDir string) []Skill {
	seen := make(map[string]bool)
	var skills []Skill
	for _, rel := range skillDirs {
		root := filepath.Join(projectDir, rel)
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, ent := range entries {
			if !ent.IsDir() || seen[ent.Name()] {
				continue
			}
			path := filepath.Join(root, ent.Name(), "SKILL.md")
			raw, err := os.ReadFile(path)
			if err != nil || len(strings.TrimSpace(string(raw))) == 0 {
				continue
			}
			s := parseSkill(ent.Name(), string(raw))
			s.Path = path
			skills = append(skills, s)
			seen[ent.Name()] = true
		}
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills
}

// FindSkill returns the named skill from the project index.
func FindSkill(projectDir, name string) (Skill, bool) {
	for _, s := range IndexSkills(projectDir) {
		if s.Name == name {
			return s, true
		}
	}
	return Skill{}, false
}

// parseSkill extracts the summary and checklist from SKILL.md markdown.
// A leading "---" frontmatter block may override the name via "name:".
func parseSkill(name, content string) Skill {
	body := content
	if fm, rest, ok := splitFrontmatter(content); ok {
		body = rest
		if v := frontmatterValue(fm, "name"); v != "" {
			name = v
		}
	}

	s := Skill{Name: name, Content: strings.TrimSpace(body)}

	md := goldmark.New()
	src := []byte(body)
	doc := md.Parser().Parse(text.NewReader(src))

	inChecklist := false
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			title := strings.ToLower(strings.TrimSpace(nodeText(node, src)))
			inChecklist = strings.Contains(title, "checklist") || strings.Contains(title, "workflow")
		case *ast.Paragraph:
			if s.Summary == "" && node.Parent() != nil && node.Parent().Kind() == ast.KindDocument {
				s.Summary = strings.TrimSpace(nodeText(node, src))
			}
		case *ast.ListItem:
			if inChecklist {
				if item := strings.TrimSpace(nodeText(node, src)); item != "" {
					s.Checklist = append(s.Checklist, item)
				}
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return s
}

// nodeText extracts the raw text under a node.
func nodeText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(src))
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

// splitFrontmatter splits a leading "---" delimited block from markdown.
func splitFrontmatter(content string) (frontmatter, rest string, ok bool) {
	if !strings.HasPrefix(content, "---\n") {
		return "", content, false
	}
	end := strings.Index(content[4:], "\n---")
	if end < 0 {
		return "", content, false
	}
	fm := content[4 : 4+end]
	rest = content[4+end+4:]
	return fm, rest, true
}

func frontmatterValue(fm, key string) string {
	for _, line := range strings.Split(fm, "\n") {
		k, v, found := strings.Cut(line, ":")
		if found && strings.TrimSpace(k) == key {
			return strings.Trim(strings.TrimSpace(v), `"'`)
		}
	}
	return ""
}

// skillToolDescription builds the Skill tool description, embedding the
// project's skill index so the model can discover skills without a call.
func skillToolDescription(skills []Skill) string {
	var b strings.Builder
	b.WriteString("Activate a named skill. The skill's content is returned and added to the active skill set.\n")
	if len(skills) == 0 {
		return b.String()
	}
	b.WriteString("<available_skills>\n")
	for _, s := range skills {
		b.WriteString("- " + s.Name)
		if s.Summary != "" {
			b.WriteString(": " + s.Summary)
		}
		b.WriteString("\n")
	}
	b.WriteString("</available_skills>")
	return b.String()
}

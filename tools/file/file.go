// Package file provides the filesystem tools: Read, Write, Edit, Glob,
// and Grep. All paths resolve inside the run's working directory; escapes
// are rejected.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"

	conduit "github.com/nevindra/conduit"
)

const (
	maxReadBytes   = 50_000
	maxGrepMatches = 200
	maxGrepFile    = 1 << 20
)

// Tools returns the full filesystem toolset.
func Tools() []conduit.Tool {
	return []conduit.Tool{ReadTool(), WriteTool(), EditTool(), GlobTool(), GrepTool()}
}

// resolvePath joins path onto cwd, rejecting absolute paths that escape it
// and any traversal outside the working directory.
func resolvePath(cwd, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(cwd, resolved)
	}
	resolved = filepath.Clean(resolved)
	rel, err := filepath.Rel(cwd, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes working directory: %s", path)
	}
	return resolved, nil
}

// ReadTool reads a file. PDF files are decoded to plain text; everything
// else is returned as-is, truncated past the read limit.
func ReadTool() conduit.Tool {
	schema := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the working directory"},"offset":{"type":"integer","description":"1-based line to start from"},"limit":{"type":"integer","description":"Max lines to return"}},"required":["path"]}`)
	return conduit.NewTool("Read", "Read a file from the working directory. PDF files are converted to plain text.", schema,
		func(_ context.Context, input json.RawMessage, tc conduit.ToolContext) (any, error) {
			var params struct {
				Path   string `json:"path"`
				Offset int    `json:"offset"`
				Limit  int    `json:"limit"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, fmt.Errorf("invalid args: %w", err)
			}
			path, err := resolvePath(tc.Cwd, params.Path)
			if err != nil {
				return nil, err
			}

			var content string
			if strings.EqualFold(filepath.Ext(path), ".pdf") {
				content, err = readPDF(path)
			} else {
				content, err = readText(path)
			}
			if err != nil {
				return nil, err
			}

			if params.Offset > 0 || params.Limit > 0 {
				content = sliceLines(content, params.Offset, params.Limit)
			}
			truncated := false
			if len(content) > maxReadBytes {
				content = content[:maxReadBytes]
				truncated = true
			}
			return map[string]any{"path": params.Path, "content": content, "truncated": truncated}, nil
		})
}

func readText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return string(data), nil
}

func readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}
	return string(text), nil
}

func sliceLines(content string, offset, limit int) string {
	lines := strings.Split(content, "\n")
	start := 0
	if offset > 1 {
		start = offset - 1
	}
	if start >= len(lines) {
		return ""
	}
	end := len(lines)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return strings.Join(lines[start:end], "\n")
}

// WriteTool writes a file, creating parent directories as needed.
func WriteTool() conduit.Tool {
	schema := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`)
	return conduit.NewTool("Write", "Write content to a file in the working directory, creating parent directories if needed.", schema,
		func(_ context.Context, input json.RawMessage, tc conduit.ToolContext) (any, error) {
			var params struct {
				Path    string `json:"path"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, fmt.Errorf("invalid args: %w", err)
			}
			path, err := resolvePath(tc.Cwd, params.Path)
			if err != nil {
				return nil, err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("mkdir: %w", err)
			}
			if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
				return nil, fmt.Errorf("write %s: %w", filepath.Base(path), err)
			}
			return map[string]any{"path": params.Path, "bytes": len(params.Content)}, nil
		})
}

// EditTool replaces an exact string in a file. The old string must exist;
// replace_all controls whether every occurrence is replaced.
func EditTool() conduit.Tool {
	schema := json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"old_string":{"type":"string"},"new_string":{"type":"string"},"replace_all":{"type":"boolean"}},"required":["path","old_string","new_string"]}`)
	return conduit.NewTool("Edit", "Replace an exact string in a file. Fails when the old string is absent.", schema,
		func(_ context.Context, input json.RawMessage, tc conduit.ToolContext) (any, error) {
			var params struct {
				Path       string `json:"path"`
				OldString  string `json:"old_string"`
				NewString  string `json:"new_string"`
				ReplaceAll bool   `json:"replace_all"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, fmt.Errorf("invalid args: %w", err)
			}
			if params.OldString == params.NewString {
				return nil, fmt.Errorf("old_string and new_string are identical")
			}
			path, err := resolvePath(tc.Cwd, params.Path)
			if err != nil {
				return nil, err
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
			}
			content := string(data)
			count := strings.Count(content, params.OldString)
			if count == 0 {
				return nil, fmt.Errorf("old_string not found in %s", params.Path)
			}
			replaced := count
			if params.ReplaceAll {
				content = strings.ReplaceAll(content, params.OldString, params.NewString)
			} else {
				if count > 1 {
					return nil, fmt.Errorf("old_string occurs %d times in %s; pass replace_all or a longer match", count, params.Path)
				}
				content = strings.Replace(content, params.OldString, params.NewString, 1)
				replaced = 1
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return nil, fmt.Errorf("write %s: %w", filepath.Base(path), err)
			}
			return map[string]any{"path": params.Path, "replacements": replaced}, nil
		})
}

// GlobTool matches files under the working directory. ** crosses directory
// boundaries.
func GlobTool() conduit.Tool {
	schema := json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string","description":"Glob pattern, e.g. **/*.go"}},"required":["pattern"]}`)
	return conduit.NewTool("Glob", "Find files matching a glob pattern under the working directory.", schema,
		func(_ context.Context, input json.RawMessage, tc conduit.ToolContext) (any, error) {
			var params struct {
				Pattern string `json:"pattern"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, fmt.Errorf("invalid args: %w", err)
			}
			if params.Pattern == "" {
				return nil, fmt.Errorf("pattern is required")
			}
			re, err := globToRegexp(params.Pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern: %w", err)
			}
			var matches []string
			err = filepath.WalkDir(tc.Cwd, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if d.IsDir() {
					if d.Name() == ".git" {
						return filepath.SkipDir
					}
					return nil
				}
				rel, err := filepath.Rel(tc.Cwd, path)
				if err != nil {
					return nil
				}
				if re.MatchString(filepath.ToSlash(rel)) {
					matches = append(matches, rel)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"matches": matches, "count": len(matches)}, nil
		})
}

// globToRegexp compiles a glob to a full-match regexp: * stays within a
// path segment, ** crosses segments, ? matches one character.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	p := filepath.ToSlash(pattern)
	for i := 0; i < len(p); i++ {
		switch c := p[i]; c {
		case '*':
			if i+1 < len(p) && p[i+1] == '*' {
				i++
				// Swallow a following slash so "**/x" also matches "x".
				if i+1 < len(p) && p[i+1] == '/' {
					i++
					b.WriteString(`(?:.*/)?`)
				} else {
					b.WriteString(`.*`)
				}
			} else {
				b.WriteString(`[^/]*`)
			}
		case '?':
			b.WriteString(`[^/]`)
		case '.', '+', '(', ')', '|', '[', ']', '{', '}', '^', '$', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// GrepTool searches file contents with a regular expression.
func GrepTool() conduit.Tool {
	schema := json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string","description":"Regular expression"},"path":{"type":"string","description":"Subdirectory to search"},"glob":{"type":"string","description":"Filename glob filter"}},"required":["pattern"]}`)
	return conduit.NewTool("Grep", "Search file contents under the working directory with a regular expression.", schema,
		func(_ context.Context, input json.RawMessage, tc conduit.ToolContext) (any, error) {
			var params struct {
				Pattern string `json:"pattern"`
				Path    string `json:"path"`
				Glob    string `json:"glob"`
			}
			if err := json.Unmarshal(input, &params); err != nil {
				return nil, fmt.Errorf("invalid args: %w", err)
			}
			re, err := regexp.Compile(params.Pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern: %w", err)
			}
			root := tc.Cwd
			if params.Path != "" {
				root, err = resolvePath(tc.Cwd, params.Path)
				if err != nil {
					return nil, err
				}
			}

			type match struct {
				Path string `json:"path"`
				Line int    `json:"line"`
				Text string `json:"text"`
			}
			var matches []match
			err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return nil
				}
				if len(matches) >= maxGrepMatches {
					return filepath.SkipAll
				}
				if d.IsDir() {
					if d.Name() == ".git" {
						return filepath.SkipDir
					}
					return nil
				}
				if params.Glob != "" {
					if ok, _ := filepath.Match(params.Glob, d.Name()); !ok {
						return nil
					}
				}
				info, err := d.Info()
				if err != nil || info.Size() > maxGrepFile {
					return nil
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return nil
				}
				rel, _ := filepath.Rel(tc.Cwd, path)
				for i, line := range strings.Split(string(data), "\n") {
					if re.MatchString(line) {
						matches = append(matches, match{Path: rel, Line: i + 1, Text: line})
						if len(matches) >= maxGrepMatches {
							break
						}
					}
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"matches": matches, "count": len(matches)}, nil
		})
}

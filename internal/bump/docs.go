package bump

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fulmenhq/lading/pkg/safeio"
	"github.com/fulmenhq/lading/pkg/tomledit"
	"github.com/fulmenhq/lading/pkg/workspace"
)

// updateDocumentation rewrites TOML fences in every file matching the
// configured globs and returns the workspace-relative paths that changed.
func updateDocumentation(graph *workspace.Graph, globs []string, target string, updated map[string]bool, dryRun bool) ([]string, error) {
	paths, err := resolveDocumentationTargets(graph.Root, globs)
	if err != nil {
		return nil, err
	}
	var changed []string
	for _, rel := range paths {
		full := filepath.Join(graph.Root, rel)
		original, err := os.ReadFile(full) // #nosec G304 -- resolved under the workspace root
		if err != nil {
			return nil, err
		}
		rewritten, didChange := rewriteMarkdownTomlFences(string(original), target, updated)
		if !didChange {
			continue
		}
		changed = append(changed, rel)
		if !dryRun {
			if err := safeio.WriteFileAtomic(full, []byte(rewritten)); err != nil {
				return nil, err
			}
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// resolveDocumentationTargets expands globs relative to root, keeping
// regular files only, deduplicated.
func resolveDocumentationTargets(root string, globs []string) ([]string, error) {
	if len(globs) == 0 {
		return nil, nil
	}
	rootFS := os.DirFS(root)
	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range globs {
		matches, err := doublestar.Glob(rootFS, pattern)
		if err != nil {
			continue // malformed pattern matches nothing
		}
		for _, match := range matches {
			info, err := fs.Stat(rootFS, match)
			if err != nil || info.IsDir() {
				continue
			}
			rel := filepath.FromSlash(match)
			if !seen[rel] {
				seen[rel] = true
				paths = append(paths, rel)
			}
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// fence describes one fenced code block located in a Markdown document.
type fence struct {
	openLine  int // index of the opening fence line
	closeLine int // index of the closing fence line, -1 when unterminated
	indent    string
	marker    string
	info      string
}

// rewriteMarkdownTomlFences rewrites every toml fence body and reports
// whether anything changed. Text outside changed fences is untouched.
func rewriteMarkdownTomlFences(text, target string, updated map[string]bool) (string, bool) {
	lines := splitKeepEnds(text)
	changed := false
	var out []string
	i := 0
	for i < len(lines) {
		f, ok := openFenceAt(lines, i)
		if !ok {
			out = append(out, lines[i])
			i++
			continue
		}
		if !strings.EqualFold(firstWord(f.info), "toml") || f.closeLine < 0 {
			end := f.closeLine
			if end < 0 {
				end = len(lines) - 1
			}
			out = append(out, lines[f.openLine:end+1]...)
			i = end + 1
			continue
		}
		body := fenceBody(lines, f)
		rewritten, bodyChanged := rewriteTomlSnippet(body, target, updated)
		if !bodyChanged {
			out = append(out, lines[f.openLine:f.closeLine+1]...)
		} else {
			changed = true
			out = append(out, renderFence(f, rewritten)...)
		}
		i = f.closeLine + 1
	}
	return strings.Join(out, ""), changed
}

// openFenceAt recognises a fence opener at line idx and finds its closer.
func openFenceAt(lines []string, idx int) (fence, bool) {
	line := strings.TrimRight(lines[idx], "\r\n")
	trimmed := strings.TrimLeft(line, " ")
	indent := line[:len(line)-len(trimmed)]
	if len(indent) > 3 {
		return fence{}, false
	}
	markerChar := byte(0)
	if strings.HasPrefix(trimmed, "```") {
		markerChar = '`'
	} else if strings.HasPrefix(trimmed, "~~~") {
		markerChar = '~'
	} else {
		return fence{}, false
	}
	count := 0
	for count < len(trimmed) && trimmed[count] == markerChar {
		count++
	}
	info := strings.TrimSpace(trimmed[count:])
	if markerChar == '`' && strings.ContainsRune(info, '`') {
		return fence{}, false
	}
	f := fence{
		openLine:  idx,
		closeLine: -1,
		indent:    indent,
		marker:    strings.Repeat(string(markerChar), count),
		info:      info,
	}
	for j := idx + 1; j < len(lines); j++ {
		candidate := strings.TrimSpace(strings.TrimRight(lines[j], "\r\n"))
		if len(candidate) >= count && strings.Count(candidate, string(markerChar)) == len(candidate) {
			f.closeLine = j
			break
		}
	}
	return f, true
}

// fenceBody extracts the body with the opening indentation stripped.
func fenceBody(lines []string, f fence) string {
	var builder strings.Builder
	for i := f.openLine + 1; i < f.closeLine; i++ {
		builder.WriteString(stripIndent(lines[i], f.indent))
	}
	return builder.String()
}

func stripIndent(line, indent string) string {
	stripped := line
	for i := 0; i < len(indent); i++ {
		if len(stripped) > 0 && stripped[0] == ' ' {
			stripped = stripped[1:]
		}
	}
	return stripped
}

// renderFence re-emits a fence with its original indentation, marker, and
// info string around the rewritten body.
func renderFence(f fence, body string) []string {
	out := []string{f.indent + f.marker + f.info + "\n"}
	for _, line := range splitKeepEnds(body) {
		if strings.TrimRight(line, "\r\n") == "" {
			out = append(out, line)
		} else {
			out = append(out, f.indent+line)
		}
	}
	out = append(out, f.indent+f.marker+"\n")
	return out
}

// rewriteTomlSnippet applies version and dependency rewrites to one fence
// body, preserving its trailing newline run.
func rewriteTomlSnippet(snippet, target string, updated map[string]bool) (string, bool) {
	document, err := tomledit.Parse(snippet)
	if err != nil {
		return snippet, false
	}
	changed := false
	for _, tablePath := range [][]string{{"package"}, {"workspace", "package"}} {
		if document.HasTable(tablePath...) {
			didChange, err := document.SetString(tablePath, "version", target)
			if err == nil && didChange {
				changed = true
			}
		}
	}
	for _, section := range dependencySections {
		for _, name := range sortedNames(updated) {
			if document.RewriteDependency([]string{section}, name, rewriteTo(target)) {
				changed = true
			}
		}
	}
	if !changed {
		return snippet, false
	}
	return document.String(), true
}

func splitKeepEnds(text string) []string {
	if text == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lines = append(lines, text[start:i+1])
			start = i + 1
		}
	}
	if start < len(text) {
		lines = append(lines, text[start:])
	}
	return lines
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Package tomledit provides a format-preserving TOML document store.
//
// Documents retain the raw source text; edits rewrite only the value spans
// they target, so comments, key order, and whitespace survive a round trip
// untouched. Navigation addresses tables by dotted path the way Cargo
// manifests use them ([package], [workspace.package], [patch.crates-io]).
package tomledit

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/fulmenhq/lading/pkg/safeio"
)

// ParseError reports a TOML file that could not be parsed.
type ParseError struct {
	Path   string
	Detail string
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("failed to parse TOML document: %s", e.Detail)
	}
	return fmt.Sprintf("failed to parse manifest %s: %s", e.Path, e.Detail)
}

// Document is a TOML source held as editable raw lines.
type Document struct {
	// lines keep their terminators so String() reproduces the source.
	lines []string
}

// Parse validates src as TOML and returns an editable document.
func Parse(src string) (*Document, error) {
	return parse(src, "")
}

// Load reads and parses the TOML document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- manifest paths come from cargo metadata
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return parse(string(data), path)
}

func parse(src, path string) (*Document, error) {
	var probe map[string]interface{}
	if err := toml.Unmarshal([]byte(src), &probe); err != nil {
		return nil, &ParseError{Path: path, Detail: err.Error()}
	}
	return &Document{lines: splitLines(src)}, nil
}

// String returns the document source, byte-identical when unedited.
func (d *Document) String() string {
	return strings.Join(d.lines, "")
}

// Save writes the document to path atomically (temp file plus rename).
func (d *Document) Save(path string) error {
	return safeio.WriteFileAtomic(path, []byte(d.String()))
}

// splitLines splits src after every newline, keeping terminators attached.
func splitLines(src string) []string {
	if src == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(src); i++ {
		if src[i] == '\n' {
			lines = append(lines, src[start:i+1])
			start = i + 1
		}
	}
	if start < len(src) {
		lines = append(lines, src[start:])
	}
	return lines
}

// tableSpan locates one table's body within the document.
type tableSpan struct {
	path   string // dotted path, "" for the root table
	header int    // header line index, -1 for the root table
	start  int    // first body line
	end    int    // one past the last body line
	array  bool   // [[array-of-tables]] header
}

// scanTables maps out the table structure from header lines.
func (d *Document) scanTables() []tableSpan {
	spans := []tableSpan{{path: "", header: -1, start: 0, end: len(d.lines)}}
	skip := newContinuationTracker()
	for i, raw := range d.lines {
		if skip.inContinuation() {
			skip.feed(raw)
			continue
		}
		trimmed := strings.TrimSpace(strings.TrimRight(raw, "\r\n"))
		if path, array, ok := parseHeader(trimmed); ok {
			spans[len(spans)-1].end = i
			spans = append(spans, tableSpan{path: path, header: i, start: i + 1, end: len(d.lines), array: array})
			continue
		}
		skip.feed(raw)
	}
	return spans
}

// parseHeader recognises [a.b] and [[a.b]] lines and returns the dotted path.
func parseHeader(line string) (string, bool, bool) {
	if !strings.HasPrefix(line, "[") {
		return "", false, false
	}
	array := strings.HasPrefix(line, "[[")
	body := line
	if array {
		if idx := strings.Index(body, "]]"); idx >= 0 {
			body = body[2:idx]
		} else {
			return "", false, false
		}
	} else {
		if idx := strings.Index(body, "]"); idx >= 0 {
			body = body[1:idx]
		} else {
			return "", false, false
		}
	}
	keys, ok := splitDottedKey(strings.TrimSpace(body))
	if !ok {
		return "", false, false
	}
	return strings.Join(keys, "."), array, true
}

// splitDottedKey splits a.b."c d" into unquoted key segments.
func splitDottedKey(s string) ([]string, bool) {
	var keys []string
	i := 0
	for i < len(s) {
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i >= len(s) {
			return nil, false
		}
		switch s[i] {
		case '"', '\'':
			quote := s[i]
			j := i + 1
			for j < len(s) && s[j] != quote {
				j++
			}
			if j >= len(s) {
				return nil, false
			}
			keys = append(keys, s[i+1:j])
			i = j + 1
		default:
			j := i
			for j < len(s) && s[j] != '.' && s[j] != ' ' && s[j] != '\t' {
				j++
			}
			keys = append(keys, s[i:j])
			i = j
		}
		for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
			i++
		}
		if i < len(s) {
			if s[i] != '.' {
				return nil, false
			}
			i++
		}
	}
	return keys, len(keys) > 0
}

// HasTable reports whether a table with the dotted path exists.
func (d *Document) HasTable(path ...string) bool {
	_, ok := d.findTable(path)
	return ok
}

func (d *Document) findTable(path []string) (tableSpan, bool) {
	want := strings.Join(path, ".")
	for _, span := range d.scanTables() {
		if span.path == want && !span.array {
			return span, true
		}
	}
	return tableSpan{}, false
}

// keyEntry is a located key/value line inside a table span.
type keyEntry struct {
	line   int
	indent string
	key    string
	eqEnd  int // byte offset of the value start within the line
}

// findKey scans a table span for key, skipping multi-line continuations.
func (d *Document) findKey(span tableSpan, key string) (keyEntry, bool) {
	skip := newContinuationTracker()
	for i := span.start; i < span.end; i++ {
		raw := d.lines[i]
		if skip.inContinuation() {
			skip.feed(raw)
			continue
		}
		entry, ok := parseKeyLine(raw)
		skip.feed(raw)
		if ok && entry.key == key {
			entry.line = i
			return entry, true
		}
	}
	return keyEntry{}, false
}

// parseKeyLine recognises `key = value` lines (including dotted keys such
// as readme.workspace) and records the value offset.
func parseKeyLine(raw string) (keyEntry, bool) {
	line := strings.TrimRight(raw, "\r\n")
	i := 0
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	indent := line[:i]
	if i >= len(line) || line[i] == '#' || line[i] == '[' {
		return keyEntry{}, false
	}
	var segments []string
	for {
		var segment string
		switch {
		case i < len(line) && (line[i] == '"' || line[i] == '\''):
			quote := line[i]
			j := i + 1
			for j < len(line) && line[j] != quote {
				j++
			}
			if j >= len(line) {
				return keyEntry{}, false
			}
			segment = line[i+1 : j]
			i = j + 1
		default:
			j := i
			for j < len(line) && isBareKeyChar(line[j]) {
				j++
			}
			if j == i {
				return keyEntry{}, false
			}
			segment = line[i:j]
			i = j
		}
		segments = append(segments, segment)
		for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i < len(line) && line[i] == '.' {
			i++
			for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
				i++
			}
			continue
		}
		break
	}
	if i >= len(line) || line[i] != '=' {
		return keyEntry{}, false
	}
	i++
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	return keyEntry{indent: indent, key: strings.Join(segments, "."), eqEnd: i}, true
}

func isBareKeyChar(c byte) bool {
	return c == '-' || c == '_' ||
		(c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

// GetString returns the string value of key in the table at path.
func (d *Document) GetString(path []string, key string) (string, bool) {
	span, ok := d.findTable(path)
	if !ok {
		return "", false
	}
	entry, ok := d.findKey(span, key)
	if !ok {
		return "", false
	}
	value, _, ok := parseStringLiteral(d.lines[entry.line], entry.eqEnd)
	return value, ok
}

// SetString assigns a string value to key in the table at path, appending
// the key when absent. Reports whether the document changed.
func (d *Document) SetString(path []string, key, value string) (bool, error) {
	span, ok := d.findTable(path)
	if !ok {
		return false, fmt.Errorf("table [%s] not found", strings.Join(path, "."))
	}
	entry, found := d.findKey(span, key)
	if !found {
		return d.appendKey(span, key, value), nil
	}
	current, span2, ok := parseStringLiteral(d.lines[entry.line], entry.eqEnd)
	if !ok {
		return false, fmt.Errorf("key %q in [%s] is not a string", key, strings.Join(path, "."))
	}
	if current == value {
		return false, nil
	}
	d.replaceSpan(entry.line, span2, quoteValue(value))
	return true, nil
}

// appendKey inserts `key = "value"` at the end of the table body, before
// trailing blank lines so surrounding spacing is preserved.
func (d *Document) appendKey(span tableSpan, key, value string) bool {
	insert := span.end
	for insert > span.start && strings.TrimSpace(d.lines[insert-1]) == "" {
		insert--
	}
	if insert > 0 && !strings.HasSuffix(d.lines[insert-1], "\n") {
		d.lines[insert-1] += "\n"
	}
	line := key + " = " + quoteValue(value) + "\n"
	d.lines = append(d.lines[:insert], append([]string{line}, d.lines[insert:]...)...)
	return true
}

// RemoveKey deletes the key's line(s) from the table at path.
func (d *Document) RemoveKey(path []string, key string) bool {
	span, ok := d.findTable(path)
	if !ok {
		return false
	}
	entry, found := d.findKey(span, key)
	if !found {
		return false
	}
	end := entry.line + 1
	tracker := newContinuationTracker()
	tracker.feed(d.lines[entry.line])
	for end < span.end && tracker.inContinuation() {
		tracker.feed(d.lines[end])
		end++
	}
	d.lines = append(d.lines[:entry.line], d.lines[end:]...)
	return true
}

// RemoveTable deletes the table header and body at path.
func (d *Document) RemoveTable(path ...string) bool {
	span, ok := d.findTable(path)
	if !ok {
		return false
	}
	if span.header < 0 {
		return false
	}
	start := span.header
	// Take the comment lines directly preceding the header with the table so
	// the removal does not leave stranded commentary. Blank lines stay.
	for start > 0 {
		prev := strings.TrimSpace(d.lines[start-1])
		if strings.HasPrefix(prev, "#") {
			start--
			continue
		}
		break
	}
	end := span.end
	d.lines = append(d.lines[:start], d.lines[end:]...)
	return true
}

// Keys lists the top-level keys of the table at path in document order.
func (d *Document) Keys(path ...string) []string {
	span, ok := d.findTable(path)
	if !ok {
		return nil
	}
	var keys []string
	skip := newContinuationTracker()
	for i := span.start; i < span.end; i++ {
		raw := d.lines[i]
		if skip.inContinuation() {
			skip.feed(raw)
			continue
		}
		if entry, ok := parseKeyLine(raw); ok {
			keys = append(keys, entry.key)
		}
		skip.feed(raw)
	}
	return keys
}

// HasSubtables reports whether any header table nests under path.
func (d *Document) HasSubtables(path ...string) bool {
	prefix := strings.Join(path, ".") + "."
	for _, span := range d.scanTables() {
		if strings.HasPrefix(span.path, prefix) {
			return true
		}
	}
	return false
}

// GetBool returns the boolean value of key in the table at path.
func (d *Document) GetBool(path []string, key string) (bool, bool) {
	span, ok := d.findTable(path)
	if !ok {
		return false, false
	}
	entry, ok := d.findKey(span, key)
	if !ok {
		return false, false
	}
	rest := strings.TrimRight(d.lines[entry.line], "\r\n")[entry.eqEnd:]
	token := rest
	if idx := strings.IndexAny(token, " \t#"); idx >= 0 {
		token = token[:idx]
	}
	switch token {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

// InlineTableBool reads a boolean subkey from an inline-table value, e.g.
// readme = { workspace = true } in [package].
func (d *Document) InlineTableBool(path []string, key, subkey string) bool {
	span, ok := d.findTable(path)
	if !ok {
		return false
	}
	entry, found := d.findKey(span, key)
	if !found {
		return false
	}
	line := strings.TrimRight(d.lines[entry.line], "\r\n")
	if entry.eqEnd >= len(line) || line[entry.eqEnd] != '{' {
		return false
	}
	body := line[entry.eqEnd:]
	idx := strings.Index(body, subkey)
	for idx >= 0 {
		rest := strings.TrimLeft(body[idx+len(subkey):], " \t")
		if strings.HasPrefix(rest, "=") {
			value := strings.TrimLeft(rest[1:], " \t")
			return strings.HasPrefix(value, "true")
		}
		next := strings.Index(body[idx+1:], subkey)
		if next < 0 {
			break
		}
		idx = idx + 1 + next
	}
	return false
}

// RewriteDependency applies rewrite to the version requirement of the
// dependency entry key in the table at path. Bare-string entries rewrite the
// string; inline tables rewrite their version field; entries without a
// version (path-only, workspace = true) are left alone. Reports whether the
// document changed.
func (d *Document) RewriteDependency(path []string, key string, rewrite func(current string) string) bool {
	span, ok := d.findTable(path)
	if !ok {
		return false
	}
	entry, found := d.findKey(span, key)
	if !found {
		return false
	}
	raw := d.lines[entry.line]
	line := strings.TrimRight(raw, "\r\n")
	if entry.eqEnd >= len(line) {
		return false
	}
	switch line[entry.eqEnd] {
	case '"', '\'':
		current, span2, ok := parseStringLiteral(raw, entry.eqEnd)
		if !ok {
			return false
		}
		replacement := rewrite(current)
		if replacement == current {
			return false
		}
		d.replaceSpan(entry.line, span2, quoteValue(replacement))
		return true
	case '{':
		span2, ok := findInlineTableString(line, entry.eqEnd, "version")
		if !ok {
			return false
		}
		current := line[span2.start+1 : span2.end-1]
		replacement := rewrite(current)
		if replacement == current {
			return false
		}
		d.replaceSpan(entry.line, span2, quoteValue(replacement))
		return true
	}
	return false
}

// findInlineTableString locates the quoted value of want inside a
// single-line inline table starting at offset.
func findInlineTableString(line string, offset int, want string) (literalSpan, bool) {
	i := offset + 1 // past '{'
	for i < len(line) {
		for i < len(line) && (line[i] == ' ' || line[i] == '\t' || line[i] == ',') {
			i++
		}
		if i >= len(line) || line[i] == '}' {
			return literalSpan{}, false
		}
		// key
		var key string
		switch line[i] {
		case '"', '\'':
			quote := line[i]
			j := i + 1
			for j < len(line) && line[j] != quote {
				j++
			}
			if j >= len(line) {
				return literalSpan{}, false
			}
			key = line[i+1 : j]
			i = j + 1
		default:
			j := i
			for j < len(line) && isBareKeyChar(line[j]) {
				j++
			}
			key = line[i:j]
			i = j
		}
		for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= len(line) || line[i] != '=' {
			return literalSpan{}, false
		}
		i++
		for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= len(line) {
			return literalSpan{}, false
		}
		if key == want {
			if line[i] != '"' && line[i] != '\'' {
				return literalSpan{}, false
			}
			_, span, ok := parseStringLiteral(line, i)
			return span, ok
		}
		i = skipInlineValue(line, i)
	}
	return literalSpan{}, false
}

// skipInlineValue advances past one inline-table value starting at i.
func skipInlineValue(line string, i int) int {
	depth := 0
	for i < len(line) {
		switch line[i] {
		case '"', '\'':
			quote := line[i]
			i++
			for i < len(line) {
				if line[i] == '\\' && quote == '"' {
					i += 2
					continue
				}
				if line[i] == quote {
					i++
					break
				}
				i++
			}
		case '[', '{':
			depth++
			i++
		case ']', '}':
			if depth == 0 {
				return i
			}
			depth--
			i++
		case ',':
			if depth == 0 {
				return i
			}
			i++
		default:
			i++
		}
	}
	return i
}

// literalSpan marks a quoted literal's byte range within a line.
type literalSpan struct {
	start int // opening quote
	end   int // one past the closing quote
}

// parseStringLiteral reads a basic or literal string starting at offset.
func parseStringLiteral(raw string, offset int) (string, literalSpan, bool) {
	line := strings.TrimRight(raw, "\r\n")
	if offset >= len(line) {
		return "", literalSpan{}, false
	}
	quote := line[offset]
	if quote != '"' && quote != '\'' {
		return "", literalSpan{}, false
	}
	j := offset + 1
	for j < len(line) {
		if line[j] == '\\' && quote == '"' {
			j += 2
			continue
		}
		if line[j] == quote {
			return line[offset+1 : j], literalSpan{start: offset, end: j + 1}, true
		}
		j++
	}
	return "", literalSpan{}, false
}

// replaceSpan substitutes one literal span within a line.
func (d *Document) replaceSpan(lineIdx int, span literalSpan, replacement string) {
	raw := d.lines[lineIdx]
	d.lines[lineIdx] = raw[:span.start] + replacement + raw[span.end:]
}

func quoteValue(value string) string {
	return `"` + value + `"`
}

// continuationTracker detects lines whose value spills onto following lines
// (multi-line arrays, inline tables, and triple-quoted strings) so table and
// key scans do not misread continuation text as new entries.
type continuationTracker struct {
	depth    int
	inString bool
	delim    string
}

func newContinuationTracker() *continuationTracker {
	return &continuationTracker{}
}

func (c *continuationTracker) inContinuation() bool {
	return c.depth > 0 || c.inString
}

func (c *continuationTracker) feed(raw string) {
	line := strings.TrimRight(raw, "\r\n")
	i := 0
	for i < len(line) {
		if c.inString {
			if strings.HasPrefix(line[i:], c.delim) {
				i += len(c.delim)
				c.inString = false
				continue
			}
			i++
			continue
		}
		switch {
		case strings.HasPrefix(line[i:], `"""`):
			c.inString = true
			c.delim = `"""`
			i += 3
		case strings.HasPrefix(line[i:], "'''"):
			c.inString = true
			c.delim = "'''"
			i += 3
		case line[i] == '"' || line[i] == '\'':
			quote := line[i]
			i++
			for i < len(line) {
				if line[i] == '\\' && quote == '"' {
					i += 2
					continue
				}
				if line[i] == quote {
					i++
					break
				}
				i++
			}
		case line[i] == '#':
			i = len(line)
		case line[i] == '[' || line[i] == '{':
			c.depth++
			i++
		case line[i] == ']' || line[i] == '}':
			if c.depth > 0 {
				c.depth--
			}
			i++
		default:
			i++
		}
	}
	// Triple-quoted strings keep inString across lines; bracket depth keeps
	// multi-line arrays open. Single-line strings always close above.
}

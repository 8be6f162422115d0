package main

import (
	"strings"
)

// sanitizeLogLine strips non-printable characters and escapes structural
// ones so the result can be embedded verbatim inside a JSON string value.
// Parsing the escaped text reconstructs the original line minus whatever
// control characters were stripped.
func sanitizeLogLine(line string) string {
	var b strings.Builder
	b.Grow(len(line))
	for _, r := range line {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 || r == 0x7f {
				continue
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

// logFrame builds one line-delimited console event. The message is already
// sanitized, so the frame is well-formed JSON by construction.
func logFrame(eventType, sanitizedMessage string) string {
	return `{"type":"` + eventType + `","message":"` + sanitizedMessage + `"}`
}

// filterLogLines applies the content allow-list for a workload: keep lines
// matching its known informational markers, drop shell-prompt echoes and
// infrastructure noise. Purely heuristic, not guaranteed complete.
func filterLogLines(raw string, w *workload) string {
	if w == nil || len(w.LogMarkers) == 0 {
		return raw
	}
	lines := strings.Split(raw, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(stripLogTimestamp(line))
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "$") || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, ">") {
			continue
		}
		for _, marker := range w.LogMarkers {
			if strings.Contains(line, marker) {
				kept = append(kept, line)
				break
			}
		}
	}
	return strings.Join(kept, "\n")
}

// stripLogTimestamp drops the RFC3339 timestamp prefix the runtime adds
// when timestamps are requested, for prompt-echo detection only.
func stripLogTimestamp(line string) string {
	if i := strings.IndexByte(line, ' '); i > 0 && i < len(line)-1 {
		head := line[:i]
		if strings.Contains(head, "T") && strings.Contains(head, ":") {
			return line[i+1:]
		}
	}
	return line
}

// lastLines returns at most n trailing lines of text, fewer when the text
// holds fewer. Never pads.
func lastLines(text string, n int) string {
	if n <= 0 {
		return text
	}
	trimmed := strings.TrimRight(text, "\n")
	if trimmed == "" {
		return ""
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= n {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}

package worktree

import "strings"

const (
	markerOurs   = "<<<<<<<"
	markerBase   = "|||||||"
	markerSep    = "======="
	markerTheirs = ">>>>>>>"

	contextLines = 3
)

// ConflictHunk is one region of a file where both merge sides disagree.
type ConflictHunk struct {
	FilePath      string   `json:"file_path"`
	HunkIndex     int      `json:"hunk_index"`
	OriginalLines []string `json:"original_lines"`
	IncomingLines []string `json:"incoming_lines"`
	ContextBefore []string `json:"context_before"`
	ContextAfter  []string `json:"context_after"`
	StartLine     int      `json:"start_line"` // 1-based line of the start marker
	EndLine       int      `json:"end_line"`   // 1-based line of the end marker
}

// MergeConflict lists the unresolved hunks of one conflicted file.
type MergeConflict struct {
	FilePath string         `json:"file_path"`
	Hunks    []ConflictHunk `json:"hunks"`
}

// hunkSpan locates a complete marker triplet within a line slice.
type hunkSpan struct {
	start, base, sep, end int // base is -1 without a diff3 section
}

// findHunks returns every complete marker triplet in order. A start marker
// without a matching separator and end marker is treated as plain text.
func findHunks(lines []string) []hunkSpan {
	var spans []hunkSpan
	for i := 0; i < len(lines); i++ {
		if !strings.HasPrefix(lines[i], markerOurs) {
			continue
		}
		span, ok := scanHunk(lines, i)
		if !ok {
			continue
		}
		spans = append(spans, span)
		i = span.end
	}
	return spans
}

func scanHunk(lines []string, start int) (hunkSpan, bool) {
	span := hunkSpan{start: start, base: -1, sep: -1, end: -1}
	for j := start + 1; j < len(lines); j++ {
		line := lines[j]
		switch {
		case strings.HasPrefix(line, markerOurs):
			return span, false
		case span.sep < 0 && span.base < 0 && strings.HasPrefix(line, markerBase):
			span.base = j
		case span.sep < 0 && strings.TrimRight(line, "\r") == markerSep:
			span.sep = j
		case span.sep >= 0 && strings.HasPrefix(line, markerTheirs):
			span.end = j
			return span, true
		}
	}
	return span, false
}

// oursEnd is the exclusive end of the original side.
func (s hunkSpan) oursEnd() int {
	if s.base >= 0 {
		return s.base
	}
	return s.sep
}

// ParseConflictHunks extracts every conflict hunk from a file's content,
// numbering them from 0 in file order.
func ParseConflictHunks(filePath, content string) []ConflictHunk {
	lines := strings.Split(content, "\n")
	spans := findHunks(lines)
	hunks := make([]ConflictHunk, 0, len(spans))
	for idx, span := range spans {
		before := max(0, span.start-contextLines)
		after := min(len(lines), span.end+1+contextLines)
		hunks = append(hunks, ConflictHunk{
			FilePath:      filePath,
			HunkIndex:     idx,
			OriginalLines: cloneLines(lines[span.start+1 : span.oursEnd()]),
			IncomingLines: cloneLines(lines[span.sep+1 : span.end]),
			ContextBefore: cloneLines(lines[before:span.start]),
			ContextAfter:  cloneLines(lines[span.end+1 : after]),
			StartLine:     span.start + 1,
			EndLine:       span.end + 1,
		})
	}
	return hunks
}

// ResolveHunk replaces the hunk at position index (0-based among the hunks
// currently in content) with one side's lines. Other hunks are untouched.
// It returns false when no such hunk exists.
func ResolveHunk(content string, index int, useIncoming bool) (string, bool) {
	lines := strings.Split(content, "\n")
	spans := findHunks(lines)
	if index < 0 || index >= len(spans) {
		return content, false
	}
	span := spans[index]

	var chosen []string
	if useIncoming {
		chosen = lines[span.sep+1 : span.end]
	} else {
		chosen = lines[span.start+1 : span.oursEnd()]
	}

	out := make([]string, 0, len(lines))
	out = append(out, lines[:span.start]...)
	out = append(out, chosen...)
	out = append(out, lines[span.end+1:]...)
	return strings.Join(out, "\n"), true
}

// CountHunks returns the number of complete conflict hunks in content.
func CountHunks(content string) int {
	return len(findHunks(strings.Split(content, "\n")))
}

func cloneLines(lines []string) []string {
	out := make([]string, len(lines))
	copy(out, lines)
	return out
}

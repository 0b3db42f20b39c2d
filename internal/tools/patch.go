package tools

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// applyUnifiedDiff applies a single-file unified diff to content.
// Context lines are verified against the original; a mismatch fails
// the whole application rather than producing a half-patched file.
func applyUnifiedDiff(content, patch string) (string, error) {
	original := strings.Split(content, "\n")
	var out []string
	cursor := 0 // next unconsumed original line (0-based)

	lines := strings.Split(patch, "\n")
	sawHunk := false
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if strings.HasPrefix(line, "---") || strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "diff ") || strings.HasPrefix(line, "index ") {
			continue
		}
		m := hunkHeaderRe.FindStringSubmatch(line)
		if m == nil {
			if strings.TrimSpace(line) == "" && !sawHunk {
				continue
			}
			if !sawHunk {
				return "", fmt.Errorf("patch does not start with a hunk header: %q", line)
			}
			continue
		}
		sawHunk = true

		start, _ := strconv.Atoi(m[1])
		if start > 0 {
			start--
		}
		if start > len(original) {
			return "", fmt.Errorf("hunk start %d beyond end of file", start+1)
		}
		if start < cursor {
			return "", fmt.Errorf("overlapping hunks at line %d", start+1)
		}
		out = append(out, original[cursor:start]...)
		cursor = start

		for i++; i < len(lines); i++ {
			body := lines[i]
			if hunkHeaderRe.MatchString(body) {
				i--
				break
			}
			switch {
			case strings.HasPrefix(body, " "):
				if err := expect(original, cursor, body[1:]); err != nil {
					return "", err
				}
				out = append(out, original[cursor])
				cursor++
			case strings.HasPrefix(body, "-"):
				if err := expect(original, cursor, body[1:]); err != nil {
					return "", err
				}
				cursor++
			case strings.HasPrefix(body, "+"):
				out = append(out, body[1:])
			case body == "":
				// some producers emit empty context lines with the
				// leading space stripped
				if cursor < len(original) && original[cursor] == "" {
					out = append(out, "")
					cursor++
				}
			case strings.HasPrefix(body, `\`):
				// "\ No newline at end of file"
			default:
				return "", fmt.Errorf("unrecognized patch line: %q", body)
			}
		}
	}
	if !sawHunk {
		return "", fmt.Errorf("patch contains no hunks")
	}

	out = append(out, original[cursor:]...)
	return strings.Join(out, "\n"), nil
}

func expect(original []string, at int, want string) error {
	if at >= len(original) {
		return fmt.Errorf("patch context %q beyond end of file", want)
	}
	if original[at] != want {
		return fmt.Errorf("patch context mismatch at line %d: have %q, want %q", at+1, original[at], want)
	}
	return nil
}

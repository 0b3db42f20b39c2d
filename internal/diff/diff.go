// internal/diff/diff.go
package diff

import (
	"bytes"
	"fmt"
	"strings"
)

// Line is a single diff line with its one-based position in the old
// and new content. A zero OldNum means the line was added, a zero
// NewNum means it was removed.
type Line struct {
	Type    LineType
	Content string
	OldNum  int
	NewNum  int
}

type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

// Hunk is a run of consecutive changes plus surrounding context, with
// the same start/count header fields unified diffs carry.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// Result holds the hunks between two versions of one file.
type Result struct {
	Hunks []Hunk
	Stats struct {
		Additions int
		Deletions int
	}
}

// Engine computes line diffs. contextLines controls how many unchanged
// lines surround each hunk.
type Engine struct {
	contextLines int
}

func NewEngine(contextLines int) *Engine {
	return &Engine{contextLines: contextLines}
}

// Diff computes the line-level difference between two contents using a
// longest-common-subsequence alignment.
func (e *Engine) Diff(oldContent, newContent []byte) *Result {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)

	edits := e.align(oldLines, newLines)

	result := &Result{Hunks: e.group(edits)}
	for _, hunk := range result.Hunks {
		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				result.Stats.Additions++
			case Deletion:
				result.Stats.Deletions++
			}
		}
	}
	return result
}

func splitLines(content []byte) [][]byte {
	if len(content) == 0 {
		return nil
	}
	return bytes.Split(bytes.TrimSuffix(content, []byte{'\n'}), []byte{'\n'})
}

// align walks the LCS matrix back to front and returns every line of
// the alignment in order, context included.
func (e *Engine) align(oldLines, newLines [][]byte) []Line {
	matrix := make([][]int, len(oldLines)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(newLines)+1)
	}
	for i := 1; i <= len(oldLines); i++ {
		for j := 1; j <= len(newLines); j++ {
			if bytes.Equal(oldLines[i-1], newLines[j-1]) {
				matrix[i][j] = matrix[i-1][j-1] + 1
			} else {
				matrix[i][j] = max(matrix[i-1][j], matrix[i][j-1])
			}
		}
	}

	var reversed []Line
	i, j := len(oldLines), len(newLines)
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && bytes.Equal(oldLines[i-1], newLines[j-1]):
			reversed = append(reversed, Line{Type: Context, Content: string(oldLines[i-1]), OldNum: i, NewNum: j})
			i--
			j--
		case j > 0 && (i == 0 || matrix[i][j-1] >= matrix[i-1][j]):
			reversed = append(reversed, Line{Type: Addition, Content: string(newLines[j-1]), NewNum: j})
			j--
		default:
			reversed = append(reversed, Line{Type: Deletion, Content: string(oldLines[i-1]), OldNum: i})
			i--
		}
	}

	edits := make([]Line, len(reversed))
	for k, line := range reversed {
		edits[len(reversed)-1-k] = line
	}
	return edits
}

// group slices the full alignment into hunks, keeping contextLines of
// unchanged lines around every run of changes and merging runs whose
// context would overlap.
func (e *Engine) group(edits []Line) []Hunk {
	changed := make([]bool, len(edits))
	any := false
	for k, line := range edits {
		if line.Type != Context {
			changed[k] = true
			any = true
		}
	}
	if !any {
		return nil
	}

	keep := make([]bool, len(edits))
	for k := range edits {
		if !changed[k] {
			continue
		}
		lo := max(0, k-e.contextLines)
		hi := min(len(edits), k+e.contextLines+1)
		for m := lo; m < hi; m++ {
			keep[m] = true
		}
	}

	var hunks []Hunk
	for k := 0; k < len(edits); {
		if !keep[k] {
			k++
			continue
		}
		start := k
		for k < len(edits) && keep[k] {
			k++
		}
		hunks = append(hunks, makeHunk(edits[start:k]))
	}
	return hunks
}

func makeHunk(lines []Line) Hunk {
	hunk := Hunk{Lines: append([]Line(nil), lines...)}
	for _, line := range lines {
		switch line.Type {
		case Context:
			hunk.OldLines++
			hunk.NewLines++
		case Addition:
			hunk.NewLines++
		case Deletion:
			hunk.OldLines++
		}
		if hunk.OldStart == 0 && line.OldNum > 0 {
			hunk.OldStart = line.OldNum
		}
		if hunk.NewStart == 0 && line.NewNum > 0 {
			hunk.NewStart = line.NewNum
		}
	}
	// A pure-insertion hunk anchors after the preceding old line.
	if hunk.OldStart == 0 {
		hunk.OldStart = hunk.NewStart - 1
		if hunk.OldStart < 0 {
			hunk.OldStart = 0
		}
	}
	if hunk.NewStart == 0 {
		hunk.NewStart = hunk.OldStart - 1
		if hunk.NewStart < 0 {
			hunk.NewStart = 0
		}
	}
	return hunk
}

// Unified renders the result in git's unified diff format for one
// file path.
func (r *Result) Unified(path string) string {
	if len(r.Hunks) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n", path)
	fmt.Fprintf(&b, "+++ b/%s\n", path)
	for _, hunk := range r.Hunks {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", hunk.OldStart, hunk.OldLines, hunk.NewStart, hunk.NewLines)
		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				b.WriteByte('+')
			case Deletion:
				b.WriteByte('-')
			default:
				b.WriteByte(' ')
			}
			b.WriteString(line.Content)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

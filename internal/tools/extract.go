package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"fsgit/internal/history"
)

// ExtractIntent asks for line spans around query matches in a file,
// with the same history attachment as a plain read.
type ExtractIntent struct {
	Path         string `json:"path"`
	Query        string `json:"query"`
	Regex        bool   `json:"regex"`
	Before       int    `json:"before"`
	After        int    `json:"after"`
	MaxSpans     int    `json:"max_spans"`
	HistoryLimit int    `json:"history_limit"`
}

// Span is one matched region, line numbers 0-based half-open.
type Span struct {
	Start int      `json:"start"`
	End   int      `json:"end"`
	Lines []string `json:"lines"`
}

// ExtractResult carries matched spans plus the underlying read, whose
// History field holds the path-scoped commit log.
type ExtractResult struct {
	Path  string          `json:"path"`
	Spans []Span          `json:"spans"`
	Read  *history.Result `json:"read"`
}

// Extract finds query matches in path and returns each with its
// surrounding context lines.
func (t *Toolkit) Extract(ctx context.Context, intent ExtractIntent) (*ExtractResult, error) {
	if intent.Before <= 0 {
		intent.Before = 3
	}
	if intent.After <= 0 {
		intent.After = 3
	}
	if intent.MaxSpans <= 0 {
		intent.MaxSpans = 20
	}

	read, err := t.reader.ReadWithHistory(ctx, history.ReadIntent{
		Path:         intent.Path,
		HistoryLimit: intent.HistoryLimit,
	})
	if err != nil {
		return nil, err
	}

	var matches func(string) bool
	if intent.Regex {
		re, err := regexp.Compile(intent.Query)
		if err != nil {
			return nil, fmt.Errorf("compiling query: %w", err)
		}
		matches = re.MatchString
	} else {
		matches = func(line string) bool { return strings.Contains(line, intent.Query) }
	}

	lines := strings.Split(string(read.Content), "\n")
	var spans []Span
	for i, line := range lines {
		if intent.Query == "" || !matches(line) {
			continue
		}
		start := i - intent.Before
		if start < 0 {
			start = 0
		}
		end := i + intent.After + 1
		if end > len(lines) {
			end = len(lines)
		}
		spans = append(spans, Span{Start: start, End: end, Lines: lines[start:end]})
		if len(spans) >= intent.MaxSpans {
			break
		}
	}

	return &ExtractResult{Path: read.Path, Spans: spans, Read: read}, nil
}

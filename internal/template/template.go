// Package template renders commit subjects and bodies from a fixed
// placeholder vocabulary. Rendering is pure; the pipeline validates a
// template before it stages or commits anything, so a bad template
// never leaves partial repository state.
package template

import (
	"fmt"
	"regexp"
	"strings"

	"fsgit/internal/errors"
)

const maxSubjectLen = 72

// CommitTemplate holds the subject and body patterns. Placeholders use
// {name} syntax; {op}, {path} and {summary} are required, {reason}
// defaults to the empty string.
type CommitTemplate struct {
	Subject string `json:"subject"`
	Body    string `json:"body,omitempty"`
}

// Default mirrors the stock template shipped with the CLI.
func Default() CommitTemplate {
	return CommitTemplate{
		Subject: "[{op}] {path} – {summary}",
		Body:    "{reason}",
	}
}

// Values are the substitution inputs for one render.
type Values struct {
	Op      string
	Path    string
	Summary string
	Reason  string
}

// Rendered is the validated subject/body pair handed to the VCS.
type Rendered struct {
	Subject string
	Body    string
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_]+)\}`)

var required = []string{"op", "path", "summary"}

// Render validates tpl against the fixed vocabulary and substitutes
// values. It collects every problem (unknown placeholder, missing
// required placeholder, overlong subject) into a single TemplateError.
func Render(tpl CommitTemplate, v Values) (Rendered, error) {
	vocab := map[string]string{
		"op":      v.Op,
		"path":    v.Path,
		"summary": v.Summary,
		"reason":  v.Reason,
	}

	var problems []string
	seen := map[string]bool{}
	for _, text := range []string{tpl.Subject, tpl.Body} {
		for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
			name := m[1]
			seen[name] = true
			if _, ok := vocab[name]; !ok {
				problems = append(problems, fmt.Sprintf("unknown placeholder {%s}", name))
			}
		}
	}
	for _, name := range required {
		if !seen[name] {
			problems = append(problems, fmt.Sprintf("required placeholder {%s} missing", name))
		}
	}

	subject := substitute(tpl.Subject, vocab)
	if len(subject) > maxSubjectLen {
		problems = append(problems, fmt.Sprintf("subject exceeds %d characters", maxSubjectLen))
	}
	if len(problems) > 0 {
		return Rendered{}, errors.Template(problems)
	}

	return Rendered{
		Subject: subject,
		Body:    strings.TrimSpace(substitute(tpl.Body, vocab)),
	}, nil
}

func substitute(text string, vocab map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		name := m[1 : len(m)-1]
		if val, ok := vocab[name]; ok {
			return val
		}
		return m
	})
}

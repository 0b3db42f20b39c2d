package authz

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"

	"fsgit/internal/errors"
)

// Source records where a pattern entry came from. Call-site lists
// fully replace environment lists, independently for allow and deny.
type Source int

const (
	SourceEnvironment Source = iota
	SourceCallSite
)

// Pattern is one compiled allow or deny entry.
type Pattern struct {
	Raw    string
	Source Source
	Regex  bool

	g  glob.Glob
	re *regexp.Regexp
}

// Authorizer decides whether a root-relative path may be touched.
// It is a pure function of its pattern sets; deny takes precedence.
type Authorizer struct {
	allow []Pattern
	deny  []Pattern
}

// Compiled patterns repeat across per-call authorizers, so cache them.
var globCache, _ = lru.New[string, glob.Glob](256)
var regexCache, _ = lru.New[string, *regexp.Regexp](256)

// New builds an Authorizer from the two configuration sources. A
// non-empty call-site list overrides the corresponding environment
// list entirely. Deny entries may carry a leading "!" which is
// stripped before compilation.
func New(callAllow, callDeny, envAllow, envDeny []string) (*Authorizer, error) {
	a := &Authorizer{}

	allow, allowSrc := envAllow, SourceEnvironment
	if len(callAllow) > 0 {
		allow, allowSrc = callAllow, SourceCallSite
	}
	deny, denySrc := envDeny, SourceEnvironment
	if len(callDeny) > 0 {
		deny, denySrc = callDeny, SourceCallSite
	}

	for _, raw := range allow {
		p, err := compile(raw, allowSrc)
		if err != nil {
			return nil, err
		}
		a.allow = append(a.allow, p)
	}
	for _, raw := range deny {
		p, err := compile(strings.TrimPrefix(raw, "!"), denySrc)
		if err != nil {
			return nil, err
		}
		a.deny = append(a.deny, p)
	}
	return a, nil
}

func compile(raw string, src Source) (Pattern, error) {
	p := Pattern{Raw: raw, Source: src, Regex: isRegexPattern(raw)}

	if p.Regex {
		if re, ok := regexCache.Get(raw); ok {
			p.re = re
			return p, nil
		}
		re, err := regexp.Compile(raw)
		if err != nil {
			return Pattern{}, fmt.Errorf("compiling regex pattern %q: %w", raw, err)
		}
		regexCache.Add(raw, re)
		p.re = re
		return p, nil
	}

	if g, ok := globCache.Get(raw); ok {
		p.g = g
		return p, nil
	}
	// '/' as separator keeps * and ? within one path segment while **
	// spans segments.
	g, err := glob.Compile(raw, '/')
	if err != nil {
		return Pattern{}, fmt.Errorf("compiling glob pattern %q: %w", raw, err)
	}
	globCache.Add(raw, g)
	p.g = g
	return p, nil
}

// isRegexPattern classifies a raw entry. Glob wildcards win; otherwise
// regex-only metacharacters mark the entry as a regex.
func isRegexPattern(raw string) bool {
	if strings.ContainsAny(raw, "*?") {
		return false
	}
	return strings.ContainsAny(raw, "[]{}()^$+|\\")
}

func (p Pattern) match(rel string) bool {
	if p.Regex {
		return p.re.MatchString(rel)
	}
	return p.g.Match(rel)
}

// Allowed evaluates the normalized root-relative path against the
// pattern sets. Order: deny first; then the allow list must match if
// it is non-empty; an empty allow list permits everything not denied.
func (a *Authorizer) Allowed(rel string) bool {
	rel = Normalize(rel)
	for _, p := range a.deny {
		if p.match(rel) {
			return false
		}
	}
	if len(a.allow) == 0 {
		return true
	}
	for _, p := range a.allow {
		if p.match(rel) {
			return true
		}
	}
	return false
}

// Normalize brings a relative path to clean POSIX form.
func Normalize(rel string) string {
	return path.Clean(filepath.ToSlash(rel))
}

// WithinRoot reports whether candidate resolves to a location under
// root. It runs before any pattern evaluation and cannot be disabled
// by configuration; absolute candidates are rejected outright.
func WithinRoot(root, candidate string) bool {
	if filepath.IsAbs(candidate) || path.IsAbs(filepath.ToSlash(candidate)) {
		return false
	}
	abs, err := filepath.Abs(filepath.Join(root, candidate))
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	return rel != ".." && !strings.HasPrefix(rel, "../")
}

// EnforceUnderRoot combines the traversal check with pattern
// authorization and returns the absolute path on success.
func EnforceUnderRoot(a *Authorizer, root, rel string) (string, error) {
	if !WithinRoot(root, rel) {
		return "", errors.PathTraversal(rel)
	}
	if !a.Allowed(rel) {
		return "", errors.PathDenied(rel)
	}
	return filepath.Join(root, filepath.FromSlash(Normalize(rel))), nil
}

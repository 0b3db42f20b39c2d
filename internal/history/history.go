// Package history serves authorized, history-aware reads. Read-only;
// it never checks out or mutates anything, so it does not take the
// repository lock.
package history

import (
	"context"
	"fmt"
	"os"

	"fsgit/internal/authz"
	"fsgit/internal/errors"
	"fsgit/internal/gitops"
	"fsgit/internal/repo"
)

// DefaultLimit bounds the commit log walk when the caller gives none.
const DefaultLimit = 10

// ReadIntent describes one history-aware read.
type ReadIntent struct {
	Path         string
	HistoryLimit int

	// per-call authorization override, same semantics as WriteRequest
	AllowPatterns []string
	DenyPatterns  []string
}

// Result carries the current content at the tip plus the path-scoped
// log, most-recent-first.
type Result struct {
	Path    string            `json:"path"`
	Content []byte            `json:"content"`
	History []gitops.LogEntry `json:"history"`
}

type Reader struct {
	repo     repo.Ref
	git      gitops.Git
	envAllow []string
	envDeny  []string
}

func NewReader(ref repo.Ref, git gitops.Git, envAllow, envDeny []string) *Reader {
	return &Reader{repo: ref, git: git, envAllow: envAllow, envDeny: envDeny}
}

// ReadWithHistory authorizes the path, reads the current content and
// walks the path-scoped commit log.
func (r *Reader) ReadWithHistory(ctx context.Context, intent ReadIntent) (*Result, error) {
	auth, err := authz.New(intent.AllowPatterns, intent.DenyPatterns, r.envAllow, r.envDeny)
	if err != nil {
		return nil, err
	}
	abs, err := authz.EnforceUnderRoot(auth, r.repo.Root, intent.Path)
	if err != nil {
		return nil, err
	}
	rel := authz.Normalize(intent.Path)

	content, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return nil, errors.FileNotFound(rel)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}

	limit := intent.HistoryLimit
	if limit <= 0 {
		limit = DefaultLimit
	}
	entries, err := r.git.Log(ctx, rel, limit)
	if err != nil {
		return nil, fmt.Errorf("reading history of %s: %w", rel, err)
	}

	return &Result{Path: rel, Content: content, History: entries}, nil
}

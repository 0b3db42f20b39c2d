// Package pipeline implements the direct write-commit path: every
// filesystem mutation inside the repository becomes exactly one
// commit, or no visible change at all.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"fsgit/internal/authz"
	"fsgit/internal/errors"
	"fsgit/internal/gitops"
	"fsgit/internal/repo"
	"fsgit/internal/template"
)

type Op string

const (
	OpAdd    Op = "add"
	OpEdit   Op = "edit"
	OpDelete Op = "delete"
)

// UniquenessMode selects what happens when a rendered subject collides
// with a recent commit subject.
type UniquenessMode string

const (
	// UniqueStrict fails the write with UniquenessError.
	UniqueStrict UniquenessMode = "strict"
	// UniqueSuffix appends " (#n)" with the first free n >= 2.
	UniqueSuffix UniquenessMode = "suffix"
)

// UniquenessWindow is how many recent subjects a collision check
// inspects.
const UniquenessWindow = 100

// WriteRequest describes one mutation. Immutable once submitted.
type WriteRequest struct {
	Path    string
	Content []byte
	Op      Op
	Summary string
	Reason  string

	// Template defaults to template.Default when zero.
	Template template.CommitTemplate

	// AllowPatterns/DenyPatterns are the per-call authorization
	// override; a non-empty list fully replaces the configured one.
	AllowPatterns []string
	DenyPatterns  []string

	// AllowDirty skips the unrelated-pending-changes check.
	AllowDirty bool

	// Uniqueness defaults to UniqueStrict when empty.
	Uniqueness UniquenessMode
}

// CommitResult identifies the commit a successful write produced.
type CommitResult struct {
	Commit string `json:"commit"`
	Branch string `json:"branch"`
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
}

// Pipeline runs write requests against one repository. The caller is
// responsible for holding the repository lock around Run.
type Pipeline struct {
	repo     repo.Ref
	git      gitops.Git
	envAllow []string
	envDeny  []string
	logger   *zap.Logger
}

func New(ref repo.Ref, git gitops.Git, envAllow, envDeny []string, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		repo:     ref,
		git:      git,
		envAllow: envAllow,
		envDeny:  envDeny,
		logger:   logger,
	}
}

// Run executes the write-commit sequence. Any failure after the file
// write restores the worktree and index to their pre-call state, so
// the operation is all-or-nothing from the caller's perspective.
func (p *Pipeline) Run(ctx context.Context, req WriteRequest) (CommitResult, error) {
	auth, err := authz.New(req.AllowPatterns, req.DenyPatterns, p.envAllow, p.envDeny)
	if err != nil {
		return CommitResult{}, err
	}
	abs, err := authz.EnforceUnderRoot(auth, p.repo.Root, req.Path)
	if err != nil {
		return CommitResult{}, err
	}
	rel := authz.Normalize(req.Path)

	tpl := req.Template
	if tpl.Subject == "" {
		tpl = template.Default()
	}
	// Rendering is pure, so it runs before any mutation: a bad
	// template never leaves partial repository state.
	rendered, err := template.Render(tpl, template.Values{
		Op:      string(req.Op),
		Path:    rel,
		Summary: req.Summary,
		Reason:  req.Reason,
	})
	if err != nil {
		return CommitResult{}, err
	}

	if !req.AllowDirty {
		lines, err := p.git.Status(ctx)
		if err != nil {
			return CommitResult{}, fmt.Errorf("checking working tree: %w", err)
		}
		if len(lines) > 0 {
			return CommitResult{}, errors.DirtyTree(p.repo.Root)
		}
	}

	// resolved before the write so nothing can fail between the commit
	// landing and the result being reported
	branch, err := p.git.CurrentBranch(ctx)
	if err != nil {
		return CommitResult{}, fmt.Errorf("resolving branch: %w", err)
	}

	prior, priorExists, err := snapshotFile(abs)
	if err != nil {
		return CommitResult{}, fmt.Errorf("reading prior content: %w", err)
	}

	if req.Op == OpDelete {
		if !priorExists {
			return CommitResult{}, errors.FileNotFound(rel)
		}
		if err := os.Remove(abs); err != nil {
			return CommitResult{}, fmt.Errorf("deleting %s: %w", rel, err)
		}
	} else {
		if err := atomicWrite(abs, req.Content); err != nil {
			return CommitResult{}, fmt.Errorf("writing %s: %w", rel, err)
		}
	}

	rollback := func() {
		if err := p.git.Unstage(ctx, rel); err != nil {
			p.logger.Warn("rollback: unstage failed", zap.String("path", rel), zap.Error(err))
		}
		if err := restoreFile(abs, prior, priorExists); err != nil {
			p.logger.Warn("rollback: restore failed", zap.String("path", rel), zap.Error(err))
		}
	}

	if err := p.git.Stage(ctx, rel); err != nil {
		rollback()
		return CommitResult{}, fmt.Errorf("staging %s: %w", rel, err)
	}

	subject, err := p.applyUniqueness(ctx, rendered.Subject, req.Uniqueness)
	if err != nil {
		rollback()
		return CommitResult{}, err
	}

	commit, err := p.git.Commit(ctx, subject, rendered.Body)
	if err != nil {
		rollback()
		return CommitResult{}, fmt.Errorf("committing %s: %w", rel, err)
	}

	p.logger.Info("committed write",
		zap.String("path", rel),
		zap.String("op", string(req.Op)),
		zap.String("commit", commit),
		zap.String("branch", branch))

	return CommitResult{
		Commit: commit,
		Branch: branch,
		Path:   rel,
		Bytes:  len(req.Content),
	}, nil
}

func (p *Pipeline) applyUniqueness(ctx context.Context, subject string, mode UniquenessMode) (string, error) {
	recent, err := p.git.Subjects(ctx, UniquenessWindow)
	if err != nil {
		return "", fmt.Errorf("checking subject uniqueness: %w", err)
	}
	seen := make(map[string]bool, len(recent))
	for _, s := range recent {
		seen[s] = true
	}
	if !seen[subject] {
		return subject, nil
	}
	if mode != UniqueSuffix {
		return "", errors.Uniqueness(subject)
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s (#%d)", subject, n)
		if !seen[candidate] {
			return candidate, nil
		}
	}
}

func snapshotFile(abs string) ([]byte, bool, error) {
	data, err := os.ReadFile(abs)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func restoreFile(abs string, prior []byte, existed bool) error {
	if !existed {
		err := os.Remove(abs)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return atomicWrite(abs, prior)
}

// atomicWrite lands content via a temp file and rename so a crash
// mid-write never leaves a half-written file.
func atomicWrite(abs string, content []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".fsgit-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

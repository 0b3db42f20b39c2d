// Package tools holds the thin adapters around the core: search and
// replace, patch application and generic stat/list/mkdir. Each one
// only assembles a WriteRequest or ReadIntent and delegates; no core
// behavior lives here.
package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"fsgit/internal/authz"
	"fsgit/internal/history"
	"fsgit/internal/pipeline"
	"fsgit/internal/repo"
	"fsgit/internal/repolock"
)

type Toolkit struct {
	repo     repo.Ref
	pipe     *pipeline.Pipeline
	reader   *history.Reader
	lock     *repolock.Lock
	envAllow []string
	envDeny  []string
}

func New(ref repo.Ref, pipe *pipeline.Pipeline, reader *history.Reader, envAllow, envDeny []string) *Toolkit {
	return &Toolkit{
		repo:     ref,
		pipe:     pipe,
		reader:   reader,
		lock:     repolock.ForRepo(ref.Root),
		envAllow: envAllow,
		envDeny:  envDeny,
	}
}

// Write runs a direct-mode write under the repository lock.
func (t *Toolkit) Write(ctx context.Context, req pipeline.WriteRequest) (pipeline.CommitResult, error) {
	release, err := t.lock.Acquire(repolock.DefaultTimeout)
	if err != nil {
		return pipeline.CommitResult{}, err
	}
	defer release()
	return t.pipe.Run(ctx, req)
}

// Replace substitutes search with replacement in path and commits the
// result as a single edit.
func (t *Toolkit) Replace(ctx context.Context, path, search, replacement string, asRegex bool, summary string) (pipeline.CommitResult, error) {
	res, err := t.reader.ReadWithHistory(ctx, history.ReadIntent{Path: path, HistoryLimit: 1})
	if err != nil {
		return pipeline.CommitResult{}, err
	}
	content := string(res.Content)

	var updated string
	if asRegex {
		re, err := regexp.Compile(search)
		if err != nil {
			return pipeline.CommitResult{}, fmt.Errorf("compiling search pattern: %w", err)
		}
		updated = re.ReplaceAllString(content, replacement)
	} else {
		updated = strings.ReplaceAll(content, search, replacement)
	}
	if updated == content {
		return pipeline.CommitResult{}, fmt.Errorf("search text not found in %s", path)
	}

	if summary == "" {
		summary = "text replace"
	}
	return t.Write(ctx, pipeline.WriteRequest{
		Path:    path,
		Content: []byte(updated),
		Op:      pipeline.OpEdit,
		Summary: summary,
	})
}

// ApplyPatch applies a single-file unified diff to path and commits
// the patched content.
func (t *Toolkit) ApplyPatch(ctx context.Context, path, patch, summary string) (pipeline.CommitResult, error) {
	res, err := t.reader.ReadWithHistory(ctx, history.ReadIntent{Path: path, HistoryLimit: 1})
	if err != nil {
		return pipeline.CommitResult{}, err
	}

	updated, err := applyUnifiedDiff(string(res.Content), patch)
	if err != nil {
		return pipeline.CommitResult{}, err
	}

	if summary == "" {
		summary = "apply patch"
	}
	return t.Write(ctx, pipeline.WriteRequest{
		Path:    path,
		Content: []byte(updated),
		Op:      pipeline.OpEdit,
		Summary: summary,
	})
}

// FileInfo is the stat adapter result.
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
	IsDir   bool      `json:"is_dir"`
}

func (t *Toolkit) authorize(path string) (string, error) {
	auth, err := authz.New(nil, nil, t.envAllow, t.envDeny)
	if err != nil {
		return "", err
	}
	return authz.EnforceUnderRoot(auth, t.repo.Root, path)
}

func (t *Toolkit) Stat(path string) (*FileInfo, error) {
	abs, err := t.authorize(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	return &FileInfo{
		Path:    authz.Normalize(path),
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

// List returns the repo-relative paths under dir, skipping .git.
func (t *Toolkit) List(dir string, recursive bool) ([]string, error) {
	abs, err := t.authorize(dir)
	if err != nil {
		return nil, err
	}

	var out []string
	if !recursive {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.Name() == ".git" {
				continue
			}
			out = append(out, filepath.ToSlash(filepath.Join(authz.Normalize(dir), e.Name())))
		}
		return out, nil
	}

	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(t.repo.Root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", dir, err)
	}
	return out, nil
}

// MkDir creates a directory inside the repository. Directories are
// not tracked by git, so nothing is committed.
func (t *Toolkit) MkDir(path string) error {
	abs, err := t.authorize(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(abs, 0755)
}

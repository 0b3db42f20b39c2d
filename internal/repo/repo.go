// Package repo identifies a repository by its canonical root path.
package repo

import (
	"fmt"
	"os"
	"path/filepath"
)

// Ref is the canonicalized absolute root of a repository under version
// control. Never mutated after construction.
type Ref struct {
	Root string `json:"root"`
}

// New canonicalizes root and verifies it is a directory carrying a
// .git entry (directory, or file for worktrees).
func New(root string) (Ref, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return Ref{}, fmt.Errorf("resolving repo root %q: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return Ref{}, fmt.Errorf("repo root %q is not a directory", abs)
	}
	if _, err := os.Stat(filepath.Join(abs, ".git")); err != nil {
		return Ref{}, fmt.Errorf("%q is not a git repository", abs)
	}
	return Ref{Root: abs}, nil
}

// Abs joins a normalized relative path onto the root.
func (r Ref) Abs(rel string) string {
	return filepath.Join(r.Root, filepath.FromSlash(rel))
}

// Package gitops wraps the narrow set of version-control capabilities
// the engine depends on. Everything above it talks to the Git
// interface, so tests can substitute the in-memory Fake without a real
// repository on disk.
package gitops

import (
	"context"
	"time"
)

// LogEntry is one path-scoped history record.
type LogEntry struct {
	Commit    string    `json:"commit"`
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author"`
	Subject   string    `json:"subject"`
}

// Git is the capability set consumed by the pipeline, the session
// manager and the history reader. Implementations own no state beyond
// the underlying repository.
type Git interface {
	// Status returns porcelain-style lines for pending worktree and
	// index changes; an empty slice means the tree is clean.
	Status(ctx context.Context) ([]string, error)

	CurrentBranch(ctx context.Context) (string, error)
	RevParse(ctx context.Context, ref string) (string, error)

	// Stage records path (including its deletion) in the index.
	Stage(ctx context.Context, path string) error
	// Unstage removes path from the index, leaving the worktree alone.
	Unstage(ctx context.Context, path string) error
	Commit(ctx context.Context, subject, body string) (string, error)

	CreateBranch(ctx context.Context, name, from string) error
	DeleteBranch(ctx context.Context, name string) error
	Checkout(ctx context.Context, ref string) error

	// Merge performs a three-way merge of branch into the current
	// branch. MergeFF only fast-forwards. MergeSquash stages the
	// combined changes without committing.
	Merge(ctx context.Context, branch, message string) error
	MergeFF(ctx context.Context, branch string) error
	MergeSquash(ctx context.Context, branch string) error
	MergeAbort(ctx context.Context) error
	// SquashAbort cleans up after a failed MergeSquash. A squash merge
	// writes no MERGE_HEAD, so MergeAbort cannot undo it; this resets
	// the index and worktree to HEAD instead.
	SquashAbort(ctx context.Context) error

	// Rebase replays the current branch's commits onto newBase.
	Rebase(ctx context.Context, newBase string) error
	RebaseAbort(ctx context.Context) error

	// Diff returns the aggregate diff from..to (three-dot semantics:
	// changes on to since the common ancestor).
	Diff(ctx context.Context, from, to string) (string, error)

	// Log walks history most-recent-first, scoped to path when path is
	// non-empty. LogRange lists commits reachable from to but not from
	// from. Subjects returns the most recent commit subjects.
	Log(ctx context.Context, path string, limit int) ([]LogEntry, error)
	LogRange(ctx context.Context, from, to string) ([]LogEntry, error)
	Subjects(ctx context.Context, limit int) ([]string, error)

	// ConflictPaths lists unmerged paths after a failed merge.
	ConflictPaths(ctx context.Context) ([]string, error)
}

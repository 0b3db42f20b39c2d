// Package session implements branch-isolated staged transactions:
// start, staged write, preview, finalize, abort. All mutating
// transitions serialize through the repository lock; session records
// themselves are not locked individually.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fsgit/internal/errors"
	"fsgit/internal/gitops"
	"fsgit/internal/pipeline"
	"fsgit/internal/repo"
	"fsgit/internal/repolock"
)

const branchPrefix = "fsgit/staged/"

// Manager drives staged sessions for one repository.
type Manager struct {
	repo        repo.Ref
	git         gitops.Git
	store       Store
	lock        *repolock.Lock
	pipe        *pipeline.Pipeline
	lockTimeout time.Duration
	logger      *zap.Logger
}

func NewManager(ref repo.Ref, git gitops.Git, store Store, pipe *pipeline.Pipeline, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		repo:        ref,
		git:         git,
		store:       store,
		lock:        repolock.ForRepo(ref.Root),
		pipe:        pipe,
		lockTimeout: repolock.DefaultTimeout,
		logger:      logger,
	}
}

// SetLockTimeout overrides the bounded lock wait, mainly for tests.
func (m *Manager) SetLockTimeout(d time.Duration) { m.lockTimeout = d }

// WorkBranchName derives the deterministic, non-colliding work branch
// name for a session id and optional ticket.
func WorkBranchName(id, ticket string) string {
	label := "session"
	if ticket != "" {
		label = ticket
	}
	return fmt.Sprintf("%s%s-%s", branchPrefix, label, strings.ReplaceAll(id, "-", "")[:8])
}

// Start opens a new staged session on the current branch tip.
func (m *Manager) Start(ctx context.Context, ticket string) (*StagedSession, error) {
	release, err := m.lock.Acquire(m.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	lines, err := m.git.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking working tree: %w", err)
	}
	if len(lines) > 0 {
		return nil, errors.DirtyTree(m.repo.Root)
	}

	base, err := m.git.CurrentBranch(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving base branch: %w", err)
	}
	baseTip, err := m.git.RevParse(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("resolving base tip: %w", err)
	}

	id := uuid.New().String()
	work := WorkBranchName(id, ticket)
	if err := m.git.CreateBranch(ctx, work, base); err != nil {
		return nil, fmt.Errorf("creating work branch %s: %w", work, err)
	}

	s := &StagedSession{
		ID:         id,
		Root:       m.repo.Root,
		BaseBranch: base,
		WorkBranch: work,
		BaseTip:    baseTip,
		Status:     StatusOpen,
	}
	if err := m.store.Create(s); err != nil {
		m.git.DeleteBranch(ctx, work)
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	m.logger.Info("staged session started",
		zap.String("session", id),
		zap.String("base", base),
		zap.String("work", work))
	return s, nil
}

func (m *Manager) lookup(id string) (*StagedSession, error) {
	s, err := m.store.Get(id)
	if err != nil {
		return nil, errors.SessionNotFound(id)
	}
	return s, nil
}

func requireWritable(s *StagedSession) error {
	if s.Status != StatusOpen && s.Status != StatusPreviewed {
		return errors.InvalidSessionState(s.ID, string(s.Status), "OPEN or PREVIEWED")
	}
	return nil
}

// StagedWrite runs the write-commit pipeline on the session's work
// branch. Each staged write becomes its own commit.
func (m *Manager) StagedWrite(ctx context.Context, id string, req pipeline.WriteRequest) (pipeline.CommitResult, error) {
	s, err := m.lookup(id)
	if err != nil {
		return pipeline.CommitResult{}, err
	}
	if err := requireWritable(s); err != nil {
		return pipeline.CommitResult{}, err
	}

	release, err := m.lock.Acquire(m.lockTimeout)
	if err != nil {
		return pipeline.CommitResult{}, err
	}
	defer release()

	// the session may have been finalized or aborted while this call
	// waited for the lock
	if s, err = m.lookup(id); err != nil {
		return pipeline.CommitResult{}, err
	}
	if err := requireWritable(s); err != nil {
		return pipeline.CommitResult{}, err
	}

	previous, err := m.git.CurrentBranch(ctx)
	if err != nil {
		return pipeline.CommitResult{}, fmt.Errorf("resolving current branch: %w", err)
	}
	if err := m.git.Checkout(ctx, s.WorkBranch); err != nil {
		return pipeline.CommitResult{}, fmt.Errorf("checking out work branch: %w", err)
	}
	defer func() {
		if previous != s.WorkBranch {
			if err := m.git.Checkout(ctx, previous); err != nil {
				m.logger.Warn("restoring branch after staged write",
					zap.String("branch", previous), zap.Error(err))
			}
		}
	}()

	return m.pipe.Run(ctx, req)
}

// Preview computes the commits on the work branch that are not on the
// base, plus the aggregate diff. Callable repeatedly; flips an OPEN
// session to PREVIEWED but never blocks further writes.
func (m *Manager) Preview(ctx context.Context, id string) (*Preview, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, errors.InvalidSessionState(s.ID, string(s.Status), "OPEN or PREVIEWED")
	}

	p, err := m.preview(ctx, s)
	if err != nil {
		return nil, err
	}

	if s.Status == StatusOpen {
		s.Status = StatusPreviewed
		if err := m.store.Update(s); err != nil {
			return nil, fmt.Errorf("persisting preview transition: %w", err)
		}
	}
	return p, nil
}

func (m *Manager) preview(ctx context.Context, s *StagedSession) (*Preview, error) {
	commits, err := m.git.LogRange(ctx, s.BaseBranch, s.WorkBranch)
	if err != nil {
		return nil, fmt.Errorf("listing staged commits: %w", err)
	}
	diff, err := m.git.Diff(ctx, s.BaseBranch, s.WorkBranch)
	if err != nil {
		return nil, fmt.Errorf("computing aggregate diff: %w", err)
	}
	return &Preview{Commits: commits, Diff: diff}, nil
}

// Finalize integrates the work branch into the base using the chosen
// strategy. Conflicts leave both branches and the session status
// untouched so the caller can retry with another strategy or abort.
func (m *Manager) Finalize(ctx context.Context, id string, opts FinalizeOptions) (*FinalizeResult, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := requireWritable(s); err != nil {
		return nil, err
	}

	release, err := m.lock.Acquire(m.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	// re-check under the lock; a racing finalize or abort may have
	// reached a terminal status first
	if s, err = m.lookup(id); err != nil {
		return nil, err
	}
	if err := requireWritable(s); err != nil {
		return nil, err
	}

	base := opts.Base
	if base == "" {
		base = s.BaseBranch
	}

	// captured before integration so the archive reflects what was
	// merged
	archived, err := m.preview(ctx, s)
	if err != nil {
		return nil, err
	}

	if err := m.git.Checkout(ctx, base); err != nil {
		return nil, fmt.Errorf("checking out base branch: %w", err)
	}

	switch opts.Strategy {
	case StrategyMerge:
		if err := m.git.Merge(ctx, s.WorkBranch, fmt.Sprintf("Merge staged session %s", s.ID)); err != nil {
			paths, _ := m.git.ConflictPaths(ctx)
			m.git.MergeAbort(ctx)
			return nil, errors.FinalizeConflict(s.ID, paths)
		}

	case StrategyMergeFF:
		tip, err := m.git.RevParse(ctx, base)
		if err != nil {
			return nil, fmt.Errorf("resolving base tip: %w", err)
		}
		if tip != s.BaseTip {
			return nil, errors.ConcurrentModification(s.ID, base)
		}
		if err := m.git.MergeFF(ctx, s.WorkBranch); err != nil {
			return nil, fmt.Errorf("fast-forwarding %s: %w", base, err)
		}

	case StrategyRebaseMerge:
		if err := m.git.Checkout(ctx, s.WorkBranch); err != nil {
			return nil, fmt.Errorf("checking out work branch: %w", err)
		}
		if err := m.git.Rebase(ctx, base); err != nil {
			paths, _ := m.git.ConflictPaths(ctx)
			m.git.RebaseAbort(ctx)
			m.git.Checkout(ctx, base)
			return nil, errors.FinalizeConflict(s.ID, paths)
		}
		if err := m.git.Checkout(ctx, base); err != nil {
			return nil, fmt.Errorf("checking out base branch: %w", err)
		}
		if err := m.git.MergeFF(ctx, s.WorkBranch); err != nil {
			return nil, fmt.Errorf("fast-forwarding after rebase: %w", err)
		}

	case StrategySquash:
		if err := m.git.MergeSquash(ctx, s.WorkBranch); err != nil {
			// a conflicted squash has no MERGE_HEAD to abort
			paths, _ := m.git.ConflictPaths(ctx)
			if err := m.git.SquashAbort(ctx); err != nil {
				m.logger.Warn("cleaning up conflicted squash", zap.String("session", s.ID), zap.Error(err))
			}
			return nil, errors.FinalizeConflict(s.ID, paths)
		}
		subject := fmt.Sprintf("Squash staged session %s: %d staged writes", shortID(s.ID), len(archived.Commits))
		body := squashBody(archived.Commits)
		if _, err := m.git.Commit(ctx, subject, body); err != nil {
			return nil, fmt.Errorf("committing squashed session: %w", err)
		}

	default:
		return nil, fmt.Errorf("unknown finalize strategy %q", opts.Strategy)
	}

	merged, err := m.git.RevParse(ctx, "HEAD")
	if err != nil {
		return nil, fmt.Errorf("resolving merged commit: %w", err)
	}
	if err := m.git.DeleteBranch(ctx, s.WorkBranch); err != nil {
		return nil, fmt.Errorf("deleting work branch: %w", err)
	}

	s.Status = StatusFinalized
	if err := m.store.Update(s); err != nil {
		return nil, fmt.Errorf("persisting finalized session: %w", err)
	}
	if err := m.store.Archive(s, archived); err != nil {
		m.logger.Warn("archiving finalized session", zap.String("session", s.ID), zap.Error(err))
	}

	m.logger.Info("staged session finalized",
		zap.String("session", s.ID),
		zap.String("strategy", string(opts.Strategy)),
		zap.String("commit", merged))
	return &FinalizeResult{MergedCommit: merged, BaseBranch: base}, nil
}

// Abort discards every staged commit by deleting the work branch.
// Calling it again on an ABORTED session is a no-op; a FINALIZED
// session cannot be aborted.
func (m *Manager) Abort(ctx context.Context, id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	if s.Status == StatusAborted {
		return nil
	}
	if s.Status == StatusFinalized {
		return errors.InvalidSessionState(s.ID, string(s.Status), "not FINALIZED")
	}

	release, err := m.lock.Acquire(m.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	// a finalize that won the lock race must not be overwritten
	if s, err = m.lookup(id); err != nil {
		return err
	}
	if s.Status == StatusAborted {
		return nil
	}
	if s.Status == StatusFinalized {
		return errors.InvalidSessionState(s.ID, string(s.Status), "not FINALIZED")
	}

	current, err := m.git.CurrentBranch(ctx)
	if err != nil {
		return fmt.Errorf("resolving current branch: %w", err)
	}
	if current == s.WorkBranch {
		if err := m.git.Checkout(ctx, s.BaseBranch); err != nil {
			return fmt.Errorf("leaving work branch: %w", err)
		}
	}
	if err := m.git.DeleteBranch(ctx, s.WorkBranch); err != nil {
		// unconditional: a missing branch still aborts the session
		m.logger.Warn("deleting work branch on abort",
			zap.String("branch", s.WorkBranch), zap.Error(err))
	}

	s.Status = StatusAborted
	if err := m.store.Update(s); err != nil {
		return fmt.Errorf("persisting aborted session: %w", err)
	}
	if err := m.store.Archive(s, nil); err != nil {
		m.logger.Warn("archiving aborted session", zap.String("session", s.ID), zap.Error(err))
	}

	m.logger.Info("staged session aborted", zap.String("session", s.ID))
	return nil
}

func shortID(id string) string {
	return strings.ReplaceAll(id, "-", "")[:8]
}

func squashBody(commits []gitops.LogEntry) string {
	var b strings.Builder
	for i := len(commits) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "* %s\n", commits[i].Subject)
	}
	return strings.TrimSpace(b.String())
}

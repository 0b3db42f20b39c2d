package session

import (
	"time"

	"fsgit/internal/gitops"
)

// Status is the staged-session state machine position. OPEN and
// PREVIEWED accept further writes; FINALIZED and ABORTED are terminal.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusPreviewed Status = "PREVIEWED"
	StatusFinalized Status = "FINALIZED"
	StatusAborted   Status = "ABORTED"
)

func (s Status) Terminal() bool {
	return s == StatusFinalized || s == StatusAborted
}

// StagedSession is one branch-isolated transaction. Persisted outside
// the repository tree so it survives work-branch deletion and process
// restarts; mutated only by manager transitions.
type StagedSession struct {
	ID         string    `json:"id"`
	Root       string    `json:"root"`
	BaseBranch string    `json:"base_branch"`
	WorkBranch string    `json:"work_branch"`
	BaseTip    string    `json:"base_tip"`
	Status     Status    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Preview lists the commits present on the work branch but not on the
// base branch, plus their aggregate diff. Purely derived, never
// persisted except as part of a terminal archive.
type Preview struct {
	Commits []gitops.LogEntry `json:"commits"`
	Diff    string            `json:"diff"`
}

// Strategy selects how finalize integrates the work branch.
type Strategy string

const (
	StrategyMerge       Strategy = "merge"
	StrategyMergeFF     Strategy = "merge-ff"
	StrategyRebaseMerge Strategy = "rebase-merge"
	StrategySquash      Strategy = "squash"
)

// FinalizeOptions configures one finalize call. Base defaults to the
// session's recorded base branch.
type FinalizeOptions struct {
	Strategy Strategy `json:"strategy"`
	Base     string   `json:"base,omitempty"`
}

// FinalizeResult reports the integration outcome.
type FinalizeResult struct {
	MergedCommit string `json:"merged_commit"`
	BaseBranch   string `json:"base_branch"`
}

// Store is the durable session mapping. Archive records a terminal
// session together with its final preview for later inspection;
// archived records carry a lease and are reaped by PurgeExpired.
type Store interface {
	Create(s *StagedSession) error
	Get(id string) (*StagedSession, error)
	Update(s *StagedSession) error
	Archive(s *StagedSession, p *Preview) error
	PurgeExpired(now time.Time) (int, error)
}

package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fsgiterr "fsgit/internal/errors"
	"fsgit/internal/gitops"
	"fsgit/internal/pipeline"
	"fsgit/internal/repo"
	"fsgit/internal/repolock"
)

// memStore keeps sessions in memory for manager tests; the badger
// implementation has its own coverage in session/storage.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]StagedSession
	archives map[string]*Preview
}

func newMemStore() *memStore {
	return &memStore{
		sessions: map[string]StagedSession{},
		archives: map[string]*Preview{},
	}
}

func (m *memStore) Create(s *StagedSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("exists")
	}
	s.CreatedAt = time.Now()
	m.sessions[s.ID] = *s
	return nil
}

func (m *memStore) Get(id string) (*StagedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	copy := s
	return &copy, nil
}

func (m *memStore) Update(s *StagedSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return fmt.Errorf("not found")
	}
	s.UpdatedAt = time.Now()
	m.sessions[s.ID] = *s
	return nil
}

func (m *memStore) Archive(s *StagedSession, p *Preview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives[s.ID] = p
	return nil
}

func (m *memStore) PurgeExpired(time.Time) (int, error) { return 0, nil }

type fixture struct {
	mgr   *Manager
	fake  *gitops.Fake
	pipe  *pipeline.Pipeline
	store *memStore
	ref   repo.Ref
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0755))

	fake := gitops.NewFake(dir)
	ref := repo.Ref{Root: dir}
	pipe := pipeline.New(ref, fake, nil, nil, nil)
	store := newMemStore()
	return &fixture{
		mgr:   NewManager(ref, fake, store, pipe, nil),
		fake:  fake,
		pipe:  pipe,
		store: store,
		ref:   ref,
	}
}

func stagedReq(path, content, summary string) pipeline.WriteRequest {
	return pipeline.WriteRequest{
		Path:    path,
		Content: []byte(content),
		Op:      pipeline.OpAdd,
		Summary: summary,
	}
}

func mainCommits(t *testing.T, f *fixture) []gitops.LogEntry {
	t.Helper()
	require.NoError(t, f.fake.Checkout(context.Background(), "main"))
	entries, err := f.fake.Log(context.Background(), "", 1000)
	require.NoError(t, err)
	return entries
}

func TestStartThenAbortLeavesBaseUntouched(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	before := mainCommits(t, f)
	headBefore, err := f.fake.RevParse(ctx, "main")
	require.NoError(t, err)

	s, err := f.mgr.Start(ctx, "TICKET-7")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, s.Status)
	assert.Contains(t, s.WorkBranch, "fsgit/staged/TICKET-7-")

	require.NoError(t, f.mgr.Abort(ctx, s.ID))

	headAfter, err := f.fake.RevParse(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, headBefore, headAfter)
	assert.Equal(t, len(before), len(mainCommits(t, f)))
}

func TestStartRequiresCleanTree(t *testing.T) {
	f := setup(t)
	require.NoError(t, os.WriteFile(f.ref.Abs("stray.txt"), []byte("x"), 0644))

	_, err := f.mgr.Start(context.Background(), "")
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindDirtyTree))
}

func TestStagedWriteIsolatedFromBase(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.mgr.Start(ctx, "")
	require.NoError(t, err)

	res, err := f.mgr.StagedWrite(ctx, s.ID, stagedReq("feature.go", "package feature", "add feature"))
	require.NoError(t, err)
	assert.Equal(t, s.WorkBranch, res.Branch)

	// repository is back on the base branch afterwards
	branch, err := f.fake.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", branch)

	// the staged file is not visible on base
	_, statErr := os.Stat(f.ref.Abs("feature.go"))
	assert.True(t, os.IsNotExist(statErr))

	entries, err := f.fake.LogRange(ctx, "main", s.WorkBranch)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "[add] feature.go – add feature", entries[0].Subject)
}

func TestStagedWriteUnknownSession(t *testing.T) {
	f := setup(t)

	_, err := f.mgr.StagedWrite(context.Background(), "nope", stagedReq("a", "a", "a"))
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindSessionNotFound))
}

func TestPreviewListsStagedCommitsAndAllowsMoreWrites(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.mgr.Start(ctx, "")
	require.NoError(t, err)

	_, err = f.mgr.StagedWrite(ctx, s.ID, stagedReq("a.txt", "one", "first"))
	require.NoError(t, err)
	_, err = f.mgr.StagedWrite(ctx, s.ID, stagedReq("b.txt", "two", "second"))
	require.NoError(t, err)

	p, err := f.mgr.Preview(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, p.Commits, 2)
	assert.NotEmpty(t, p.Diff)

	got, err := f.store.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPreviewed, got.Status)

	// preview is informational, writes continue
	_, err = f.mgr.StagedWrite(ctx, s.ID, stagedReq("c.txt", "three", "third"))
	require.NoError(t, err)

	p, err = f.mgr.Preview(ctx, s.ID)
	require.NoError(t, err)
	assert.Len(t, p.Commits, 3)
}

func TestFinalizeMerge(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.mgr.Start(ctx, "")
	require.NoError(t, err)
	_, err = f.mgr.StagedWrite(ctx, s.ID, stagedReq("a.txt", "hello", "seed"))
	require.NoError(t, err)

	res, err := f.mgr.Finalize(ctx, s.ID, FinalizeOptions{Strategy: StrategyMerge})
	require.NoError(t, err)
	assert.Equal(t, "main", res.BaseBranch)
	assert.NotEmpty(t, res.MergedCommit)

	// staged content landed on base
	data, err := os.ReadFile(f.ref.Abs("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// work branch deleted, session terminal
	err = f.fake.Checkout(ctx, s.WorkBranch)
	assert.Error(t, err)

	got, err := f.store.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, got.Status)

	_, err = f.mgr.StagedWrite(ctx, s.ID, stagedReq("b.txt", "x", "late"))
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindInvalidSessionState))

	err = f.mgr.Abort(ctx, s.ID)
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindInvalidSessionState))
}

func TestFinalizeMergeFF(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.mgr.Start(ctx, "")
	require.NoError(t, err)
	_, err = f.mgr.StagedWrite(ctx, s.ID, stagedReq("a.txt", "hello", "seed"))
	require.NoError(t, err)

	workTip, err := f.fake.RevParse(ctx, s.WorkBranch)
	require.NoError(t, err)

	res, err := f.mgr.Finalize(ctx, s.ID, FinalizeOptions{Strategy: StrategyMergeFF})
	require.NoError(t, err)
	assert.Equal(t, workTip, res.MergedCommit, "fast-forward adds no merge commit")
}

func TestMergeFFConcurrentBaseAdvance(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.mgr.Start(ctx, "")
	require.NoError(t, err)
	_, err = f.mgr.StagedWrite(ctx, s.ID, stagedReq("a.txt", "hello", "seed"))
	require.NoError(t, err)

	// unrelated direct write advances main
	_, err = f.pipe.Run(ctx, stagedReq("other.txt", "unrelated", "direct"))
	require.NoError(t, err)

	_, err = f.mgr.Finalize(ctx, s.ID, FinalizeOptions{Strategy: StrategyMergeFF})
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindConcurrentModification))

	got, err := f.store.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status, "session unchanged")

	// work branch still exists
	_, err = f.fake.RevParse(ctx, s.WorkBranch)
	assert.NoError(t, err)
}

func TestFinalizeSquashAdvancesBaseByOneCommit(t *testing.T) {
	for _, writes := range []int{1, 5, 50} {
		t.Run(fmt.Sprintf("%dWrites", writes), func(t *testing.T) {
			f := setup(t)
			ctx := context.Background()

			before := len(mainCommits(t, f))

			s, err := f.mgr.Start(ctx, "")
			require.NoError(t, err)
			for i := 0; i < writes; i++ {
				_, err = f.mgr.StagedWrite(ctx, s.ID,
					stagedReq(fmt.Sprintf("file%d.txt", i), fmt.Sprintf("content %d", i), fmt.Sprintf("write %d", i)))
				require.NoError(t, err)
			}

			_, err = f.mgr.Finalize(ctx, s.ID, FinalizeOptions{Strategy: StrategySquash})
			require.NoError(t, err)

			assert.Equal(t, before+1, len(mainCommits(t, f)),
				"squash advances base by exactly one commit")
		})
	}
}

func TestFinalizeMergeConflict(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.mgr.Start(ctx, "")
	require.NoError(t, err)
	_, err = f.mgr.StagedWrite(ctx, s.ID, stagedReq("shared.txt", "staged version", "staged"))
	require.NoError(t, err)

	// conflicting direct write to the same path on main
	_, err = f.pipe.Run(ctx, stagedReq("shared.txt", "direct version", "direct"))
	require.NoError(t, err)

	_, err = f.mgr.Finalize(ctx, s.ID, FinalizeOptions{Strategy: StrategyMerge})
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindFinalizeConflict))

	var e *fsgiterr.Error
	require.ErrorAs(t, err, &e)
	assert.Contains(t, e.Conflicts, "shared.txt")

	// branches retained, status unchanged; abort still possible
	_, err = f.fake.RevParse(ctx, s.WorkBranch)
	assert.NoError(t, err)
	got, err := f.store.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)

	require.NoError(t, f.mgr.Abort(ctx, s.ID))
}

func TestFinalizeRebaseMerge(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.mgr.Start(ctx, "")
	require.NoError(t, err)
	_, err = f.mgr.StagedWrite(ctx, s.ID, stagedReq("staged.txt", "staged", "staged change"))
	require.NoError(t, err)

	// non-conflicting advance of main
	_, err = f.pipe.Run(ctx, stagedReq("direct.txt", "direct", "direct change"))
	require.NoError(t, err)

	res, err := f.mgr.Finalize(ctx, s.ID, FinalizeOptions{Strategy: StrategyRebaseMerge})
	require.NoError(t, err)
	assert.NotEmpty(t, res.MergedCommit)

	// both changes present on base
	for _, name := range []string{"staged.txt", "direct.txt"} {
		_, err := os.Stat(f.ref.Abs(name))
		assert.NoError(t, err, name)
	}
}

func TestRebaseMergeConflictLeavesBranchesUntouched(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.mgr.Start(ctx, "")
	require.NoError(t, err)
	_, err = f.mgr.StagedWrite(ctx, s.ID, stagedReq("shared.txt", "staged version", "staged"))
	require.NoError(t, err)
	workTip, err := f.fake.RevParse(ctx, s.WorkBranch)
	require.NoError(t, err)

	_, err = f.pipe.Run(ctx, stagedReq("shared.txt", "direct version", "direct"))
	require.NoError(t, err)
	mainTip, err := f.fake.RevParse(ctx, "main")
	require.NoError(t, err)

	_, err = f.mgr.Finalize(ctx, s.ID, FinalizeOptions{Strategy: StrategyRebaseMerge})
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindFinalizeConflict))

	afterWork, err := f.fake.RevParse(ctx, s.WorkBranch)
	require.NoError(t, err)
	afterMain, err := f.fake.RevParse(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, workTip, afterWork)
	assert.Equal(t, mainTip, afterMain)
}

func TestFinalizeSquashConflictLeavesTreeClean(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.mgr.Start(ctx, "")
	require.NoError(t, err)
	_, err = f.mgr.StagedWrite(ctx, s.ID, stagedReq("shared.txt", "staged version", "staged"))
	require.NoError(t, err)

	_, err = f.pipe.Run(ctx, stagedReq("shared.txt", "direct version", "direct"))
	require.NoError(t, err)

	_, err = f.mgr.Finalize(ctx, s.ID, FinalizeOptions{Strategy: StrategySquash})
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindFinalizeConflict))

	var e *fsgiterr.Error
	require.ErrorAs(t, err, &e)
	assert.Contains(t, e.Conflicts, "shared.txt")

	// the conflicted squash must not leave unmerged paths behind
	lines, err := f.fake.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines, "worktree dirty after squash conflict cleanup")

	// a following direct write passes the clean-tree check
	_, err = f.pipe.Run(ctx, stagedReq("after.txt", "still works", "follow-up"))
	assert.NoError(t, err)

	got, err := f.store.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	require.NoError(t, f.mgr.Abort(ctx, s.ID))
}

func TestAbortRechecksStatusUnderLock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.mgr.Start(ctx, "")
	require.NoError(t, err)

	// hold the repository lock so Abort passes its first status check
	// and then has to wait
	release, err := repolock.ForRepo(f.ref.Root).Acquire(time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.mgr.Abort(ctx, s.ID) }()
	time.Sleep(100 * time.Millisecond)

	// what a concurrent finalize does while holding the lock
	s.Status = StatusFinalized
	require.NoError(t, f.store.Update(s))
	require.NoError(t, f.fake.DeleteBranch(ctx, s.WorkBranch))
	release()

	err = <-done
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindInvalidSessionState))

	got, err := f.store.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinalized, got.Status, "terminal status must not be overwritten")
}

func TestStagedWriteRechecksStatusUnderLock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.mgr.Start(ctx, "")
	require.NoError(t, err)

	release, err := repolock.ForRepo(f.ref.Root).Acquire(time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.StagedWrite(ctx, s.ID, stagedReq("a.txt", "late", "late write"))
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)

	s.Status = StatusAborted
	require.NoError(t, f.store.Update(s))
	require.NoError(t, f.fake.DeleteBranch(ctx, s.WorkBranch))
	release()

	err = <-done
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindInvalidSessionState))
}

func TestAbortIdempotentFromAborted(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.mgr.Start(ctx, "")
	require.NoError(t, err)

	require.NoError(t, f.mgr.Abort(ctx, s.ID))
	require.NoError(t, f.mgr.Abort(ctx, s.ID), "second abort is a no-op")
}

func TestConcurrentStagedWritesSerialize(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	s, err := f.mgr.Start(ctx, "")
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.mgr.StagedWrite(ctx, s.ID,
				stagedReq(fmt.Sprintf("f%d.txt", i), fmt.Sprintf("c%d", i), fmt.Sprintf("write %d", i)))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	entries, err := f.fake.LogRange(ctx, "main", s.WorkBranch)
	require.NoError(t, err)
	assert.Equal(t, succeeded, len(entries),
		"work branch commit count matches successful calls")
	assert.Equal(t, n, succeeded)
}

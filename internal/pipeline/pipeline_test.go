package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fsgiterr "fsgit/internal/errors"
	"fsgit/internal/gitops"
	"fsgit/internal/repo"
	"fsgit/internal/template"
)

func setup(t *testing.T) (*Pipeline, *gitops.Fake, repo.Ref) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0755))

	fake := gitops.NewFake(dir)
	ref := repo.Ref{Root: dir}
	return New(ref, fake, nil, nil, nil), fake, ref
}

func writeReq(path, content, summary string) WriteRequest {
	return WriteRequest{
		Path:    path,
		Content: []byte(content),
		Op:      OpAdd,
		Summary: summary,
	}
}

func TestRunCommitsWrite(t *testing.T) {
	p, fake, ref := setup(t)
	ctx := context.Background()

	res, err := p.Run(ctx, writeReq("a.txt", "hello", "seed"))
	require.NoError(t, err)

	assert.Equal(t, "main", res.Branch)
	assert.Equal(t, "a.txt", res.Path)
	assert.Equal(t, 5, res.Bytes)
	assert.NotEmpty(t, res.Commit)

	data, err := os.ReadFile(ref.Abs("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	entries, err := fake.Log(ctx, "a.txt", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "[add] a.txt – seed", entries[0].Subject)
	assert.Equal(t, res.Commit, entries[0].Commit)

	lines, err := fake.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines, "tree clean after commit")
}

func TestRunNestedPathCreatesDirectories(t *testing.T) {
	p, _, ref := setup(t)

	_, err := p.Run(context.Background(), writeReq("src/deep/file.go", "package deep", "new file"))
	require.NoError(t, err)

	_, err = os.Stat(ref.Abs("src/deep/file.go"))
	assert.NoError(t, err)
}

func TestDirtyTreeRejected(t *testing.T) {
	p, _, ref := setup(t)
	require.NoError(t, os.WriteFile(ref.Abs("stray.txt"), []byte("x"), 0644))

	_, err := p.Run(context.Background(), writeReq("a.txt", "hello", "seed"))
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindDirtyTree))

	req := writeReq("a.txt", "hello", "seed")
	req.AllowDirty = true
	_, err = p.Run(context.Background(), req)
	assert.NoError(t, err)
}

func TestTraversalRejectedDespiteAllowAll(t *testing.T) {
	p, _, _ := setup(t)

	req := writeReq("../../etc/passwd", "x", "nope")
	req.AllowPatterns = []string{"**"}
	_, err := p.Run(context.Background(), req)
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindPathTraversal))
}

func TestDeniedPath(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0755))
	fake := gitops.NewFake(dir)
	p := New(repo.Ref{Root: dir}, fake, []string{"src/**"}, []string{"!src/secrets/**"}, nil)

	_, err := p.Run(context.Background(), writeReq("src/secrets/key.pem", "k", "leak"))
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindPathDenied))

	_, err = p.Run(context.Background(), writeReq("docs/readme.md", "d", "doc"))
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindPathDenied))

	_, err = p.Run(context.Background(), writeReq("src/ok.go", "package ok", "fine"))
	assert.NoError(t, err)
}

func TestBadTemplateTouchesNothing(t *testing.T) {
	p, fake, ref := setup(t)
	ctx := context.Background()

	before, err := fake.RevParse(ctx, "HEAD")
	require.NoError(t, err)

	req := writeReq("a.txt", "hello", "seed")
	req.Template = template.CommitTemplate{Subject: "{op} {path} {summary} {bogus}"}
	_, err = p.Run(ctx, req)
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindTemplate))

	_, statErr := os.Stat(ref.Abs("a.txt"))
	assert.True(t, os.IsNotExist(statErr), "no file written")

	after, err := fake.RevParse(ctx, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, before, after, "HEAD untouched")

	lines, err := fake.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestUniquenessStrictRollsBack(t *testing.T) {
	p, fake, ref := setup(t)
	ctx := context.Background()

	_, err := p.Run(ctx, writeReq("a.txt", "v1", "seed"))
	require.NoError(t, err)
	head, err := fake.RevParse(ctx, "HEAD")
	require.NoError(t, err)

	// identical rendered subject collides
	_, err = p.Run(ctx, writeReq("a.txt", "v2", "seed"))
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindUniqueness))

	data, err := os.ReadFile(ref.Abs("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data), "content reverted")

	after, err := fake.RevParse(ctx, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, head, after)

	lines, err := fake.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines, "index and worktree back to pre-call state")
}

func TestUniquenessSuffixDisambiguates(t *testing.T) {
	p, fake, _ := setup(t)
	ctx := context.Background()

	_, err := p.Run(ctx, writeReq("a.txt", "v1", "seed"))
	require.NoError(t, err)

	req := writeReq("a.txt", "v2", "seed")
	req.Uniqueness = UniqueSuffix
	_, err = p.Run(ctx, req)
	require.NoError(t, err)

	subjects, err := fake.Subjects(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "[add] a.txt – seed (#2)", subjects[0])
}

func TestDeleteOp(t *testing.T) {
	p, fake, ref := setup(t)
	ctx := context.Background()

	_, err := p.Run(ctx, writeReq("a.txt", "hello", "seed"))
	require.NoError(t, err)

	req := WriteRequest{Path: "a.txt", Op: OpDelete, Summary: "drop"}
	res, err := p.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Bytes)

	_, statErr := os.Stat(ref.Abs("a.txt"))
	assert.True(t, os.IsNotExist(statErr))

	lines, err := fake.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestDeleteMissingFile(t *testing.T) {
	p, _, _ := setup(t)

	_, err := p.Run(context.Background(), WriteRequest{Path: "ghost.txt", Op: OpDelete, Summary: "drop"})
	require.Error(t, err)
	assert.True(t, fsgiterr.HasKind(err, fsgiterr.KindFileNotFound))
}

// brokenBranchGit delegates everything to the fake except branch
// resolution, which always fails.
type brokenBranchGit struct {
	gitops.Git
}

func (brokenBranchGit) CurrentBranch(context.Context) (string, error) {
	return "", fmt.Errorf("ref lookup failed")
}

func TestBranchResolutionFailureTouchesNothing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0755))
	fake := gitops.NewFake(dir)
	ref := repo.Ref{Root: dir}
	p := New(ref, brokenBranchGit{fake}, nil, nil, nil)
	ctx := context.Background()

	headBefore, err := fake.RevParse(ctx, "HEAD")
	require.NoError(t, err)

	_, err = p.Run(ctx, writeReq("a.txt", "hello", "seed"))
	require.Error(t, err)

	// no commit landed and nothing was written
	headAfter, err := fake.RevParse(ctx, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, headBefore, headAfter)

	_, statErr := os.Stat(ref.Abs("a.txt"))
	assert.True(t, os.IsNotExist(statErr))

	lines, err := fake.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

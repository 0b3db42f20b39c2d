package gitops

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"fsgit/internal/diff"
)

// Fake is an in-memory Git implementation backed by a plain directory.
// It models branches, commits as full snapshots, a staging index and
// three-way merge conflicts, which is enough to exercise the pipeline
// and the session state machine without the git binary.
type Fake struct {
	mu       sync.Mutex
	root     string
	commits  map[string]*fakeCommit
	branches map[string]string
	head     string
	index    map[string]*string // staged content; nil means deletion
	conflict []string
	seq      int
}

type fakeCommit struct {
	ID      string
	Subject string
	Body    string
	Author  string
	Time    time.Time
	Parents []string
	Files   map[string]string
	Changed map[string]bool // vs first parent
}

var _ Git = (*Fake)(nil)

var fakeEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewFake creates a fake repository rooted at dir with an empty
// initial commit on "main".
func NewFake(dir string) *Fake {
	f := &Fake{
		root:     dir,
		commits:  map[string]*fakeCommit{},
		branches: map[string]string{},
		head:     "main",
		index:    map[string]*string{},
	}
	initial := f.newCommit("initial", "", nil, map[string]string{}, nil)
	f.branches["main"] = initial.ID
	return f
}

func (f *Fake) newCommit(subject, body string, parents []string, files map[string]string, changed map[string]bool) *fakeCommit {
	f.seq++
	c := &fakeCommit{
		ID:      fmt.Sprintf("%040x", f.seq),
		Subject: subject,
		Body:    body,
		Author:  "Fake Author",
		Time:    fakeEpoch.Add(time.Duration(f.seq) * time.Second),
		Parents: parents,
		Files:   files,
		Changed: changed,
	}
	f.commits[c.ID] = c
	return c
}

func (f *Fake) tip() *fakeCommit {
	return f.commits[f.branches[f.head]]
}

func (f *Fake) resolve(ref string) (string, bool) {
	if ref == "HEAD" {
		ref = f.head
	}
	if id, ok := f.branches[ref]; ok {
		return id, true
	}
	if _, ok := f.commits[ref]; ok {
		return ref, true
	}
	return "", false
}

func (f *Fake) diskFiles() (map[string]string, error) {
	files := map[string]string{}
	err := filepath.WalkDir(f.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	return files, err
}

func (f *Fake) syncWorktree(target map[string]string) error {
	disk, err := f.diskFiles()
	if err != nil {
		return err
	}
	tracked := f.tip().Files
	for path := range disk {
		_, isTracked := tracked[path]
		if _, keep := target[path]; isTracked && !keep {
			if err := os.Remove(filepath.Join(f.root, filepath.FromSlash(path))); err != nil {
				return err
			}
		}
	}
	for path, content := range target {
		abs := filepath.Join(f.root, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) Status(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	disk, err := f.diskFiles()
	if err != nil {
		return nil, err
	}
	head := f.tip().Files

	var lines []string
	for path, content := range disk {
		if old, ok := head[path]; !ok {
			lines = append(lines, "?? "+path)
		} else if old != content {
			lines = append(lines, " M "+path)
		}
	}
	for path := range head {
		if _, ok := disk[path]; !ok {
			lines = append(lines, " D "+path)
		}
	}
	for path := range f.index {
		lines = append(lines, "A  "+path)
	}
	sort.Strings(lines)
	return lines, nil
}

func (f *Fake) CurrentBranch(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *Fake) RevParse(_ context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.resolve(ref)
	if !ok {
		return "", fmt.Errorf("unknown ref %q", ref)
	}
	return id, nil
}

func (f *Fake) Stage(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(path)))
	if os.IsNotExist(err) {
		if _, tracked := f.tip().Files[path]; !tracked {
			return fmt.Errorf("pathspec %q did not match any files", path)
		}
		f.index[path] = nil
		return nil
	}
	if err != nil {
		return err
	}
	content := string(data)
	f.index[path] = &content
	return nil
}

func (f *Fake) Unstage(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.index, path)
	return nil
}

func (f *Fake) Commit(_ context.Context, subject, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.index) == 0 {
		return "", fmt.Errorf("nothing to commit")
	}
	parent := f.tip()
	files := map[string]string{}
	for k, v := range parent.Files {
		files[k] = v
	}
	changed := map[string]bool{}
	for path, content := range f.index {
		changed[path] = true
		if content == nil {
			delete(files, path)
		} else {
			files[path] = *content
		}
	}
	c := f.newCommit(subject, body, []string{parent.ID}, files, changed)
	f.branches[f.head] = c.ID
	f.index = map[string]*string{}
	return c.ID, nil
}

func (f *Fake) CreateBranch(_ context.Context, name, from string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.branches[name]; exists {
		return fmt.Errorf("branch %q already exists", name)
	}
	id, ok := f.resolve(from)
	if !ok {
		return fmt.Errorf("unknown ref %q", from)
	}
	f.branches[name] = id
	return nil
}

func (f *Fake) DeleteBranch(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.branches[name]; !exists {
		return fmt.Errorf("branch %q not found", name)
	}
	if name == f.head {
		return fmt.Errorf("cannot delete checked-out branch %q", name)
	}
	delete(f.branches, name)
	return nil
}

func (f *Fake) Checkout(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tip, ok := f.branches[ref]
	if !ok {
		return fmt.Errorf("unknown branch %q", ref)
	}
	if err := f.syncWorktree(f.commits[tip].Files); err != nil {
		return err
	}
	f.head = ref
	return nil
}

func (f *Fake) Merge(_ context.Context, branch, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ours := f.tip()
	theirsID, ok := f.branches[branch]
	if !ok {
		return fmt.Errorf("unknown branch %q", branch)
	}
	theirs := f.commits[theirsID]
	base := f.mergeBase(ours.ID, theirs.ID)

	ourChanges := f.changesSince(ours.ID, base)
	theirChanges := f.changesSince(theirs.ID, base)

	var conflicts []string
	for path, theirContent := range theirChanges {
		ourContent, both := ourChanges[path]
		if both && !sameContent(ourContent, theirContent) {
			conflicts = append(conflicts, path)
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		f.conflict = conflicts
		return fmt.Errorf("merge of %q produced conflicts", branch)
	}

	files := map[string]string{}
	for k, v := range ours.Files {
		files[k] = v
	}
	changed := map[string]bool{}
	for path, content := range theirChanges {
		changed[path] = true
		if content == nil {
			delete(files, path)
		} else {
			files[path] = *content
		}
	}
	if message == "" {
		message = fmt.Sprintf("Merge branch %q", branch)
	}
	c := f.newCommit(message, "", []string{ours.ID, theirs.ID}, files, changed)
	f.branches[f.head] = c.ID
	return f.syncWorktree(files)
}

func (f *Fake) MergeFF(_ context.Context, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	theirsID, ok := f.branches[branch]
	if !ok {
		return fmt.Errorf("unknown branch %q", branch)
	}
	oursID := f.branches[f.head]
	if oursID == theirsID {
		return nil
	}
	if !f.isAncestor(oursID, theirsID) {
		return fmt.Errorf("not possible to fast-forward to %q", branch)
	}
	f.branches[f.head] = theirsID
	return f.syncWorktree(f.commits[theirsID].Files)
}

func (f *Fake) MergeSquash(_ context.Context, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	theirsID, ok := f.branches[branch]
	if !ok {
		return fmt.Errorf("unknown branch %q", branch)
	}
	ours := f.tip()
	base := f.mergeBase(ours.ID, theirsID)
	theirChanges := f.changesSince(theirsID, base)
	ourChanges := f.changesSince(ours.ID, base)

	var conflicts []string
	for path, theirContent := range theirChanges {
		ourContent, both := ourChanges[path]
		if both && !sameContent(ourContent, theirContent) {
			conflicts = append(conflicts, path)
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		f.conflict = conflicts
		// like git, a conflicted squash leaves the worktree dirty
		for _, path := range conflicts {
			abs := filepath.Join(f.root, filepath.FromSlash(path))
			os.WriteFile(abs, []byte("<<<<<<< conflict\n"), 0644)
		}
		return fmt.Errorf("squash merge of %q produced conflicts", branch)
	}

	for path, content := range theirChanges {
		f.index[path] = content
		abs := filepath.Join(f.root, filepath.FromSlash(path))
		if content == nil {
			os.Remove(abs)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(abs, []byte(*content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) MergeAbort(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflict = nil
	f.index = map[string]*string{}
	return f.syncWorktree(f.tip().Files)
}

func (f *Fake) SquashAbort(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflict = nil
	f.index = map[string]*string{}
	return f.syncWorktree(f.tip().Files)
}

func (f *Fake) Rebase(_ context.Context, newBase string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ontoID, ok := f.resolve(newBase)
	if !ok {
		return fmt.Errorf("unknown ref %q", newBase)
	}
	curID := f.branches[f.head]
	base := f.mergeBase(curID, ontoID)
	if base == ontoID {
		return nil // already on top
	}

	baseChanges := f.changesSince(ontoID, base)
	replay := f.commitsSince(curID, base)

	// conflict check before mutating anything
	for _, c := range replay {
		for path := range c.Changed {
			if theirContent, both := baseChanges[path]; both {
				final := contentOf(f.commits[curID].Files, path)
				if !sameContent(final, theirContent) {
					f.conflict = []string{path}
					return fmt.Errorf("rebase of %q conflicts on %s", f.head, path)
				}
			}
		}
	}

	tip := ontoID
	for i := len(replay) - 1; i >= 0; i-- {
		orig := replay[i]
		parent := f.commits[tip]
		files := map[string]string{}
		for k, v := range parent.Files {
			files[k] = v
		}
		for path := range orig.Changed {
			if content, ok := orig.Files[path]; ok {
				files[path] = content
			} else {
				delete(files, path)
			}
		}
		c := f.newCommit(orig.Subject, orig.Body, []string{tip}, files, orig.Changed)
		tip = c.ID
	}
	f.branches[f.head] = tip
	return f.syncWorktree(f.commits[tip].Files)
}

func (f *Fake) RebaseAbort(context.Context) error {
	// Rebase only mutates branch state on success, so only the
	// conflict record needs clearing.
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflict = nil
	return nil
}

func (f *Fake) Diff(_ context.Context, from, to string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fromID, ok := f.resolve(from)
	if !ok {
		return "", fmt.Errorf("unknown ref %q", from)
	}
	toID, ok := f.resolve(to)
	if !ok {
		return "", fmt.Errorf("unknown ref %q", to)
	}
	base := f.mergeBase(fromID, toID)

	engine := diff.NewEngine(3)
	changes := f.changesSince(toID, base)
	paths := make([]string, 0, len(changes))
	for path := range changes {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, path := range paths {
		var oldContent, newContent []byte
		if old := contentOf(f.commits[base].Files, path); old != nil {
			oldContent = []byte(*old)
		}
		if content := changes[path]; content != nil {
			newContent = []byte(*content)
		}
		b.WriteString(engine.Diff(oldContent, newContent).Unified(path))
	}
	return b.String(), nil
}

func (f *Fake) Log(_ context.Context, path string, limit int) ([]LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var entries []LogEntry
	for c := f.tip(); c != nil && len(entries) < limit; c = f.firstParent(c) {
		if path == "" || c.Changed[path] {
			entries = append(entries, toEntry(c))
		}
	}
	return entries, nil
}

func (f *Fake) LogRange(_ context.Context, from, to string) ([]LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fromID, ok := f.resolve(from)
	if !ok {
		return nil, fmt.Errorf("unknown ref %q", from)
	}
	toID, ok := f.resolve(to)
	if !ok {
		return nil, fmt.Errorf("unknown ref %q", to)
	}
	lower := f.ancestors(fromID)

	var entries []LogEntry
	for c := f.commits[toID]; c != nil && !lower[c.ID]; c = f.firstParent(c) {
		entries = append(entries, toEntry(c))
	}
	return entries, nil
}

func (f *Fake) Subjects(_ context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var subjects []string
	for c := f.tip(); c != nil && len(subjects) < limit; c = f.firstParent(c) {
		subjects = append(subjects, c.Subject)
	}
	return subjects, nil
}

func (f *Fake) ConflictPaths(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.conflict...), nil
}

// history helpers

func (f *Fake) firstParent(c *fakeCommit) *fakeCommit {
	if len(c.Parents) == 0 {
		return nil
	}
	return f.commits[c.Parents[0]]
}

func (f *Fake) ancestors(id string) map[string]bool {
	seen := map[string]bool{}
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, f.commits[cur].Parents...)
	}
	return seen
}

func (f *Fake) isAncestor(a, b string) bool {
	return f.ancestors(b)[a]
}

func (f *Fake) mergeBase(a, b string) string {
	inA := f.ancestors(a)
	// newest common ancestor wins; commit times are monotonic
	best := ""
	for id := range f.ancestors(b) {
		if inA[id] && (best == "" || f.commits[id].Time.After(f.commits[best].Time)) {
			best = id
		}
	}
	return best
}

// commitsSince lists commits reachable from tip down to (excluding)
// base along first parents, newest first.
func (f *Fake) commitsSince(tip, base string) []*fakeCommit {
	var out []*fakeCommit
	for c := f.commits[tip]; c != nil && c.ID != base; c = f.firstParent(c) {
		out = append(out, c)
	}
	return out
}

// changesSince returns the final content of every path changed between
// base and tip; nil content means the path was deleted.
func (f *Fake) changesSince(tip, base string) map[string]*string {
	changes := map[string]*string{}
	final := f.commits[tip].Files
	for _, c := range f.commitsSince(tip, base) {
		for path := range c.Changed {
			if _, done := changes[path]; done {
				continue
			}
			changes[path] = contentOf(final, path)
		}
	}
	return changes
}

func contentOf(files map[string]string, path string) *string {
	if content, ok := files[path]; ok {
		return &content
	}
	return nil
}

func sameContent(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func toEntry(c *fakeCommit) LogEntry {
	return LogEntry{Commit: c.ID, Timestamp: c.Time, Author: c.Author, Subject: c.Subject}
}

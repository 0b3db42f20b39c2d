package gitops

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

var _ Git = (*CLI)(nil)

// CLI drives the external git binary for one repository root.
type CLI struct {
	root   string
	logger *zap.Logger
}

func NewCLI(root string, logger *zap.Logger) *CLI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CLI{root: root, logger: logger}
}

// record separator used in the log pretty format
const logSep = "\x1f"

func (c *CLI) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-C", c.root}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		c.logger.Debug("git command failed",
			zap.Strings("args", args),
			zap.String("stderr", stderr.String()))
		return stdout.String(), fmt.Errorf("git %s: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (c *CLI) Status(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (c *CLI) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *CLI) RevParse(ctx context.Context, ref string) (string, error) {
	out, err := c.run(ctx, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (c *CLI) Stage(ctx context.Context, path string) error {
	// -A so a removed file stages as a deletion
	_, err := c.run(ctx, "add", "-A", "--", path)
	return err
}

func (c *CLI) Unstage(ctx context.Context, path string) error {
	_, err := c.run(ctx, "reset", "-q", "--", path)
	return err
}

func (c *CLI) Commit(ctx context.Context, subject, body string) (string, error) {
	args := []string{"commit", "-m", subject}
	if body != "" {
		args = append(args, "-m", body)
	}
	if _, err := c.run(ctx, args...); err != nil {
		return "", err
	}
	return c.RevParse(ctx, "HEAD")
}

func (c *CLI) CreateBranch(ctx context.Context, name, from string) error {
	_, err := c.run(ctx, "branch", name, from)
	return err
}

func (c *CLI) DeleteBranch(ctx context.Context, name string) error {
	_, err := c.run(ctx, "branch", "-D", name)
	return err
}

func (c *CLI) Checkout(ctx context.Context, ref string) error {
	_, err := c.run(ctx, "checkout", "-q", ref)
	return err
}

func (c *CLI) Merge(ctx context.Context, branch, message string) error {
	args := []string{"merge", "--no-ff", branch}
	if message != "" {
		args = []string{"merge", "--no-ff", "-m", message, branch}
	}
	_, err := c.run(ctx, args...)
	return err
}

func (c *CLI) MergeFF(ctx context.Context, branch string) error {
	_, err := c.run(ctx, "merge", "--ff-only", branch)
	return err
}

func (c *CLI) MergeSquash(ctx context.Context, branch string) error {
	_, err := c.run(ctx, "merge", "--squash", branch)
	return err
}

func (c *CLI) MergeAbort(ctx context.Context) error {
	_, err := c.run(ctx, "merge", "--abort")
	return err
}

func (c *CLI) SquashAbort(ctx context.Context) error {
	// A conflicted squash merge leaves unmerged paths but no
	// MERGE_HEAD, so "merge --abort" refuses; reset instead.
	_, err := c.run(ctx, "reset", "--merge")
	return err
}

func (c *CLI) Rebase(ctx context.Context, newBase string) error {
	_, err := c.run(ctx, "rebase", newBase)
	return err
}

func (c *CLI) RebaseAbort(ctx context.Context) error {
	_, err := c.run(ctx, "rebase", "--abort")
	return err
}

func (c *CLI) Diff(ctx context.Context, from, to string) (string, error) {
	return c.run(ctx, "diff", from+"..."+to)
}

func (c *CLI) Log(ctx context.Context, path string, limit int) ([]LogEntry, error) {
	args := []string{"log", fmt.Sprintf("-%d", limit), "--pretty=format:%H" + logSep + "%aI" + logSep + "%an" + logSep + "%s"}
	if path != "" {
		args = append(args, "--", path)
	}
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	return parseLog(out)
}

func (c *CLI) LogRange(ctx context.Context, from, to string) ([]LogEntry, error) {
	out, err := c.run(ctx, "log",
		"--pretty=format:%H"+logSep+"%aI"+logSep+"%an"+logSep+"%s",
		from+".."+to)
	if err != nil {
		return nil, err
	}
	return parseLog(out)
}

func (c *CLI) Subjects(ctx context.Context, limit int) ([]string, error) {
	out, err := c.run(ctx, "log", fmt.Sprintf("-%d", limit), "--pretty=format:%s")
	if err != nil {
		// An unborn branch has no log at all.
		return nil, nil
	}
	return splitLines(out), nil
}

func (c *CLI) ConflictPaths(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func parseLog(out string) ([]LogEntry, error) {
	var entries []LogEntry
	for _, line := range splitLines(out) {
		parts := strings.SplitN(line, logSep, 4)
		if len(parts) != 4 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, parts[1])
		if err != nil {
			return nil, fmt.Errorf("parsing commit timestamp %q: %w", parts[1], err)
		}
		entries = append(entries, LogEntry{
			Commit:    parts[0],
			Timestamp: ts,
			Author:    parts[2],
			Subject:   parts[3],
		})
	}
	return entries, nil
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// cmd/fsgit/main.go
package main

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"fsgit/internal/config"
	"fsgit/internal/errors"
	"fsgit/internal/gitops"
	"fsgit/internal/history"
	"fsgit/internal/logging"
	"fsgit/internal/pipeline"
	"fsgit/internal/repo"
	"fsgit/internal/session"
	sessionstore "fsgit/internal/session/storage"
	"fsgit/internal/tools"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "fsgit",
	Short: "fsgit turns filesystem writes into git commits",
	Long: `fsgit enforces that every filesystem mutation inside a repository is
captured as a version-control commit. Writes are atomic and path
authorized; staged sessions isolate a batch of writes on a work branch
until they are merged, rebased, squashed or aborted.`,
	SilenceUsage: true,
}

// engine bundles the per-repository wiring shared by the commands.
type engine struct {
	ref     repo.Ref
	git     gitops.Git
	cfg     *config.Config
	pipe    *pipeline.Pipeline
	reader  *history.Reader
	toolkit *tools.Toolkit
	logger  *logging.Logger
}

func newEngine(repoPath string) (*engine, error) {
	cfg, err := config.Resolve(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	ref, err := repo.New(repoPath)
	if err != nil {
		return nil, err
	}

	git := gitops.NewCLI(ref.Root, logger.WithRepo(ref.Root))
	allow, deny := cfg.Authorization.Allow, cfg.Authorization.Deny
	pipe := pipeline.New(ref, git, allow, deny, logger.WithRepo(ref.Root))
	reader := history.NewReader(ref, git, allow, deny)

	return &engine{
		ref:     ref,
		git:     git,
		cfg:     cfg,
		pipe:    pipe,
		reader:  reader,
		toolkit: tools.New(ref, pipe, reader, allow, deny),
		logger:  logger,
	}, nil
}

// openSessions opens the durable session store. It lives outside every
// repository so sessions survive branch deletion and restarts.
func (e *engine) openSessions() (*sessionstore.Store, func(), error) {
	path := e.cfg.SessionDB.Path
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil, fmt.Errorf("resolving session db location: %w", err)
		}
		path = filepath.Join(home, ".fsgit", "sessions")
	}
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("opening session store: %w", err)
	}
	store, err := sessionstore.NewStore(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}

func (e *engine) manager(store session.Store) *session.Manager {
	return session.NewManager(e.ref, e.git, store, e.pipe, e.logger.WithRepo(e.ref.Root))
}

func readContent(file string) ([]byte, error) {
	if file != "" && file != "-" {
		return os.ReadFile(file)
	}
	return io.ReadAll(os.Stdin)
}

func printCommit(res pipeline.CommitResult) {
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s %s on %s (%d bytes)\n", green("committed"), res.Commit[:minInt(12, len(res.Commit))], res.Branch, res.Bytes)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func init() {
	var initCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Initialize a git repository for fsgit usage",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("creating %s: %w", dir, err)
			}
			for _, c := range [][]string{
				{"init", dir},
				{"-C", dir, "config", "user.name", "fsgit"},
				{"-C", dir, "config", "user.email", "fsgit@localhost"},
			} {
				out, err := exec.Command("git", c...).CombinedOutput()
				if err != nil {
					return fmt.Errorf("git %s: %w: %s", strings.Join(c, " "), err, out)
				}
			}
			fmt.Println("Initialized git repository in", dir)
			return nil
		},
	}

	var (
		writeRepo    string
		writeFile    string
		writeOp      string
		writeSummary string
		writeReason  string
		writeSubject string
		writeBody    string
		writeAllow   []string
		writeDeny    []string
		writeDirty   bool
		writeSuffix  bool
	)
	var writeCmd = &cobra.Command{
		Use:   "write <path>",
		Short: "Write a file and commit it in one atomic operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(writeRepo)
			if err != nil {
				return err
			}

			var content []byte
			if writeOp != string(pipeline.OpDelete) {
				if content, err = readContent(writeFile); err != nil {
					return fmt.Errorf("reading content: %w", err)
				}
			}

			req := pipeline.WriteRequest{
				Path:          args[0],
				Content:       content,
				Op:            pipeline.Op(writeOp),
				Summary:       writeSummary,
				Reason:        writeReason,
				AllowPatterns: writeAllow,
				DenyPatterns:  writeDeny,
				AllowDirty:    writeDirty,
			}
			if writeSubject != "" {
				req.Template.Subject = writeSubject
				req.Template.Body = writeBody
			}
			if writeSuffix {
				req.Uniqueness = pipeline.UniqueSuffix
			}

			res, err := eng.toolkit.Write(cmd.Context(), req)
			if err != nil {
				return err
			}
			printCommit(res)
			return nil
		},
	}
	writeCmd.Flags().StringVar(&writeRepo, "repo", ".", "repository root")
	writeCmd.Flags().StringVar(&writeFile, "file", "", "read content from file ('-' for stdin)")
	writeCmd.Flags().StringVar(&writeOp, "op", "edit", "operation: add, edit or delete")
	writeCmd.Flags().StringVar(&writeSummary, "summary", "", "one-line summary of the change")
	writeCmd.Flags().StringVar(&writeReason, "reason", "", "why the change is made")
	writeCmd.Flags().StringVar(&writeSubject, "subject", "", "commit subject template override")
	writeCmd.Flags().StringVar(&writeBody, "body", "", "commit body template override")
	writeCmd.Flags().StringSliceVar(&writeAllow, "allow", nil, "allow patterns (override environment)")
	writeCmd.Flags().StringSliceVar(&writeDeny, "deny", nil, "deny patterns (override environment)")
	writeCmd.Flags().BoolVar(&writeDirty, "allow-dirty", false, "skip the clean-tree check")
	writeCmd.Flags().BoolVar(&writeSuffix, "auto-suffix", false, "disambiguate colliding subjects instead of failing")
	writeCmd.MarkFlagRequired("summary")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a JSON config file (falls back to FSGIT_CONFIG)")
	rootCmd.AddCommand(initCmd, writeCmd, stagedCommands(), readCmd(), replaceCmd(), patchCmd())
}

func stagedCommands() *cobra.Command {
	staged := &cobra.Command{
		Use:   "staged",
		Short: "Branch-isolated staged sessions",
	}

	var startRepo, startTicket string
	start := &cobra.Command{
		Use:   "start",
		Short: "Open a staged session on a new work branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(startRepo)
			if err != nil {
				return err
			}
			store, closeDB, err := eng.openSessions()
			if err != nil {
				return err
			}
			defer closeDB()

			s, err := eng.manager(store).Start(cmd.Context(), startTicket)
			if err != nil {
				return err
			}
			fmt.Printf("Started session %s on %s (base %s)\n", s.ID, s.WorkBranch, s.BaseBranch)
			return nil
		},
	}
	start.Flags().StringVar(&startRepo, "repo", ".", "repository root")
	start.Flags().StringVar(&startTicket, "ticket", "", "ticket reference used in the branch name")

	var (
		swRepo    string
		swSession string
		swFile    string
		swOp      string
		swSummary string
		swReason  string
	)
	write := &cobra.Command{
		Use:   "write <path>",
		Short: "Write a file as a commit on the session's work branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(swRepo)
			if err != nil {
				return err
			}
			store, closeDB, err := eng.openSessions()
			if err != nil {
				return err
			}
			defer closeDB()

			var content []byte
			if swOp != string(pipeline.OpDelete) {
				if content, err = readContent(swFile); err != nil {
					return fmt.Errorf("reading content: %w", err)
				}
			}

			res, err := eng.manager(store).StagedWrite(cmd.Context(), swSession, pipeline.WriteRequest{
				Path:    args[0],
				Content: content,
				Op:      pipeline.Op(swOp),
				Summary: swSummary,
				Reason:  swReason,
			})
			if err != nil {
				return err
			}
			printCommit(res)
			return nil
		},
	}
	write.Flags().StringVar(&swRepo, "repo", ".", "repository root")
	write.Flags().StringVar(&swSession, "session", "", "session identifier")
	write.Flags().StringVar(&swFile, "file", "", "read content from file ('-' for stdin)")
	write.Flags().StringVar(&swOp, "op", "edit", "operation: add, edit or delete")
	write.Flags().StringVar(&swSummary, "summary", "", "one-line summary of the change")
	write.Flags().StringVar(&swReason, "reason", "", "why the change is made")
	write.MarkFlagRequired("session")
	write.MarkFlagRequired("summary")

	var pvRepo, pvSession string
	preview := &cobra.Command{
		Use:   "preview",
		Short: "Show the session's staged commits and aggregate diff",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(pvRepo)
			if err != nil {
				return err
			}
			store, closeDB, err := eng.openSessions()
			if err != nil {
				return err
			}
			defer closeDB()

			p, err := eng.manager(store).Preview(cmd.Context(), pvSession)
			if err != nil {
				return err
			}
			cyan := color.New(color.FgCyan).SprintFunc()
			for _, c := range p.Commits {
				fmt.Printf("%s %s\n", cyan(c.Commit[:minInt(12, len(c.Commit))]), c.Subject)
			}
			if p.Diff != "" {
				fmt.Println()
				printColoredDiff(p.Diff)
			}
			return nil
		},
	}
	preview.Flags().StringVar(&pvRepo, "repo", ".", "repository root")
	preview.Flags().StringVar(&pvSession, "session", "", "session identifier")
	preview.MarkFlagRequired("session")

	var fzRepo, fzSession, fzStrategy, fzBase string
	finalize := &cobra.Command{
		Use:   "finalize",
		Short: "Integrate the session's work branch into the base branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(fzRepo)
			if err != nil {
				return err
			}
			store, closeDB, err := eng.openSessions()
			if err != nil {
				return err
			}
			defer closeDB()

			res, err := eng.manager(store).Finalize(cmd.Context(), fzSession, session.FinalizeOptions{
				Strategy: session.Strategy(fzStrategy),
				Base:     fzBase,
			})
			if err != nil {
				return err
			}
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s session %s into %s at %s\n", green("finalized"), fzSession, res.BaseBranch, res.MergedCommit[:minInt(12, len(res.MergedCommit))])
			return nil
		},
	}
	finalize.Flags().StringVar(&fzRepo, "repo", ".", "repository root")
	finalize.Flags().StringVar(&fzSession, "session", "", "session identifier")
	finalize.Flags().StringVar(&fzStrategy, "strategy", "merge", "merge, merge-ff, rebase-merge or squash")
	finalize.Flags().StringVar(&fzBase, "base", "", "target base branch (defaults to the session's)")
	finalize.MarkFlagRequired("session")

	var abRepo, abSession string
	abort := &cobra.Command{
		Use:   "abort",
		Short: "Discard the session's staged commits",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(abRepo)
			if err != nil {
				return err
			}
			store, closeDB, err := eng.openSessions()
			if err != nil {
				return err
			}
			defer closeDB()

			if err := eng.manager(store).Abort(cmd.Context(), abSession); err != nil {
				return err
			}
			fmt.Printf("Aborted session %s\n", abSession)
			return nil
		},
	}
	abort.Flags().StringVar(&abRepo, "repo", ".", "repository root")
	abort.Flags().StringVar(&abSession, "session", "", "session identifier")
	abort.MarkFlagRequired("session")

	var listRepo string
	list := &cobra.Command{
		Use:   "list",
		Short: "List every recorded session and its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(listRepo)
			if err != nil {
				return err
			}
			store, closeDB, err := eng.openSessions()
			if err != nil {
				return err
			}
			defer closeDB()

			sessions, err := store.List()
			if err != nil {
				return err
			}
			cyan := color.New(color.FgCyan).SprintFunc()
			for _, s := range sessions {
				fmt.Printf("%s  %-10s %s -> %s  %s\n",
					cyan(s.ID), s.Status, s.WorkBranch, s.BaseBranch,
					s.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	list.Flags().StringVar(&listRepo, "repo", ".", "repository root")

	var purgeRepo string
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired archives of finalized and aborted sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(purgeRepo)
			if err != nil {
				return err
			}
			store, closeDB, err := eng.openSessions()
			if err != nil {
				return err
			}
			defer closeDB()

			n, err := store.PurgeExpired(time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("Purged %d expired session(s)\n", n)
			return nil
		},
	}
	purge.Flags().StringVar(&purgeRepo, "repo", ".", "repository root")

	staged.AddCommand(start, write, preview, finalize, abort, list, purge)
	return staged
}

func readCmd() *cobra.Command {
	var (
		repoPath string
		limit    int
		query    string
		asRegex  bool
		showBody bool
	)
	cmd := &cobra.Command{
		Use:   "read <path>",
		Short: "Read a file with its path-scoped commit history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(repoPath)
			if err != nil {
				return err
			}

			if query != "" {
				res, err := eng.toolkit.Extract(cmd.Context(), tools.ExtractIntent{
					Path: args[0], Query: query, Regex: asRegex, HistoryLimit: limit,
				})
				if err != nil {
					return err
				}
				for _, span := range res.Spans {
					fmt.Printf("-- lines %d..%d --\n%s\n", span.Start+1, span.End, strings.Join(span.Lines, "\n"))
				}
				return nil
			}

			res, err := eng.reader.ReadWithHistory(cmd.Context(), history.ReadIntent{
				Path: args[0], HistoryLimit: limit,
			})
			if err != nil {
				return err
			}
			if showBody {
				os.Stdout.Write(res.Content)
				fmt.Println()
			}
			yellow := color.New(color.FgYellow).SprintFunc()
			for _, e := range res.History {
				fmt.Printf("%s %s %s %s\n", yellow(e.Commit[:minInt(12, len(e.Commit))]), e.Timestamp.Format(time.RFC3339), e.Author, e.Subject)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo", ".", "repository root")
	cmd.Flags().IntVar(&limit, "limit", history.DefaultLimit, "history entries to show")
	cmd.Flags().StringVar(&query, "query", "", "show context spans matching this text instead")
	cmd.Flags().BoolVar(&asRegex, "regex", false, "treat --query as a regular expression")
	cmd.Flags().BoolVar(&showBody, "content", false, "print the file content")
	return cmd
}

func replaceCmd() *cobra.Command {
	var (
		repoPath string
		search   string
		replace  string
		asRegex  bool
		summary  string
	)
	cmd := &cobra.Command{
		Use:   "replace <path>",
		Short: "Search and replace in a file, committed as one edit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(repoPath)
			if err != nil {
				return err
			}
			res, err := eng.toolkit.Replace(cmd.Context(), args[0], search, replace, asRegex, summary)
			if err != nil {
				return err
			}
			printCommit(res)
			return nil
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo", ".", "repository root")
	cmd.Flags().StringVar(&search, "search", "", "text or pattern to find")
	cmd.Flags().StringVar(&replace, "replace", "", "replacement text")
	cmd.Flags().BoolVar(&asRegex, "regex", false, "treat --search as a regular expression")
	cmd.Flags().StringVar(&summary, "summary", "", "one-line summary of the change")
	cmd.MarkFlagRequired("search")
	return cmd
}

func patchCmd() *cobra.Command {
	var (
		repoPath  string
		patchFile string
		summary   string
	)
	cmd := &cobra.Command{
		Use:   "patch <path>",
		Short: "Apply a unified diff to a file, committed as one edit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := newEngine(repoPath)
			if err != nil {
				return err
			}
			patch, err := readContent(patchFile)
			if err != nil {
				return fmt.Errorf("reading patch: %w", err)
			}
			res, err := eng.toolkit.ApplyPatch(cmd.Context(), args[0], string(patch), summary)
			if err != nil {
				return err
			}
			printCommit(res)
			return nil
		},
	}
	cmd.Flags().StringVar(&repoPath, "repo", ".", "repository root")
	cmd.Flags().StringVar(&patchFile, "file", "-", "read the patch from file ('-' for stdin)")
	cmd.Flags().StringVar(&summary, "summary", "", "one-line summary of the change")
	return cmd
}

func printColoredDiff(diff string) {
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	header := color.New(color.FgCyan)

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			header.Println(line)
		case strings.HasPrefix(line, "+"):
			added.Println(line)
		case strings.HasPrefix(line, "-"):
			removed.Println(line)
		default:
			fmt.Println(line)
		}
	}
}

func main() {
	ctx := context.Background()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var coreErr *errors.Error
		if goerrors.As(err, &coreErr) {
			red := color.New(color.FgRed).SprintFunc()
			fmt.Fprintf(os.Stderr, "%s: %s\n", red(string(coreErr.Kind)), coreErr.Message)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

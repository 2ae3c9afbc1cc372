// cmd/diffview/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"diffview/internal/buffer"
	"diffview/internal/config"
	"diffview/internal/notify"
	"diffview/internal/review"
	"diffview/internal/session"
	"diffview/internal/stack"
	"diffview/shared/types"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	logger  = zap.NewNop()
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "diffview",
	Short: "Diffview shows working-copy diffs over a snapshot repository",
	Long: `Diffview drives a snapshot repository from the terminal: browse diffs
against any revision, commit or amend working-copy changes, and publish
commits as local code reviews.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			var err error
			logger, err = zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
		}
		return nil
	},
}

// env bundles the session with the concrete backends it runs over.
type env struct {
	stack   *stack.Stack
	buffers *buffer.FileProvider
	session *session.Session
}

func (e *env) close() {
	e.session.Dispose()
	e.buffers.Close()
}

// autoCleanup resolves uncommitted changes ahead of a publish without an
// interactive prompt: a pending message commits them, otherwise they are
// amended into the head.
type autoCleanup struct {
	stack *stack.Stack
}

func (c autoCleanup) Resolve(ctx context.Context, repo shared.Repository, commitMessage string, preferRebase bool) (*shared.CleanupResult, error) {
	if len(c.stack.DirtyFileChanges()) == 0 {
		return &shared.CleanupResult{AllowUntracked: true}, nil
	}
	if commitMessage != "" {
		if err := repo.Commit(ctx, commitMessage, nil); err != nil {
			return nil, fmt.Errorf("committing pending changes: %w", err)
		}
		return &shared.CleanupResult{AllowUntracked: true}, nil
	}
	head, err := repo.HeadCommitMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading head commit message: %w", err)
	}
	if err := repo.Amend(ctx, head, nil); err != nil {
		return nil, fmt.Errorf("amending pending changes: %w", err)
	}
	return &shared.CleanupResult{Amended: true, AllowUntracked: true}, nil
}

func openEnv(ctx context.Context) (*env, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting current directory: %w", err)
	}
	root, err := stack.FindRoot(cwd)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(filepath.Join(root, stack.DotDir))
	if err != nil {
		return nil, err
	}
	if !verbose {
		if l, err := cfg.Logger(); err == nil {
			logger = l
		}
	}

	st, err := stack.Open(root, logger)
	if err != nil {
		return nil, err
	}
	st.SetDebounceInterval(cfg.DebounceInterval())

	buffers, err := buffer.NewFileProvider(logger)
	if err != nil {
		st.Dispose()
		return nil, err
	}
	buffers.SetQuietInterval(cfg.DebounceInterval())
	if err := buffers.WatchRoot(root); err != nil {
		logger.Warn("watching working tree", zap.Error(err))
	}

	provider := stack.NewStaticProvider(st)
	reviews := review.NewLocalService(provider, st.DB(), logger)
	reviews.SetBaseURL(cfg.Review.BaseURL)

	s := session.New(session.Config{
		Provider: provider,
		Buffers:  buffers,
		Review:   reviews,
		Prompt:   autoCleanup{stack: st},
		Notifier: notify.NewTerminal(os.Stdout),
		Factory:  stack.SourceFactory,
		Logger:   logger,
	})
	s.Activate(ctx)
	return &env{stack: st, buffers: buffers, session: s}, nil
}

func absArg(arg string) (string, error) {
	return filepath.Abs(arg)
}

func statusColor(status shared.FileChangeStatus) *color.Color {
	switch status {
	case shared.StatusAdded, shared.StatusUntracked:
		return color.New(color.FgGreen)
	case shared.StatusRemoved, shared.StatusMissing:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgYellow)
	}
}

func printChanges(changes map[string]shared.FileChangeStatus) {
	paths := make([]string, 0, len(changes))
	for path := range changes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		status := changes[path]
		statusColor(status).Printf("  %-10s %s\n", status, path)
	}
}

func printUnifiedDiff(oldText, newText string) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	for _, d := range diffs {
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				added.Printf("+%s", line)
			case diffmatchpatch.DiffDelete:
				removed.Printf("-%s", line)
			default:
				fmt.Printf(" %s", line)
			}
		}
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new stack in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting current directory: %w", err)
			}
			st, err := stack.Init(dir, logger)
			if err != nil {
				return fmt.Errorf("initializing stack: %w", err)
			}
			st.Dispose()
			fmt.Println("Initialized empty stack in", dir)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show working-copy changes against the head snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			changes := e.session.State().DirtyFileChanges
			if len(changes) == 0 {
				fmt.Println("Working copy is clean")
				return nil
			}
			fmt.Printf("Changes (%d files):\n", len(changes))
			printChanges(changes)
			return nil
		},
	}

	logCmd := &cobra.Command{
		Use:   "log",
		Short: "List snapshots, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			rs := e.session.State().RevisionsState
			if rs == nil || len(rs.Revisions) == 0 {
				fmt.Println("No snapshots yet")
				return nil
			}
			bold := color.New(color.Bold)
			for _, rev := range rs.Revisions {
				bold.Printf("%d  %s\n", rev.ID, rev.DisplayTitle())
				fmt.Printf("   %s  %s\n", rev.Date.Format("2006-01-02 15:04"), rev.Title)
			}
			return nil
		},
	}

	var diffRev int
	diffCmd := &cobra.Command{
		Use:   "diff [file]",
		Short: "Show a file's diff against the head or a chosen revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			if diffRev != 0 {
				e.session.SetCompareRevision(ctx, shared.RevisionInfo{ID: diffRev})
			}
			path, err := absArg(args[0])
			if err != nil {
				return err
			}
			e.session.ActivateFile(ctx, path)
			e.session.WaitForFetch()

			st := e.session.State()
			if st.FilePath == "" {
				return fmt.Errorf("%s belongs to no stack", args[0])
			}
			fmt.Printf("--- %s\n+++ %s\n", st.FromRevisionTitle, st.ToRevisionTitle)
			printUnifiedDiff(st.OldContents, st.NewContents)
			return nil
		},
	}
	diffCmd.Flags().IntVar(&diffRev, "rev", 0, "revision id to diff against")

	var commitMessage string
	var amend bool
	commitCmd := &cobra.Command{
		Use:   "commit",
		Short: "Commit working-copy changes as a new snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if commitMessage == "" {
				return fmt.Errorf("a commit message is required (-m)")
			}
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			e.session.SetViewMode(ctx, shared.ViewModeCommit)
			if amend {
				e.session.SetCommitMode(ctx, shared.CommitModeAmend)
			}
			e.session.WaitForFetch()
			e.session.Commit(ctx, commitMessage)
			return nil
		},
	}
	commitCmd.Flags().StringVarP(&commitMessage, "message", "m", "", "commit message")
	commitCmd.Flags().BoolVar(&amend, "amend", false, "amend the head snapshot instead")

	var publishMessage string
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish the head snapshot as a review (create or update)",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			ctx := cmd.Context()
			e.session.SetViewMode(ctx, shared.ViewModePublish)
			e.session.WaitForFetch()

			message := publishMessage
			if message == "" {
				message = e.session.State().PublishMessage
			}
			e.session.Publish(ctx, message, false)

			if e.session.State().PublishModeState == shared.PublishStatePublishError {
				os.Exit(1)
			}
			return nil
		},
	}
	publishCmd.Flags().StringVarP(&publishMessage, "message", "m", "", "publish message")

	bookmarkCmd := &cobra.Command{
		Use:   "bookmark [name]",
		Short: "Bookmark the head snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.stack.AddBookmark(args[0]); err != nil {
				return err
			}
			fmt.Printf("Bookmarked head snapshot as %q\n", args[0])
			return nil
		},
	}

	rootCmd.AddCommand(initCmd, statusCmd, logCmd, diffCmd, commitCmd, publishCmd, bookmarkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

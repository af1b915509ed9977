package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/v0-dev/v0/internal/config"
	"github.com/v0-dev/v0/internal/deps"
	"github.com/v0-dev/v0/internal/exec"
	"github.com/v0-dev/v0/internal/git"
	"github.com/v0-dev/v0/internal/mergeq"
	"github.com/v0-dev/v0/internal/notify"
	"github.com/v0-dev/v0/internal/op"
	"github.com/v0-dev/v0/internal/session"
	"github.com/v0-dev/v0/internal/tracker"
)

// conflictSessionTimeout bounds the agent session the merge daemon spawns
// to resolve a predicted conflict.
const conflictSessionTimeout = 30 * time.Minute

var projectFlag string

var rootCmd = &cobra.Command{
	Use:   "v0",
	Short: "Autonomous work orchestration",
	Long: `v0 drives coding agents through a persisted operation lifecycle:
plan, execute in an isolated worktree, and integrate through a
single-consumer merge queue.

State lives in flat files under the build root, so every command, the
merge daemon, and the worker supervisors coordinate through the
filesystem alone.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectFlag, "project", "", "Project root (default: nearest .v0 or .git ancestor)")
}

// app bundles the wired stores every command needs.
type app struct {
	root     string
	cfg      *config.Config
	ops      *op.Store
	queue    *mergeq.Store
	sessions *session.Manager
	tracker  *tracker.Client
	notify   *notify.Notifier
}

// newApp loads configuration and constructs the file-backed stores.
func newApp() (*app, error) {
	root := projectFlag
	if root == "" {
		var err error
		root, err = config.FindProjectRoot()
		if err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	identity := fmt.Sprintf("v0[%d]", os.Getpid())
	return &app{
		root:     root,
		cfg:      cfg,
		ops:      op.NewStore(cfg.OperationsDir(), identity),
		queue:    mergeq.NewStore(cfg.MergeQueueDir(), identity),
		sessions: session.NewManager(filepath.Join(cfg.BuildRoot, "sessions")),
		tracker:  tracker.NewClient(exec.NewRunner(), cfg.Tracker.Command, root),
		notify:   notify.New(filepath.Join(cfg.BuildRoot, "notifications.log")),
	}, nil
}

// agentCommand splits the configured agent command line into argv.
func (a *app) agentCommand() []string {
	return strings.Fields(a.cfg.Worker.Command)
}

// newDaemon assembles the merge queue daemon over the shared workspace.
func (a *app) newDaemon() *mergeq.Daemon {
	g := git.NewRunner(a.cfg.Git.Workspace)
	driver := &deps.ExecDriver{}
	merger := mergeq.NewMerger(mergeq.MergerConfig{
		Git:           g,
		Sessions:      a.sessions,
		Workspace:     a.cfg.Git.Workspace,
		Remote:        a.cfg.Git.Remote,
		SharedBranch:  a.cfg.Git.SharedBranch,
		PushRetries:   a.cfg.MergeQueue.PushRetries,
		VerifyRetries: a.cfg.MergeQueue.VerifyRetries,
		RequireRemote: a.cfg.MergeQueue.RequireRemote,
		ConflictSpec: mergeq.ConflictSessionSpec{
			Command: a.agentCommand(),
			Timeout: conflictSessionTimeout,
		},
	})
	return mergeq.NewDaemon(mergeq.DaemonConfig{
		MergeqDir:          a.cfg.MergeQueueDir(),
		Queue:              a.queue,
		Ops:                a.ops,
		Evaluator:          mergeq.NewEvaluator(a.ops, a.sessions, a.tracker, g, a.cfg.Git.Remote),
		Merger:             merger,
		Graph:              deps.NewGraph(a.ops, a.tracker, driver),
		Driver:             driver,
		Epics:              a.tracker,
		Notify:             a.notify,
		PollInterval:       a.cfg.MergeQueue.PollInterval,
		ConflictRetryLimit: a.cfg.MergeQueue.ConflictRetryLimit,
	})
}

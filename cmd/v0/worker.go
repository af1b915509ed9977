package main

import (
	"errors"
	"fmt"
	"log"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/v0-dev/v0/internal/git"
	"github.com/v0-dev/v0/internal/mergeq"
	"github.com/v0-dev/v0/internal/op"
	"github.com/v0-dev/v0/internal/store"
	"github.com/v0-dev/v0/internal/worker"
)

var workerKind string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Supervise agent sessions for an operation",
}

var workerStartCmd = &cobra.Command{
	Use:   "start <operation>",
	Short: "Run the worker supervisor in the foreground",
	Long: `Supervise agent sessions for one operation. The supervisor keeps a
session alive while the operation's issues stay open, backs off on
agent-reported errors, and stops on repeated crashes without progress.
The operation moves to executing on start; its final phase reflects
how the supervisor ended.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		name := args[0]
		o, err := a.ops.Get(name)
		if err != nil {
			return err
		}
		if o.Worktree == "" {
			return fmt.Errorf("operation %s has no worktree; run op set --worktree first", name)
		}
		if o.Phase == op.PhaseQueued {
			if err := a.ops.Transition(name, op.PhaseExecuting, op.TransitionOpts{}); err != nil {
				return err
			}
		}

		logger := log.New(&lumberjack.Logger{
			Filename:   filepath.Join(a.ops.Dir(name), "logs", "worker.log"),
			MaxSize:    5,
			MaxBackups: 3,
		}, "", log.LstdFlags|log.LUTC)

		sup := worker.NewSupervisor(worker.SupervisorConfig{
			Kind:         string(o.Kind),
			Operation:    o.Name,
			Tree:         o.Worktree,
			BuildRoot:    a.cfg.BuildRoot,
			Command:      a.agentCommand(),
			TrackerCmd:   a.cfg.Tracker.Command,
			Remote:       a.cfg.Git.Remote,
			SharedBranch: a.cfg.Git.SharedBranch,
			PollInterval: a.cfg.Worker.PollInterval,
			BackoffBase:  a.cfg.Worker.BackoffBase,
			BackoffCap:   a.cfg.Worker.BackoffCap,
			IdleTicks:    a.cfg.Worker.IdleTicks,
			PlanFile:     o.PlanFile,
			Held: func() (bool, error) {
				cur, err := a.ops.Get(name)
				if err != nil {
					return false, err
				}
				return cur.Held, nil
			},
		}, a.sessions, git.NewRunner(o.Worktree), a.tracker, a.notify, logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		err = sup.Run(ctx)

		switch {
		case errors.Is(err, worker.ErrNoProgress):
			if terr := a.ops.Transition(name, op.PhaseFailed, op.TransitionOpts{FailureReason: "no_progress"}); terr != nil {
				return errors.Join(err, terr)
			}
			return err
		case err != nil:
			return err
		case ctx.Err() != nil:
			// Signalled mid-run; the operation can be resumed later.
			return a.ops.Transition(name, op.PhaseInterrupted, op.TransitionOpts{})
		default:
			if err := a.ops.Transition(name, op.PhaseCompleted, op.TransitionOpts{}); err != nil {
				return err
			}
			if o.MergeQueued {
				_, err := a.queue.Enqueue(mergeq.EnqueueRequest{Operation: name, Worktree: o.Worktree})
				return err
			}
			a.notify.Notify("review:ready", fmt.Sprintf("%s completed, branch %s awaits manual review", name, o.BranchName()))
			fmt.Printf("%s completed; branch %s is ready for review\n", name, o.BranchName())
			return nil
		}
	},
}

var workerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running worker supervisor to stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		pidFile := store.NewPIDFile(filepath.Join(a.cfg.BuildRoot, "worker-"+workerKind+".pid"))
		pid := pidFile.Running()
		if pid == 0 {
			fmt.Printf("no %s worker running\n", workerKind)
			return nil
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal worker (pid %d): %w", pid, err)
		}
		fmt.Printf("stopping %s worker (pid %d)\n", workerKind, pid)
		return nil
	},
}

var workerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report worker supervisor liveness",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		pidFile := store.NewPIDFile(filepath.Join(a.cfg.BuildRoot, "worker-"+workerKind+".pid"))
		pid, _ := pidFile.Reconcile()
		if pid == 0 {
			fmt.Printf("%s worker: not running\n", workerKind)
			return nil
		}
		fmt.Printf("%s worker: running (pid %d)\n", workerKind, pid)
		return nil
	},
}

func init() {
	workerStopCmd.Flags().StringVar(&workerKind, "kind", string(op.KindFeature), "Worker kind")
	workerStatusCmd.Flags().StringVar(&workerKind, "kind", string(op.KindFeature), "Worker kind")

	workerCmd.AddCommand(workerStartCmd, workerStopCmd, workerStatusCmd)
	rootCmd.AddCommand(workerCmd)
}

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run and inspect the merge daemon",
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the merge daemon in the foreground",
	Long: `Run the merge daemon. It polls the queue, merges at most one entry
per cycle into the shared branch, and exits cleanly on SIGINT or
SIGTERM. Only one daemon may run per build root.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return a.newDaemon().Run(ctx)
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal the running merge daemon to stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		pid := a.newDaemon().PIDFile().Running()
		if pid == 0 {
			fmt.Println("daemon is not running")
			return nil
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal daemon (pid %d): %w", pid, err)
		}
		fmt.Printf("stopping daemon (pid %d)\n", pid)
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report daemon liveness and queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		pid, cleaned := a.newDaemon().PIDFile().Reconcile()
		if cleaned {
			fmt.Fprintln(os.Stderr, "removed a stale daemon pid file")
		}
		if pid == 0 {
			fmt.Println("daemon: not running")
		} else {
			fmt.Printf("daemon: running (pid %d)\n", pid)
		}

		pending, err := a.queue.Pending()
		if err != nil {
			return err
		}
		q, err := a.queue.Load()
		if err != nil {
			return err
		}
		fmt.Printf("queue: %d pending; merged %d, failed %d, conflicts %d\n",
			len(pending), q.Stats.Merged, q.Stats.Failed, q.Stats.Conflicts)
		return nil
	},
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd, daemonStopCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

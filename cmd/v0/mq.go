package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/v0-dev/v0/internal/mergeq"
)

var (
	mqEnqueuePriority int
	mqEnqueueWorktree string
	mqEnqueueIssue    string
	mqListStatus      string
)

var mqCmd = &cobra.Command{
	Use:   "mq",
	Short: "Manage the merge queue",
}

var mqEnqueueCmd = &cobra.Command{
	Use:   "enqueue <operation|branch>",
	Short: "Queue an operation or bare branch for merging",
	Long: `Queue an operation for the merge daemon. A name containing a slash
is treated as a bare branch rather than an operation. Enqueueing
something already pending is a no-op; a finished entry for the same
name is superseded by a fresh pending one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		added, err := a.queue.Enqueue(mergeq.EnqueueRequest{
			Operation: args[0],
			Priority:  mqEnqueuePriority,
			Worktree:  mqEnqueueWorktree,
			IssueID:   mqEnqueueIssue,
		})
		if err != nil {
			return err
		}
		if !added {
			fmt.Printf("%s is already queued\n", args[0])
			return nil
		}
		fmt.Printf("queued %s (priority %d)\n", args[0], mqEnqueuePriority)
		return nil
	},
}

var mqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List merge queue entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		q, err := a.queue.Load()
		if err != nil {
			return err
		}
		fmt.Printf("merged %d, failed %d, conflicts %d\n",
			q.Stats.Merged, q.Stats.Failed, q.Stats.Conflicts)

		entries, err := a.queue.List(mqListStatus)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("queue is empty")
			return nil
		}
		now := time.Now()
		for i, e := range entries {
			fmt.Printf("%2d. %-30s %-10s prio %d  %s\n",
				i+1, e.Operation, e.Status, e.Priority, formatAge(e.Age(now)))
		}
		return nil
	},
}

var mqRetryCmd = &cobra.Command{
	Use:   "retry <operation>",
	Short: "Reset a failed or conflicted entry to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.queue.Retry(args[0]); err != nil {
			return err
		}
		fmt.Printf("%s reset to pending\n", args[0])
		return nil
	},
}

var mqRemoveCmd = &cobra.Command{
	Use:   "remove <operation>",
	Short: "Remove an entry from the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		return a.queue.Remove(args[0])
	},
}

// formatAge renders a duration as the largest round unit.
func formatAge(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd", int(d.Hours())/24)
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}

func init() {
	mqEnqueueCmd.Flags().IntVar(&mqEnqueuePriority, "priority", 0, "Merge priority; lower merges first")
	mqEnqueueCmd.Flags().StringVar(&mqEnqueueWorktree, "worktree", "", "Worktree override for readiness checks")
	mqEnqueueCmd.Flags().StringVar(&mqEnqueueIssue, "issue", "", "Tracker issue to link to the entry")
	mqListCmd.Flags().StringVar(&mqListStatus, "status", "", "Only show entries with this status")

	mqCmd.AddCommand(mqEnqueueCmd, mqListCmd, mqRetryCmd, mqRemoveCmd)
	rootCmd.AddCommand(mqCmd)
}

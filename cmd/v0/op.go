package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/v0-dev/v0/internal/deps"
	"github.com/v0-dev/v0/internal/op"
)

var (
	opCreateKind string
	opCreateNoMQ bool

	opSetPlanFile string
	opSetEpic     string
	opSetWorktree string
	opSetBranch   string

	opCancelReason string
)

var opCmd = &cobra.Command{
	Use:   "op",
	Short: "Manage operations",
}

var opCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an operation in phase init",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		o, err := a.ops.Create(args[0], op.Kind(opCreateKind), !opCreateNoMQ)
		if err != nil {
			return err
		}
		mode := "merge-queued"
		if opCreateNoMQ {
			mode = "manual merge"
		}
		fmt.Printf("created %s (%s, %s)\n", o.Name, o.Kind, mode)
		return nil
	},
}

var opShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print an operation's state document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		o, err := a.ops.Get(args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(o)
	},
}

var opSetCmd = &cobra.Command{
	Use:   "set <name>",
	Short: "Record planning artifacts on an operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		fields := map[string]any{}
		if opSetPlanFile != "" {
			fields["plan_file"] = opSetPlanFile
		}
		if opSetEpic != "" {
			fields["epic_id"] = opSetEpic
		}
		if opSetWorktree != "" {
			fields["worktree"] = opSetWorktree
		}
		if opSetBranch != "" {
			fields["branch"] = opSetBranch
		}
		if len(fields) == 0 {
			return fmt.Errorf("nothing to set; see --help for the available fields")
		}
		return a.ops.UpdateFields(args[0], fields)
	},
}

var opTransitionCmd = &cobra.Command{
	Use:   "transition <name> <phase>",
	Short: "Move an operation to a new phase",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.ops.Transition(args[0], op.Phase(args[1]), op.TransitionOpts{}); err != nil {
			return err
		}
		fmt.Printf("%s → %s\n", args[0], args[1])
		return nil
	},
}

var opHoldCmd = &cobra.Command{
	Use:   "hold <name>",
	Short: "Freeze an operation in its current phase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		return a.ops.Hold(args[0])
	},
}

var opUnholdCmd = &cobra.Command{
	Use:   "unhold <name>",
	Short: "Clear an operation's hold",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		return a.ops.ResumeHold(args[0])
	},
}

var opResumeCmd = &cobra.Command{
	Use:   "resume <name>",
	Short: "Recover a failed, interrupted, cancelled, or unblocked operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		target, err := a.ops.Resume(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s resumed to %s\n", args[0], target)
		return nil
	},
}

var opCancelCmd = &cobra.Command{
	Use:   "cancel <name>",
	Short: "Cancel an operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		if err := a.ops.Transition(args[0], op.PhaseCancelled, op.TransitionOpts{}); err != nil {
			return err
		}
		if opCancelReason != "" {
			a.ops.AppendEvent(args[0], "cancel", opCancelReason)
		}
		fmt.Printf("%s cancelled\n", args[0])
		return nil
	},
}

var opBlockBy string

var opBlockCmd = &cobra.Command{
	Use:   "block <name>",
	Short: "Record that an operation depends on another",
	Long: `Link the blocking operation's epic as a blocker of this operation's
epic. Links that would close a dependency cycle are rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		o, err := a.ops.Get(args[0])
		if err != nil {
			return err
		}
		blocker, err := a.ops.Get(opBlockBy)
		if err != nil {
			return err
		}
		if o.EpicID == "" || blocker.EpicID == "" {
			return fmt.Errorf("both operations need an epic before they can be linked")
		}
		graph := deps.NewGraph(a.ops, a.tracker, &deps.ExecDriver{})
		if err := graph.AddBlocker(cmd.Context(), o.EpicID, blocker.EpicID); err != nil {
			return err
		}
		a.ops.AppendEvent(args[0], "blocked", "by "+blocker.Name)
		fmt.Printf("%s now blocked by %s\n", o.Name, blocker.Name)
		return nil
	},
}

var opCloseIssuesCmd = &cobra.Command{
	Use:   "close-issues <name>",
	Short: "Force-close an operation's remaining open issues",
	Long: `Close every open issue carrying the operation's plan label. The merge
readiness check refuses entries with open issues; this clears that gate
deliberately instead of letting a poll do it as a side effect.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		issues, err := a.tracker.List(cmd.Context(), args[0], "")
		if err != nil {
			return err
		}
		closed := 0
		for _, issue := range issues {
			if !issue.Open() {
				continue
			}
			if err := a.tracker.Close(cmd.Context(), issue.ID); err != nil {
				return err
			}
			closed++
		}
		if closed > 0 {
			a.ops.AppendEvent(args[0], "issues:force-closed", fmt.Sprintf("%d issue(s)", closed))
		}
		fmt.Printf("closed %d issue(s) for %s\n", closed, args[0])
		return nil
	},
}

var opDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Prune a cancelled operation's state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		return a.ops.Delete(args[0])
	},
}

func init() {
	opCreateCmd.Flags().StringVar(&opCreateKind, "kind", string(op.KindFeature), "Operation kind: feature, fix, or chore")
	opCreateCmd.Flags().BoolVar(&opCreateNoMQ, "no-merge", false, "Skip the merge queue; the branch is handed off for manual review")

	opSetCmd.Flags().StringVar(&opSetPlanFile, "plan-file", "", "Path to the operation's plan")
	opSetCmd.Flags().StringVar(&opSetEpic, "epic", "", "Tracker epic backing the operation")
	opSetCmd.Flags().StringVar(&opSetWorktree, "worktree", "", "Isolated working tree for the agent")
	opSetCmd.Flags().StringVar(&opSetBranch, "branch", "", "Integration branch override")

	opCancelCmd.Flags().StringVar(&opCancelReason, "reason", "", "Reason recorded in the event log")

	opBlockCmd.Flags().StringVar(&opBlockBy, "by", "", "Operation that must merge first")
	opBlockCmd.MarkFlagRequired("by")

	opCmd.AddCommand(opCreateCmd, opShowCmd, opSetCmd, opTransitionCmd,
		opHoldCmd, opUnholdCmd, opResumeCmd, opCancelCmd,
		opBlockCmd, opCloseIssuesCmd, opDeleteCmd)
	rootCmd.AddCommand(opCmd)
}

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/v0-dev/v0/internal/git"
	"github.com/v0-dev/v0/internal/worker"
)

var stopHookCmd = &cobra.Command{
	Use:   "stop-hook",
	Short: "Gate an agent exit (invoked by the agent runtime)",
	Long: `Read the agent runtime's stop request from stdin and answer with an
approve or block decision on stdout. The working tree and plan label
come from the V0_WORKTREE and V0_PLAN_LABEL environment variables the
supervisor sets on every session.`,
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		dir := os.Getenv("V0_WORKTREE")
		if dir == "" {
			dir, err = os.Getwd()
			if err != nil {
				return err
			}
		}
		planLabel := os.Getenv("V0_PLAN_LABEL")
		if planLabel == "" {
			planLabel = os.Getenv("V0_OP")
		}

		hook := worker.NewStopHook(a.tracker, git.NewRunner(dir), dir, planLabel)
		return hook.Run(cmd.Context(), os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(stopHookCmd)
}

package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/v0-dev/v0/internal/status"
	"github.com/v0-dev/v0/internal/tracker"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show every operation's phase, queue position, and session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		proj := status.NewProjector(a.ops, a.queue, a.sessions, tracker.NewCache(a.tracker))
		rows, err := proj.Build(cmd.Context())
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("no operations")
			return nil
		}

		header := color.New(color.Bold)
		header.Printf("%-30s %-24s %-6s %s\n", "OPERATION", "PHASE", "MERGE", "SESSION")
		for _, r := range rows {
			sess := ""
			if r.SessionLive {
				sess = "live"
			}
			fmt.Printf("%-30s %-24s %-6s %s\n", r.Operation, r.Styled(), r.MergeIcon, sess)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/v0-dev/v0/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("v0 version %s\n", version.Get())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/cadence/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	// Needs no configuration.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cadence version %s\n", version.Get())
	},
}

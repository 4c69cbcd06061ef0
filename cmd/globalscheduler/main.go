package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set via ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "globalscheduler",
	Short: "Global Scheduler: the control-plane root of a hierarchical function-orchestration tree",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("globalscheduler version %s\ncommit: %s\nbuilt: %s\n", Version, Commit, BuildTime)
		return nil
	},
}

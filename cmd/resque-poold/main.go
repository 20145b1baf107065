package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "resque-poold",
	Short:         "resque-poold -- worker pool supervisor",
	Long:          "resque-poold forks and supervises job-queue worker processes, reconciling a live census against a desired-count configuration.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

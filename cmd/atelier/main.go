// Package main provides the atelier CLI entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	pretty  = true
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "atelier",
		Short: "Atelier - LLM-driven build pipeline",
		Long: `Atelier turns a natural-language request into a built artifact
(a report, site, or slide deck) by planning phases, executing each one
against a sandboxed coding-agent runtime, and tracking progress durably.

Use 'atelier run' to start a pipeline run.
Use 'atelier serve' to expose the HTTP API.`,
	}

	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", true, "colorized terminal output")

	rootCmd.AddCommand(
		runCmd(),
		tasksCmd(),
		serveCmd(),
		recoverCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("atelier %s\n", version)
		},
	}
}

// Package cli implements dscan's cobra-based command surface: config,
// srv, and agent, plus the supplemented agent health subcommand.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// DefaultPort is the coordinator's listen port when a configured
// address names no port of its own.
const DefaultPort = "2040"

var workspaceName string

var rootCmd = &cobra.Command{
	Use:     "dscan",
	Short:   "dscan coordinates a distributed nmap scan across worker agents",
	Version: "0.1.0",
}

// Execute runs the CLI, returning any error from the selected
// subcommand.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&workspaceName, "name", "", "workspace directory (required)")
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(srvCmd)
	rootCmd.AddCommand(agentCmd)
}

func requireWorkspace() (string, error) {
	if workspaceName == "" {
		return "", fmt.Errorf("--name <workspace-dir> is required")
	}
	return workspaceName, nil
}

func exitWithError(msg string, err error) {
	fmt.Fprintf(os.Stderr, "dscan: %s: %v\n", msg, err)
	os.Exit(1)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/piwi3910/softrdma/cmd/softrdma-cli/commands"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "softrdma-cli",
		Short: "softrdma CLI - software RDMA transport client",
		Long: `softrdma-cli inspects and exercises a running softrdma daemon
through its admin API.

Configure the admin endpoint:
  softrdma-cli config set endpoint http://localhost:9101

Or use environment variables:
  SOFTRDMA_ENDPOINT`,
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
	}

	// Add sub-commands
	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewStatusCmd())
	rootCmd.AddCommand(commands.NewQPCmd())
	rootCmd.AddCommand(commands.NewTraceCmd())
	rootCmd.AddCommand(commands.NewBenchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

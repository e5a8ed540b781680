package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeConflict indicates the server refused a submission due to an admission conflict.
	ExitCodeConflict = 2
)

// rootCmd represents the base command for the orchestrator CLI.
var rootCmd = &cobra.Command{
	Use:   "submission-orchestrator",
	Short: "Run and operate the submission orchestrator service",
	Long: `submission-orchestrator runs the long-lived HTTP service that accepts coding-agent
submissions, materialises each project's working copy, and drives it through a build-then-test
pipeline. The same binary doubles as an operator CLI for submitting, cancelling, and checking on
runs against a running instance.`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command, injected at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the entry point called from main.main.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "submission-orchestrator version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSubmitCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())
}

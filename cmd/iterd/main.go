// Package main implements the iterd CLI: a checkpointed iteration
// supervisor that runs a worker command in a budgeted loop and persists
// progress between launches.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// exitCode carries the supervisor's exit code from the run command back to
// main, so deferred cleanup (lock release, telemetry shutdown) runs before
// the process exits. Usage and setup errors exit 1 via cobra.
var exitCode int

// configPath is the optional explicit config file location.
var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(exitCode)
}

var rootCmd = &cobra.Command{
	Use:   "iterd",
	Short: "Checkpointed iteration supervisor",
	Long: `iterd runs a worker command in a loop, one iteration at a time, and
checkpoints the worker's reported progress after every iteration. An
interrupted run resumes exactly where it stopped: re-running with the same
session id picks up the saved ledger, phase, and retry state.

The loop stops when the ledger completes, the worker signals completion,
the time or iteration budget runs out, or failures repeat.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: ~/.config/iterd/config.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

// outputJSON prints v as indented JSON to stdout.
func outputJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

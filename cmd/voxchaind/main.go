// Voxchaind runs the voice task-chain orchestrator.
//
// The daemon wires the orchestration core (task chains, saga compensation,
// the resilience governor and the retrieval index) to its collaborators and
// serves the operations surface: health, Prometheus metrics, the governor
// snapshot and synthesized audio.
//
// Configuration is read from ~/.config/voxchain/config.yaml and environment
// variables. See internal/config for the mapping.
//
// Usage:
//
//	# Start the daemon
//	voxchaind serve
//
//	# Inspect retrieval for an utterance
//	voxchaind retrieve --os "Windows 11" "open the calculator"
package main

import (
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

var configPath string

var rootCmd = &cobra.Command{
	Use:   "voxchaind",
	Short: "Voice task-chain orchestrator",
	Long: `voxchaind turns spoken requests into linear task chains, drives them
step by step against a remote client and rolls them back when abandoned.

Calls to speech recognition, speech synthesis and the plan generator are
gated by a per-dependency circuit breaker, bulkhead and rate limiter.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/voxchain/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd)
	},
}

func printVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "voxchaind by Fyrsmith Labs\n")
	fmt.Fprintf(out, "Version:    %s\n", version)
	fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(out, "Build Date: %s\n", buildDate)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

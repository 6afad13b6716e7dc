package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version set via ldflags during build
var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "tandem",
	Short:   "Coding agent runtime with a reviewing second mind",
	Version: version,
	Long: `tandem drives a coding agent against an LLM backend. Every tool call
passes through a sandboxed, hook-checked pipeline, an optional reviewer
judges the executor's turns before they are committed, and independent
sub-tasks fan out to a bounded pool of sub-agents.

Sessions and lifecycle events are kept in an embedded NATS JetStream store
under the data directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("provider", "", "LLM provider (anthropic, openai, gemini)")
	pf.String("transport", "", "Provider transport: http or gollm")
	pf.StringP("model", "m", "", "Model id (default: the provider's default model)")
	pf.String("data-dir", "", "Data directory for session storage")
	pf.String("sandbox-root", "", "Directory tools are confined to (default: working directory)")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-file", "", "Write logs to this file instead of stderr")
	pf.String("log-format", "", "Log format: text or json")
	pf.Bool("persist", true, "Store sessions and events in the data directory")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(fanoutCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

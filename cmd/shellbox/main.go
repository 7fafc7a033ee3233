// Shellbox — sandboxed shell execution for AI agents over MCP.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "shellbox",
	Short: "Shellbox — sandboxed shell execution server for AI agents.",
	Long: `Shellbox exposes isolated shell execution to MCP clients. Commands run
inside sandboxed contexts with configurable filesystem bindings, network
policy, and resource limits. One persistent session carries filesystem
state across calls until explicitly reset; every other execution is fully
isolated and discarded when the call completes.`,
	RunE:          runServe, // Default to serving over stdio.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

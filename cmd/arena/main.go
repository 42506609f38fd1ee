// Arena — sandboxed execution and scoring service for compression challenges.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "arena",
	Short: "Arena — sandboxed execution and scoring service for compression challenges.",
	Long: `Arena accepts compressed payloads paired with Python decompressor programs,
validates the code statically, executes it inside an OS-process sandbox, and
scores submissions by byte-exact reconstruction of the challenge dataset.
Scores are the sum of compressed payload size and decompressor source size;
lower is better.`,
	RunE:          runServe, // Default to server mode.
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

// Package cmd implements the okapi command line interface.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/okapi0/okapi/internal/log"
)

var (
	flagDebug   bool
	flagJSONLog bool
)

var rootCmd = &cobra.Command{
	Use:   "okapi",
	Short: "Okapi - conversational document Q&A service",
	Long: `Okapi answers questions grounded in your document collection.

It retrieves relevant documents with vector search, feeds them to an LLM
as context, and keeps per-session conversation state in Postgres.

Run "okapi serve" to start the HTTP API, or "okapi ask" for a one-shot
question from the terminal.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLog, "json-log", false, "log in JSON format")
}

// newLogger builds the process logger from the global flags.
func newLogger() log.Logger {
	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level, JSON: flagJSONLog})
}

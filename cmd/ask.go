package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/okapi0/okapi/internal/agent"
	"github.com/okapi0/okapi/internal/app"
	"github.com/okapi0/okapi/internal/config"
	"github.com/okapi0/okapi/internal/conversation"
)

var (
	askSession  string
	askProvider string
	askModel    string
	askStream   bool
	askSources  bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a one-shot question from the terminal",
	Long: `Runs a single question through the full retrieval and chat pipeline
and prints the answer. Pass --session to continue an earlier conversation;
without it a fresh session id is minted and printed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAsk(cmd.Context(), strings.Join(args, " "))
	},
}

func init() {
	askCmd.Flags().StringVar(&askSession, "session", "", "session id to continue")
	askCmd.Flags().StringVar(&askProvider, "provider", "", "LLM provider override")
	askCmd.Flags().StringVar(&askModel, "model", "", "model name override")
	askCmd.Flags().BoolVar(&askStream, "stream", true, "print the answer as it is generated")
	askCmd.Flags().BoolVar(&askSources, "sources", false, "print retrieved sources after the answer")
	rootCmd.AddCommand(askCmd)
}

func runAsk(parent context.Context, question string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	a, err := app.Setup(parent, cfg, newLogger())
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() { _ = a.Close() }()

	sessionID := askSession
	if sessionID == "" {
		sessionID = uuid.NewString()
		fmt.Fprintf(os.Stderr, "session: %s\n", sessionID)
	}

	q := agent.Query{
		ThreadID: sessionID,
		Messages: []conversation.Message{{Role: conversation.RoleUser, Content: question}},
		Provider: askProvider,
		Model:    askModel,
	}

	var res *agent.Answer
	if askStream {
		res, err = a.Agent.AnswerStream(parent, q, func(_ context.Context, chunk string) error {
			fmt.Print(chunk)
			return nil
		})
		fmt.Println()
	} else {
		res, err = a.Agent.Answer(parent, q)
		if err == nil {
			fmt.Println(res.Answer)
		}
	}
	if err != nil {
		return fmt.Errorf("answering question: %w", err)
	}

	if askSources && len(res.Sources) > 0 {
		fmt.Println("\nSources:")
		for i, src := range res.Sources {
			fmt.Printf("%d. %s\n", i+1, src.Content)
		}
	}

	return nil
}

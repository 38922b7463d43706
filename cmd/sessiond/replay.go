package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/sessiond/internal/config"
	"github.com/haasonsaas/sessiond/internal/conversation"
	"github.com/haasonsaas/sessiond/internal/observability"
	"github.com/haasonsaas/sessiond/pkg/models"
)

func buildReplayCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Assemble a stored session into the conversation the model saw",
		Example: `  # Print the conversation for a session
  sessiond replay --session 7f9c2a1e-4f3b-4c8e-9d2a-1b5e6f7a8c9d

  # Emit it as JSON for tooling
  sessiond replay --session 7f9c2a1e-... --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), resolveConfigPath(configPath), sessionID, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id to replay (required)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the conversation as JSON")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}

func runReplay(ctx context.Context, configPath, sessionID string, asJSON bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Storage.Backend == "memory" {
		return fmt.Errorf("replay requires a persistent event store, got storage.backend=memory")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sessionEvents, err := store.Read(ctx, sessionID, 1, 0)
	if err != nil {
		return fmt.Errorf("reading session %s: %w", sessionID, err)
	}
	if len(sessionEvents) == 0 {
		return fmt.Errorf("session %s has no events", sessionID)
	}

	assembler := conversation.New(conversation.Options{
		MaxMessageChars: cfg.Session.MaxMessageChars,
		VisionEnabled:   cfg.Session.VisionEnabled,
		Logger:          observability.NewNopLogger(),
	})
	messages, err := assembler.Assemble(ctx, nil, sessionEvents)
	if err != nil {
		return fmt.Errorf("assembling session %s: %w", sessionID, err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(messages)
	}

	for _, msg := range messages {
		printMessage(msg)
	}
	return nil
}

func printMessage(msg models.Message) {
	label := string(msg.Role)
	if msg.Role == models.RoleTool {
		label = fmt.Sprintf("tool(%s)", msg.Name)
	}
	fmt.Printf("--- %s ---\n", label)

	if text := msg.TextContent(); text != "" {
		fmt.Println(strings.TrimRight(text, "\n"))
	}
	for _, url := range msg.ImageURLs() {
		fmt.Printf("[image: %s]\n", clip(url, 80))
	}
	for _, call := range msg.ToolCalls {
		fmt.Printf("-> %s(%s) [%s]\n", call.Name, clip(call.Arguments, 200), call.ID)
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/sessiond/internal/config"
)

func buildEventsCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		start      int64
		end        int64
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Dump a session's raw event log as JSON lines",
		Example: `  # Dump a whole session
  sessiond events --session 7f9c2a1e-...

  # Dump a range
  sessiond events --session 7f9c2a1e-... --start 10 --end 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(cmd.Context(), resolveConfigPath(configPath), sessionID, start, end)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id (required)")
	cmd.Flags().Int64Var(&start, "start", 1, "First event id")
	cmd.Flags().Int64Var(&end, "end", 0, "Last event id (0 for no bound)")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}

func runEvents(ctx context.Context, configPath, sessionID string, start, end int64) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Storage.Backend == "memory" {
		return fmt.Errorf("events requires a persistent event store, got storage.backend=memory")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sessionEvents, err := store.Read(ctx, sessionID, start, end)
	if err != nil {
		return fmt.Errorf("reading session %s: %w", sessionID, err)
	}

	enc := json.NewEncoder(os.Stdout)
	for _, event := range sessionEvents {
		if err := enc.Encode(event); err != nil {
			return err
		}
	}
	return nil
}

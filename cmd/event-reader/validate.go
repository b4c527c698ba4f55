package main

import (
	"context"
	"fmt"
	"time"

	"github.com/devblac/solana-event-reader/internal/config"
	"github.com/spf13/cobra"
)

const pingTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and ping RPC endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d, %d accounts, %d events)\n", cfg.Version, len(cfg.Accounts), len(cfg.Events))

		clients, err := buildClients(cfg)
		if err != nil {
			return err
		}

		failures := 0
		for _, src := range cfg.Sources {
			ctx, cancel := context.WithTimeout(cmd.Context(), pingTimeout)
			slot, err := clients[src.ID].Slot(ctx)
			cancel()
			if err != nil {
				failures++
				fmt.Fprintf(out, "- source %s (solana): ERROR %v\n", src.ID, err)
				continue
			}
			fmt.Fprintf(out, "- source %s (solana): slot %d at %s OK\n", src.ID, slot, src.Commitment)
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d source(s) failed connectivity", failures)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

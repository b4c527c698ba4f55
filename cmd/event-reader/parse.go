package main

import (
	"encoding/json"
	"fmt"

	"github.com/devblac/solana-event-reader/internal/config"
	"github.com/spf13/cobra"
)

var (
	flagParseSource string
	flagParseEvents bool
)

func init() {
	parseCmd.Flags().StringVar(&flagParseSource, "source", "", "Source id to fetch from (default: first source)")
	parseCmd.Flags().BoolVar(&flagParseEvents, "events", false, "Print only the recognized events")
}

var parseCmd = &cobra.Command{
	Use:   "parse <signature>",
	Short: "Fetch one transaction, assemble it and print it as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		clients, err := buildClients(cfg)
		if err != nil {
			return err
		}
		sourceID := flagParseSource
		if sourceID == "" {
			sourceID = cfg.Sources[0].ID
		}
		client, ok := clients[sourceID]
		if !ok {
			return fmt.Errorf("unknown source: %s", sourceID)
		}
		assembler, err := buildAssembler(cfg)
		if err != nil {
			return err
		}

		raw, err := client.GetTransaction(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("fetch %s: %w", args[0], err)
		}
		if raw == nil {
			return fmt.Errorf("transaction %s not found at %s commitment", args[0], cfg.Global.Commitment)
		}
		meta, err := assembler.Assemble(*raw)
		if err != nil {
			return err
		}

		var v any = meta
		if flagParseEvents {
			v = meta.RecognizedEvents()
		}
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

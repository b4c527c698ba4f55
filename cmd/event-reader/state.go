package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/devblac/solana-event-reader/internal/config"
	"github.com/devblac/solana-event-reader/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagStateLag   bool
	flagStateReset string
)

func init() {
	stateCmd.Flags().BoolVar(&flagStateLag, "lag", false, "Query each source for its current slot and show lag")
	stateCmd.Flags().StringVar(&flagStateReset, "reset", "", "Delete the cursor of this account id")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show cursors and processing lag per account",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if flagStateReset != "" {
			if err := store.DeleteCursor(ctx, flagStateReset); err != nil {
				return err
			}
			fmt.Fprintf(out, "cursor for %s deleted; next run starts from its start setting\n", flagStateReset)
			return nil
		}

		cursors, err := store.ListCursors(ctx)
		if err != nil {
			return err
		}
		byAccount := map[string]storage.Cursor{}
		for _, c := range cursors {
			byAccount[c.Account] = c
		}

		slots := map[string]uint64{}
		if flagStateLag {
			clients, err := buildClients(cfg)
			if err != nil {
				return err
			}
			for id, c := range clients {
				sctx, cancel := context.WithTimeout(ctx, pingTimeout)
				slot, err := c.Slot(sctx)
				cancel()
				if err != nil {
					fmt.Fprintf(out, "source %s: %v\n", id, err)
					continue
				}
				slots[id] = slot
			}
		}

		w := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ACCOUNT\tSLOT\tLAG\tUPDATED\tSIGNATURE")
		for _, acc := range cfg.Accounts {
			c, ok := byAccount[acc.ID]
			if !ok {
				fmt.Fprintf(w, "%s\t-\t-\t-\t(none, start=%s)\n", acc.ID, acc.Start)
				continue
			}
			lag := "-"
			if current, ok := slots[acc.Source]; ok && current >= c.Slot {
				lag = fmt.Sprint(current - c.Slot)
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", acc.ID, c.Slot, lag, c.UpdatedAt.UTC().Format(time.RFC3339), c.Signature)
			delete(byAccount, acc.ID)
		}
		for id, c := range byAccount {
			fmt.Fprintf(w, "%s\t%d\t-\t%s\t%s (not in config)\n", id, c.Slot, c.UpdatedAt.UTC().Format(time.RFC3339), c.Signature)
		}
		return w.Flush()
	},
}

package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/devblac/solana-event-reader/internal/config"
	"github.com/devblac/solana-event-reader/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagExportFormat  string
	flagExportOut     string
	flagExportAccount string
	flagExportLimit   int
)

func init() {
	exportCmd.Flags().StringVar(&flagExportFormat, "format", "json", "Output format: json or csv")
	exportCmd.Flags().StringVarP(&flagExportOut, "out", "o", "", "Output file (default stdout)")
	exportCmd.Flags().StringVar(&flagExportAccount, "account", "", "Only export reports for this account id")
	exportCmd.Flags().IntVar(&flagExportLimit, "limit", 1000, "Maximum number of reports")
}

var exportCmd = &cobra.Command{
	Use:       "export cursors|reports",
	Short:     "Export cursors or operator reports as json or csv",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"cursors", "reports"},
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagExportFormat != "json" && flagExportFormat != "csv" {
			return fmt.Errorf("unsupported format: %s", flagExportFormat)
		}
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		var out io.Writer = cmd.OutOrStdout()
		if flagExportOut != "" {
			f, err := os.Create(flagExportOut)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			defer f.Close()
			out = f
		}

		var header []string
		var rows [][]string
		var doc any
		switch args[0] {
		case "cursors":
			cursors, err := store.ListCursors(cmd.Context())
			if err != nil {
				return err
			}
			doc = cursorsDoc(cursors)
			header = []string{"account", "signature", "slot", "updated_at"}
			for _, c := range cursors {
				rows = append(rows, []string{c.Account, c.Signature, strconv.FormatUint(c.Slot, 10), c.UpdatedAt.UTC().Format(time.RFC3339)})
			}
		case "reports":
			reports, err := store.ListReports(cmd.Context(), flagExportAccount, flagExportLimit)
			if err != nil {
				return err
			}
			doc = reportsDoc(reports)
			header = []string{"id", "account", "signature", "kind", "message", "snippet", "created_at"}
			for _, r := range reports {
				rows = append(rows, []string{r.ID, r.Account, r.Signature, r.Kind, r.Message, r.Snippet, r.CreatedAt.UTC().Format(time.RFC3339)})
			}
		}

		if flagExportFormat == "json" {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(doc)
		}
		w := csv.NewWriter(out)
		if err := w.Write(header); err != nil {
			return err
		}
		if err := w.WriteAll(rows); err != nil {
			return err
		}
		return w.Error()
	},
}

type cursorJSON struct {
	Account   string    `json:"account"`
	Signature string    `json:"signature"`
	Slot      uint64    `json:"slot"`
	UpdatedAt time.Time `json:"updated_at"`
}

type reportJSON struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	Signature string    `json:"signature,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Snippet   string    `json:"snippet,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func cursorsDoc(cursors []storage.Cursor) []cursorJSON {
	out := make([]cursorJSON, 0, len(cursors))
	for _, c := range cursors {
		out = append(out, cursorJSON{Account: c.Account, Signature: c.Signature, Slot: c.Slot, UpdatedAt: c.UpdatedAt.UTC()})
	}
	return out
}

func reportsDoc(reports []storage.Report) []reportJSON {
	out := make([]reportJSON, 0, len(reports))
	for _, r := range reports {
		out = append(out, reportJSON(r))
	}
	return out
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const sampleConfig = `version: 1
global:
  db_path: event-reader.db
  poll_interval: 5s
  commitment: confirmed
  process_timeout: 30s
parser:
  strict: false
  workers: 4
retry:
  max_attempts: 5
  base_delay: 500ms
  multiplier: 2
  max_delay: 30s
sources:
  - id: mainnet
    type: solana
    rpc_url: ${SOLANA_RPC_URL}
accounts:
  - id: token-program
    source: mainnet
    address: TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA
    start: latest
    batch_size: 25
    fetch_concurrency: 4
    live: false
    sinks: [file]
instructions:
  - name: swap
    program: TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA
    accounts: [user, pool]
    fields:
      - {name: amount_in, type: u64}
      - {name: minimum_amount_out, type: u64}
events:
  - name: Transfer
    program: TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA
    fields:
      - {name: from, type: pubkey}
      - {name: to, type: pubkey}
      - {name: amount, type: u64}
sinks:
  - id: file
    type: jsonl
    path: out/transactions.jsonl
  - id: alerts
    type: slack
    webhook_url: ${SLACK_WEBHOOK_URL}
    dedupe: {ttl: 24h}
`

const sampleEnv = `SOLANA_RPC_URL=https://api.mainnet-beta.solana.com
SLACK_WEBHOOK_URL=https://hooks.slack.com/services/XXX/YYY/ZZZ
`

var (
	flagInitDir   string
	flagInitForce bool
)

func init() {
	initCmd.Flags().StringVar(&flagInitDir, "dir", ".", "Directory to write files into")
	initCmd.Flags().BoolVar(&flagInitForce, "force", false, "Overwrite existing files")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config.yaml and .env.example",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(flagInitDir, 0o755); err != nil {
			return fmt.Errorf("create dir: %w", err)
		}
		files := []struct {
			name string
			body string
		}{
			{"config.yaml", sampleConfig},
			{".env.example", sampleEnv},
		}
		for _, f := range files {
			path := filepath.Join(flagInitDir, f.name)
			if err := writeScaffold(path, f.body, flagInitForce); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		}
		return nil
	},
}

func writeScaffold(path, body string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return os.WriteFile(path, []byte(body), 0o644)
}

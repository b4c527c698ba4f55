package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "event-reader",
		Short: "Solana program log, invocation and event reader",
		Long: `event-reader tails Solana accounts over JSON-RPC, rebuilds the program
invocation tree of every transaction from its logs, decodes Anchor events
and instructions against the configured schemas, and delivers one record
per transaction to the configured sinks.

Each account keeps a cursor in the state database, so a restart resumes
after the last delivered transaction. Use "event-reader init" to write a
sample config and "event-reader parse" to inspect a single transaction.`,
	}
)

func init() {
	cobra.EnableCommandSorting = false

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Path to config file")

	rootCmd.AddCommand(
		versionCmd,
		initCmd,
		validateCmd,
		runCmd,
		parseCmd,
		stateCmd,
		exportCmd,
	)
}

// Execute runs the root command tree.
func Execute() error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

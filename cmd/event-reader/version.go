package main

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
var (
	version = "dev"
	commit  = "none"
	date    = ""
)

const solanaModule = "github.com/gagliardetto/solana-go"

type buildInfo struct {
	Version   string
	Commit    string
	Date      string
	GoVersion string
	SolanaGo  string
}

// currentBuild fills what ldflags left unset from the embedded build info.
func currentBuild() buildInfo {
	b := buildInfo{Version: version, Commit: commit, Date: date, GoVersion: runtime.Version()}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	if b.Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		b.Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "none" {
				b.Commit = s.Value
			}
		case "vcs.time":
			if b.Date == "" {
				b.Date = s.Value
			}
		}
	}
	for _, dep := range info.Deps {
		if dep.Path == solanaModule {
			b.SolanaGo = dep.Version
		}
	}
	return b
}

func writeVersion(out io.Writer, b buildInfo) {
	fmt.Fprintf(out, "solana-event-reader %s", b.Version)
	if b.Commit != "" && b.Commit != "none" {
		fmt.Fprintf(out, " commit %s", b.Commit)
	}
	if b.Date != "" {
		fmt.Fprintf(out, " built %s", b.Date)
	}
	fmt.Fprintf(out, " (%s", b.GoVersion)
	if b.SolanaGo != "" {
		fmt.Fprintf(out, ", solana-go %s", b.SolanaGo)
	}
	fmt.Fprintln(out, ")")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the reader version and the toolchain it was built with",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		writeVersion(cmd.OutOrStdout(), currentBuild())
		return nil
	},
}

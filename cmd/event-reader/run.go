package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devblac/solana-event-reader/internal/config"
	"github.com/devblac/solana-event-reader/internal/health"
	"github.com/devblac/solana-event-reader/internal/logging"
	"github.com/devblac/solana-event-reader/internal/metrics"
	"github.com/devblac/solana-event-reader/internal/reader"
	"github.com/devblac/solana-event-reader/internal/storage"
	"github.com/spf13/cobra"
)

var (
	flagOnce     bool
	flagDryRun   bool
	flagAccounts []string
	flagHealth   string
	flagMetrics  string
)

func init() {
	runCmd.Flags().BoolVar(&flagOnce, "once", false, "Run one polling cycle per account and exit")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Log transactions instead of sending to sinks")
	runCmd.Flags().StringSliceVar(&flagAccounts, "account", nil, "Only run these account ids")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Tail configured accounts and deliver assembled transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		logLevel := os.Getenv("LOG_LEVEL")
		if logLevel == "" {
			logLevel = "info"
		}
		log := logging.NewWithLevel(logLevel)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		clients, err := buildClients(cfg)
		if err != nil {
			return err
		}
		live, err := buildLive(cfg)
		if err != nil {
			return err
		}

		sinks, all, err := buildSinks(ctx, cfg, store)
		if err != nil {
			return err
		}
		defer all.Close()

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			log.Info("metrics enabled", "addr", flagMetrics)
		}

		svc, err := buildService(cfg, store, clients, sinks, serviceOptions{
			dryRun:   flagDryRun,
			accounts: flagAccounts,
			log:      log,
			metrics:  mtr,
			live:     live,
		})
		if err != nil {
			return err
		}

		if flagHealth != "" {
			pingers := map[string]health.Pinger{}
			for id, c := range clients {
				pingers[id] = c
			}
			rpcChecker := health.NewRPCChecker(pingers)
			healthSrv := health.Serve(flagHealth, health.Checker{
				DBPing:   store.Ping,
				RPCPing:  rpcChecker.Ping,
				Accounts: accountStates(svc),
			})
			log.Info("health check enabled", "addr", flagHealth)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = health.Shutdown(shutdownCtx, healthSrv)
			}()
		}

		if flagMetrics != "" {
			go func() {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				srv := &http.Server{Addr: flagMetrics, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("metrics server error", "error", err)
				}
			}()
		}

		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for {
				select {
				case <-ctx.Done():
					return
				case r := <-svc.Reports():
					log.Warn("operator report", "id", r.ID, "account", r.Account, "kind", string(r.Kind), "signature", r.Signature)
				}
			}
		}()

		log.Info("reader starting", "accounts", len(svc.Units()), "once", flagOnce, "dry_run", flagDryRun)
		if flagOnce {
			err = svc.RunOnce(ctx)
		} else {
			err = svc.Run(ctx)
		}
		stop()
		<-drained
		if err != nil {
			log.Error("run error", "error", err)
			return err
		}
		log.Info("reader stopped")
		return nil
	},
}

func accountStates(svc *reader.Service) func() map[string]string {
	return func() map[string]string {
		out := map[string]string{}
		for _, u := range svc.Units() {
			out[u.ID()] = u.State().String()
		}
		return out
	}
}

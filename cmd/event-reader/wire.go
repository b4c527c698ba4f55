package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/devblac/solana-event-reader/internal/config"
	"github.com/devblac/solana-event-reader/internal/filter"
	"github.com/devblac/solana-event-reader/internal/metrics"
	"github.com/devblac/solana-event-reader/internal/reader"
	"github.com/devblac/solana-event-reader/internal/sink"
	"github.com/devblac/solana-event-reader/internal/source/solana"
	"github.com/devblac/solana-event-reader/internal/storage"
	"github.com/devblac/solana-event-reader/internal/txlog"
	"github.com/devblac/solana-event-reader/internal/txmeta"
)

func buildClients(cfg *config.Config) (map[string]*solana.Client, error) {
	clients := map[string]*solana.Client{}
	for _, src := range cfg.Sources {
		cli, err := solana.NewClient(src.RPCURL, src.Commitment)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.ID, err)
		}
		clients[src.ID] = cli
	}
	return clients, nil
}

// buildLive creates a websocket client for every source that has at least
// one live account. ws_url defaults to the rpc_url with a ws scheme.
func buildLive(cfg *config.Config) (map[string]*solana.LiveClient, error) {
	wanted := map[string]bool{}
	for _, acc := range cfg.Accounts {
		if acc.Live {
			wanted[acc.Source] = true
		}
	}
	live := map[string]*solana.LiveClient{}
	for _, src := range cfg.Sources {
		if !wanted[src.ID] {
			continue
		}
		wsURL := src.WSURL
		if wsURL == "" {
			var err error
			if wsURL, err = solana.WebsocketURL(src.RPCURL); err != nil {
				return nil, fmt.Errorf("source %s: %w", src.ID, err)
			}
		}
		lc, err := solana.NewLiveClient(wsURL, src.Commitment)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.ID, err)
		}
		live[src.ID] = lc
	}
	return live, nil
}

func buildAssembler(cfg *config.Config) (*txmeta.Assembler, error) {
	reg, err := cfg.Registry()
	if err != nil {
		return nil, err
	}
	instructions, err := cfg.InstructionRegistry()
	if err != nil {
		return nil, err
	}
	var opts []txlog.Option
	if cfg.Parser.Strict {
		opts = append(opts, txlog.WithStrict())
	}
	a := txmeta.New(txlog.NewParser(opts...), reg).WithInstructions(instructions)
	if cfg.Parser.Workers > 0 {
		a = a.WithWorkers(cfg.Parser.Workers)
	}
	return a, nil
}

func retryPolicy(cfg *config.Config) reader.RetryPolicy {
	p := reader.DefaultRetryPolicy()
	if cfg.Retry.MaxAttempts > 0 {
		p.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelay > 0 {
		p.BaseDelay = cfg.Retry.BaseDelay
	}
	if cfg.Retry.Multiplier > 0 {
		p.Multiplier = cfg.Retry.Multiplier
	}
	if cfg.Retry.MaxDelay > 0 {
		p.MaxDelay = cfg.Retry.MaxDelay
	}
	return p
}

// buildSinks creates every configured sink, wrapped in dedupe when asked.
func buildSinks(ctx context.Context, cfg *config.Config, store *storage.Store) (map[string]sink.Sink, sink.Fanout, error) {
	sinks := map[string]sink.Sink{}
	var all sink.Fanout
	for _, s := range cfg.Sinks {
		built, err := buildSink(ctx, s)
		if err != nil {
			_ = all.Close()
			return nil, nil, fmt.Errorf("sink %s: %w", s.ID, err)
		}
		all = append(all, sink.Named{ID: s.ID, Sink: built})
		if s.Dedupe != nil {
			built = sink.Dedupe{ID: s.ID, Sink: built, Store: store, TTL: s.Dedupe.TTL}
		}
		sinks[s.ID] = built
	}
	return sinks, all, nil
}

func buildSink(ctx context.Context, s config.Sink) (sink.Sink, error) {
	switch strings.ToLower(s.Type) {
	case "slack":
		return sink.NewSlackSender(s.WebhookURL, s.Template)
	case "teams":
		return sink.NewTeamsSender(s.WebhookURL, s.Template)
	case "webhook":
		return sink.NewWebhookSender(s.URL, s.Method, s.Template, s.Headers)
	case "jsonl":
		return sink.NewJSONL(s.Path)
	case "postgres":
		return sink.NewPostgres(ctx, s.DSN, s.Table)
	case "redis":
		return sink.NewRedisStream(ctx, sink.RedisOptions{
			Addr:     s.Addr,
			Password: s.Password,
			DB:       s.DB,
			Stream:   s.Stream,
			MaxLen:   s.MaxLen,
		})
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", s.Type)
	}
}

// accountSink routes one account's deliveries to its sinks through its where filter.
func accountSink(acc config.Account, sinks map[string]sink.Sink) (sink.Sink, error) {
	var out sink.Fanout
	for _, id := range acc.Sinks {
		s, ok := sinks[id]
		if !ok {
			return nil, fmt.Errorf("unknown sink: %s", id)
		}
		out = append(out, sink.Named{ID: id, Sink: s})
	}
	f, err := filter.Compile(acc.Where)
	if err != nil {
		return nil, err
	}
	if f.Empty() {
		return out, nil
	}
	return sink.Filtered{Sink: out, Filter: f}, nil
}

type serviceOptions struct {
	dryRun   bool
	accounts []string
	log      *slog.Logger
	metrics  *metrics.Metrics
	live     map[string]*solana.LiveClient
}

// buildService wires one reader unit per configured account.
func buildService(cfg *config.Config, store *storage.Store, clients map[string]*solana.Client, sinks map[string]sink.Sink, opts serviceOptions) (*reader.Service, error) {
	assembler, err := buildAssembler(cfg)
	if err != nil {
		return nil, err
	}
	only := map[string]bool{}
	for _, id := range opts.accounts {
		only[id] = true
	}

	svc := reader.NewService(opts.log, cfg.Global.ReportQueue)
	adapter := reader.StoreAdapter{Store: store}
	for _, acc := range cfg.Accounts {
		if len(only) > 0 && !only[acc.ID] {
			continue
		}
		var out sink.Sink = sink.Log{Logger: opts.log.With("account", acc.ID)}
		if !opts.dryRun {
			if out, err = accountSink(acc, sinks); err != nil {
				return nil, fmt.Errorf("account %s: %w", acc.ID, err)
			}
		}
		deps := reader.Deps{
			Client:    clients[acc.Source],
			Cursors:   adapter,
			Sink:      out,
			Assembler: assembler,
			Retry:     retryPolicy(cfg),
			Reports:   adapter,
			Metrics:   opts.metrics,
			Log:       opts.log,
		}
		if lc, ok := opts.live[acc.Source]; ok && acc.Live {
			deps.Live = lc
		}
		_, err := svc.Add(reader.AccountConfig{
			ID:               acc.ID,
			Address:          acc.Address,
			Start:            acc.Start,
			BatchSize:        acc.BatchSize,
			PageLimit:        acc.PageLimit,
			FetchConcurrency: acc.FetchConcurrency,
			IncludeFailed:    acc.IncludeFailed,
			PollInterval:     acc.PollInterval,
			ProcessTimeout:   cfg.Global.ProcessTimeout,
		}, deps)
		if err != nil {
			return nil, err
		}
	}
	if len(svc.Units()) == 0 {
		return nil, errors.New("no accounts selected")
	}
	return svc, nil
}

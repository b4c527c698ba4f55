package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/devblac/solana-event-reader/internal/filter"
	"github.com/devblac/solana-event-reader/internal/txmeta"
)

// Named pairs a sink with its config id.
type Named struct {
	ID   string
	Sink Sink
}

// Fanout delivers to every sink in order. All sinks are attempted; any
// failure fails the delivery so the batch is retried.
type Fanout []Named

func (f Fanout) Deliver(ctx context.Context, meta *txmeta.TransactionParsedMeta) error {
	var errs []error
	for _, n := range f {
		if err := n.Sink.Deliver(ctx, meta); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", n.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds a connection.
func (f Fanout) Close() error {
	var errs []error
	for _, n := range f {
		if c, ok := n.Sink.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// Filtered drops transactions the filter rejects. The cursor still moves
// past them.
type Filtered struct {
	Sink   Sink
	Filter *filter.Filter
}

func (f Filtered) Deliver(ctx context.Context, meta *txmeta.TransactionParsedMeta) error {
	if !f.Filter.Match(meta) {
		return nil
	}
	return f.Sink.Deliver(ctx, meta)
}

// DedupeStore is implemented by storage.Store.
type DedupeStore interface {
	IsDuplicate(ctx context.Context, key string, now time.Time) (bool, error)
	MarkDedupe(ctx context.Context, key string, expiresAt time.Time) error
}

// Dedupe suppresses redeliveries of a signature to one sink within TTL.
type Dedupe struct {
	ID    string
	Sink  Sink
	Store DedupeStore
	TTL   time.Duration
	Now   func() time.Time
}

func (d Dedupe) Deliver(ctx context.Context, meta *txmeta.TransactionParsedMeta) error {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	key := d.ID + ":" + meta.Signature
	dup, err := d.Store.IsDuplicate(ctx, key, now())
	if err != nil {
		return err
	}
	if dup {
		return nil
	}
	if err := d.Sink.Deliver(ctx, meta); err != nil {
		return err
	}
	return d.Store.MarkDedupe(ctx, key, now().Add(d.TTL))
}

// Log writes a one-line summary per transaction. Used for dry runs.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Deliver(_ context.Context, meta *txmeta.TransactionParsedMeta) error {
	names := make([]string, 0, len(meta.Events))
	for _, ev := range meta.RecognizedEvents() {
		names = append(names, ev.Name)
	}
	l.Logger.Info("transaction",
		"signature", meta.Signature,
		"slot", meta.Slot,
		"failed", meta.Failed,
		"invocations", len(meta.Order),
		"events", names,
		"diagnostics", len(meta.Diagnostics),
	)
	return nil
}

package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Pinger is implemented by the Solana RPC client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RPCChecker pings every configured source.
type RPCChecker struct {
	sources map[string]Pinger
}

// NewRPCChecker creates a checker keyed by source id.
func NewRPCChecker(sources map[string]Pinger) *RPCChecker {
	return &RPCChecker{sources: sources}
}

// Ping checks all sources and joins the failures.
func (c *RPCChecker) Ping(ctx context.Context) error {
	ids := make([]string, 0, len(c.sources))
	for id := range c.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := c.sources[id].Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("solana source %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

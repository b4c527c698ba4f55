package reader

import (
	"context"
	"time"
)

const minReconnectDelay = 10 * time.Millisecond

// listen keeps a live subscription open for the unit's account and wakes the
// poll loop on every relevant notification. Losing the subscription never
// fails the unit; polling carries on at its normal interval.
func (u *Unit) listen(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		n, err := u.follow(ctx)
		if ctx.Err() != nil {
			return
		}
		if IsFatal(err) {
			u.log.Error("live subscription stopped, polling only", "error", err)
			return
		}
		if n > 0 {
			attempt = 0
		}
		attempt++
		delay := max(u.deps.Retry.NextDelay(attempt), minReconnectDelay)
		u.log.Warn("live subscription lost, reconnecting", "attempt", attempt, "delay", delay, "error", err)
		if sleep(ctx, delay) != nil {
			return
		}
	}
}

// follow reads one subscription until it fails and returns how many
// notifications it received.
func (u *Unit) follow(ctx context.Context) (int, error) {
	sub, err := u.deps.Live.SubscribeLogs(ctx, u.cfg.Address)
	if err != nil {
		return 0, err
	}
	defer sub.Close()
	u.log.Info("live subscription open")

	n := 0
	for {
		note, err := sub.Recv(ctx)
		if err != nil {
			return n, err
		}
		n++
		u.deps.Metrics.LiveNotifications()
		if note.Err != nil && !u.cfg.IncludeFailed {
			continue
		}
		// Anything in an older slot than the cursor was already delivered.
		if note.Slot < u.cursorSlot.Load() {
			continue
		}
		u.log.Debug("live notification", "signature", note.Signature, "slot", note.Slot)
		u.notify()
	}
}

// notify requests an early cycle. Requests coalesce while one is pending.
func (u *Unit) notify() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// idle waits for d, returning early when a cycle was requested.
func (u *Unit) idle(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-u.wake:
		return nil
	}
}

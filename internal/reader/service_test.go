package reader

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/devblac/solana-event-reader/internal/txmeta"
)

// routedClient serves a different fake per account address.
type routedClient map[string]*fakeClient

func (r routedClient) ListSignatures(ctx context.Context, account string, opts ListOptions) ([]SignatureInfo, error) {
	return r[account].ListSignatures(ctx, account, opts)
}

func (r routedClient) GetTransaction(ctx context.Context, sig string) (*txmeta.RawTransaction, error) {
	for _, c := range r {
		c.mu.Lock()
		_, ok := c.txs[sig]
		c.mu.Unlock()
		if ok {
			return c.GetTransaction(ctx, sig)
		}
	}
	return nil, nil
}

func TestServiceAccountsAreIndependent(t *testing.T) {
	healthy := newFakeClient()
	healthy.add("h1", 1, false)
	broken := newFakeClient()
	broken.listErr = Fatal("list signatures", errors.New("unauthorized"))
	client := routedClient{"Healthy111": healthy, "Broken111": broken}

	svc := NewService(quietLogger(), 4)
	cursors := newMemCursors()
	sink := &recordingSink{}
	deps := Deps{Client: client, Cursors: cursors, Sink: sink, Assembler: txmeta.New(nil, nil)}
	if _, err := svc.Add(AccountConfig{ID: "healthy", Address: "Healthy111", Start: StartGenesis, PollInterval: time.Millisecond}, deps); err != nil {
		t.Fatalf("add healthy: %v", err)
	}
	if _, err := svc.Add(AccountConfig{ID: "broken", Address: "Broken111", Start: StartGenesis}, deps); err != nil {
		t.Fatalf("add broken: %v", err)
	}
	if _, err := svc.Add(AccountConfig{ID: "healthy", Address: "Other111"}, deps); err == nil {
		t.Fatalf("expected duplicate account id to be rejected")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := svc.Run(ctx)
	if !IsFatal(err) {
		t.Fatalf("expected the broken account's fatal error, got %v", err)
	}
	if got := sink.delivered(); !reflect.DeepEqual(got, []string{"h1"}) {
		t.Fatalf("healthy account delivered %v", got)
	}

	states := map[string]State{}
	for _, u := range svc.Units() {
		states[u.ID()] = u.State()
	}
	if states["healthy"] != StateTerminated || states["broken"] != StateFailed {
		t.Fatalf("states = %v", states)
	}
	select {
	case r := <-svc.Reports():
		if r.Account != "broken" || r.Kind != ReportFatal {
			t.Fatalf("report = %+v", r)
		}
	default:
		t.Fatalf("expected a report on the service queue")
	}
}

func TestServiceRunOnce(t *testing.T) {
	client := newFakeClient()
	client.add("s1", 1, false)
	client.add("s2", 2, false)
	svc := NewService(nil, 0)
	sink := &recordingSink{}
	if _, err := svc.Add(AccountConfig{Address: "Acct111", Start: StartGenesis}, Deps{
		Client: client, Cursors: newMemCursors(), Sink: sink, Assembler: txmeta.New(nil, nil), Log: quietLogger(),
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := sink.delivered(); !reflect.DeepEqual(got, []string{"s1", "s2"}) {
		t.Fatalf("delivered %v", got)
	}
	if id := svc.Units()[0].ID(); id != "Acct111" {
		t.Fatalf("id defaults to address, got %q", id)
	}
}

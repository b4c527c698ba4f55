package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/devblac/solana-event-reader/internal/storage"
	"github.com/devblac/solana-event-reader/internal/txmeta"
)

var okLogs = []string{"Program P invoke [1]", "Program P success"}

type fakeClient struct {
	mu        sync.Mutex
	sigs      []SignatureInfo // oldest first
	txs       map[string]*txmeta.RawTransaction
	listErr   error
	getErr    error
	getErrs   map[string]error
	listCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{txs: map[string]*txmeta.RawTransaction{}}
}

func (f *fakeClient) add(sig string, slot uint64, failed bool, logs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(logs) == 0 {
		logs = okLogs
	}
	var txErr any
	if failed {
		txErr = map[string]any{"InstructionError": []any{0, "Custom"}}
	}
	f.sigs = append(f.sigs, SignatureInfo{Signature: sig, Slot: slot, Err: txErr})
	f.txs[sig] = &txmeta.RawTransaction{Signature: sig, Slot: slot, Err: txErr, Logs: logs}
}

func (f *fakeClient) ListSignatures(_ context.Context, _ string, opts ListOptions) ([]SignatureInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []SignatureInfo
	started := opts.Before == ""
	for i := len(f.sigs) - 1; i >= 0; i-- {
		s := f.sigs[i]
		if !started {
			started = s.Signature == opts.Before
			continue
		}
		if opts.Until != "" && s.Signature == opts.Until {
			break
		}
		out = append(out, s)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (f *fakeClient) GetTransaction(_ context.Context, sig string) (*txmeta.RawTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if err := f.getErrs[sig]; err != nil {
		return nil, err
	}
	tx, ok := f.txs[sig]
	if !ok {
		return nil, nil
	}
	cp := *tx
	return &cp, nil
}

type memCursors struct {
	mu      sync.Mutex
	m       map[string]Cursor
	saveErr error
	saves   int
}

func newMemCursors() *memCursors { return &memCursors{m: map[string]Cursor{}} }

func (c *memCursors) LoadCursor(_ context.Context, account string) (Cursor, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.m[account]
	return cur, ok, nil
}

func (c *memCursors) SaveCursor(_ context.Context, account string, cur Cursor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saveErr != nil {
		return c.saveErr
	}
	c.saves++
	c.m[account] = cur
	return nil
}

type recordingSink struct {
	mu   sync.Mutex
	sigs []string
	err  error
}

func (s *recordingSink) Deliver(_ context.Context, meta *txmeta.TransactionParsedMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sigs = append(s.sigs, meta.Signature)
	return nil
}

func (s *recordingSink) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sigs...)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestUnit(t *testing.T, client Client, cursors CursorStore, sink Sink, cfg AccountConfig) (*Unit, chan Report) {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "Acct111"
	}
	if cfg.ID == "" {
		cfg.ID = "acct"
	}
	if cfg.Start == "" {
		cfg.Start = StartGenesis
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	queue := make(chan Report, 16)
	u, err := NewUnit(cfg, Deps{
		Client:    client,
		Cursors:   cursors,
		Sink:      sink,
		Assembler: txmeta.New(nil, nil),
		Retry:     RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond},
		Log:       quietLogger(),
	}, queue)
	if err != nil {
		t.Fatalf("new unit: %v", err)
	}
	return u, queue
}

func TestPollDeliversOldestFirstInBatches(t *testing.T) {
	client := newFakeClient()
	for i := 1; i <= 5; i++ {
		client.add(fmt.Sprintf("s%d", i), uint64(i), false)
	}
	cursors := newMemCursors()
	sink := &recordingSink{}
	u, _ := newTestUnit(t, client, cursors, sink, AccountConfig{BatchSize: 2})

	n, err := u.Poll(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 5 {
		t.Fatalf("delivered %d, want 5", n)
	}
	if got, want := sink.delivered(), []string{"s1", "s2", "s3", "s4", "s5"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if cursors.saves != 3 {
		t.Fatalf("saves = %d, want one per batch", cursors.saves)
	}
	if c := cursors.m["acct"]; c.Signature != "s5" || c.Slot != 5 {
		t.Fatalf("cursor = %+v", c)
	}
	if u.State() != StateIdle {
		t.Fatalf("state = %s", u.State())
	}
}

func TestPollPaginatesBackToCursor(t *testing.T) {
	client := newFakeClient()
	for i := 1; i <= 7; i++ {
		client.add(fmt.Sprintf("s%d", i), uint64(i), false)
	}
	cursors := newMemCursors()
	cursors.m["acct"] = Cursor{Signature: "s2", Slot: 2}
	sink := &recordingSink{}
	u, _ := newTestUnit(t, client, cursors, sink, AccountConfig{PageLimit: 2})

	if _, err := u.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got, want := sink.delivered(), []string{"s3", "s4", "s5", "s6", "s7"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("delivered = %v, want %v", got, want)
	}
	if client.listCalls < 3 {
		t.Fatalf("expected several pages, got %d calls", client.listCalls)
	}
}

func TestReplayAfterCrashRedeliversBatch(t *testing.T) {
	client := newFakeClient()
	client.add("s1", 10, false)
	client.add("s2", 11, false)
	cursors := newMemCursors()
	cursors.saveErr = errors.New("disk gone")

	first := &recordingSink{}
	u, queue := newTestUnit(t, client, cursors, first, AccountConfig{})
	_, err := u.Poll(context.Background())
	var cpe *CursorPersistenceError
	if !errors.As(err, &cpe) {
		t.Fatalf("expected cursor persistence error, got %v", err)
	}
	if _, ok := u.Cursor(); ok {
		t.Fatalf("in-memory cursor must not move when persistence fails")
	}
	if got := first.delivered(); !reflect.DeepEqual(got, []string{"s1", "s2"}) {
		t.Fatalf("first run delivered %v", got)
	}
	if retry := u.handleFailure(err); !retry {
		t.Fatalf("persistence failure should be retried")
	}
	select {
	case r := <-queue:
		if r.Kind != ReportCursor {
			t.Fatalf("report kind = %s", r.Kind)
		}
	default:
		t.Fatalf("expected a cursor persistence report")
	}

	// Restart with a working store: the same batch comes again.
	cursors.saveErr = nil
	second := &recordingSink{}
	restarted, _ := newTestUnit(t, client, cursors, second, AccountConfig{})
	if _, err := restarted.Poll(context.Background()); err != nil {
		t.Fatalf("poll after restart: %v", err)
	}
	if got := second.delivered(); !reflect.DeepEqual(got, []string{"s1", "s2"}) {
		t.Fatalf("restart delivered %v, want s1 s2 again", got)
	}
	if n, err := restarted.Poll(context.Background()); err != nil || n != 0 {
		t.Fatalf("third poll delivered %d err=%v, want nothing", n, err)
	}
}

func TestCursorIsMonotonicAcrossCycles(t *testing.T) {
	client := newFakeClient()
	cursors := newMemCursors()
	sink := &recordingSink{}
	u, _ := newTestUnit(t, client, cursors, sink, AccountConfig{BatchSize: 3})

	var last uint64
	slot := uint64(0)
	for cycle := 0; cycle < 4; cycle++ {
		for i := 0; i < cycle+1; i++ {
			slot++
			client.add(fmt.Sprintf("c%d-%d", cycle, i), slot, false)
		}
		if _, err := u.Poll(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", cycle, err)
		}
		c, ok := u.Cursor()
		if !ok || c.Slot < last {
			t.Fatalf("cycle %d cursor went from %d to %+v", cycle, last, c)
		}
		last = c.Slot
	}
	if len(sink.delivered()) != 10 {
		t.Fatalf("delivered %d, want 10", len(sink.delivered()))
	}
}

func TestStartLatestSkipsBacklog(t *testing.T) {
	client := newFakeClient()
	client.add("old1", 1, false)
	client.add("old2", 2, false)
	cursors := newMemCursors()
	sink := &recordingSink{}
	u, _ := newTestUnit(t, client, cursors, sink, AccountConfig{Start: StartLatest})

	if n, err := u.Poll(context.Background()); err != nil || n != 0 {
		t.Fatalf("first poll n=%d err=%v", n, err)
	}
	if c := cursors.m["acct"]; c.Signature != "old2" {
		t.Fatalf("cursor = %+v, want old2", c)
	}
	client.add("new1", 3, false)
	if _, err := u.Poll(context.Background()); err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if got := sink.delivered(); !reflect.DeepEqual(got, []string{"new1"}) {
		t.Fatalf("delivered %v", got)
	}
}

func TestStartAfterSignature(t *testing.T) {
	client := newFakeClient()
	for i := 1; i <= 3; i++ {
		client.add(fmt.Sprintf("s%d", i), uint64(i), false)
	}
	sink := &recordingSink{}
	u, _ := newTestUnit(t, client, newMemCursors(), sink, AccountConfig{Start: "s1"})
	if _, err := u.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got := sink.delivered(); !reflect.DeepEqual(got, []string{"s2", "s3"}) {
		t.Fatalf("delivered %v", got)
	}
}

func TestFailedTransactionsSkippedButCursorAdvances(t *testing.T) {
	tests := []struct {
		name          string
		includeFailed bool
		want          []string
	}{
		{"skip_failed", false, []string{"s1"}},
		{"include_failed", true, []string{"s1", "s2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeClient()
			client.add("s1", 1, false)
			client.add("s2", 2, true, "Program P invoke [1]", "Program P failed: custom program error: 0x1")
			cursors := newMemCursors()
			sink := &recordingSink{}
			u, _ := newTestUnit(t, client, cursors, sink, AccountConfig{IncludeFailed: tt.includeFailed})

			if _, err := u.Poll(context.Background()); err != nil {
				t.Fatalf("poll: %v", err)
			}
			if got := sink.delivered(); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("delivered %v, want %v", got, tt.want)
			}
			if cursors.m["acct"].Signature != "s2" {
				t.Fatalf("cursor must advance past skipped transaction, got %+v", cursors.m["acct"])
			}
		})
	}
}

func TestMalformedTransactionIsReportedAndBatchContinues(t *testing.T) {
	client := newFakeClient()
	client.add("good1", 1, false)
	client.add("bad", 2, false, "Program A invoke [1]", "Program B success")
	client.add("good2", 3, false)
	cursors := newMemCursors()
	sink := &recordingSink{}
	u, queue := newTestUnit(t, client, cursors, sink, AccountConfig{})

	if _, err := u.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got := sink.delivered(); !reflect.DeepEqual(got, []string{"good1", "good2"}) {
		t.Fatalf("delivered %v", got)
	}
	select {
	case r := <-queue:
		if r.Kind != ReportMalformed || r.Signature != "bad" || r.Snippet != "Program B success" || r.Account != "acct" || r.ID == "" {
			t.Fatalf("unexpected report %+v", r)
		}
	default:
		t.Fatalf("expected a report")
	}
	if cursors.m["acct"].Signature != "good2" {
		t.Fatalf("cursor = %+v", cursors.m["acct"])
	}
}

func TestUndecodableTransactionIsReportedAndSkipped(t *testing.T) {
	client := newFakeClient()
	client.add("s1", 1, false)
	client.add("s2", 2, false)
	client.add("s3", 3, false)
	client.getErrs = map[string]error{"s2": SkipTransaction("s2", errors.New("decode envelope: unexpected EOF"))}
	cursors := newMemCursors()
	sink := &recordingSink{}
	u, queue := newTestUnit(t, client, cursors, sink, AccountConfig{})

	if _, err := u.Poll(context.Background()); err != nil {
		t.Fatalf("a per-transaction error must not fail the cycle: %v", err)
	}
	if got := sink.delivered(); !reflect.DeepEqual(got, []string{"s1", "s3"}) {
		t.Fatalf("delivered %v", got)
	}
	if r := <-queue; r.Kind != ReportAssembly || r.Signature != "s2" {
		t.Fatalf("report = %+v", r)
	}
	if cursors.m["acct"].Signature != "s3" {
		t.Fatalf("cursor = %+v", cursors.m["acct"])
	}
}

func TestUnavailableTransactionRetriedThenSkipped(t *testing.T) {
	client := newFakeClient()
	client.add("s1", 1, false)
	client.add("s2", 2, false)
	delete(client.txs, "s2")
	cursors := newMemCursors()
	sink := &recordingSink{}
	u, queue := newTestUnit(t, client, cursors, sink, AccountConfig{})

	// The retry policy allows 3 attempts, so the first two cycles wait for the node.
	for cycle := 1; cycle <= 2; cycle++ {
		_, err := u.Poll(context.Background())
		if err == nil || IsFatal(err) {
			t.Fatalf("cycle %d: err = %v, want transient", cycle, err)
		}
		if len(sink.delivered()) != 0 || cursors.saves != 0 {
			t.Fatalf("cycle %d moved on early", cycle)
		}
	}
	if _, err := u.Poll(context.Background()); err != nil {
		t.Fatalf("third cycle: %v", err)
	}
	if got := sink.delivered(); !reflect.DeepEqual(got, []string{"s1"}) {
		t.Fatalf("delivered %v", got)
	}
	if r := <-queue; r.Kind != ReportUnavailable || r.Signature != "s2" {
		t.Fatalf("report = %+v", r)
	}
	if cursors.m["acct"].Signature != "s2" || len(u.missing) != 0 {
		t.Fatalf("cursor = %+v missing = %v", cursors.m["acct"], u.missing)
	}
}

func TestLateTransactionResetsMissingCount(t *testing.T) {
	client := newFakeClient()
	client.add("s1", 1, false)
	tx := client.txs["s1"]
	delete(client.txs, "s1")
	sink := &recordingSink{}
	u, _ := newTestUnit(t, client, newMemCursors(), sink, AccountConfig{})

	if _, err := u.Poll(context.Background()); err == nil {
		t.Fatalf("expected a transient error while s1 is missing")
	}
	client.mu.Lock()
	client.txs["s1"] = tx
	client.mu.Unlock()
	if _, err := u.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if got := sink.delivered(); !reflect.DeepEqual(got, []string{"s1"}) || len(u.missing) != 0 {
		t.Fatalf("delivered %v missing %v", got, u.missing)
	}
}

func TestSinkFailureKeepsCursor(t *testing.T) {
	client := newFakeClient()
	client.add("s1", 1, false)
	cursors := newMemCursors()
	cursors.m["acct"] = Cursor{Signature: "s0", Slot: 0}
	sink := &recordingSink{err: errors.New("downstream unavailable")}
	u, _ := newTestUnit(t, client, cursors, sink, AccountConfig{})

	if _, err := u.Poll(context.Background()); err == nil {
		t.Fatalf("expected delivery error")
	}
	if cursors.saves != 0 || cursors.m["acct"].Signature != "s0" {
		t.Fatalf("cursor moved after failed delivery: %+v", cursors.m["acct"])
	}
}

func TestRunRetriesTransientThenFails(t *testing.T) {
	client := newFakeClient()
	client.listErr = Transient("list signatures", errors.New("429 too many requests"))
	u, queue := newTestUnit(t, client, newMemCursors(), &recordingSink{}, AccountConfig{})

	err := u.Run(context.Background())
	if err == nil {
		t.Fatalf("expected retries to be exhausted")
	}
	if u.State() != StateFailed {
		t.Fatalf("state = %s", u.State())
	}
	if client.listCalls != 3 {
		t.Fatalf("list calls = %d, want 3", client.listCalls)
	}
	r := <-queue
	if r.Kind != ReportRetriesExhausted {
		t.Fatalf("report = %+v", r)
	}
}

func TestRunStopsOnFatal(t *testing.T) {
	client := newFakeClient()
	client.listErr = Fatal("list signatures", errors.New("invalid param: WrongSize"))
	u, queue := newTestUnit(t, client, newMemCursors(), &recordingSink{}, AccountConfig{})

	err := u.Run(context.Background())
	if !IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if client.listCalls != 1 {
		t.Fatalf("fatal errors must not be retried, calls = %d", client.listCalls)
	}
	if r := <-queue; r.Kind != ReportFatal {
		t.Fatalf("report = %+v", r)
	}
}

func TestRunRecoversAfterTransientFailure(t *testing.T) {
	client := newFakeClient()
	client.add("s1", 1, false)
	client.getErr = Transient("get transaction", errors.New("timeout"))
	sink := &recordingSink{}
	u, _ := newTestUnit(t, client, newMemCursors(), sink, AccountConfig{})
	u.deps.Retry = RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx) }()

	time.Sleep(2 * time.Millisecond)
	client.mu.Lock()
	client.getErr = nil
	client.mu.Unlock()

	deadline := time.After(2 * time.Second)
	for len(sink.delivered()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("transaction never delivered")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if u.State() != StateTerminated {
		t.Fatalf("state = %s", u.State())
	}
}

func TestUnitWithSQLiteStore(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "reader.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	adapter := StoreAdapter{Store: store}

	client := newFakeClient()
	client.add("s1", 5, false)
	client.add("bad", 6, false, "Program log: orphan")
	sink := &recordingSink{}
	u, err := NewUnit(AccountConfig{ID: "acct", Address: "Acct111", Start: StartGenesis}, Deps{
		Client:    client,
		Cursors:   adapter,
		Sink:      sink,
		Assembler: txmeta.New(nil, nil),
		Reports:   adapter,
		Log:       quietLogger(),
	}, nil)
	if err != nil {
		t.Fatalf("new unit: %v", err)
	}
	if _, err := u.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	c, ok, err := adapter.LoadCursor(context.Background(), "acct")
	if err != nil || !ok || c.Signature != "bad" || c.Slot != 6 {
		t.Fatalf("cursor = %+v ok=%v err=%v", c, ok, err)
	}
	reports, err := store.ListReports(context.Background(), "acct", 10)
	if err != nil || len(reports) != 1 || reports[0].Kind != string(ReportMalformed) {
		t.Fatalf("reports = %+v err=%v", reports, err)
	}
}

func TestNewUnitValidates(t *testing.T) {
	if _, err := NewUnit(AccountConfig{}, Deps{}, nil); err == nil {
		t.Fatalf("expected missing address to fail")
	}
	if _, err := NewUnit(AccountConfig{Address: "x"}, Deps{}, nil); err == nil {
		t.Fatalf("expected missing deps to fail")
	}
}

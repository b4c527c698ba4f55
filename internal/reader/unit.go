package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/devblac/solana-event-reader/internal/invocation"
	"github.com/devblac/solana-event-reader/internal/metrics"
	"github.com/devblac/solana-event-reader/internal/txmeta"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	StartLatest  = "latest"
	StartGenesis = "genesis"
)

// AccountConfig describes one watched account.
type AccountConfig struct {
	ID      string
	Address string
	// Start is used when no cursor exists: "latest", "genesis", or a signature
	// to resume after.
	Start            string
	BatchSize        int
	PageLimit        int
	FetchConcurrency int
	IncludeFailed    bool
	PollInterval     time.Duration
	ProcessTimeout   time.Duration
}

func (c *AccountConfig) applyDefaults() {
	if c.ID == "" {
		c.ID = c.Address
	}
	if c.Start == "" {
		c.Start = StartLatest
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PageLimit <= 0 || c.PageLimit > 1000 {
		c.PageLimit = 1000
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = 2 * time.Minute
	}
}

// Deps are the collaborators of a unit. Client is shared across units and
// must be safe for concurrent use; everything else may be per unit. Live is
// optional.
type Deps struct {
	Client    Client
	Cursors   CursorStore
	Sink      Sink
	Assembler Assembler
	Retry     RetryPolicy
	Reports   ReportStore
	Live      LiveSource
	Metrics   *metrics.Metrics
	Log       *slog.Logger
}

// Unit tails one account: list new signatures, fetch, assemble, deliver,
// then persist the cursor.
type Unit struct {
	cfg     AccountConfig
	deps    Deps
	log     *slog.Logger
	queue   chan<- Report
	state   atomic.Int32
	cursor  *Cursor
	loaded  bool
	attempt int
	now     func() time.Time

	// missing counts consecutive cycles a signature was listed but not served.
	missing    map[string]int
	wake       chan struct{}
	cursorSlot atomic.Uint64
}

// defaultMissingLimit applies when the retry policy never gives up.
const defaultMissingLimit = 10

// NewUnit builds a unit. queue may be nil; reports are then only logged and stored.
func NewUnit(cfg AccountConfig, deps Deps, queue chan<- Report) (*Unit, error) {
	if cfg.Address == "" {
		return nil, errors.New("account address required")
	}
	if deps.Client == nil || deps.Cursors == nil || deps.Sink == nil || deps.Assembler == nil {
		return nil, errors.New("client, cursors, sink and assembler are required")
	}
	cfg.applyDefaults()
	if deps.Retry.MaxAttempts == 0 && deps.Retry.BaseDelay == 0 {
		deps.Retry = DefaultRetryPolicy()
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Unit{
		cfg:     cfg,
		deps:    deps,
		log:     log.With("account", cfg.ID),
		queue:   queue,
		now:     time.Now,
		missing: map[string]int{},
		wake:    make(chan struct{}, 1),
	}, nil
}

// ID returns the account id used as the cursor key.
func (u *Unit) ID() string { return u.cfg.ID }

// State returns the current state.
func (u *Unit) State() State { return State(u.state.Load()) }

func (u *Unit) setState(s State) { u.state.Store(int32(s)) }

// Cursor returns the in-memory cursor, which only moves after a successful save.
func (u *Unit) Cursor() (Cursor, bool) {
	if u.cursor == nil {
		return Cursor{}, false
	}
	return *u.cursor, true
}

// Run polls until ctx is done or the unit fails. A nil return means shutdown.
// With a live source, notifications cut the wait between cycles short.
func (u *Unit) Run(ctx context.Context) error {
	if u.deps.Live != nil {
		lctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go u.listen(lctx)
	}
	for {
		if ctx.Err() != nil {
			u.setState(StateTerminated)
			return nil
		}
		n, err := u.Poll(ctx)
		if err == nil {
			u.attempt = 0
			if n > 0 {
				u.log.Debug("cycle complete", "delivered", n)
			}
			if u.idle(ctx, u.cfg.PollInterval) != nil {
				u.setState(StateTerminated)
				return nil
			}
			continue
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			u.setState(StateTerminated)
			return nil
		}
		if retry := u.handleFailure(err); !retry {
			return err
		}
		if sleep(ctx, u.deps.Retry.NextDelay(u.attempt)) != nil {
			u.setState(StateTerminated)
			return nil
		}
	}
}

// handleFailure moves the unit to Backoff or Failed and reports as needed.
func (u *Unit) handleFailure(err error) bool {
	u.deps.Metrics.Errors()
	if IsFatal(err) {
		u.setState(StateFailed)
		u.report(ReportFatal, "", err, "")
		return false
	}
	u.attempt++
	if u.deps.Retry.Exhausted(u.attempt) {
		u.setState(StateFailed)
		u.report(ReportRetriesExhausted, "", fmt.Errorf("after %d attempts: %w", u.attempt, err), "")
		return false
	}
	var cpe *CursorPersistenceError
	if errors.As(err, &cpe) {
		u.report(ReportCursor, cpe.Cursor.Signature, err, "")
	}
	u.deps.Metrics.RPCRetries()
	u.setState(StateBackoff)
	u.log.Warn("cycle failed, backing off", "attempt", u.attempt, "delay", u.deps.Retry.NextDelay(u.attempt), "error", err)
	return true
}

// Poll runs one full cycle and returns how many transactions were delivered.
func (u *Unit) Poll(ctx context.Context) (int, error) {
	u.setState(StatePolling)
	if err := u.loadCursor(ctx); err != nil {
		return 0, err
	}

	until := ""
	if u.cursor != nil {
		until = u.cursor.Signature
	} else {
		switch u.cfg.Start {
		case StartLatest:
			return 0, u.startAtLatest(ctx)
		case StartGenesis:
		default:
			until = u.cfg.Start
		}
	}

	sigs, err := u.listSince(ctx, until)
	if err != nil {
		return 0, err
	}
	if len(sigs) == 0 {
		u.setState(StateIdle)
		return 0, nil
	}

	delivered := 0
	for start := 0; start < len(sigs); start += u.cfg.BatchSize {
		end := min(start+u.cfg.BatchSize, len(sigs))
		n, err := u.processChunk(ctx, sigs[start:end])
		delivered += n
		if err != nil {
			return delivered, err
		}
	}
	u.setState(StateIdle)
	return delivered, nil
}

func (u *Unit) loadCursor(ctx context.Context) error {
	if u.loaded {
		return nil
	}
	c, ok, err := u.deps.Cursors.LoadCursor(ctx, u.cfg.ID)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if ok {
		u.cursor = &c
		u.cursorSlot.Store(c.Slot)
	}
	u.loaded = true
	return nil
}

// startAtLatest records the newest signature as the cursor without delivering it.
func (u *Unit) startAtLatest(ctx context.Context) error {
	page, err := u.deps.Client.ListSignatures(ctx, u.cfg.Address, ListOptions{Limit: 1})
	if err != nil {
		return err
	}
	if len(page) == 0 {
		u.setState(StateIdle)
		return nil
	}
	next := Cursor{Signature: page[0].Signature, Slot: page[0].Slot}
	if err := u.saveCursor(ctx, next); err != nil {
		return err
	}
	u.log.Info("starting at latest signature", "signature", next.Signature, "slot", next.Slot)
	u.setState(StateIdle)
	return nil
}

// listSince pages backwards from the newest signature to until (exclusive)
// and returns the result oldest-first.
func (u *Unit) listSince(ctx context.Context, until string) ([]SignatureInfo, error) {
	var all []SignatureInfo
	before := ""
	for {
		page, err := u.deps.Client.ListSignatures(ctx, u.cfg.Address, ListOptions{
			Before: before,
			Until:  until,
			Limit:  u.cfg.PageLimit,
		})
		if err != nil {
			return nil, err
		}
		reached := false
		for _, s := range page {
			if until != "" && s.Signature == until {
				reached = true
				break
			}
			all = append(all, s)
		}
		if reached || len(page) < u.cfg.PageLimit {
			break
		}
		before = page[len(page)-1].Signature
	}
	slices.Reverse(all)
	sort.SliceStable(all, func(i, j int) bool { return all[i].Slot < all[j].Slot })
	return all, nil
}

// processChunk delivers one chunk and persists the cursor at its last
// signature. Skipped failed transactions still move the cursor.
func (u *Unit) processChunk(ctx context.Context, chunk []SignatureInfo) (int, error) {
	u.setState(StateFetching)
	wanted := make([]SignatureInfo, 0, len(chunk))
	for _, s := range chunk {
		if s.Err != nil && !u.cfg.IncludeFailed {
			u.deps.Metrics.TransactionsSkipped()
			continue
		}
		wanted = append(wanted, s)
	}
	results, err := u.fetch(ctx, wanted)
	if err != nil {
		return 0, err
	}

	// Once fetched, the chunk is finished even if shutdown is requested.
	u.setState(StateProcessing)
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), u.cfg.ProcessTimeout)
	defer cancel()

	raws := make([]txmeta.RawTransaction, 0, len(results))
	for i, f := range results {
		if f.err != nil {
			u.report(f.kind, wanted[i].Signature, f.err, "")
			continue
		}
		raws = append(raws, *f.raw)
	}
	metas, errs := u.deps.Assembler.AssembleAll(pctx, raws)
	delivered := 0
	for i, raw := range raws {
		if errs[i] != nil {
			u.reportAssembly(raw, errs[i])
			continue
		}
		if err := u.deps.Sink.Deliver(pctx, metas[i]); err != nil {
			return delivered, fmt.Errorf("deliver %s: %w", raw.Signature, err)
		}
		delivered++
		u.deps.Metrics.TransactionsDelivered()
	}

	last := chunk[len(chunk)-1]
	if err := u.saveCursor(pctx, Cursor{Signature: last.Signature, Slot: last.Slot}); err != nil {
		return delivered, err
	}
	return delivered, nil
}

func (u *Unit) saveCursor(ctx context.Context, next Cursor) error {
	if err := u.deps.Cursors.SaveCursor(ctx, u.cfg.ID, next); err != nil {
		return &CursorPersistenceError{Account: u.cfg.ID, Cursor: next, Err: err}
	}
	u.cursor = &next
	u.cursorSlot.Store(next.Slot)
	return nil
}

type fetched struct {
	raw  *txmeta.RawTransaction
	kind ReportKind
	err  error
}

// fetch retrieves transactions concurrently and returns them in input order.
// Entries with err set are skipped by the caller.
func (u *Unit) fetch(ctx context.Context, sigs []SignatureInfo) ([]fetched, error) {
	out := make([]fetched, len(sigs))
	unavailable := make([]bool, len(sigs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.cfg.FetchConcurrency)
	for i, s := range sigs {
		g.Go(func() error {
			raw, err := u.deps.Client.GetTransaction(gctx, s.Signature)
			var te *TransactionError
			switch {
			case errors.As(err, &te):
				out[i] = fetched{kind: ReportAssembly, err: err}
			case err != nil:
				return fmt.Errorf("get transaction %s: %w", s.Signature, err)
			case raw == nil:
				unavailable[i] = true
			default:
				out[i] = fetched{raw: raw}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := u.resolveMissing(sigs, out, unavailable); err != nil {
		return nil, err
	}
	return out, nil
}

// resolveMissing fails the cycle while a listed transaction is not served
// yet. Once every such transaction has been missing for missingLimit
// consecutive cycles they are skipped so the cursor can move on.
func (u *Unit) resolveMissing(sigs []SignatureInfo, out []fetched, unavailable []bool) error {
	limit := u.missingLimit()
	pending := 0
	for i, s := range sigs {
		if !unavailable[i] {
			delete(u.missing, s.Signature)
			continue
		}
		u.missing[s.Signature]++
		if u.missing[s.Signature] < limit {
			pending++
		}
	}
	if pending > 0 {
		return Transient("get transaction", fmt.Errorf("%d transaction(s) not available yet", pending))
	}
	for i, s := range sigs {
		if !unavailable[i] {
			continue
		}
		out[i] = fetched{kind: ReportUnavailable, err: fmt.Errorf("%s not served after %d attempts", s.Signature, u.missing[s.Signature])}
		delete(u.missing, s.Signature)
	}
	return nil
}

func (u *Unit) missingLimit() int {
	if u.deps.Retry.MaxAttempts > 0 {
		return u.deps.Retry.MaxAttempts
	}
	return defaultMissingLimit
}

func (u *Unit) reportAssembly(raw txmeta.RawTransaction, err error) {
	kind := ReportAssembly
	snippet := ""
	var me *invocation.MalformedLogStreamError
	if errors.As(err, &me) {
		kind = ReportMalformed
		if me.Index >= 0 && me.Index < len(raw.Logs) {
			snippet = raw.Logs[me.Index]
		}
	}
	u.report(kind, raw.Signature, err, snippet)
}

// report logs r, stores it when a ReportStore is set, and queues it without blocking.
func (u *Unit) report(kind ReportKind, signature string, err error, snippet string) {
	r := Report{
		ID:        uuid.NewString(),
		Account:   u.cfg.ID,
		Signature: signature,
		Kind:      kind,
		Err:       err,
		Snippet:   snippet,
		At:        u.now().UTC(),
	}
	u.deps.Metrics.Reports()
	u.log.Error("report", "kind", kind, "signature", signature, "snippet", snippet, "error", err)

	if u.deps.Reports != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := u.deps.Reports.SaveReport(sctx, r); serr != nil {
			u.log.Error("store report", "kind", kind, "error", serr)
		}
		cancel()
	}
	if u.queue == nil {
		return
	}
	select {
	case u.queue <- r:
	default:
		u.log.Error("report queue full, report not queued", "kind", kind, "signature", signature)
	}
}

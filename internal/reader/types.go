package reader

import (
	"context"
	"strconv"
	"time"

	"github.com/devblac/solana-event-reader/internal/txmeta"
)

// Cursor is the last fully delivered position of a watched account.
type Cursor struct {
	Signature string
	Slot      uint64
}

// SignatureInfo is one entry of a signature listing. Err is the on-chain
// error of the transaction, nil when it succeeded.
type SignatureInfo struct {
	Signature string
	Slot      uint64
	Err       any
}

// ListOptions bound a signature listing. Before and Until are exclusive.
type ListOptions struct {
	Before string
	Until  string
	Limit  int
}

// Client is the RPC surface the reader needs. ListSignatures returns
// newest-first. Errors should be classified with Transient or Fatal.
type Client interface {
	ListSignatures(ctx context.Context, account string, opts ListOptions) ([]SignatureInfo, error)
	GetTransaction(ctx context.Context, signature string) (*txmeta.RawTransaction, error)
}

// CursorStore persists cursors durably per account.
type CursorStore interface {
	LoadCursor(ctx context.Context, account string) (Cursor, bool, error)
	SaveCursor(ctx context.Context, account string, c Cursor) error
}

// Sink receives assembled transactions in ascending slot order per account.
// Delivery is at-least-once; sinks should be idempotent on Signature.
type Sink interface {
	Deliver(ctx context.Context, meta *txmeta.TransactionParsedMeta) error
}

// Assembler assembles a batch of transactions, index-aligned with its input.
type Assembler interface {
	AssembleAll(ctx context.Context, raws []txmeta.RawTransaction) ([]*txmeta.TransactionParsedMeta, []error)
}

// LogNotification announces a transaction that mentions a watched account.
type LogNotification struct {
	Signature string
	Slot      uint64
	Err       any
}

// LiveSource opens push subscriptions for an account. It only tells the unit
// that something new exists; reading still goes through Client.
type LiveSource interface {
	SubscribeLogs(ctx context.Context, account string) (Subscription, error)
}

// Subscription is one open stream of notifications.
type Subscription interface {
	Recv(ctx context.Context) (LogNotification, error)
	Close()
}

// ReportStore keeps reports for operators.
type ReportStore interface {
	SaveReport(ctx context.Context, r Report) error
}

// State is the position of a unit in its polling cycle.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateFetching
	StateProcessing
	StateBackoff
	StateTerminated
	StateFailed
)

var stateNames = [...]string{"idle", "polling", "fetching", "processing", "backoff", "terminated", "failed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// ReportKind classifies a report.
type ReportKind string

const (
	ReportMalformed        ReportKind = "malformed_log_stream"
	ReportAssembly         ReportKind = "assembly_failed"
	ReportFatal            ReportKind = "rpc_fatal"
	ReportRetriesExhausted ReportKind = "retries_exhausted"
	ReportCursor           ReportKind = "cursor_persistence"
	ReportUnavailable      ReportKind = "transaction_unavailable"
)

// Report tells the operator about a skipped transaction or a stopped account.
type Report struct {
	ID        string
	Account   string
	Signature string
	Kind      ReportKind
	Err       error
	Snippet   string
	At        time.Time
}

package txmeta

import (
	"math/big"

	"github.com/devblac/solana-event-reader/internal/balance"
	"github.com/devblac/solana-event-reader/internal/event"
	"github.com/devblac/solana-event-reader/internal/invocation"
	"github.com/devblac/solana-event-reader/internal/txlog"
)

// RawTransaction is the transaction envelope supplied by the RPC layer.
// Instructions must already be flattened (see invocation.Flatten).
type RawTransaction struct {
	Signature    string
	Slot         uint64
	BlockTime    *int64
	Err          any
	Instructions []invocation.Instruction
	Logs         []string
	PreLamports  map[string]uint64
	PostLamports map[string]uint64
	PreTokens    []balance.TokenBalance
	PostTokens   []balance.TokenBalance
}

// DiagnosticKind classifies a problem that did not stop assembly.
type DiagnosticKind string

const (
	DiagPayloadFormat     DiagnosticKind = "payload_format"
	DiagEventDecode       DiagnosticKind = "event_decode"
	DiagInstructionDecode DiagnosticKind = "instruction_decode"
	DiagUnknownLine       DiagnosticKind = "unknown_line"
	DiagTokenBalance      DiagnosticKind = "token_balance"
)

// Diagnostic is attached to the transaction instead of failing it.
type Diagnostic struct {
	Context *invocation.ProgramContext `json:"context,omitempty"`
	Kind    DiagnosticKind             `json:"kind"`
	Message string                     `json:"message"`
}

// TransactionParsedMeta is the assembled record of one transaction. Events
// are in log order. Instructions follow invoke order and list only those
// matching a registered instruction schema.
type TransactionParsedMeta struct {
	Signature      string                                                  `json:"signature"`
	Slot           uint64                                                  `json:"slot"`
	BlockTime      *int64                                                  `json:"block_time,omitempty"`
	Failed         bool                                                    `json:"failed"`
	Err            any                                                     `json:"err,omitempty"`
	Invocations    map[invocation.ProgramContext]*invocation.Invocation    `json:"invocations"`
	Order          []invocation.ProgramContext                             `json:"order"`
	Parents        map[invocation.ProgramContext]invocation.ProgramContext `json:"parents"`
	Truncated      bool                                                    `json:"truncated,omitempty"`
	LamportChanges map[string]*big.Int                                     `json:"lamport_changes"`
	TokenChanges   map[balance.WalletContext]*big.Int                      `json:"token_changes"`
	Events         []event.DecodedEvent                                    `json:"events"`
	Instructions   []event.DecodedInstruction                              `json:"instructions,omitempty"`
	Diagnostics    []Diagnostic                                            `json:"diagnostics,omitempty"`
	Announcements  []txlog.Record                                          `json:"announcements,omitempty"`
}

// RecognizedEvents returns the events that matched a registered schema.
func (m *TransactionParsedMeta) RecognizedEvents() []event.DecodedEvent {
	var out []event.DecodedEvent
	for _, ev := range m.Events {
		if ev.Recognized {
			out = append(out, ev)
		}
	}
	return out
}

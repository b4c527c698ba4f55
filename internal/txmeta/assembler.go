package txmeta

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/devblac/solana-event-reader/internal/balance"
	"github.com/devblac/solana-event-reader/internal/event"
	"github.com/devblac/solana-event-reader/internal/invocation"
	"github.com/devblac/solana-event-reader/internal/txlog"
	"golang.org/x/sync/errgroup"
)

// Assembler turns raw transactions into TransactionParsedMeta. It is stateless
// apart from its read-only parser and registry and safe for concurrent use.
type Assembler struct {
	parser       *txlog.Parser
	registry     event.Registry
	instructions *event.InstructionRegistry
	workers      int
}

// New builds an assembler. A nil parser means a tolerant parser; a nil
// registry leaves every event unrecognized.
func New(parser *txlog.Parser, registry event.Registry) *Assembler {
	if parser == nil {
		parser = txlog.NewParser()
	}
	return &Assembler{parser: parser, registry: registry, workers: 8}
}

// WithWorkers bounds the concurrency of AssembleAll.
func (a *Assembler) WithWorkers(n int) *Assembler {
	if n > 0 {
		a.workers = n
	}
	return a
}

// WithInstructions enables decoding of the instruction bound to each invocation.
func (a *Assembler) WithInstructions(reg *event.InstructionRegistry) *Assembler {
	if reg.Len() > 0 {
		a.instructions = reg
	}
	return a
}

// Assemble builds the record for one transaction. It fails only when the logs
// do not form a valid invocation stack, or a line is rejected in strict mode.
func (a *Assembler) Assemble(raw RawTransaction) (*TransactionParsedMeta, error) {
	records, err := a.parser.ParseLines(raw.Logs)
	if err != nil {
		return nil, fmt.Errorf("assemble %s: %w", raw.Signature, err)
	}
	tree, err := invocation.Reconstruct(records, raw.Instructions)
	if err != nil {
		return nil, fmt.Errorf("assemble %s: %w", raw.Signature, err)
	}

	meta := &TransactionParsedMeta{
		Signature:      raw.Signature,
		Slot:           raw.Slot,
		BlockTime:      raw.BlockTime,
		Failed:         raw.Err != nil,
		Err:            raw.Err,
		Invocations:    tree.Invocations,
		Order:          tree.Order,
		Parents:        tree.Parents,
		Truncated:      tree.Truncated,
		LamportChanges: balance.Lamports(raw.PreLamports, raw.PostLamports),
		TokenChanges:   map[balance.WalletContext]*big.Int{},
		Events:         []event.DecodedEvent{},
		Announcements:  tree.Announcements,
	}

	if changes, err := tokenChanges(raw.PreTokens, raw.PostTokens); err != nil {
		meta.Diagnostics = append(meta.Diagnostics, Diagnostic{Kind: DiagTokenBalance, Message: err.Error()})
	} else {
		meta.TokenChanges = changes
	}

	for _, rec := range tree.Unattributed {
		meta.Diagnostics = append(meta.Diagnostics, Diagnostic{Kind: DiagUnknownLine, Message: rec.(txlog.UnknownFormat).Raw})
	}

	for _, at := range tree.Stream {
		switch r := at.Record.(type) {
		case txlog.ProgramDataPayload:
			a.decodeEvent(meta, at.Context, r)
		case txlog.UnknownFormat:
			c := at.Context
			meta.Diagnostics = append(meta.Diagnostics, Diagnostic{Context: &c, Kind: DiagUnknownLine, Message: r.Raw})
		}
	}
	if a.instructions != nil {
		a.decodeInstructions(meta, tree)
	}
	return meta, nil
}

func (a *Assembler) decodeEvent(meta *TransactionParsedMeta, ctx invocation.ProgramContext, rec txlog.ProgramDataPayload) {
	ev, err := event.Decode(ctx, rec, a.registry)
	if err == nil {
		meta.Events = append(meta.Events, ev)
		return
	}
	diag := Diagnostic{Context: &ctx, Message: err.Error()}
	var pfe *event.PayloadFormatError
	if errors.As(err, &pfe) {
		diag.Kind = DiagPayloadFormat
	} else {
		diag.Kind = DiagEventDecode
		meta.Events = append(meta.Events, ev)
	}
	meta.Diagnostics = append(meta.Diagnostics, diag)
}

func (a *Assembler) decodeInstructions(meta *TransactionParsedMeta, tree *invocation.Result) {
	for _, ctx := range tree.Order {
		ix, ok, err := event.DecodeInstruction(tree.Invocations[ctx], a.instructions)
		if err != nil {
			c := ctx
			meta.Diagnostics = append(meta.Diagnostics, Diagnostic{Context: &c, Kind: DiagInstructionDecode, Message: err.Error()})
			continue
		}
		if ok {
			meta.Instructions = append(meta.Instructions, ix)
		}
	}
}

func tokenChanges(pre, post []balance.TokenBalance) (map[balance.WalletContext]*big.Int, error) {
	before, err := balance.TokenSnapshot(pre)
	if err != nil {
		return nil, fmt.Errorf("pre token balances: %w", err)
	}
	after, err := balance.TokenSnapshot(post)
	if err != nil {
		return nil, fmt.Errorf("post token balances: %w", err)
	}
	return balance.Tokens(before, after), nil
}

// AssembleAll assembles independent transactions in parallel. Results and
// errors are index-aligned with raws.
func (a *Assembler) AssembleAll(ctx context.Context, raws []RawTransaction) ([]*TransactionParsedMeta, []error) {
	metas := make([]*TransactionParsedMeta, len(raws))
	errs := make([]error, len(raws))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i := range raws {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			metas[i], errs[i] = a.Assemble(raws[i])
			return nil
		})
	}
	_ = g.Wait()
	return metas, errs
}

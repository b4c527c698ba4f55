package invocation

import (
	"fmt"

	"github.com/devblac/solana-event-reader/internal/txlog"
)

// Flatten orders outer instructions each followed by its inner instructions,
// which is the order invocations appear in the logs. inner is keyed by the
// index of the outer instruction.
func Flatten(outer []Instruction, inner map[int][]Instruction) []Instruction {
	out := make([]Instruction, 0, len(outer))
	for i, ix := range outer {
		out = append(out, ix)
		out = append(out, inner[i]...)
	}
	for i := range out {
		out[i].Position = i
	}
	return out
}

type frame struct {
	ctx ProgramContext
	inv *Invocation
}

// Reconstruct rebuilds the invocation forest from parsed log records and binds
// each invocation to the next instruction of the flattened list.
func Reconstruct(records []txlog.Record, instructions []Instruction) (*Result, error) {
	res := &Result{
		Invocations: map[ProgramContext]*Invocation{},
		Parents:     map[ProgramContext]ProgramContext{},
	}
	occurrences := map[string]uint32{}
	next := 0
	var stack []frame

	top := func() (frame, bool) {
		if len(stack) == 0 {
			return frame{}, false
		}
		return stack[len(stack)-1], true
	}
	pop := func(status Status, failure *txlog.ProgramFailedComplete) {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		f.inv.Status = status
		f.inv.Failure = failure
	}
	attach := func(f frame, rec txlog.Record) {
		f.inv.Logs = append(f.inv.Logs, rec)
		res.Stream = append(res.Stream, Attributed{Context: f.ctx, Record: rec})
	}
	malformed := func(i int, rec txlog.Record, format string, args ...any) error {
		return &MalformedLogStreamError{Index: i, Record: rec, Reason: fmt.Sprintf(format, args...)}
	}

	for i := 0; i < len(records); i++ {
		rec := records[i]
		switch r := rec.(type) {
		case txlog.ProgramDeployed, txlog.ProgramUpgraded:
			res.Announcements = append(res.Announcements, rec)

		case txlog.Truncated:
			for _, f := range stack {
				f.inv.Status = StatusIncomplete
			}
			stack = nil
			res.Truncated = true
			return res, nil

		case txlog.ProgramInvoke:
			occurrences[r.ProgramID]++
			ctx := ProgramContext{ProgramID: r.ProgramID, Occurrence: occurrences[r.ProgramID]}
			inv := &Invocation{Context: ctx, Level: r.Level, Logs: []txlog.Record{}}
			if next < len(instructions) {
				inv.Instruction = &instructions[next]
				next++
			}
			if parent, ok := top(); ok {
				res.Parents[ctx] = parent.ctx
			}
			res.Invocations[ctx] = inv
			res.Order = append(res.Order, ctx)
			stack = append(stack, frame{ctx: ctx, inv: inv})

		case txlog.ProgramMessage, txlog.ProgramDataPayload, txlog.ProgramReturn:
			f, ok := top()
			if !ok {
				return nil, malformed(i, rec, "log outside of any invocation")
			}
			attach(f, rec)

		case txlog.ProgramConsumed:
			f, ok := top()
			if !ok {
				return nil, malformed(i, rec, "log outside of any invocation")
			}
			if f.ctx.ProgramID != r.ProgramID {
				return nil, malformed(i, rec, "consumed by %s while %s is running", r.ProgramID, f.ctx)
			}
			attach(f, rec)

		case txlog.UnknownFormat:
			if f, ok := top(); ok {
				attach(f, rec)
			} else {
				res.Unattributed = append(res.Unattributed, rec)
			}

		case txlog.ProgramResult:
			f, ok := top()
			if !ok {
				return nil, malformed(i, rec, "result for %s with no open invocation", r.ProgramID)
			}
			if f.ctx.ProgramID != r.ProgramID {
				return nil, malformed(i, rec, "result for %s while %s is running", r.ProgramID, f.ctx)
			}
			if r.Err == nil {
				pop(StatusSuccess, nil)
			} else {
				pop(StatusFailed, &txlog.ProgramFailedComplete{Err: *r.Err})
			}

		case txlog.ProgramFailedComplete:
			f, ok := top()
			if !ok {
				return nil, malformed(i, rec, "failed to complete with no open invocation")
			}
			failure := r
			pop(StatusFailed, &failure)
			// The runtime follows up with "Program <id> failed: ..." for the same frame.
			if i+1 < len(records) {
				if after, ok := records[i+1].(txlog.ProgramResult); ok && after.Err != nil && after.ProgramID == f.ctx.ProgramID {
					i++
				}
			}

		default:
			return nil, malformed(i, rec, "unsupported record")
		}
	}

	if f, ok := top(); ok {
		return nil, malformed(len(records), nil, "%d invocation(s) left open, innermost %s", len(stack), f.ctx)
	}
	return res, nil
}

package invocation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/devblac/solana-event-reader/internal/txlog"
)

// ErrMalformedLogStream is matched by every MalformedLogStreamError.
var ErrMalformedLogStream = errors.New("malformed log stream")

// ProgramContext identifies one invocation of a program within a transaction.
// Occurrence counts invocations of the same program id, starting at 1.
type ProgramContext struct {
	ProgramID  string
	Occurrence uint32
}

func (c ProgramContext) String() string {
	return c.ProgramID + "#" + strconv.FormatUint(uint64(c.Occurrence), 10)
}

// MarshalText lets contexts serve as JSON object keys.
func (c ProgramContext) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses the "<program>#<occurrence>" form.
func (c *ProgramContext) UnmarshalText(b []byte) error {
	s := string(b)
	i := strings.LastIndexByte(s, '#')
	if i <= 0 {
		return fmt.Errorf("invalid program context %q", s)
	}
	n, err := strconv.ParseUint(s[i+1:], 10, 32)
	if err != nil || n == 0 {
		return fmt.Errorf("invalid program context occurrence %q", s)
	}
	c.ProgramID = s[:i]
	c.Occurrence = uint32(n)
	return nil
}

// AccountMeta is one account referenced by an instruction.
type AccountMeta struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"is_signer"`
	IsWritable bool   `json:"is_writable"`
}

// Instruction is a decoded instruction at one position of the flattened list.
// StackHeight is 1 for outer instructions and 0 when unknown.
type Instruction struct {
	ProgramID   string        `json:"program_id"`
	Accounts    []AccountMeta `json:"accounts"`
	Data        []byte        `json:"data"`
	StackHeight uint32        `json:"stack_height,omitempty"`
	Position    int           `json:"position"`
}

// Status is the terminal state of an invocation.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailed
	StatusIncomplete
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusIncomplete:
		return "incomplete"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Invocation is one program execution and the log records it produced.
type Invocation struct {
	Context     ProgramContext               `json:"context"`
	Instruction *Instruction                 `json:"instruction,omitempty"`
	Level       uint32                       `json:"level"`
	Status      Status                       `json:"status"`
	Failure     *txlog.ProgramFailedComplete `json:"failure,omitempty"`
	Logs        []txlog.Record               `json:"logs"`
}

// Attributed is a log record paired with the invocation that emitted it.
type Attributed struct {
	Context ProgramContext
	Record  txlog.Record
}

// Result is the reconstructed call forest of one transaction.
type Result struct {
	Invocations map[ProgramContext]*Invocation
	// Order lists contexts in invoke order.
	Order []ProgramContext
	// Stream holds every attributed record in log order, so a parent record
	// logged after a nested call follows that call's records.
	Stream []Attributed
	// Parents maps each nested context to the context that invoked it.
	Parents       map[ProgramContext]ProgramContext
	Announcements []txlog.Record
	Unattributed  []txlog.Record
	Truncated     bool
}

// Roots returns the top-level contexts in invoke order.
func (r *Result) Roots() []ProgramContext {
	var out []ProgramContext
	for _, c := range r.Order {
		if _, nested := r.Parents[c]; !nested {
			out = append(out, c)
		}
	}
	return out
}

// Children returns the contexts invoked directly by parent, in invoke order.
func (r *Result) Children(parent ProgramContext) []ProgramContext {
	var out []ProgramContext
	for _, c := range r.Order {
		if p, ok := r.Parents[c]; ok && p == parent {
			out = append(out, c)
		}
	}
	return out
}

// MalformedLogStreamError reports a record that violates the stack discipline.
type MalformedLogStreamError struct {
	Index  int
	Record txlog.Record
	Reason string
}

func (e *MalformedLogStreamError) Error() string {
	if e.Record == nil {
		return fmt.Sprintf("malformed log stream at %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("malformed log stream at %d (%s): %s", e.Index, e.Record.Kind(), e.Reason)
}

func (e *MalformedLogStreamError) Is(target error) bool {
	return target == ErrMalformedLogStream
}

package event

import (
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/devblac/solana-event-reader/internal/invocation"
)

// InstructionDiscriminator returns the first 8 bytes of sha256("global:"+name),
// the tag Anchor prefixes to instruction data.
func InstructionDiscriminator(name string) Discriminator {
	sum := sha256.Sum256([]byte("global:" + name))
	var d Discriminator
	copy(d[:], sum[:8])
	return d
}

// InstructionSchema describes one instruction of a program. Accounts names
// the leading account metas in order; trailing accounts are left unnamed.
type InstructionSchema struct {
	Name     string
	Program  string
	Accounts []string
	Decode   DecodeFunc
}

// InstructionRegistry maps (program, discriminator) to an instruction schema.
// Unlike events, every instruction belongs to exactly one program.
type InstructionRegistry struct {
	mu      sync.RWMutex
	schemas map[registryKey]InstructionSchema
}

func NewInstructionRegistry() *InstructionRegistry {
	return &InstructionRegistry{schemas: map[registryKey]InstructionSchema{}}
}

// Register adds or replaces the schema for d under s.Program.
func (r *InstructionRegistry) Register(d Discriminator, s InstructionSchema) error {
	if s.Name == "" {
		return fmt.Errorf("register instruction %s: name required", d)
	}
	if s.Program == "" {
		return fmt.Errorf("register instruction %s: program required", s.Name)
	}
	if s.Decode == nil {
		return fmt.Errorf("register instruction %s: decode func required", s.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[registryKey{program: s.Program, disc: d}] = s
	return nil
}

// RegisterAnchor registers s under its Anchor instruction discriminator.
func (r *InstructionRegistry) RegisterAnchor(s InstructionSchema) error {
	return r.Register(InstructionDiscriminator(s.Name), s)
}

func (r *InstructionRegistry) Lookup(programID string, d Discriminator) (InstructionSchema, bool) {
	if r == nil {
		return InstructionSchema{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[registryKey{program: programID, disc: d}]
	return s, ok
}

func (r *InstructionRegistry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schemas)
}

// DecodedInstruction is the typed view of the instruction behind one invocation.
type DecodedInstruction struct {
	Context       invocation.ProgramContext `json:"context"`
	Position      int                       `json:"position"`
	Discriminator Discriminator             `json:"discriminator"`
	Name          string                    `json:"name"`
	Accounts      map[string]string         `json:"accounts,omitempty"`
	Value         any                       `json:"value,omitempty"`
}

// InstructionDecodeError reports instruction data or accounts that do not fit
// the registered schema.
type InstructionDecodeError struct {
	Name    string
	Context invocation.ProgramContext
	Err     error
}

func (e *InstructionDecodeError) Error() string {
	return fmt.Sprintf("decode instruction %s at %s: %v", e.Name, e.Context, e.Err)
}

func (e *InstructionDecodeError) Unwrap() error { return e.Err }

// DecodeInstruction decodes the instruction bound to inv. It reports false
// when inv has no bound instruction, the binding names another program, or
// no schema matches its discriminator.
func DecodeInstruction(inv *invocation.Invocation, reg *InstructionRegistry) (DecodedInstruction, bool, error) {
	if inv == nil || inv.Instruction == nil {
		return DecodedInstruction{}, false, nil
	}
	ix := inv.Instruction
	var d Discriminator
	if ix.ProgramID != inv.Context.ProgramID || len(ix.Data) < len(d) {
		return DecodedInstruction{}, false, nil
	}
	copy(d[:], ix.Data)
	schema, ok := reg.Lookup(ix.ProgramID, d)
	if !ok {
		return DecodedInstruction{}, false, nil
	}

	out := DecodedInstruction{Context: inv.Context, Position: ix.Position, Discriminator: d, Name: schema.Name}
	if len(ix.Accounts) < len(schema.Accounts) {
		return out, true, &InstructionDecodeError{
			Name:    schema.Name,
			Context: inv.Context,
			Err:     fmt.Errorf("want %d accounts, got %d", len(schema.Accounts), len(ix.Accounts)),
		}
	}
	if len(schema.Accounts) > 0 {
		out.Accounts = make(map[string]string, len(schema.Accounts))
		for i, name := range schema.Accounts {
			out.Accounts[name] = ix.Accounts[i].Pubkey
		}
	}
	v, err := schema.Decode(ix.Data[len(d):])
	if err != nil {
		return out, true, &InstructionDecodeError{Name: schema.Name, Context: inv.Context, Err: err}
	}
	out.Value = v
	return out, true, nil
}

package event

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/devblac/solana-event-reader/internal/invocation"
)

func swapRegistry(t *testing.T) *InstructionRegistry {
	t.Helper()
	decode, err := CompileFields([]Field{{Name: "amount_in", Type: "u64"}, {Name: "min_out", Type: "u64"}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	reg := NewInstructionRegistry()
	err = reg.RegisterAnchor(InstructionSchema{Name: "swap", Program: "Dex", Accounts: []string{"user", "pool"}, Decode: decode})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func swapInvocation(program string, data []byte, accounts ...string) *invocation.Invocation {
	metas := make([]invocation.AccountMeta, len(accounts))
	for i, a := range accounts {
		metas[i] = invocation.AccountMeta{Pubkey: a}
	}
	return &invocation.Invocation{
		Context:     invocation.ProgramContext{ProgramID: "Dex", Occurrence: 1},
		Instruction: &invocation.Instruction{ProgramID: program, Accounts: metas, Data: data, Position: 3},
	}
}

func swapData(amountIn, minOut uint64) []byte {
	d := InstructionDiscriminator("swap")
	buf := binary.LittleEndian.AppendUint64(append([]byte{}, d[:]...), amountIn)
	return binary.LittleEndian.AppendUint64(buf, minOut)
}

func TestInstructionDiscriminatorDiffersFromEvent(t *testing.T) {
	if InstructionDiscriminator("swap") == AnchorDiscriminator("swap") {
		t.Fatalf("instruction and event namespaces must differ")
	}
}

func TestDecodeInstructionMapsAccountsAndArgs(t *testing.T) {
	reg := swapRegistry(t)
	ix, ok, err := DecodeInstruction(swapInvocation("Dex", swapData(100, 90), "alice", "pool1", "extra"), reg)
	if err != nil || !ok {
		t.Fatalf("decode: ok=%v err=%v", ok, err)
	}
	if ix.Name != "swap" || ix.Position != 3 || ix.Context.ProgramID != "Dex" {
		t.Fatalf("instruction = %#v", ix)
	}
	if ix.Accounts["user"] != "alice" || ix.Accounts["pool"] != "pool1" || len(ix.Accounts) != 2 {
		t.Fatalf("accounts = %v", ix.Accounts)
	}
	v := ix.Value.(map[string]any)
	if v["amount_in"] != uint64(100) || v["min_out"] != uint64(90) {
		t.Fatalf("value = %v", v)
	}
}

func TestDecodeInstructionNoMatch(t *testing.T) {
	reg := swapRegistry(t)
	tests := []struct {
		name string
		inv  *invocation.Invocation
	}{
		{"unbound", &invocation.Invocation{Context: invocation.ProgramContext{ProgramID: "Dex", Occurrence: 1}}},
		{"other_program", swapInvocation("Other", swapData(1, 1), "a", "b")},
		{"short_data", swapInvocation("Dex", []byte{1, 2, 3}, "a", "b")},
		{"unknown_discriminator", swapInvocation("Dex", append(make([]byte, 8), 1), "a", "b")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok, err := DecodeInstruction(tt.inv, reg); ok || err != nil {
				t.Fatalf("ok=%v err=%v, want no match", ok, err)
			}
		})
	}
	if _, ok, _ := DecodeInstruction(swapInvocation("Dex", swapData(1, 1), "a", "b"), nil); ok {
		t.Fatalf("nil registry must not match")
	}
}

func TestDecodeInstructionErrors(t *testing.T) {
	reg := swapRegistry(t)
	var de *InstructionDecodeError

	ix, ok, err := DecodeInstruction(swapInvocation("Dex", swapData(1, 1), "alice"), reg)
	if !ok || !errors.As(err, &de) || ix.Name != "swap" {
		t.Fatalf("missing account: ok=%v err=%v", ok, err)
	}

	_, ok, err = DecodeInstruction(swapInvocation("Dex", swapData(1, 1)[:12], "alice", "pool1"), reg)
	if !ok || !errors.As(err, &de) || de.Name != "swap" {
		t.Fatalf("short args: ok=%v err=%v", ok, err)
	}
}

func TestInstructionRegistryRequiresProgram(t *testing.T) {
	reg := NewInstructionRegistry()
	noop := func([]byte) (any, error) { return nil, nil }
	if err := reg.RegisterAnchor(InstructionSchema{Name: "swap", Decode: noop}); err == nil {
		t.Fatalf("expected missing program to fail")
	}
	if err := reg.RegisterAnchor(InstructionSchema{Name: "swap", Program: "Dex"}); err == nil {
		t.Fatalf("expected missing decode to fail")
	}
	if reg.Len() != 0 {
		t.Fatalf("len = %d", reg.Len())
	}
}

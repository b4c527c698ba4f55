package solana

import (
	"github.com/devblac/solana-event-reader/internal/balance"
	"github.com/devblac/solana-event-reader/internal/invocation"
	"github.com/devblac/solana-event-reader/internal/txmeta"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// convert builds the RawTransaction envelope. Account keys are the static
// keys followed by loaded writable and loaded read-only addresses, which is
// the index space of balances and instruction accounts.
func convert(signature string, slot uint64, blockTime *int64, tx *solanago.Transaction, meta *rpc.TransactionMeta) *txmeta.RawTransaction {
	keys := accountKeys(tx, meta)

	outer := make([]invocation.Instruction, 0, len(tx.Message.Instructions))
	for _, ix := range tx.Message.Instructions {
		outer = append(outer, instruction(keys, ix.ProgramIDIndex, ix.Accounts, ix.Data, 1))
	}
	// Compiled inner instructions carry no stack height; 0 marks it unknown.
	inner := map[int][]invocation.Instruction{}
	for _, group := range meta.InnerInstructions {
		for _, ix := range group.Instructions {
			inner[int(group.Index)] = append(inner[int(group.Index)], instruction(keys, ix.ProgramIDIndex, ix.Accounts, ix.Data, 0))
		}
	}

	return &txmeta.RawTransaction{
		Signature:    signature,
		Slot:         slot,
		BlockTime:    blockTime,
		Err:          meta.Err,
		Instructions: invocation.Flatten(outer, inner),
		Logs:         meta.LogMessages,
		PreLamports:  lamports(keys, meta.PreBalances),
		PostLamports: lamports(keys, meta.PostBalances),
		PreTokens:    tokenBalances(keys, meta.PreTokenBalances),
		PostTokens:   tokenBalances(keys, meta.PostTokenBalances),
	}
}

type accountKey struct {
	pubkey   string
	signer   bool
	writable bool
}

func accountKeys(tx *solanago.Transaction, meta *rpc.TransactionMeta) []accountKey {
	msg := tx.Message
	static := msg.AccountKeys
	numSigners := int(msg.Header.NumRequiredSignatures)
	writableSigners := numSigners - int(msg.Header.NumReadonlySignedAccounts)
	writableUnsigned := len(static) - int(msg.Header.NumReadonlyUnsignedAccounts)

	keys := make([]accountKey, 0, len(static)+len(meta.LoadedAddresses.Writable)+len(meta.LoadedAddresses.ReadOnly))
	for i, pk := range static {
		k := accountKey{pubkey: pk.String(), signer: i < numSigners}
		if k.signer {
			k.writable = i < writableSigners
		} else {
			k.writable = i < writableUnsigned
		}
		keys = append(keys, k)
	}
	for _, pk := range meta.LoadedAddresses.Writable {
		keys = append(keys, accountKey{pubkey: pk.String(), writable: true})
	}
	for _, pk := range meta.LoadedAddresses.ReadOnly {
		keys = append(keys, accountKey{pubkey: pk.String()})
	}
	return keys
}

func instruction(keys []accountKey, programIdx uint16, accounts []uint16, data []byte, stackHeight uint32) invocation.Instruction {
	ix := invocation.Instruction{
		Data:        append([]byte(nil), data...),
		StackHeight: stackHeight,
		Accounts:    make([]invocation.AccountMeta, 0, len(accounts)),
	}
	if int(programIdx) < len(keys) {
		ix.ProgramID = keys[programIdx].pubkey
	}
	for _, idx := range accounts {
		if int(idx) >= len(keys) {
			continue
		}
		k := keys[idx]
		ix.Accounts = append(ix.Accounts, invocation.AccountMeta{Pubkey: k.pubkey, IsSigner: k.signer, IsWritable: k.writable})
	}
	return ix
}

func lamports(keys []accountKey, balances []uint64) map[string]uint64 {
	out := make(map[string]uint64, len(balances))
	for i, b := range balances {
		if i < len(keys) {
			out[keys[i].pubkey] += b
		}
	}
	return out
}

func tokenBalances(keys []accountKey, balances []rpc.TokenBalance) []balance.TokenBalance {
	out := make([]balance.TokenBalance, 0, len(balances))
	for _, b := range balances {
		tb := balance.TokenBalance{Mint: b.Mint.String()}
		if int(b.AccountIndex) < len(keys) {
			tb.Account = keys[b.AccountIndex].pubkey
		}
		if b.Owner != nil {
			tb.Owner = b.Owner.String()
		}
		if b.UiTokenAmount != nil {
			tb.Amount = b.UiTokenAmount.Amount
		}
		out = append(out, tb)
	}
	return out
}

package balance

import (
	"fmt"
	"math/big"
	"strings"
)

// WalletContext identifies a token balance holder by owner and mint.
type WalletContext struct {
	Owner string `json:"owner"`
	Mint  string `json:"mint"`
}

func (w WalletContext) String() string { return w.Owner + "/" + w.Mint }

// MarshalText lets wallet contexts serve as JSON object keys.
func (w WalletContext) MarshalText() ([]byte, error) { return []byte(w.String()), nil }

func (w *WalletContext) UnmarshalText(b []byte) error {
	owner, mint, ok := strings.Cut(string(b), "/")
	if !ok || owner == "" || mint == "" {
		return fmt.Errorf("invalid wallet context %q", b)
	}
	w.Owner, w.Mint = owner, mint
	return nil
}

// TokenBalance is one token account entry of a pre or post snapshot.
// Amount is the raw base-unit amount in decimal.
type TokenBalance struct {
	Account string
	Owner   string
	Mint    string
	Amount  string
}

// Lamports returns post minus pre for every account whose balance changed.
// An account missing from one snapshot counts as zero there.
func Lamports(pre, post map[string]uint64) map[string]*big.Int {
	out := map[string]*big.Int{}
	for acct, after := range post {
		d := new(big.Int).SetUint64(after)
		d.Sub(d, new(big.Int).SetUint64(pre[acct]))
		if d.Sign() != 0 {
			out[acct] = d
		}
	}
	for acct, before := range pre {
		if _, ok := post[acct]; ok || before == 0 {
			continue
		}
		out[acct] = new(big.Int).Neg(new(big.Int).SetUint64(before))
	}
	return out
}

// Tokens returns post minus pre for every wallet context whose amount changed.
func Tokens(pre, post map[WalletContext]*big.Int) map[WalletContext]*big.Int {
	out := map[WalletContext]*big.Int{}
	for w, after := range post {
		d := new(big.Int).Set(after)
		if before, ok := pre[w]; ok {
			d.Sub(d, before)
		}
		if d.Sign() != 0 {
			out[w] = d
		}
	}
	for w, before := range pre {
		if _, ok := post[w]; ok || before.Sign() == 0 {
			continue
		}
		out[w] = new(big.Int).Neg(before)
	}
	return out
}

// TokenSnapshot sums token accounts per owner and mint. Entries without an
// owner are keyed by their token account address.
func TokenSnapshot(entries []TokenBalance) (map[WalletContext]*big.Int, error) {
	out := map[WalletContext]*big.Int{}
	for _, e := range entries {
		amt, ok := new(big.Int).SetString(e.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("token account %s: invalid amount %q", e.Account, e.Amount)
		}
		owner := e.Owner
		if owner == "" {
			owner = e.Account
		}
		w := WalletContext{Owner: owner, Mint: e.Mint}
		if cur, ok := out[w]; ok {
			cur.Add(cur, amt)
			continue
		}
		out[w] = amt
	}
	return out, nil
}

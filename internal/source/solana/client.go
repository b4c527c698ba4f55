package solana

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/devblac/solana-event-reader/internal/reader"
	"github.com/devblac/solana-event-reader/internal/txmeta"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// RPC captures the subset of rpc.Client used by the reader.
type RPC interface {
	GetSignaturesForAddressWithOpts(ctx context.Context, account solanago.PublicKey, opts *rpc.GetSignaturesForAddressOpts) ([]*rpc.TransactionSignature, error)
	GetTransaction(ctx context.Context, signature solanago.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	GetSlot(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)
}

// Client adapts a Solana JSON-RPC endpoint to reader.Client. It is safe for
// concurrent use and is shared by every account on the same source.
type Client struct {
	rpc        RPC
	commitment rpc.CommitmentType
}

// NewClient builds a client for rpcURL at the given commitment level.
func NewClient(rpcURL, commitment string) (*Client, error) {
	if rpcURL == "" {
		return nil, errors.New("rpc url required")
	}
	return NewClientWithRPC(rpc.New(rpcURL), commitment), nil
}

// NewClientWithRPC wraps an existing RPC implementation.
func NewClientWithRPC(r RPC, commitment string) *Client {
	if commitment == "" {
		commitment = string(rpc.CommitmentConfirmed)
	}
	return &Client{rpc: r, commitment: rpc.CommitmentType(commitment)}
}

// ListSignatures returns signatures for account newest-first.
func (c *Client) ListSignatures(ctx context.Context, account string, opts reader.ListOptions) ([]reader.SignatureInfo, error) {
	pk, err := solanago.PublicKeyFromBase58(account)
	if err != nil {
		return nil, reader.Fatal("list signatures", fmt.Errorf("account %q: %w", account, err))
	}
	req := &rpc.GetSignaturesForAddressOpts{Commitment: c.commitment}
	if opts.Limit > 0 {
		limit := opts.Limit
		req.Limit = &limit
	}
	if opts.Before != "" {
		if req.Before, err = solanago.SignatureFromBase58(opts.Before); err != nil {
			return nil, reader.Fatal("list signatures", fmt.Errorf("before %q: %w", opts.Before, err))
		}
	}
	if opts.Until != "" {
		if req.Until, err = solanago.SignatureFromBase58(opts.Until); err != nil {
			return nil, reader.Fatal("list signatures", fmt.Errorf("until %q: %w", opts.Until, err))
		}
	}

	page, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, pk, req)
	if err != nil {
		return nil, classify("list signatures", err)
	}
	out := make([]reader.SignatureInfo, 0, len(page))
	for _, s := range page {
		if s == nil {
			continue
		}
		out = append(out, reader.SignatureInfo{Signature: s.Signature.String(), Slot: s.Slot, Err: s.Err})
	}
	return out, nil
}

// GetTransaction fetches and converts one transaction. A transaction the
// node does not have yet yields (nil, nil).
func (c *Client) GetTransaction(ctx context.Context, signature string) (*txmeta.RawTransaction, error) {
	sig, err := solanago.SignatureFromBase58(signature)
	if err != nil {
		return nil, reader.Fatal("get transaction", fmt.Errorf("signature %q: %w", signature, err))
	}
	version := uint64(0)
	res, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solanago.EncodingBase64,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &version,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get transaction", err)
	}
	if res == nil || res.Transaction == nil || res.Meta == nil {
		return nil, nil
	}
	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, reader.SkipTransaction(signature, fmt.Errorf("decode envelope: %w", err))
	}
	var blockTime *int64
	if res.BlockTime != nil {
		bt := int64(*res.BlockTime)
		blockTime = &bt
	}
	return convert(signature, res.Slot, blockTime, tx, res.Meta), nil
}

// Ping checks the endpoint with getSlot.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.rpc.GetSlot(ctx, c.commitment); err != nil {
		return classify("get slot", err)
	}
	return nil
}

// Slot returns the current slot at the client's commitment.
func (c *Client) Slot(ctx context.Context) (uint64, error) {
	slot, err := c.rpc.GetSlot(ctx, c.commitment)
	if err != nil {
		return 0, classify("get slot", err)
	}
	return slot, nil
}

// JSON-RPC error codes that will not succeed on retry.
var fatalCodes = map[int]bool{
	-32600: true, // invalid request
	-32601: true, // method not found
	-32602: true, // invalid params
}

var authStatus = regexp.MustCompile(`(?i)status code:?\s*(401|403)\b`)

// classify marks err as fatal for bad requests and credentials, transient
// for everything else (rate limits, timeouts, unhealthy nodes). JSON-RPC and
// HTTP errors are judged by code alone since node messages carry slot numbers.
func classify(op string, err error) error {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		if fatalCodes[rpcErr.Code] {
			return reader.Fatal(op, err)
		}
		return reader.Transient(op, err)
	}
	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Code == http.StatusUnauthorized || httpErr.Code == http.StatusForbidden {
			return reader.Fatal(op, err)
		}
		return reader.Transient(op, err)
	}
	if authStatus.MatchString(err.Error()) {
		return reader.Fatal(op, err)
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"unauthorized", "forbidden", "invalid api key"} {
		if strings.Contains(msg, s) {
			return reader.Fatal(op, err)
		}
	}
	return reader.Transient(op, err)
}

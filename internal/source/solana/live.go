package solana

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/devblac/solana-event-reader/internal/reader"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
)

type logStream interface {
	Recv(ctx context.Context) (*ws.LogResult, error)
	Unsubscribe()
}

type logsConn interface {
	subscribe(account solanago.PublicKey, commitment rpc.CommitmentType) (logStream, error)
	Close()
}

type wsConn struct {
	c *ws.Client
}

func (w wsConn) subscribe(account solanago.PublicKey, commitment rpc.CommitmentType) (logStream, error) {
	sub, err := w.c.LogsSubscribeMentions(account, commitment)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (w wsConn) Close() { w.c.Close() }

func dialWS(ctx context.Context, endpoint string) (logsConn, error) {
	c, err := ws.Connect(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return wsConn{c: c}, nil
}

// LiveClient opens logsSubscribe streams on a websocket endpoint, one
// connection per subscription.
type LiveClient struct {
	url        string
	commitment rpc.CommitmentType
	dial       func(ctx context.Context, endpoint string) (logsConn, error)
}

// NewLiveClient builds a live client for wsURL at the given commitment level.
func NewLiveClient(wsURL, commitment string) (*LiveClient, error) {
	if wsURL == "" {
		return nil, errors.New("websocket url required")
	}
	if commitment == "" {
		commitment = string(rpc.CommitmentConfirmed)
	}
	return &LiveClient{url: wsURL, commitment: rpc.CommitmentType(commitment), dial: dialWS}, nil
}

// SubscribeLogs subscribes to logs of transactions mentioning account.
func (l *LiveClient) SubscribeLogs(ctx context.Context, account string) (reader.Subscription, error) {
	pk, err := solanago.PublicKeyFromBase58(account)
	if err != nil {
		return nil, reader.Fatal("logs subscribe", fmt.Errorf("account %q: %w", account, err))
	}
	conn, err := l.dial(ctx, l.url)
	if err != nil {
		return nil, reader.Transient("connect websocket", err)
	}
	stream, err := conn.subscribe(pk, l.commitment)
	if err != nil {
		conn.Close()
		return nil, reader.Transient("logs subscribe", err)
	}
	return &subscription{stream: stream, conn: conn}, nil
}

type subscription struct {
	stream logStream
	conn   logsConn
}

func (s *subscription) Recv(ctx context.Context) (reader.LogNotification, error) {
	res, err := s.stream.Recv(ctx)
	if err != nil {
		return reader.LogNotification{}, reader.Transient("logs subscription", err)
	}
	if res == nil {
		return reader.LogNotification{}, reader.Transient("logs subscription", errors.New("stream closed"))
	}
	return reader.LogNotification{
		Signature: res.Value.Signature.String(),
		Slot:      res.Context.Slot,
		Err:       res.Value.Err,
	}, nil
}

func (s *subscription) Close() {
	s.stream.Unsubscribe()
	s.conn.Close()
}

// WebsocketURL derives the pubsub endpoint from an HTTP RPC url by switching
// the scheme. Providers serve both on the same host; a local validator listens
// one port higher and needs an explicit ws_url.
func WebsocketURL(rpcURL string) (string, error) {
	u, err := url.Parse(rpcURL)
	if err != nil {
		return "", fmt.Errorf("parse rpc url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("rpc url %q: unsupported scheme %q", rpcURL, u.Scheme)
	}
	return u.String(), nil
}

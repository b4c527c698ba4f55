package solana

import (
	"context"
	"errors"
	"testing"

	"github.com/devblac/solana-event-reader/internal/reader"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"
)

type fakeStream struct {
	results      []*ws.LogResult
	err          error
	unsubscribed bool
}

func (f *fakeStream) Recv(context.Context) (*ws.LogResult, error) {
	if len(f.results) == 0 {
		return nil, f.err
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r, nil
}

func (f *fakeStream) Unsubscribe() { f.unsubscribed = true }

type fakeConn struct {
	stream     *fakeStream
	subErr     error
	account    solanago.PublicKey
	commitment rpc.CommitmentType
	closed     bool
}

func (f *fakeConn) subscribe(account solanago.PublicKey, commitment rpc.CommitmentType) (logStream, error) {
	f.account, f.commitment = account, commitment
	if f.subErr != nil {
		return nil, f.subErr
	}
	return f.stream, nil
}

func (f *fakeConn) Close() { f.closed = true }

func liveWith(conn *fakeConn, dialErr error) *LiveClient {
	l, _ := NewLiveClient("wss://example.invalid", "finalized")
	l.dial = func(context.Context, string) (logsConn, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return conn, nil
	}
	return l
}

func TestSubscribeLogsMapsNotifications(t *testing.T) {
	ok := &ws.LogResult{}
	ok.Context.Slot = 77
	ok.Value.Signature = sig(5)
	failed := &ws.LogResult{}
	failed.Context.Slot = 78
	failed.Value.Signature = sig(6)
	failed.Value.Err = map[string]any{"InstructionError": []any{0.0, "Custom"}}

	stream := &fakeStream{results: []*ws.LogResult{ok, failed}, err: errors.New("connection closed")}
	conn := &fakeConn{stream: stream}
	sub, err := liveWith(conn, nil).SubscribeLogs(context.Background(), key(1).String())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if conn.account != key(1) || conn.commitment != rpc.CommitmentFinalized {
		t.Fatalf("subscribed %s at %s", conn.account, conn.commitment)
	}

	n, err := sub.Recv(context.Background())
	if err != nil || n.Signature != sig(5).String() || n.Slot != 77 || n.Err != nil {
		t.Fatalf("first = %+v err=%v", n, err)
	}
	n, err = sub.Recv(context.Background())
	if err != nil || n.Slot != 78 || n.Err == nil {
		t.Fatalf("second = %+v err=%v", n, err)
	}
	if _, err := sub.Recv(context.Background()); err == nil || !reader.IsTransient(err) {
		t.Fatalf("lost stream err = %v, want transient", err)
	}

	sub.Close()
	if !stream.unsubscribed || !conn.closed {
		t.Fatalf("close must unsubscribe and close the connection")
	}
}

func TestSubscribeLogsErrors(t *testing.T) {
	if _, err := liveWith(&fakeConn{}, nil).SubscribeLogs(context.Background(), "bad!"); !reader.IsFatal(err) {
		t.Fatalf("bad account err = %v, want fatal", err)
	}
	if _, err := liveWith(nil, errors.New("dial tcp: refused")).SubscribeLogs(context.Background(), key(1).String()); err == nil || reader.IsFatal(err) {
		t.Fatalf("dial err = %v, want transient", err)
	}
	conn := &fakeConn{subErr: errors.New("subscription limit")}
	if _, err := liveWith(conn, nil).SubscribeLogs(context.Background(), key(1).String()); err == nil || reader.IsFatal(err) {
		t.Fatalf("subscribe err = %v, want transient", err)
	}
	if !conn.closed {
		t.Fatalf("failed subscribe must close the connection")
	}
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"https://api.mainnet-beta.solana.com", "wss://api.mainnet-beta.solana.com", false},
		{"http://127.0.0.1:8899/?key=abc", "ws://127.0.0.1:8899/?key=abc", false},
		{"wss://already.example", "wss://already.example", false},
		{"ftp://nope", "", true},
	}
	for _, tt := range tests {
		got, err := WebsocketURL(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("WebsocketURL(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

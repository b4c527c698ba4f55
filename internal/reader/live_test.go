package reader

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

type scriptedSubscription struct {
	notes  []LogNotification
	err    error
	closed bool
}

func (s *scriptedSubscription) Recv(context.Context) (LogNotification, error) {
	if len(s.notes) == 0 {
		return LogNotification{}, s.err
	}
	n := s.notes[0]
	s.notes = s.notes[1:]
	return n, nil
}

func (s *scriptedSubscription) Close() { s.closed = true }

type chanSubscription struct {
	notes <-chan LogNotification
}

func (s chanSubscription) Recv(ctx context.Context) (LogNotification, error) {
	select {
	case <-ctx.Done():
		return LogNotification{}, ctx.Err()
	case n := <-s.notes:
		return n, nil
	}
}

func (chanSubscription) Close() {}

type fakeLive struct {
	mu   sync.Mutex
	subs int
	next func() (Subscription, error)
}

func (f *fakeLive) SubscribeLogs(context.Context, string) (Subscription, error) {
	f.mu.Lock()
	f.subs++
	f.mu.Unlock()
	return f.next()
}

func (f *fakeLive) subscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs
}

func pendingWake(u *Unit) bool {
	select {
	case <-u.wake:
		return true
	default:
		return false
	}
}

func TestFollowIgnoresStaleAndFailedNotifications(t *testing.T) {
	sub := &scriptedSubscription{
		notes: []LogNotification{
			{Signature: "old", Slot: 3},
			{Signature: "failed", Slot: 20, Err: map[string]any{"InstructionError": []any{0, "Custom"}}},
		},
		err: Transient("logs subscription", errors.New("connection closed")),
	}
	u, _ := newTestUnit(t, newFakeClient(), newMemCursors(), &recordingSink{}, AccountConfig{})
	u.deps.Live = &fakeLive{next: func() (Subscription, error) { return sub, nil }}
	u.cursorSlot.Store(10)

	n, err := u.follow(context.Background())
	if n != 2 || !IsTransient(err) {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if pendingWake(u) {
		t.Fatalf("stale and failed notifications must not wake the unit")
	}
	if !sub.closed {
		t.Fatalf("subscription not closed")
	}

	sub = &scriptedSubscription{notes: []LogNotification{{Signature: "new", Slot: 12}, {Signature: "newer", Slot: 13}}, err: sub.err}
	if _, err := u.follow(context.Background()); err == nil {
		t.Fatalf("expected the scripted stream to end with an error")
	}
	if !pendingWake(u) {
		t.Fatalf("fresh notification should request a cycle")
	}
	if pendingWake(u) {
		t.Fatalf("wake requests must coalesce")
	}
}

func TestListenStopsOnFatalSubscription(t *testing.T) {
	live := &fakeLive{next: func() (Subscription, error) {
		return nil, Fatal("logs subscribe", errors.New("bad account"))
	}}
	u, _ := newTestUnit(t, newFakeClient(), newMemCursors(), &recordingSink{}, AccountConfig{})
	u.deps.Live = live

	done := make(chan struct{})
	go func() {
		u.listen(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("listen kept retrying a fatal subscription")
	}
	if live.subscriptions() != 1 {
		t.Fatalf("subscriptions = %d", live.subscriptions())
	}
}

func TestListenReconnectsAfterLostSubscription(t *testing.T) {
	var calls int
	live := &fakeLive{}
	live.next = func() (Subscription, error) {
		calls++
		if calls < 3 {
			return nil, Transient("connect websocket", errors.New("refused"))
		}
		return nil, Fatal("logs subscribe", errors.New("giving up"))
	}
	u, _ := newTestUnit(t, newFakeClient(), newMemCursors(), &recordingSink{}, AccountConfig{})
	u.deps.Live = live

	u.listen(context.Background())
	if live.subscriptions() != 3 {
		t.Fatalf("subscriptions = %d, want 3", live.subscriptions())
	}
}

func TestNotificationWakesRunBeforePollInterval(t *testing.T) {
	client := newFakeClient()
	sink := &recordingSink{}
	notes := make(chan LogNotification, 1)
	u, _ := newTestUnit(t, client, newMemCursors(), sink, AccountConfig{PollInterval: time.Hour})
	u.deps.Live = &fakeLive{next: func() (Subscription, error) { return chanSubscription{notes: notes}, nil }}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx) }()

	client.add("s1", 5, false)
	notes <- LogNotification{Signature: "s1", Slot: 5}

	deadline := time.After(2 * time.Second)
	for len(sink.delivered()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("notification did not trigger a cycle")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := sink.delivered(); !reflect.DeepEqual(got, []string{"s1"}) {
		t.Fatalf("delivered %v", got)
	}
}

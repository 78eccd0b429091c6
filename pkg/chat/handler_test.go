package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/hushmesh/hushmesh/pkg/primitives"
)

const testRemote = peer.ID("remote-peer")

func newPipePair() (*Framed, *Framed) {
	a, b := net.Pipe()
	return NewFramed(a), NewFramed(b)
}

// pollUntil drives Poll until an event appears or the deadline passes.
func pollUntil(t *testing.T, h *Handler, timeout time.Duration) primitives.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ev := h.Poll(); ev != nil {
			return ev
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for handler event")
	return nil
}

func newOpenHandler(t *testing.T) (*Handler, *Framed) {
	t.Helper()
	local, remote := newPipePair()
	h := NewHandler(testRemote, HandshakeMetadata{PeerID: "self", Name: "me"}, nil, clock.New(), nil)
	h.AttachStream(local, HandshakeMetadata{PeerID: "them-id", Name: "them"})

	// Negotiated metadata surfaces first.
	ev := h.Poll()
	require.Equal(t, &primitives.Metadata{PeerID: "them-id", Name: "them"}, ev)
	return h, remote
}

func TestHandlerSendEmitsSent(t *testing.T) {
	h, remote := newOpenHandler(t)

	received := make(chan primitives.PlainTextMessage, 1)
	go func() {
		data, err := remote.ReadFrame()
		if err != nil {
			return
		}
		var msg primitives.PlainTextMessage
		if json.Unmarshal(data, &msg) == nil {
			received <- msg
		}
	}()

	msg := primitives.PlainTextMessage{To: "bob-id", Timestamp: 1000, Text: "hi"}
	h.Send(msg)

	ev := pollUntil(t, h, 2*time.Second)
	require.Equal(t, &primitives.Sent{Timestamp: 1000}, ev)

	select {
	case got := <-received:
		require.Equal(t, msg, got)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never received the frame")
	}
}

func TestHandlerReceive(t *testing.T) {
	h, remote := newOpenHandler(t)

	msg := primitives.PlainTextMessage{To: "self", Timestamp: 1000, Text: "hi"}
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	go func() { _ = remote.WriteFrame(payload) }()

	ev := pollUntil(t, h, 2*time.Second)
	require.Equal(t, &msg, ev)
}

func TestHandlerMalformedFrameKeepsStreamOpen(t *testing.T) {
	h, remote := newOpenHandler(t)

	go func() {
		_ = remote.WriteFrame([]byte("this is not json"))
		_ = remote.WriteFrame([]byte(`{"to":"self","timestamp":7,"text":"still here"}`))
	}()

	ev := pollUntil(t, h, 2*time.Second)
	require.Equal(t, &primitives.Error{Kind: primitives.ErrorParse}, ev)

	ev = pollUntil(t, h, 2*time.Second)
	require.Equal(t, &primitives.PlainTextMessage{To: "self", Timestamp: 7, Text: "still here"}, ev)
}

func TestHandlerStreamEndGoesQuiet(t *testing.T) {
	h, remote := newOpenHandler(t)

	require.NoError(t, remote.Close())

	// The stream end produces no event; the handler just goes quiet.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.Nil(t, h.Poll())
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandlerPriorityOrder(t *testing.T) {
	h, remote := newOpenHandler(t)

	// Keep the remote end reading so writes complete.
	frames := make(chan []byte, 4)
	go func() {
		for {
			data, err := remote.ReadFrame()
			if err != nil {
				return
			}
			frames <- data
		}
	}()

	h.Send(primitives.PlainTextMessage{To: "them-id", Timestamp: 42, Text: "queued"})
	// First poll moves the message in flight; wait for the write to land.
	require.Nil(t, h.Poll())
	select {
	case <-frames:
	case <-time.After(2 * time.Second):
		t.Fatal("send never completed")
	}

	require.NoError(t, remote.WriteFrame([]byte(`{"to":"self","timestamp":9,"text":"inbound"}`)))

	// Stage a pending error and fresh metadata behind the completed send.
	h.mu.Lock()
	h.errs = append(h.errs, primitives.ErrorUnreachable)
	h.pendingMeta = &HandshakeMetadata{PeerID: "them-id", Name: "renamed"}
	h.mu.Unlock()

	require.Equal(t, &primitives.Error{Kind: primitives.ErrorUnreachable}, pollUntil(t, h, time.Second))
	require.Equal(t, &primitives.Metadata{PeerID: "them-id", Name: "renamed"}, pollUntil(t, h, time.Second))
	require.Equal(t, &primitives.Sent{Timestamp: 42}, pollUntil(t, h, time.Second))
	require.Equal(t, &primitives.PlainTextMessage{To: "self", Timestamp: 9, Text: "inbound"}, pollUntil(t, h, 2*time.Second))
}

func TestHandlerTimestampCollisionOverwrites(t *testing.T) {
	h, remote := newOpenHandler(t)

	frames := make(chan []byte, 4)
	go func() {
		for {
			data, err := remote.ReadFrame()
			if err != nil {
				return
			}
			frames <- data
		}
	}()

	h.Send(primitives.PlainTextMessage{To: "them-id", Timestamp: 5, Text: "first"})
	h.Send(primitives.PlainTextMessage{To: "them-id", Timestamp: 5, Text: "second"})

	ev := pollUntil(t, h, 2*time.Second)
	require.Equal(t, &primitives.Sent{Timestamp: 5}, ev)

	// Only the later payload reaches the wire.
	select {
	case data := <-frames:
		var msg primitives.PlainTextMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, "second", msg.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("the surviving frame never arrived")
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.Nil(t, h.Poll())
		require.Empty(t, frames, "the superseded payload must not be transmitted")
		time.Sleep(10 * time.Millisecond)
	}
}

type refusingDialer struct {
	mu    sync.Mutex
	calls int
}

func (d *refusingDialer) Negotiate(ctx context.Context, remote peer.ID) (*Framed, HandshakeMetadata, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return nil, HandshakeMetadata{}, errors.New("dial refused")
}

func (d *refusingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestHandlerBackoffSchedule(t *testing.T) {
	mock := clock.NewMock()
	dialer := &refusingDialer{}
	events := make(chan primitives.Event, 16)

	h := NewHandler(testRemote, HandshakeMetadata{PeerID: "self"}, dialer, mock, events)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	h.Send(primitives.PlainTextMessage{To: "them", Timestamp: 1, Text: "x"})

	waitUnreachable := func() {
		t.Helper()
		select {
		case ev := <-events:
			require.Equal(t, &primitives.Error{Kind: primitives.ErrorUnreachable}, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for unreachable error")
		}
	}

	// Immediate dial fails once, then each armed delay doubles: 1, 2, 4,
	// 8, 16, 32 seconds. The next doubling would pass the 120s cap, so
	// after the seventh failure no retry is armed.
	waitUnreachable()
	for _, delay := range []time.Duration{1, 2, 4, 8, 16, 32} {
		mock.Add(delay * time.Second)
		waitUnreachable()
	}
	require.Equal(t, 7, dialer.count())

	mock.Add(1000 * time.Second)
	select {
	case ev := <-events:
		t.Fatalf("retries should have stopped, got %v", ev)
	case <-time.After(200 * time.Millisecond):
	}
	require.Equal(t, 7, dialer.count())
}

func TestHandlerFaultedRecoversOnInboundStream(t *testing.T) {
	mock := clock.NewMock()
	dialer := &refusingDialer{}
	events := make(chan primitives.Event, 16)

	h := NewHandler(testRemote, HandshakeMetadata{PeerID: "self"}, dialer, mock, events)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	h.Send(primitives.PlainTextMessage{To: "them-id", Timestamp: 11, Text: "queued while down"})

	// Exhaust the retry schedule.
	drain := func() {
		select {
		case <-events:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for failure event")
		}
	}
	drain()
	for _, delay := range []time.Duration{1, 2, 4, 8, 16, 32} {
		mock.Add(delay * time.Second)
		drain()
	}

	// The remote side connects to us; the queued message flushes.
	local, remote := newPipePair()
	go func() { _, _ = remote.ReadFrame() }()
	h.AttachStream(local, HandshakeMetadata{PeerID: "them-id", Name: "them"})

	var got []primitives.Event
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, events so far: %v", got)
		}
	}
	require.Equal(t, &primitives.Metadata{PeerID: "them-id", Name: "them"}, got[0])
	require.Equal(t, &primitives.Sent{Timestamp: 11}, got[1])
}

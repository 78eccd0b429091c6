package network

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/hushmesh/hushmesh/pkg/primitives"
)

// startTestNode boots a node with discovery off; peers connect
// explicitly. Decoded events land on the returned channel.
func startTestNode(t *testing.T, name string) (*Network, <-chan primitives.Event) {
	t.Helper()

	events := make(chan primitives.Event, 64)
	callback := func(buf *primitives.ByteBuffer) {
		data, err := buf.IntoBytes()
		if err != nil {
			return
		}
		ev, err := primitives.DecodeEvent(data)
		if err != nil {
			return
		}
		events <- ev
	}

	secret, _, err := GenerateKeypair()
	require.NoError(t, err)

	n, err := StartNetwork(secret, primitives.ByteBufferFromString(name), callback, Config{
		Port:             0,
		DataDir:          t.TempDir(),
		DisableDiscovery: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n, events
}

// waitForEvent pulls events until match accepts one.
func waitForEvent(t *testing.T, events <-chan primitives.Event, what string, match func(primitives.Event) bool) primitives.Event {
	t.Helper()
	deadline := time.After(15 * time.Second)
	for {
		select {
		case ev := <-events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func TestTwoNodesExchangeMessages(t *testing.T) {
	alice, aliceEvents := startTestNode(t, "alice")
	bob, bobEvents := startTestNode(t, "bob")

	require.NotEmpty(t, bob.Addrs())
	require.NoError(t, alice.Connect(bob.Addrs()[0]))

	ok := alice.SendMessage(
		primitives.ByteBufferFromString(bob.ID()),
		primitives.ByteBufferFromString("hello bob"),
		42,
	)
	require.True(t, ok)

	// Alice learns Bob's handshake metadata, then the send confirms.
	meta := waitForEvent(t, aliceEvents, "bob's metadata", func(ev primitives.Event) bool {
		_, ok := ev.(*primitives.Metadata)
		return ok
	})
	require.Equal(t, &primitives.Metadata{PeerID: bob.ID(), Name: "bob"}, meta)

	sent := waitForEvent(t, aliceEvents, "send confirmation", func(ev primitives.Event) bool {
		_, ok := ev.(*primitives.Sent)
		return ok
	})
	require.Equal(t, &primitives.Sent{Timestamp: 42}, sent)

	// Bob sees Alice's metadata from the inbound handshake and then the
	// message itself.
	meta = waitForEvent(t, bobEvents, "alice's metadata", func(ev primitives.Event) bool {
		_, ok := ev.(*primitives.Metadata)
		return ok
	})
	require.Equal(t, &primitives.Metadata{PeerID: alice.ID(), Name: "alice"}, meta)

	msg := waitForEvent(t, bobEvents, "the chat message", func(ev primitives.Event) bool {
		_, ok := ev.(*primitives.PlainTextMessage)
		return ok
	})
	require.Equal(t, &primitives.PlainTextMessage{To: bob.ID(), Timestamp: 42, Text: "hello bob"}, msg)
}

func TestReplyFlowsBack(t *testing.T) {
	alice, aliceEvents := startTestNode(t, "alice")
	bob, bobEvents := startTestNode(t, "bob")

	require.NoError(t, alice.Connect(bob.Addrs()[0]))
	require.True(t, alice.SendMessage(
		primitives.ByteBufferFromString(bob.ID()),
		primitives.ByteBufferFromString("ping"),
		1,
	))
	waitForEvent(t, bobEvents, "the ping", func(ev primitives.Event) bool {
		m, ok := ev.(*primitives.PlainTextMessage)
		return ok && m.Text == "ping"
	})

	// Bob answers over the same negotiated stream.
	require.True(t, bob.SendMessage(
		primitives.ByteBufferFromString(alice.ID()),
		primitives.ByteBufferFromString("pong"),
		2,
	))
	pong := waitForEvent(t, aliceEvents, "the pong", func(ev primitives.Event) bool {
		m, ok := ev.(*primitives.PlainTextMessage)
		return ok && m.Text == "pong"
	})
	require.Equal(t, &primitives.PlainTextMessage{To: alice.ID(), Timestamp: 2, Text: "pong"}, pong)
}

func TestSendMessageWithoutNetwork(t *testing.T) {
	var n *Network
	id := primitives.ByteBufferFromString("some-peer")
	text := primitives.ByteBufferFromString("lost")

	require.False(t, n.SendMessage(id, text, 1))

	// Both buffers were consumed regardless.
	require.ErrorIs(t, id.Release(), primitives.ErrConsumed)
	require.ErrorIs(t, text.Release(), primitives.ErrConsumed)
}

func TestSendMessageNilBufferConsumesTheOther(t *testing.T) {
	var n *Network
	id := primitives.ByteBufferFromString("some-peer")
	require.False(t, n.SendMessage(id, nil, 1))
	require.ErrorIs(t, id.Release(), primitives.ErrConsumed)

	text := primitives.ByteBufferFromString("lost")
	require.False(t, n.SendMessage(nil, text, 1))
	require.ErrorIs(t, text.Release(), primitives.ErrConsumed)
}

func TestSendMessageAfterClose(t *testing.T) {
	n, _ := startTestNode(t, "short-lived")
	require.NoError(t, n.Close())

	ok := n.SendMessage(
		primitives.ByteBufferFromString(n.ID()),
		primitives.ByteBufferFromString("too late"),
		1,
	)
	require.False(t, ok)
}

func TestSendMessageRejectsMalformedPeerID(t *testing.T) {
	n, _ := startTestNode(t, "node")

	ok := n.SendMessage(
		primitives.ByteBufferFromString("not-base58-0OIl"),
		primitives.ByteBufferFromString("hello"),
		1,
	)
	require.False(t, ok)
}

func TestStartNetworkRejectsBadSecret(t *testing.T) {
	_, err := StartNetwork(
		primitives.NewByteBuffer([]byte{1, 2, 3}),
		primitives.ByteBufferFromString("name"),
		nil,
		Config{DisableDiscovery: true},
	)
	require.Error(t, err)
}

func TestGenerateKeypairBuffersAreOneShot(t *testing.T) {
	secret, peerID, err := GenerateKeypair()
	require.NoError(t, err)

	raw, err := secret.IntoBytes()
	require.NoError(t, err)
	require.Len(t, raw, 32)

	_, err = secret.IntoBytes()
	require.ErrorIs(t, err, primitives.ErrConsumed)

	id, err := peerID.IntoBytes()
	require.NoError(t, err)
	require.NotEmpty(t, id)
}

func TestRecentEventsKeepsLastWindow(t *testing.T) {
	n := &Network{
		clk:    clock.New(),
		log:    logrus.WithField("node", "test"),
		recent: primitives.NewRingWindow[primitives.Event](recentEventsSize),
	}

	total := recentEventsSize + 10
	for i := 0; i < total; i++ {
		n.deliver(&primitives.Sent{Timestamp: uint64(i)})
	}

	events := n.RecentEvents()
	require.Len(t, events, recentEventsSize)
	for i, ev := range events {
		want := uint64(total - recentEventsSize + i)
		require.Equal(t, &primitives.Sent{Timestamp: want}, ev, fmt.Sprintf("index %d", i))
	}
}

// Package network runs the swarm: it owns the libp2p host, one chat
// handler per peer, discovery and presence, and bridges everything to
// the host application as serialized events delivered through a
// callback.
package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	libp2pnetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/hushmesh/hushmesh/pkg/chat"
	"github.com/hushmesh/hushmesh/pkg/identity"
	"github.com/hushmesh/hushmesh/pkg/primitives"
)

const (
	// commandBufferSize bounds the host-to-network command channel. A
	// full channel drops commands rather than blocking the caller.
	commandBufferSize = 10
	eventBufferSize   = 64
	// recentEventsSize is how many delivered events stay inspectable
	// after the fact.
	recentEventsSize = 64

	connectTimeout = 30 * time.Second
)

// EventCallback receives every network event, serialized into an
// ownership-transferring buffer. The callback is invoked from the
// network's own goroutine and takes ownership of the buffer.
type EventCallback func(*primitives.ByteBuffer)

// command is one instruction from the host application to the swarm.
type command struct {
	to      peer.ID
	message primitives.PlainTextMessage
}

// Network is a running node: a libp2p host plus the event bridge
// between protocol handlers and the host application.
type Network struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	clk    clock.Clock
	log    *logrus.Entry

	callback  EventCallback
	localMeta chat.HandshakeMetadata
	store     *identity.Store

	commands chan command
	events   chan primitives.Event

	handlersMux sync.Mutex
	handlers    map[peer.ID]*chat.Handler

	knownMux sync.Mutex
	known    map[peer.ID]struct{}

	recentMux sync.Mutex
	recent    *primitives.RingWindow[primitives.Event]

	stopped atomic.Bool
}

// newNetwork builds the host and wires the protocol handlers, but does
// not start the bridge loop or discovery.
func newNetwork(priv crypto.PrivKey, displayName string, callback EventCallback, cfg Config) (*Network, error) {
	ctx, cancel := context.WithCancel(context.Background())

	cm, err := connmgr.NewConnManager(50, 200, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		cancel()
		return nil, err
	}

	var idht *dht.IpfsDHT
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.Port),
			fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", cfg.Port),
		),
		libp2p.Identity(priv),
		libp2p.ConnectionManager(cm),
		libp2p.EnableHolePunching(),
		libp2p.NATPortMap(),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			idht, err = dht.New(ctx, h, dht.Mode(dht.ModeServer))
			return idht, err
		}),
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		h.Close()
		return nil, fmt.Errorf("creating gossipsub: %w", err)
	}

	var store *identity.Store
	if cfg.DataDir != "" {
		store, err = identity.OpenStore(cfg.DataDir)
		if err != nil {
			cancel()
			h.Close()
			return nil, err
		}
	}

	n := &Network{
		host:     h,
		dht:      idht,
		pubsub:   ps,
		ctx:      ctx,
		cancel:   cancel,
		clk:      clock.New(),
		log:      logrus.WithField("node", h.ID().String()),
		callback: callback,
		localMeta: chat.HandshakeMetadata{
			PeerID: h.ID().String(),
			Name:   displayName,
		},
		store:    store,
		commands: make(chan command, commandBufferSize),
		events:   make(chan primitives.Event, eventBufferSize),
		handlers: make(map[peer.ID]*chat.Handler),
		known:    make(map[peer.ID]struct{}),
		recent:   primitives.NewRingWindow[primitives.Event](recentEventsSize),
	}

	h.SetStreamHandler(chat.ProtocolID, n.handleChatStream)
	h.Network().Notify(&libp2pnetwork.NotifyBundle{
		DisconnectedF: n.peerDisconnected,
	})

	n.log.WithField("name", displayName).Info("node created")
	for _, addr := range h.Addrs() {
		n.log.Debugf("listening on %s/p2p/%s", addr, h.ID().String())
	}
	return n, nil
}

// run is the bridge loop. Events drain ahead of commands; when the
// context ends, the swarm is considered gone for good and the node
// flips to stopped.
func (n *Network) run() {
	n.log.Debug("event bridge started")
	for {
		select {
		case ev := <-n.events:
			n.deliver(ev)
			continue
		default:
		}
		select {
		case cmd := <-n.commands:
			n.dispatch(cmd)
			continue
		default:
		}
		select {
		case ev := <-n.events:
			n.deliver(ev)
		case cmd := <-n.commands:
			n.dispatch(cmd)
		case <-n.ctx.Done():
			n.stopped.Store(true)
			n.log.Error("swarm event stream ended, node stopped")
			return
		}
	}
}

// deliver records ev, updates the peer store and hands the serialized
// form to the host callback.
func (n *Network) deliver(ev primitives.Event) {
	n.recentMux.Lock()
	n.recent.Push(ev)
	n.recentMux.Unlock()

	n.recordPeer(ev)

	if n.callback == nil {
		return
	}
	buf, err := primitives.EncodeEventBuffer(ev)
	if err != nil {
		n.log.WithError(err).Error("encoding event for delivery")
		return
	}
	n.callback(buf)
}

// recordPeer mirrors discovery and metadata events into the peer store.
func (n *Network) recordPeer(ev primitives.Event) {
	if n.store == nil {
		return
	}
	var (
		id   string
		name string
	)
	switch e := ev.(type) {
	case *primitives.PeerDiscovered:
		id = e.PeerID
	case *primitives.Metadata:
		id, name = e.PeerID, e.Name
	default:
		return
	}
	pid, err := identity.Parse(id)
	if err != nil {
		n.log.WithError(err).Warn("event carried an unparseable peer id")
		return
	}
	if err := n.store.Upsert(pid, name, n.clk.Now()); err != nil {
		n.log.WithError(err).Error("updating peer store")
	}
}

func (n *Network) dispatch(cmd command) {
	n.handlerFor(cmd.to).Send(cmd.message)
}

// handlerFor returns the chat handler for p, creating and starting one
// on first use.
func (n *Network) handlerFor(p peer.ID) *chat.Handler {
	n.handlersMux.Lock()
	defer n.handlersMux.Unlock()
	if h, ok := n.handlers[p]; ok {
		return h
	}
	h := chat.NewHandler(p, n.localMeta, n, n.clk, n.events)
	n.handlers[p] = h
	go h.Run(n.ctx)
	return h
}

// Negotiate opens an outbound chat stream to remote and completes the
// handshake. It implements chat.Dialer.
func (n *Network) Negotiate(ctx context.Context, remote peer.ID) (*chat.Framed, chat.HandshakeMetadata, error) {
	s, err := n.host.NewStream(ctx, remote, chat.ProtocolID)
	if err != nil {
		return nil, chat.HandshakeMetadata{}, fmt.Errorf("opening chat stream: %w", err)
	}
	f := chat.NewFramed(s)
	meta, err := chat.NegotiateOutbound(f, n.localMeta)
	if err != nil {
		s.Reset()
		return nil, chat.HandshakeMetadata{}, err
	}
	return f, meta, nil
}

// handleChatStream negotiates a stream the peer opened and hands it to
// that peer's handler.
func (n *Network) handleChatStream(s libp2pnetwork.Stream) {
	remote := s.Conn().RemotePeer()
	f := chat.NewFramed(s)
	meta, err := chat.NegotiateInbound(f, n.localMeta)
	if err != nil {
		n.log.WithError(err).WithField("peer", remote.String()).
			Warn("inbound chat negotiation failed")
		s.Reset()
		return
	}
	n.handlerFor(remote).AttachStream(f, meta)
}

// Connect dials a peer given its full multiaddress string.
func (n *Network) Connect(addrStr string) error {
	addr, err := multiaddr.NewMultiaddr(addrStr)
	if err != nil {
		return fmt.Errorf("invalid multiaddress %q: %w", addrStr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(addr)
	if err != nil {
		return fmt.Errorf("multiaddress %q has no peer component: %w", addrStr, err)
	}

	ctx, cancel := context.WithTimeout(n.ctx, connectTimeout)
	defer cancel()
	if err := n.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("connecting to %s: %w", info.ID, err)
	}
	n.markDiscovered(*info, "manual")
	return nil
}

// ID returns this node's peer id in canonical text form.
func (n *Network) ID() string {
	return n.host.ID().String()
}

// Addrs returns the full dialable addresses of this node.
func (n *Network) Addrs() []string {
	var addrs []string
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID().String()))
	}
	return addrs
}

// KnownPeers returns the persisted peer list, most recently seen first.
func (n *Network) KnownPeers() ([]identity.Peer, error) {
	if n.store == nil {
		return nil, nil
	}
	return n.store.List()
}

// RecentEvents returns the last delivered events, oldest first.
func (n *Network) RecentEvents() []primitives.Event {
	n.recentMux.Lock()
	defer n.recentMux.Unlock()

	end := n.recent.Pos()
	start := end - n.recent.Cap()
	if start < 0 {
		start = 0
	}
	events := make([]primitives.Event, 0, end-start)
	for pos := start; pos < end; pos++ {
		if ev, ok := n.recent.Get(pos); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Close shuts the node down. Pending events are dropped.
func (n *Network) Close() error {
	n.stopped.Store(true)
	n.cancel()
	err := n.host.Close()
	if n.store != nil {
		if cerr := n.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

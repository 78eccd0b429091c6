package network

import (
	"context"
	"encoding/json"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pnetwork "github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	discovery "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/util"

	"github.com/hushmesh/hushmesh/pkg/primitives"
)

const (
	// ServiceName tags mDNS announcements on the local network.
	ServiceName = "hushmesh"
	// GlobalNamespace is the DHT rendezvous key all nodes advertise under.
	GlobalNamespace = "hushmesh-global"
	// presenceTopic carries self-announcements of peer id and display name.
	presenceTopic = "hushmesh-presence-v1"

	findPeersInterval = 30 * time.Second
	presenceInterval  = 1 * time.Minute
)

// presenceAnnouncement is the gossip payload each node publishes about
// itself.
type presenceAnnouncement struct {
	PeerID string `json:"peer_id"`
	Name   string `json:"name"`
}

// startDiscovery launches mDNS, DHT rendezvous discovery and the
// presence gossip loops.
func (n *Network) startDiscovery() error {
	svc := mdns.NewMdnsService(n.host, ServiceName, &mdnsNotifee{n: n})
	if err := svc.Start(); err != nil {
		return err
	}

	if err := n.dht.Bootstrap(n.ctx); err != nil {
		n.log.WithError(err).Warn("dht bootstrap")
	}
	go n.globalDiscoveryLoop()

	return n.startPresence()
}

// globalDiscoveryLoop advertises under the global namespace and
// periodically walks the DHT for other nodes.
func (n *Network) globalDiscoveryLoop() {
	routingDiscovery := discovery.NewRoutingDiscovery(n.dht)
	util.Advertise(n.ctx, routingDiscovery, GlobalNamespace)

	ticker := n.clk.Ticker(findPeersInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			peerChan, err := routingDiscovery.FindPeers(n.ctx, GlobalNamespace)
			if err != nil {
				continue
			}
			for p := range peerChan {
				n.markDiscovered(p, "dht")
			}
		}
	}
}

// markDiscovered registers a peer seen by any discovery source. The
// first sighting emits a discovery event and dials the peer; repeats
// are ignored until the peer goes away.
func (n *Network) markDiscovered(p peer.AddrInfo, source string) {
	if p.ID == n.host.ID() || len(p.Addrs) == 0 {
		return
	}

	n.knownMux.Lock()
	if _, exists := n.known[p.ID]; exists {
		n.knownMux.Unlock()
		return
	}
	n.known[p.ID] = struct{}{}
	n.knownMux.Unlock()

	n.log.WithField("peer", p.ID.String()).Debugf("peer discovered via %s", source)
	n.emit(&primitives.PeerDiscovered{PeerID: p.ID.String()})

	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, connectTimeout)
		defer cancel()
		if err := n.host.Connect(ctx, p); err != nil {
			n.log.WithError(err).WithField("peer", p.ID.String()).
				Debug("connecting to discovered peer")
		}
	}()
}

// peerDisconnected fires on every closed connection; once the last
// connection to a peer drops, the peer is reported gone.
func (n *Network) peerDisconnected(net libp2pnetwork.Network, conn libp2pnetwork.Conn) {
	p := conn.RemotePeer()
	if net.Connectedness(p) == libp2pnetwork.Connected {
		return
	}

	n.knownMux.Lock()
	_, existed := n.known[p]
	delete(n.known, p)
	n.knownMux.Unlock()

	if existed {
		n.emit(&primitives.PeerGone{PeerID: p.String()})
	}
}

// startPresence joins the presence topic, announces this node on a
// timer and relays announcements from other nodes as metadata events.
func (n *Network) startPresence() error {
	topic, err := n.pubsub.Join(presenceTopic)
	if err != nil {
		return err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return err
	}

	go n.announceLoop(topic)
	go n.presenceLoop(sub)
	return nil
}

func (n *Network) announceLoop(topic *pubsub.Topic) {
	announce := func() {
		payload, err := json.Marshal(presenceAnnouncement{
			PeerID: n.localMeta.PeerID,
			Name:   n.localMeta.Name,
		})
		if err != nil {
			n.log.WithError(err).Error("encoding presence announcement")
			return
		}
		if err := topic.Publish(n.ctx, payload); err != nil {
			n.log.WithError(err).Debug("publishing presence")
		}
	}

	announce()
	ticker := n.clk.Ticker(presenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			announce()
		}
	}
}

func (n *Network) presenceLoop(sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		var ann presenceAnnouncement
		if err := json.Unmarshal(msg.Data, &ann); err != nil {
			n.log.WithError(err).Debug("malformed presence announcement")
			continue
		}
		n.emit(&primitives.Metadata{PeerID: ann.PeerID, Name: ann.Name})
	}
}

// emit queues ev for the bridge loop, blocking only until shutdown.
func (n *Network) emit(ev primitives.Event) {
	select {
	case n.events <- ev:
	case <-n.ctx.Done():
	}
}

// mdnsNotifee feeds local-network discoveries into the shared peer
// tracking.
type mdnsNotifee struct {
	n *Network
}

func (m *mdnsNotifee) HandlePeerFound(p peer.AddrInfo) {
	m.n.markDiscovered(p, "mdns")
}

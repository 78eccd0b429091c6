package network

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/hushmesh/hushmesh/pkg/identity"
	"github.com/hushmesh/hushmesh/pkg/primitives"
)

// Config carries the host application's node settings.
type Config struct {
	// Port is the TCP and QUIC listen port; 0 picks free ports.
	Port int
	// DataDir holds the peer database. Empty disables persistence.
	DataDir string
	// EnableLogs turns log output on; without it the node is silent.
	EnableLogs bool
	// LogLevel is a logrus level name ("debug", "info", ...). Ignored
	// unless EnableLogs is set; defaults to info.
	LogLevel string
	// BootstrapPeers are multiaddresses dialed at startup.
	BootstrapPeers []string
	// DisableDiscovery turns off mDNS, DHT discovery and presence
	// gossip. Peers must then be connected explicitly.
	DisableDiscovery bool
}

// StartNetwork boots a node from an identity secret and display name
// and starts delivering events to callback. Both buffers are consumed.
// The returned Network is the handle for every later interaction with
// the node.
func StartNetwork(secretKey, displayName *primitives.ByteBuffer, callback EventCallback, cfg Config) (*Network, error) {
	configureLogging(cfg)

	if secretKey == nil || displayName == nil {
		return nil, errors.New("secret key and display name are required")
	}
	secret, err := secretKey.IntoBytes()
	if err != nil {
		FreeBuffer(displayName)
		return nil, fmt.Errorf("taking secret key: %w", err)
	}
	name, err := displayName.IntoString()
	if err != nil {
		return nil, fmt.Errorf("taking display name: %w", err)
	}

	priv, err := identity.SecretFromBytes(secret)
	if err != nil {
		return nil, err
	}

	n, err := newNetwork(priv, name, callback, cfg)
	if err != nil {
		return nil, err
	}

	if !cfg.DisableDiscovery {
		if err := n.startDiscovery(); err != nil {
			n.Close()
			return nil, fmt.Errorf("starting discovery: %w", err)
		}
	}
	for _, addr := range cfg.BootstrapPeers {
		if err := n.Connect(addr); err != nil {
			n.log.WithError(err).Warn("bootstrap peer unreachable")
		}
	}

	go n.run()
	return n, nil
}

// SendMessage queues a chat message for the peer identified by peerID.
// Both buffers are consumed. It reports whether the command was
// accepted; a full command queue still counts as accepted, the command
// is dropped with a log line. It never blocks.
func (n *Network) SendMessage(peerID, text *primitives.ByteBuffer, timestamp uint64) bool {
	if peerID == nil || text == nil {
		FreeBuffer(peerID)
		FreeBuffer(text)
		return false
	}
	if n == nil || n.stopped.Load() {
		FreeBuffer(peerID)
		FreeBuffer(text)
		logrus.Error("send requested but the network is not running")
		return false
	}

	idText, err := peerID.IntoString()
	if err != nil {
		FreeBuffer(text)
		n.log.WithError(err).Error("taking peer id for send")
		return false
	}
	body, err := text.IntoString()
	if err != nil {
		n.log.WithError(err).Error("taking message text for send")
		return false
	}

	pid, err := identity.Parse(idText)
	if err != nil {
		n.log.WithError(err).Error("send to malformed peer id")
		return false
	}
	remote, err := pid.ToLibp2p()
	if err != nil {
		n.log.WithError(err).Error("send to undialable peer id")
		return false
	}

	cmd := command{
		to: remote,
		message: primitives.PlainTextMessage{
			To:        idText,
			Timestamp: timestamp,
			Text:      body,
		},
	}
	select {
	case n.commands <- cmd:
	default:
		n.log.WithField("timestamp", timestamp).
			Error("command queue full, dropping message")
	}
	return true
}

// GenerateKeypair creates a fresh identity. It returns the raw secret
// key and the raw peer id, each in its own ownership-transferring
// buffer.
func GenerateKeypair() (secretKey, peerID *primitives.ByteBuffer, err error) {
	secret, pid, err := identity.GenerateSecret()
	if err != nil {
		return nil, nil, err
	}
	raw, err := pid.Bytes()
	if err != nil {
		return nil, nil, err
	}
	return primitives.NewByteBuffer(secret), primitives.NewByteBuffer(raw), nil
}

// FreeBuffer releases a buffer without reading it. Releasing nil or an
// already consumed buffer is harmless.
func FreeBuffer(buf *primitives.ByteBuffer) {
	if buf == nil {
		return
	}
	if err := buf.Release(); err != nil {
		logrus.WithError(err).Debug("releasing an already consumed buffer")
	}
}

// configureLogging applies the host application's logging choice
// process-wide.
func configureLogging(cfg Config) {
	if !cfg.EnableLogs {
		logrus.SetOutput(io.Discard)
		return
	}
	logrus.SetOutput(os.Stderr)
	level := logrus.InfoLevel
	if cfg.LogLevel != "" {
		parsed, err := logrus.ParseLevel(cfg.LogLevel)
		if err == nil {
			level = parsed
		}
	}
	logrus.SetLevel(level)
}

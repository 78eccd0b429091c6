// Package chat implements the direct chat protocol spoken between two
// peers: handshake negotiation, length-prefixed JSON frames and the
// per-connection handler state machine.
package chat

import (
	"encoding/json"
	"fmt"
)

// ProtocolID identifies the chat protocol on the swarm's multistream
// negotiation.
const ProtocolID = "/hushmesh/chat/1.0.0"

// HandshakeMetadata is the record each side announces when a chat stream
// is negotiated.
type HandshakeMetadata struct {
	PeerID string `json:"peer_id"`
	Name   string `json:"name"`
}

// NegotiateOutbound completes the handshake on a stream we opened: our
// metadata frame goes first, the peer's comes back.
func NegotiateOutbound(f *Framed, local HandshakeMetadata) (HandshakeMetadata, error) {
	if err := writeMetadata(f, local); err != nil {
		return HandshakeMetadata{}, err
	}
	return readMetadata(f)
}

// NegotiateInbound completes the handshake on a stream the peer opened:
// their metadata frame arrives first, ours answers.
func NegotiateInbound(f *Framed, local HandshakeMetadata) (HandshakeMetadata, error) {
	meta, err := readMetadata(f)
	if err != nil {
		return HandshakeMetadata{}, err
	}
	if err := writeMetadata(f, local); err != nil {
		return HandshakeMetadata{}, err
	}
	return meta, nil
}

func writeMetadata(f *Framed, meta HandshakeMetadata) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding handshake metadata: %w", err)
	}
	if err := f.WriteFrame(payload); err != nil {
		return fmt.Errorf("sending handshake metadata: %w", err)
	}
	return nil
}

func readMetadata(f *Framed) (HandshakeMetadata, error) {
	payload, err := f.ReadFrame()
	if err != nil {
		return HandshakeMetadata{}, fmt.Errorf("receiving handshake metadata: %w", err)
	}
	var meta HandshakeMetadata
	if err := json.Unmarshal(payload, &meta); err != nil {
		return HandshakeMetadata{}, fmt.Errorf("decoding handshake metadata: %w", err)
	}
	return meta, nil
}

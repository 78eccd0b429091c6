// Package identity handles peer identities: the base58 text codec, the
// secp256k1 identity key and the relational peer store.
package identity

import (
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/mr-tron/base58"
)

// PeerID is a peer's addressable identity. The base58 text form is
// canonical; the raw byte form is its base58 decoding.
type PeerID string

// Parse validates s as base58 text and returns it as a PeerID.
func Parse(s string) (PeerID, error) {
	if s == "" {
		return "", fmt.Errorf("empty peer id")
	}
	if _, err := base58.Decode(s); err != nil {
		return "", fmt.Errorf("invalid base58 peer id %q: %w", s, err)
	}
	return PeerID(s), nil
}

// FromBytes derives the text form from raw identity bytes.
func FromBytes(b []byte) PeerID {
	return PeerID(base58.Encode(b))
}

// FromLibp2p converts a swarm-level peer id.
func FromLibp2p(id peer.ID) PeerID {
	return PeerID(id.String())
}

func (p PeerID) String() string {
	return string(p)
}

// Bytes returns the raw identity bytes.
func (p PeerID) Bytes() ([]byte, error) {
	b, err := base58.Decode(string(p))
	if err != nil {
		return nil, fmt.Errorf("invalid base58 peer id %q: %w", string(p), err)
	}
	return b, nil
}

// ToLibp2p converts to a swarm-level peer id for dialing and routing.
func (p PeerID) ToLibp2p() (peer.ID, error) {
	id, err := peer.Decode(string(p))
	if err != nil {
		return "", fmt.Errorf("peer id %q is not a valid libp2p id: %w", string(p), err)
	}
	return id, nil
}

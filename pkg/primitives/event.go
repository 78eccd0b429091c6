package primitives

import (
	"encoding/json"
	"fmt"
)

// EventTag discriminates the closed set of domain events crossing the
// embedding boundary.
type EventTag string

const (
	TagPlainTextMessage EventTag = "plain_text_message"
	TagMetadata         EventTag = "metadata"
	TagPeerDiscovered   EventTag = "peer_discovered"
	TagPeerGone         EventTag = "peer_gone"
	TagSent             EventTag = "sent"
	TagError            EventTag = "error"
)

// eventSchemaVersion is bumped whenever a payload shape changes.
const eventSchemaVersion = 1

// ErrorKind classifies protocol errors surfaced as Error events.
type ErrorKind string

const (
	// ErrorUnreachable: protocol negotiation with the peer failed.
	ErrorUnreachable ErrorKind = "unreachable"
	// ErrorNetwork: I/O failure on an open stream.
	ErrorNetwork ErrorKind = "network"
	// ErrorParse: a frame arrived but its payload was malformed.
	ErrorParse ErrorKind = "parse"
)

// Event is one outward-facing occurrence, consumed once by the host
// application's callback. The variant set is closed.
type Event interface {
	EventTag() EventTag
}

// PlainTextMessage is one chat message. The timestamp doubles as the
// message id on the wire and in Sent events.
type PlainTextMessage struct {
	To        string `json:"to"`
	Timestamp uint64 `json:"timestamp"`
	Text      string `json:"text"`
}

func (PlainTextMessage) EventTag() EventTag { return TagPlainTextMessage }

// Metadata carries the handshake record a peer announced for itself.
type Metadata struct {
	PeerID string `json:"peer_id"`
	Name   string `json:"name"`
}

func (Metadata) EventTag() EventTag { return TagMetadata }

// PeerDiscovered reports a newly reachable peer.
type PeerDiscovered struct {
	PeerID string `json:"peer_id"`
}

func (PeerDiscovered) EventTag() EventTag { return TagPeerDiscovered }

// PeerGone reports that a peer is no longer reachable.
type PeerGone struct {
	PeerID string `json:"peer_id"`
}

func (PeerGone) EventTag() EventTag { return TagPeerGone }

// Sent confirms that the outbound message identified by Timestamp has been
// written to the peer's stream.
type Sent struct {
	Timestamp uint64 `json:"timestamp"`
}

func (Sent) EventTag() EventTag { return TagSent }

// Error surfaces a recoverable protocol error.
type Error struct {
	Kind ErrorKind `json:"kind"`
}

func (Error) EventTag() EventTag { return TagError }

// envelope is the wire form of an event: a stable discriminant plus a
// schema-versioned payload.
type envelope struct {
	Version int             `json:"v"`
	Tag     EventTag        `json:"tag"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvent serializes ev into its boundary wire form. Encoding is total
// over the closed variant set.
func EncodeEvent(ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", ev.EventTag(), err)
	}
	return json.Marshal(envelope{
		Version: eventSchemaVersion,
		Tag:     ev.EventTag(),
		Payload: payload,
	})
}

// EncodeEventBuffer encodes ev into a fresh ownership-transferring buffer,
// ready to hand to the host callback.
func EncodeEventBuffer(ev Event) (*ByteBuffer, error) {
	data, err := EncodeEvent(ev)
	if err != nil {
		return nil, err
	}
	return NewByteBuffer(data), nil
}

// DecodeEvent parses the boundary wire form back into an event. The
// payload is validated eagerly; malformed bytes, an unknown tag or an
// unsupported schema version fail with a decode error.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}
	if env.Version != eventSchemaVersion {
		return nil, fmt.Errorf("unsupported event schema version %d", env.Version)
	}
	var ev Event
	switch env.Tag {
	case TagPlainTextMessage:
		ev = &PlainTextMessage{}
	case TagMetadata:
		ev = &Metadata{}
	case TagPeerDiscovered:
		ev = &PeerDiscovered{}
	case TagPeerGone:
		ev = &PeerGone{}
	case TagSent:
		ev = &Sent{}
	case TagError:
		ev = &Error{}
	default:
		return nil, fmt.Errorf("unknown event tag %q", env.Tag)
	}
	if err := json.Unmarshal(env.Payload, ev); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", env.Tag, err)
	}
	return ev, nil
}

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"

	"github.com/hushmesh/hushmesh/pkg/primitives"
)

const (
	initialRetry     = 1 * time.Second
	retryExp         = 2
	maxRetry         = 120 * time.Second
	negotiateTimeout = 15 * time.Second
)

// Dialer opens and negotiates an outbound chat stream to a peer.
type Dialer interface {
	Negotiate(ctx context.Context, remote peer.ID) (*Framed, HandshakeMetadata, error)
}

// connState tracks one connection's protocol progress.
type connState int

const (
	// stateNegotiating: no stream yet, dialing allowed.
	stateNegotiating connState = iota
	// stateWaitingRetry: negotiation failed, backoff timer armed.
	stateWaitingRetry
	// stateFaulted: backoff exhausted; only an inbound stream recovers.
	stateFaulted
	stateOpen
	stateClosed
)

type sendOp struct {
	timestamp uint64
	payload   []byte
	done      chan struct{}
	err       error
}

type frameResult struct {
	data []byte
	err  error
}

// Handler is the protocol state machine for one peer connection. It owns
// the negotiated stream, the outbound queue, the in-flight sends and the
// retry backoff, and turns protocol activity into domain events.
type Handler struct {
	remote peer.ID
	local  HandshakeMetadata
	dialer Dialer
	clk    clock.Clock
	events chan<- primitives.Event
	log    *logrus.Entry

	mu            sync.Mutex
	state         connState
	stream        *Framed
	pendingMeta   *HandshakeMetadata
	queued        []primitives.PlainTextMessage
	writeQueue    []*sendOp
	inflight      map[uint64]*sendOp
	inflightOrder []uint64
	errs          []primitives.ErrorKind
	retryTimer    *clock.Timer
	retryDelay    time.Duration

	inbound   chan frameResult
	wake      chan struct{}
	writeWake chan struct{}
}

// NewHandler creates the handler for remote. Events it produces are
// pushed onto events in priority order, one per scheduling turn.
func NewHandler(remote peer.ID, local HandshakeMetadata, dialer Dialer, clk clock.Clock, events chan<- primitives.Event) *Handler {
	return &Handler{
		remote:     remote,
		local:      local,
		dialer:     dialer,
		clk:        clk,
		events:     events,
		log:        logrus.WithField("peer", remote.String()),
		inflight:   make(map[uint64]*sendOp),
		retryDelay: initialRetry,
		inbound:    make(chan frameResult, 16),
		wake:       make(chan struct{}, 1),
		writeWake:  make(chan struct{}, 1),
	}
}

// Send queues message for delivery. It never blocks and gives no
// backpressure signal. Two sends sharing a timestamp collapse to one
// in-flight entry: the later payload wins, the superseded one is pulled
// from the write queue if still unwritten, and a single sent event fires.
func (h *Handler) Send(message primitives.PlainTextMessage) {
	h.mu.Lock()
	h.queued = append(h.queued, message)
	h.mu.Unlock()
	h.signalWake()
}

// Run drives the handler until ctx is done: dial when a stream is needed,
// surface every ready event, then wait for the next wake-up or retry.
func (h *Handler) Run(ctx context.Context) {
	for {
		h.maybeDial(ctx)
		for {
			ev := h.Poll()
			if ev == nil {
				break
			}
			select {
			case h.events <- ev:
			case <-ctx.Done():
				return
			}
		}

		h.mu.Lock()
		var retryC <-chan time.Time
		if h.retryTimer != nil {
			retryC = h.retryTimer.C
		}
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-h.wake:
		case <-retryC:
			h.mu.Lock()
			h.retryTimer = nil
			if h.state == stateWaitingRetry {
				h.state = stateNegotiating
			}
			h.mu.Unlock()
		}
	}
}

// Poll executes one scheduling turn and returns the first ready event, or
// nil. Priority is fixed: pending errors, negotiated metadata, completed
// sends, moving queued messages in flight, then at most one inbound frame.
func (h *Handler) Poll() primitives.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.errs) > 0 {
		kind := h.errs[0]
		h.errs = h.errs[1:]
		return &primitives.Error{Kind: kind}
	}

	if h.pendingMeta != nil {
		meta := *h.pendingMeta
		h.pendingMeta = nil
		return &primitives.Metadata{PeerID: meta.PeerID, Name: meta.Name}
	}

	if h.stream == nil {
		return nil
	}

	for i, ts := range h.inflightOrder {
		op := h.inflight[ts]
		select {
		case <-op.done:
			if op.err != nil {
				h.log.WithError(op.err).Error("writing chat message failed")
			} else {
				h.log.WithField("timestamp", ts).Debug("chat message sent")
			}
			delete(h.inflight, ts)
			h.inflightOrder = append(h.inflightOrder[:i], h.inflightOrder[i+1:]...)
			return &primitives.Sent{Timestamp: ts}
		default:
		}
	}

	for _, msg := range h.queued {
		payload, err := json.Marshal(msg)
		if err != nil {
			h.log.WithError(err).Error("encoding chat message failed")
			continue
		}
		op := &sendOp{timestamp: msg.Timestamp, payload: payload, done: make(chan struct{})}
		if old, exists := h.inflight[msg.Timestamp]; exists {
			h.dropInflightOrder(msg.Timestamp)
			h.dropQueuedWrite(old)
		}
		h.inflight[msg.Timestamp] = op
		h.inflightOrder = append(h.inflightOrder, msg.Timestamp)
		h.writeQueue = append(h.writeQueue, op)
		h.log.WithField("timestamp", msg.Timestamp).Debug("sending chat message")
	}
	if len(h.queued) > 0 {
		h.queued = nil
		h.signalWriteWake()
	}

	select {
	case res := <-h.inbound:
		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				h.log.Debug("chat stream closed")
				h.state = stateClosed
				h.signalWriteWake()
				return nil
			}
			h.log.WithError(res.err).Error("chat stream read failed")
			return &primitives.Error{Kind: primitives.ErrorNetwork}
		}
		var msg primitives.PlainTextMessage
		if err := json.Unmarshal(res.data, &msg); err != nil {
			h.log.WithError(err).Error("malformed chat frame")
			return &primitives.Error{Kind: primitives.ErrorParse}
		}
		h.log.WithField("timestamp", msg.Timestamp).Debug("received chat message")
		return &msg
	default:
	}

	return nil
}

// AttachStream installs a fully negotiated stream. Inbound and outbound
// negotiation results get identical treatment. A connection only ever
// carries one chat stream; extras are closed.
func (h *Handler) AttachStream(f *Framed, meta HandshakeMetadata) {
	h.mu.Lock()
	if h.stream != nil {
		h.mu.Unlock()
		if err := f.Close(); err != nil {
			h.log.WithError(err).Debug("closing duplicate chat stream")
		}
		return
	}
	h.stream = f
	m := meta
	h.pendingMeta = &m
	h.state = stateOpen
	h.retryTimer = nil
	h.retryDelay = initialRetry
	h.mu.Unlock()

	go h.writeLoop(f)
	go h.readLoop(f)
	h.signalWake()
}

// maybeDial performs outbound negotiation when a stream is wanted: there
// is none, messages are queued, and no backoff is pending.
func (h *Handler) maybeDial(ctx context.Context) {
	h.mu.Lock()
	wanted := h.state == stateNegotiating && h.stream == nil &&
		len(h.queued) > 0 && h.dialer != nil
	h.mu.Unlock()
	if !wanted {
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, negotiateTimeout)
	f, meta, err := h.dialer.Negotiate(dialCtx, h.remote)
	cancel()
	if err != nil {
		h.negotiationFailed(err)
		return
	}
	h.AttachStream(f, meta)
}

// negotiationFailed arms the retry backoff: the current delay is doubled
// after each consecutive failure; when the doubled delay would exceed the
// cap, the delay resets to the initial value and no further retry is
// armed until a fresh failure sequence begins.
func (h *Handler) negotiationFailed(err error) {
	h.mu.Lock()
	if h.stream != nil {
		// An inbound stream won the race; the failed dial is moot.
		h.mu.Unlock()
		return
	}
	h.log.WithError(err).Error("chat negotiation failed")
	h.errs = append(h.errs, primitives.ErrorUnreachable)

	delay := h.retryDelay
	h.retryDelay *= retryExp
	if h.retryDelay > maxRetry {
		h.retryDelay = initialRetry
		h.retryTimer = nil
		h.state = stateFaulted
	} else {
		h.retryTimer = h.clk.Timer(delay)
		h.state = stateWaitingRetry
	}
	h.mu.Unlock()
	h.signalWake()
}

func (h *Handler) writeLoop(f *Framed) {
	for {
		h.mu.Lock()
		var op *sendOp
		if len(h.writeQueue) > 0 {
			op = h.writeQueue[0]
			h.writeQueue = h.writeQueue[1:]
		}
		closed := h.state == stateClosed
		h.mu.Unlock()

		if op == nil {
			if closed {
				return
			}
			<-h.writeWake
			continue
		}
		op.err = f.WriteFrame(op.payload)
		close(op.done)
		h.signalWake()
	}
}

func (h *Handler) readLoop(f *Framed) {
	for {
		data, err := f.ReadFrame()
		h.inbound <- frameResult{data: data, err: err}
		h.signalWake()
		if err != nil {
			h.signalWriteWake()
			return
		}
	}
}

// dropQueuedWrite removes a superseded send before it reaches the wire.
// Best effort: an op the writer already took has left the queue.
func (h *Handler) dropQueuedWrite(op *sendOp) {
	for i, queued := range h.writeQueue {
		if queued == op {
			h.writeQueue = append(h.writeQueue[:i], h.writeQueue[i+1:]...)
			return
		}
	}
}

func (h *Handler) dropInflightOrder(ts uint64) {
	for i, v := range h.inflightOrder {
		if v == ts {
			h.inflightOrder = append(h.inflightOrder[:i], h.inflightOrder[i+1:]...)
			return
		}
	}
}

func (h *Handler) signalWake() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

func (h *Handler) signalWriteWake() {
	select {
	case h.writeWake <- struct{}{}:
	default:
	}
}

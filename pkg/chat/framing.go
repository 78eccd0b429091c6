package chat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame's payload. Chat messages are short;
// anything near this limit is a protocol violation.
const maxFrameSize = 1 << 20

// ErrFrameTooLarge is returned for frames exceeding maxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// Framed reads and writes length-prefixed frames (4-byte big-endian
// length followed by the payload) over a byte stream.
type Framed struct {
	rw io.ReadWriter
}

// NewFramed wraps rw with the frame codec.
func NewFramed(rw io.ReadWriter) *Framed {
	return &Framed{rw: rw}
}

// WriteFrame writes one frame. Safe for a single writer only.
func (f *Framed) WriteFrame(payload []byte) error {
	if len(payload) > maxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := f.rw.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := f.rw.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads the next complete frame. A clean end of stream before a
// header surfaces as io.EOF; an end mid-frame as io.ErrUnexpectedEOF.
func (f *Framed) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(f.rw, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(f.rw, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

// Close closes the underlying stream when it supports closing.
func (f *Framed) Close() error {
	if c, ok := f.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

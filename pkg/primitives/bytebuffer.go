package primitives

import (
	"errors"
	"sync/atomic"
	"unicode/utf8"
)

// ErrConsumed is returned when a ByteBuffer is read or released twice.
var ErrConsumed = errors.New("byte buffer already consumed")

// ErrInvalidUTF8 is returned when a buffer's bytes are not valid UTF-8 text.
var ErrInvalidUTF8 = errors.New("byte buffer is not valid utf-8")

// ByteBuffer is a byte payload whose ownership is handed across the
// embedding boundary. Constructing one adopts the backing slice without
// copying; the caller must not touch the slice afterwards. A buffer can be
// consumed exactly once, through IntoBytes, IntoString or Release. Any
// second use fails with ErrConsumed.
type ByteBuffer struct {
	data     []byte
	consumed atomic.Bool
}

// NewByteBuffer adopts b. The slice must not be reused by the caller.
func NewByteBuffer(b []byte) *ByteBuffer {
	return &ByteBuffer{data: b}
}

// ByteBufferFromString adopts the bytes of s.
func ByteBufferFromString(s string) *ByteBuffer {
	return NewByteBuffer([]byte(s))
}

// Len reports the payload length without consuming the buffer.
func (b *ByteBuffer) Len() int {
	return len(b.data)
}

// IntoBytes consumes the buffer and returns its bytes.
func (b *ByteBuffer) IntoBytes() ([]byte, error) {
	if !b.consumed.CompareAndSwap(false, true) {
		return nil, ErrConsumed
	}
	data := b.data
	b.data = nil
	return data, nil
}

// IntoString consumes the buffer and returns its bytes as a UTF-8 string.
// The buffer is released even when validation fails.
func (b *ByteBuffer) IntoString() (string, error) {
	data, err := b.IntoBytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", ErrInvalidUTF8
	}
	return string(data), nil
}

// Release consumes the buffer without reading it. Buffers handed to a
// caller that are not consumed through IntoBytes or IntoString must be
// released exactly once.
func (b *ByteBuffer) Release() error {
	if !b.consumed.CompareAndSwap(false, true) {
		return ErrConsumed
	}
	b.data = nil
	return nil
}

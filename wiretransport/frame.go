// Package wiretransport implements the length-prefixed framed stream
// (spec.md §4.1, C1): a 4-byte big-endian length prefix followed by that
// many bytes of payload, one frame being the atomic unit of delivery.
// This is the raw framed-TCP wire format the updater control channel runs
// over.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package wiretransport

import (
	"encoding/binary"
	"errors"
	"io"
	"net"

	"github.com/NVIDIA/psvcd/internal/cos"
)

// MaxFrameSize is the frame ceiling the spec fixes at 64 KiB (§3, §8).
const MaxFrameSize = 65536

const headerSize = 4

// ErrEmptyFrame is returned when a caller attempts to send a zero-length
// payload; frame size 0 is explicitly rejected (spec.md §8 boundary law).
var ErrEmptyFrame = errors.New("transport: frame payload must be nonempty")

// ErrOversizeFrame is returned when a payload exceeds MaxFrameSize.
var ErrOversizeFrame = errors.New("transport: frame payload exceeds 65536 bytes")

// Conn wraps a net.Conn with the framing protocol. It is safe for one
// concurrent reader and one concurrent writer (the usual net.Conn
// discipline); it is not safe for concurrent writers among themselves, or
// concurrent readers among themselves — callers serialize at a higher layer
// (each endpoint socket has exactly one reader goroutine and serializes
// its writes).
type Conn struct {
	nc net.Conn
}

// NewConn wraps an already-established net.Conn.
func NewConn(nc net.Conn) *Conn { return &Conn{nc: nc} }

// Raw exposes the underlying net.Conn (for deadlines, local/remote addr).
func (c *Conn) Raw() net.Conn { return c.nc }

// WriteFrame writes one length-prefixed frame. payload must be 1..MaxFrameSize
// bytes; larger application payloads must be chunked by the caller into
// multiple frames (spec.md §4.1 — JSON envelopes must fit in one frame and
// are rejected otherwise; file payloads use the multi-frame sub-protocol,
// SendFile/RecvFileFrames in this package, instead of this single-shot
// call).
func (c *Conn) WriteFrame(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > MaxFrameSize {
		return ErrOversizeFrame
	}
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := c.nc.Write(hdr[:]); err != nil {
		return cos.NewErrTransport("write header: %v", err)
	}
	if _, err := c.nc.Write(payload); err != nil {
		return cos.NewErrTransport("write payload: %v", err)
	}
	return nil
}

// ReadFrame blocks for exactly one frame and returns its payload. io.EOF is
// returned verbatim when the peer closes cleanly at a header boundary (spec
// calls this an "IncompleteRead at header boundary" and treats it as a
// normal close, not a failure); any other short read or an out-of-range
// length fails the connection with a TransportError.
func (c *Conn) ReadFrame() ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(c.nc, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, cos.NewErrTransport("read header: %v", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n < 1 || n > MaxFrameSize {
		return nil, cos.NewErrTransport("frame length %d out of range [1,%d]", n, MaxFrameSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.nc, payload); err != nil {
		return nil, cos.NewErrTransport("read payload (%d bytes): %v", n, err)
	}
	return payload, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

package wiretransport

import (
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/NVIDIA/psvcd/internal/cos"
)

// SendFile implements the sender side of the file-transfer sub-protocol
// (spec.md §4.5): one frame carrying the decimal ASCII size, then content
// frames of at most MaxFrameSize each, until size bytes have been sent.
func (c *Conn) SendFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if err := c.WriteFrame([]byte(strconv.FormatInt(size, 10))); err != nil {
		return err
	}

	buf := make([]byte, MaxFrameSize)
	var sent int64
	for sent < size {
		n, rerr := f.Read(buf)
		if n > 0 {
			if werr := c.WriteFrame(buf[:n]); werr != nil {
				return werr
			}
			sent += int64(n)
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return rerr
		}
	}
	if sent != size {
		return cos.NewErrTransport("sent %d bytes, file stat reported %d", sent, size)
	}
	return nil
}

// RecvFile implements the receiver side: reads the declared size frame,
// then content frames until their sum equals the declared size (overrun is
// an error), writing to target, creating any required parent directories.
//
// Reads its frames directly off the conn via ReadFrame. Only safe when
// nothing else is concurrently reading the same conn; a caller that
// already has a dedicated per-conn reader loop (endpoint.Endpoint) must
// use RecvFileFrames instead so the file transfer's frames flow through
// that same single reader.
func (c *Conn) RecvFile(target string) (int64, error) {
	return RecvFileFrames(c.ReadFrame, target)
}

// RecvFileFrames is RecvFile's receiver logic factored over an arbitrary
// frame source instead of a *Conn directly, so a caller that already owns
// the one goroutine allowed to read a given conn (endpoint's per-socket
// readLoop, draining into a queue) can drive the file-transfer
// sub-protocol by popping from that same queue rather than racing a
// second reader against ReadFrame on the raw conn.
func RecvFileFrames(next func() ([]byte, error), target string) (int64, error) {
	sizeFrame, err := next()
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(string(sizeFrame), 10, 64)
	if err != nil {
		return 0, cos.NewErrProtocol("file size frame %q is not decimal ASCII: %v", sizeFrame, err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	var received int64
	for received < size {
		payload, ferr := next()
		if ferr != nil {
			return received, ferr
		}
		if received+int64(len(payload)) > size {
			return received, cos.NewErrTransport(
				"file transfer overrun: received %d + %d exceeds declared size %d",
				received, len(payload), size)
		}
		if _, werr := out.Write(payload); werr != nil {
			return received, werr
		}
		received += int64(len(payload))
	}
	return received, nil
}

// Package endpoint implements the spec's Endpoint (spec.md §4.2, C2): one
// listening socket plus N data sockets, all addressed by a serial assigned
// at accept or connect time, with a fan-in receive across every data
// socket.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package endpoint

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/NVIDIA/psvcd/internal/cos"
	"github.com/NVIDIA/psvcd/internal/nlog"
	"github.com/NVIDIA/psvcd/wiretransport"
)

var bgCtx = context.Background()

func netAddr(addr string, port int) string {
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// OnClose is invoked once a data socket is torn down, with its serial and
// the error that caused the teardown (nil on a clean peer close).
type OnClose func(serial int64, err error)

// Endpoint multiplexes a listener and its accepted connections, plus any
// connections made outward via Connect, all addressed by serial.
type Endpoint struct {
	serialSeq int64 // atomic: next serial to hand out

	mu        sync.Mutex
	listeners map[int64]net.Listener
	data      map[int64]*socket
	order     []int64 // round-robin order for recv-any fairness
	rrIdx     int
	closed    bool

	signal chan struct{} // fan-in wake-up, buffered 1

	// acceptSem bounds concurrently in-flight accept-to-registered setups
	// across all of this Endpoint's listeners (one semaphore per Endpoint),
	// per SPEC_FULL §2 (golang.org/x/sync/semaphore).
	acceptSem *semaphore.Weighted

	onClose OnClose
}

// socket is one data connection: exactly one reader and one writer.
type socket struct {
	serial int64
	conn   *wiretransport.Conn
	q      queue
	done   chan struct{} // closed when the read loop exits
	werr   sync.Mutex    // serializes writes (transport writer is strictly sequential, spec §5)
}

// New creates an Endpoint. maxInflightAccepts bounds concurrent accept
// setups; 0 means unbounded.
func New(onClose OnClose, maxInflightAccepts int64) *Endpoint {
	ep := &Endpoint{
		listeners: make(map[int64]net.Listener),
		data:      make(map[int64]*socket),
		signal:    make(chan struct{}, 1),
		onClose:   onClose,
	}
	if maxInflightAccepts > 0 {
		ep.acceptSem = semaphore.NewWeighted(maxInflightAccepts)
	}
	return ep
}

func (ep *Endpoint) nextSerial() int64 { return atomic.AddInt64(&ep.serialSeq, 1) }

// Bind starts listening on addr:port and returns the listener's serial.
// Accepted connections become data sockets with their own fresh serials.
func (ep *Endpoint) Bind(addr string, port int) (int64, error) {
	ln, err := net.Listen("tcp", netAddr(addr, port))
	if err != nil {
		return 0, err
	}
	serial := ep.nextSerial()

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		ln.Close()
		return 0, cos.NewErrState("endpoint is closed")
	}
	ep.listeners[serial] = ln
	ep.mu.Unlock()

	go ep.acceptLoop(serial, ln)
	return serial, nil
}

func (ep *Endpoint) acceptLoop(listenerSerial int64, ln net.Listener) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			nlog.Infof("endpoint: listener %d stopped accepting: %v", listenerSerial, err)
			return
		}
		if ep.acceptSem != nil {
			_ = ep.acceptSem.Acquire(bgCtx, 1)
		}
		ep.registerData(nc)
		if ep.acceptSem != nil {
			ep.acceptSem.Release(1)
		}
	}
}

// Connect dials addr:port and returns the new data socket's serial.
func (ep *Endpoint) Connect(addr string, port int) (int64, error) {
	nc, err := net.Dial("tcp", netAddr(addr, port))
	if err != nil {
		return 0, err
	}
	return ep.registerData(nc), nil
}

func (ep *Endpoint) registerData(nc net.Conn) int64 {
	serial := ep.nextSerial()
	s := &socket{
		serial: serial,
		conn:   wiretransport.NewConn(nc),
		done:   make(chan struct{}),
	}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		nc.Close()
		return serial
	}
	ep.data[serial] = s
	ep.order = append(ep.order, serial)
	ep.mu.Unlock()

	go ep.readLoop(s)
	return serial
}

func (ep *Endpoint) readLoop(s *socket) {
	defer close(s.done)
	for {
		payload, err := s.conn.ReadFrame()
		if err != nil {
			ep.removeSocket(s.serial)
			if err != io.EOF {
				if ep.onClose != nil {
					ep.onClose(s.serial, err)
				}
			} else if ep.onClose != nil {
				ep.onClose(s.serial, nil)
			}
			return
		}
		s.q.push(payload)
		ep.wake()
	}
}

func (ep *Endpoint) wake() {
	select {
	case ep.signal <- struct{}{}:
	default:
	}
}

func (ep *Endpoint) removeSocket(serial int64) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	delete(ep.data, serial)
	for i, s := range ep.order {
		if s == serial {
			ep.order = append(ep.order[:i], ep.order[i+1:]...)
			break
		}
	}
}

// ListenerPort returns the TCP port a listener serial is bound to, or 0 if
// serial does not name a live listener. Useful when Bind was called with
// port 0 (OS-assigned ephemeral port).
func (ep *Endpoint) ListenerPort(serial int64) int {
	ep.mu.Lock()
	ln, ok := ep.listeners[serial]
	ep.mu.Unlock()
	if !ok {
		return 0
	}
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0
	}
	return tcpAddr.Port
}

func (ep *Endpoint) getSocket(serial int64) (*socket, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	s, ok := ep.data[serial]
	return s, ok
}

// Send writes payload as one frame on serial's connection.
func (ep *Endpoint) Send(payload []byte, serial int64) error {
	s, ok := ep.getSocket(serial)
	if !ok {
		return cos.NewErrNotFound("socket %d", serial)
	}
	s.werr.Lock()
	defer s.werr.Unlock()
	return s.conn.WriteFrame(payload)
}

// SendFile streams path to serial's peer via the file-transfer sub-protocol.
func (ep *Endpoint) SendFile(path string, serial int64) error {
	s, ok := ep.getSocket(serial)
	if !ok {
		return cos.NewErrNotFound("socket %d", serial)
	}
	s.werr.Lock()
	defer s.werr.Unlock()
	return s.conn.SendFile(path)
}

// RecvFile reads one file-transfer-sub-protocol stream from serial into
// path. readLoop is the only goroutine allowed to read s.conn directly, so
// this pulls its frames from the same per-socket queue readLoop feeds
// (via recvFrame) instead of reading the conn itself — two readers on one
// net.Conn would race and corrupt the stream.
func (ep *Endpoint) RecvFile(path string, serial int64) (int64, error) {
	s, ok := ep.getSocket(serial)
	if !ok {
		return 0, cos.NewErrNotFound("socket %d", serial)
	}
	return wiretransport.RecvFileFrames(func() ([]byte, error) { return ep.recvFrame(s) }, path)
}

// recvFrame blocks until one frame is available on s's queue, or s closes.
// The only consumer-side path that pops s's queue; Recv, RecvAny, and
// RecvFile all funnel through it (or pollRoundRobin, which pops the same
// queues) so readLoop remains the sole reader of each socket's conn.
func (ep *Endpoint) recvFrame(s *socket) ([]byte, error) {
	for {
		if payload, ok := s.q.pop(); ok {
			return payload, nil
		}
		select {
		case <-s.done:
			if payload, ok := s.q.pop(); ok {
				return payload, nil
			}
			return nil, io.EOF
		case <-ep.signal:
			ep.wake() // let other waiters (on other serials) see it too
		}
	}
}

// Recv blocks until one frame is available from serial, or the socket closes.
func (ep *Endpoint) Recv(serial int64) ([]byte, error) {
	s, ok := ep.getSocket(serial)
	if !ok {
		return nil, cos.NewErrNotFound("socket %d", serial)
	}
	return ep.recvFrame(s)
}

// RecvAny blocks until any data socket has a frame ready, then returns its
// serial and payload. Fairness: round-robin over the data-socket set, per
// spec.md §4.2.
func (ep *Endpoint) RecvAny() (int64, []byte, error) {
	for {
		if serial, payload, ok := ep.pollRoundRobin(); ok {
			return serial, payload, nil
		}
		ep.mu.Lock()
		empty := len(ep.data) == 0
		closedNow := ep.closed
		ep.mu.Unlock()
		if closedNow && empty {
			return 0, nil, io.EOF
		}
		<-ep.signal
	}
}

func (ep *Endpoint) pollRoundRobin() (int64, []byte, bool) {
	ep.mu.Lock()
	order := append([]int64(nil), ep.order...)
	start := ep.rrIdx
	ep.mu.Unlock()

	for i := 0; i < len(order); i++ {
		idx := (start + i) % len(order)
		serial := order[idx]
		s, ok := ep.getSocket(serial)
		if !ok {
			continue
		}
		if payload, ok := s.q.pop(); ok {
			ep.mu.Lock()
			ep.rrIdx = (idx + 1) % max(len(order), 1)
			ep.mu.Unlock()
			return serial, payload, true
		}
	}
	return 0, nil, false
}

// CloseSocket tears down one data socket.
func (ep *Endpoint) CloseSocket(serial int64) error {
	s, ok := ep.getSocket(serial)
	if !ok {
		return cos.NewErrNotFound("socket %d", serial)
	}
	ep.removeSocket(serial)
	return s.conn.Close()
}

// CloseAll closes every listener and data socket.
func (ep *Endpoint) CloseAll() {
	ep.mu.Lock()
	ep.closed = true
	listeners := ep.listeners
	ep.listeners = make(map[int64]net.Listener)
	data := ep.data
	ep.data = make(map[int64]*socket)
	ep.order = nil
	ep.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	for _, s := range data {
		s.conn.Close()
	}
	ep.wake()
}

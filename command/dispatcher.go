// Package command implements the command dispatcher (spec.md §4.3, C3):
// registered named handlers, envelope encode/decode, and serialized handler
// execution with reentrancy support for handlers that synchronously invoke
// another command on the same dispatcher (spec.md §9).
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package command

import (
	"context"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/NVIDIA/psvcd/endpoint"
	"github.com/NVIDIA/psvcd/internal/cos"
	"github.com/NVIDIA/psvcd/internal/nlog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope is the wire format: JSON {"_ident": "...", "_body": ...}.
type Envelope struct {
	Ident string              `json:"_ident"`
	Body  jsoniter.RawMessage `json:"_body"`
}

// Handler handles one command body. ctx carries the dispatcher's call
// stack, used by Dispatcher.Call to detect reentrancy (spec.md §4.3, §9).
type Handler func(ctx context.Context, d *Dispatcher, body jsoniter.RawMessage, serial int64) error

type stackKey struct{}

func stackFrom(ctx context.Context) (stack []string, nested bool) {
	stack, nested = ctx.Value(stackKey{}).([]string)
	return
}

func withStack(ctx context.Context, stack []string) context.Context {
	return context.WithValue(ctx, stackKey{}, stack)
}

// Dispatcher borrows an Endpoint (does not own it) and maps idents to
// handlers.
type Dispatcher struct {
	ep *endpoint.Endpoint

	regMu    sync.RWMutex
	handlers map[string]Handler

	// handleLock serializes top-level handler execution; nested calls
	// (handler invoking Call on this same dispatcher) bypass it. Sound
	// under Go's concurrency model because invoke() only ever takes the
	// lock once per independent inbound message, and a handler that calls
	// back in via Call reuses the context that already proves it holds
	// the lock.
	handleLock sync.Mutex
}

// New creates a Dispatcher over ep, registering the default __ping__
// keepalive handler (SPEC_FULL §3, folded in from the original's idle
// keepalive behavior).
func New(ep *endpoint.Endpoint) *Dispatcher {
	d := &Dispatcher{
		ep:       ep,
		handlers: make(map[string]Handler),
	}
	_ = d.Register(identPing, handlePing)
	return d
}

const (
	identPing = "__ping__"
	identPong = "__pong__"
)

func handlePing(_ context.Context, d *Dispatcher, _ jsoniter.RawMessage, serial int64) error {
	return d.SendCommand(identPong, struct{}{}, serial)
}

// Endpoint returns the Endpoint this Dispatcher borrows, for callers (the
// file-transfer sub-protocol in release/update) that need access below the
// envelope layer.
func (d *Dispatcher) Endpoint() *endpoint.Endpoint { return d.ep }

// Register adds ident → h. Re-registering an ident is an error.
func (d *Dispatcher) Register(ident string, h Handler) error {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	if _, exists := d.handlers[ident]; exists {
		return cos.NewErrState("ident %q already registered", ident)
	}
	d.handlers[ident] = h
	return nil
}

func (d *Dispatcher) lookup(ident string) (Handler, bool) {
	d.regMu.RLock()
	defer d.regMu.RUnlock()
	h, ok := d.handlers[ident]
	return h, ok
}

// SendCommand encodes {ident, body} and sends it via the Endpoint.
func (d *Dispatcher) SendCommand(ident string, body any, serial int64) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrapf(err, "command: marshal body for %q", ident)
	}
	env := Envelope{Ident: ident, Body: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrapf(err, "command: marshal envelope for %q", ident)
	}
	if err := d.ep.Send(data, serial); err != nil {
		return errors.Wrapf(err, "command: send %q on serial %d", ident, serial)
	}
	return nil
}

// Call invokes ident's handler directly against body, using ctx to decide
// whether this is a nested (nested invocations bypass handleLock) or
// top-level call. Handlers use this to synchronously invoke another
// registered command on the same dispatcher without deadlocking.
func (d *Dispatcher) Call(ctx context.Context, ident string, body any, serial int64) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrapf(err, "command: marshal call body for %q", ident)
	}
	return d.invoke(ctx, ident, raw, serial)
}

func (d *Dispatcher) invoke(ctx context.Context, ident string, body jsoniter.RawMessage, serial int64) error {
	stack, nested := stackFrom(ctx)
	if !nested {
		d.handleLock.Lock()
		defer d.handleLock.Unlock()
	}
	h, ok := d.lookup(ident)
	if !ok {
		nlog.Warningf("command: unknown ident %q from serial %d, dropping", ident, serial)
		return nil
	}
	newStack := make([]string, len(stack), len(stack)+1)
	copy(newStack, stack)
	newStack = append(newStack, ident)

	if err := h(withStack(ctx, newStack), d, body, serial); err != nil {
		nlog.Errorf("command: handler %q (serial %d) failed: %v", ident, serial, err)
	}
	return nil
}

// ReceiveLoop reads frames via the Endpoint's fan-in and dispatches them.
// It runs until the Endpoint is closed (RecvAny returns an error, typically
// io.EOF) — closing the Endpoint is how a caller stops this loop; treated
// as a clean exit per spec.md §5's cancellation semantics, never as an
// error.
func (d *Dispatcher) ReceiveLoop(context.Context) error {
	for {
		serial, payload, err := d.ep.RecvAny()
		if err != nil {
			return nil
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			nlog.Warningf("command: malformed envelope from serial %d: %v", serial, err)
			continue
		}
		d.invoke(context.Background(), env.Ident, env.Body, serial)
	}
}

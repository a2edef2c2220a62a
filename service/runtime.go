// Package service implements the service runtime (spec.md §4.9, C9): the
// run-mode lifecycle that wraps an author-supplied Task with SIGTERM
// handling, a closer registry that only fires after every task has fully
// drained, and the Initting → Running → Stopping → Stopped state machine.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package service

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/NVIDIA/psvcd/internal/nlog"
	"github.com/NVIDIA/psvcd/internal/xact"
)

// Status is the main service task's lifecycle state (spec.md §4.9).
type Status int32

const (
	Initting Status = iota
	Running
	Stopping
	Stopped
)

func (s Status) String() string {
	switch s {
	case Initting:
		return "initting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Task is the author-supplied service body (spec.md §4.9's main service
// task): Init runs once; Run is called repeatedly while the runtime has not
// been asked to stop; Destroy runs once during shutdown regardless of how
// Run exited.
type Task interface {
	Init(ctx context.Context) error
	Run(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// Runtime drives one Task through its lifecycle (spec.md §4.9). The zero
// value is not usable; construct with New.
type Runtime struct {
	task     Task
	registry *xact.Registry

	status atomic.Int32

	stopOnce sync.Once
	stopCh   chan struct{}

	closersMu sync.Mutex
	closers   []func()
}

// New creates a Runtime around task.
func New(task Task) *Runtime {
	return &Runtime{
		task:     task,
		registry: xact.New(context.Background()),
		stopCh:   make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (r *Runtime) Status() Status { return Status(r.status.Load()) }

func (r *Runtime) setStatus(s Status) {
	r.status.Store(int32(s))
	nlog.Infof("service: status -> %s", s)
}

// Stopped reports whether Stop has been called.
func (r *Runtime) Stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// Stop requests graceful shutdown (spec.md §4.9: "register SIGTERM handler
// → sets the stop flag"). Safe to call more than once and from any
// goroutine.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// RegisterCloser queues fn to run after the event loop has fully unwound,
// in registration order (spec.md §4.9, and the install orchestrator's
// closer in particular, spec.md §4.7 step 5). Satisfies
// install.ClosingStopper.
func (r *Runtime) RegisterCloser(fn func()) {
	r.closersMu.Lock()
	r.closers = append(r.closers, fn)
	r.closersMu.Unlock()
}

// Run executes the full run-mode lifecycle (spec.md §4.9): register the
// SIGTERM handler, spawn the main service task, wait for it to complete or
// for an interrupt, cancel and drain any remaining tasks, then invoke every
// registered closer in registration order. The closers run only after this
// method's own task bookkeeping is done, so closers (notably the install
// orchestrator's re-exec closer) never race task goroutines for file
// handles or listening sockets.
func (r *Runtime) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		nlog.Infof("service: received shutdown signal")
		r.Stop()
	}()

	r.registry.Go("service", r.mainTask)

	<-r.stopCh
	r.registry.CancelAll()
	err := r.registry.Wait()

	r.closersMu.Lock()
	closers := r.closers
	r.closersMu.Unlock()
	for _, c := range closers {
		c()
	}
	return err
}

// mainTask is spec.md §4.9's main service task: set_status(Initting) →
// init() with exception containment (failure sets stop); if not stopped,
// set_status(Running) → while not stop: run(); finally
// set_status(Stopping) → destroy() → set_status(Stopped).
func (r *Runtime) mainTask(ctx context.Context) error {
	r.setStatus(Initting)
	if err := r.task.Init(ctx); err != nil {
		nlog.Errorf("service: init failed: %v", err)
		r.Stop()
	}

	if !r.Stopped() {
		r.setStatus(Running)
		for !r.Stopped() {
			select {
			case <-ctx.Done():
				r.Stop()
			default:
			}
			if r.Stopped() {
				break
			}
			if err := r.task.Run(ctx); err != nil {
				nlog.Errorf("service: run failed: %v", err)
				r.Stop()
			}
		}
	}

	r.setStatus(Stopping)
	if err := r.task.Destroy(ctx); err != nil {
		nlog.Errorf("service: destroy failed (Stopped regardless): %v", err)
	}
	r.setStatus(Stopped)
	return nil
}

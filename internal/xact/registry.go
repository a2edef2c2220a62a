// Package xact is the service runtime's task registry (spec.md §3, §4.9,
// C9): tasks owned by the Service, cancellation of the Service cancels all
// tasks, and a task may not cancel itself. "Gather until all complete" is
// errgroup.Group.Wait, the way dsort/dsort.go and fs/walkbck.go already use
// golang.org/x/sync/errgroup in the teacher corpus.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package xact

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/psvcd/internal/cos"
)

type taskNameKey struct{}

// NameFromContext returns the name of the task whose context ctx is, if any.
func NameFromContext(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(taskNameKey{}).(string)
	return name, ok
}

// Registry tracks the Service's running tasks and their cancel functions.
type Registry struct {
	parent context.Context
	g      *errgroup.Group
	gctx   context.Context

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a Registry whose tasks derive from parent (typically the
// Service's run-loop context).
func New(parent context.Context) *Registry {
	g, gctx := errgroup.WithContext(parent)
	return &Registry{
		parent:  parent,
		g:       g,
		gctx:    gctx,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Go spawns fn as a named task. fn receives a context that is canceled when
// the Registry is canceled, the named task itself is canceled via Cancel,
// or any sibling task spawned through the same Registry returns an error
// (errgroup semantics).
func (r *Registry) Go(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithCancel(r.gctx)
	ctx = context.WithValue(ctx, taskNameKey{}, name)

	r.mu.Lock()
	r.cancels[name] = cancel
	r.mu.Unlock()

	r.g.Go(func() error {
		defer func() {
			r.mu.Lock()
			delete(r.cancels, name)
			r.mu.Unlock()
			cancel()
		}()
		return fn(ctx)
	})
}

// Cancel cancels the named task. callerCtx is the context of the task
// requesting the cancellation (or context.Background() for a non-task
// caller such as the Service's own shutdown path); a task may not cancel
// itself (spec.md §3).
func (r *Registry) Cancel(callerCtx context.Context, name string) error {
	if callerName, ok := NameFromContext(callerCtx); ok && callerName == name {
		return cos.NewErrState("task %q may not cancel itself", name)
	}
	r.mu.Lock()
	cancel, ok := r.cancels[name]
	r.mu.Unlock()
	if !ok {
		return cos.NewErrNotFound("task %q", name)
	}
	cancel()
	return nil
}

// CancelAll cancels every running task (cancelling the Service cancels all
// tasks, spec.md §3).
func (r *Registry) CancelAll() {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.cancels))
	for _, c := range r.cancels {
		cancels = append(cancels, c)
	}
	r.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Wait gathers until every task has completed, returning the first non-nil
// error (if any) the way errgroup.Group.Wait does; a canceled task returning
// context.Canceled is treated as clean, not propagated as a failure.
func (r *Registry) Wait() error {
	err := r.g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

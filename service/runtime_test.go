package service_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NVIDIA/psvcd/service"
)

type fakeTask struct {
	initErr    error
	destroyErr error
	runCount   atomic.Int32
	stopAfter  int32
	rt         *service.Runtime
	calls      []string // lifecycle methods in call order
}

func (f *fakeTask) Init(context.Context) error {
	f.calls = append(f.calls, "init")
	return f.initErr
}

func (f *fakeTask) Run(context.Context) error {
	f.calls = append(f.calls, "run")
	n := f.runCount.Add(1)
	if n >= f.stopAfter {
		f.rt.Stop()
	}
	return nil
}

func (f *fakeTask) Destroy(context.Context) error {
	f.calls = append(f.calls, "destroy")
	return f.destroyErr
}

func TestRuntimeRunsInitRunDestroyInOrder(t *testing.T) {
	task := &fakeTask{stopAfter: 3}
	rt := service.New(task)
	task.rt = rt

	done := make(chan error, 1)
	go func() { done <- rt.Run() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if rt.Status() != service.Stopped {
		t.Fatalf("Status() = %v, want Stopped", rt.Status())
	}
	if task.runCount.Load() < 3 {
		t.Fatalf("runCount = %d, want >= 3", task.runCount.Load())
	}
	calls := task.calls
	if len(calls) < 2 || calls[0] != "init" || calls[len(calls)-1] != "destroy" {
		t.Fatalf("lifecycle calls = %v, want init first and destroy last", calls)
	}
	for _, c := range calls[1 : len(calls)-1] {
		if c != "run" {
			t.Fatalf("lifecycle calls = %v, want only run between init and destroy", calls)
		}
	}
}

func TestInitFailureSetsStopWithoutRunning(t *testing.T) {
	task := &fakeTask{initErr: errors.New("init boom"), stopAfter: 1000}
	rt := service.New(task)
	task.rt = rt

	done := make(chan error, 1)
	go func() { done <- rt.Run() }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after init failure")
	}
	if task.runCount.Load() != 0 {
		t.Fatalf("runCount = %d, want 0 (run loop must not start after init failure)", task.runCount.Load())
	}
	if rt.Status() != service.Stopped {
		t.Fatalf("Status() = %v, want Stopped", rt.Status())
	}
}

func TestDestroyFailureStillReachesStopped(t *testing.T) {
	task := &fakeTask{destroyErr: errors.New("destroy boom"), stopAfter: 1}
	rt := service.New(task)
	task.rt = rt

	done := make(chan error, 1)
	go func() { done <- rt.Run() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil (destroy failure must not propagate)", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after destroy failure")
	}
	if rt.Status() != service.Stopped {
		t.Fatalf("Status() = %v, want Stopped", rt.Status())
	}
}

func TestClosersRunAfterTaskCompletesInRegistrationOrder(t *testing.T) {
	task := &fakeTask{stopAfter: 1}
	rt := service.New(task)
	task.rt = rt

	var order []int
	rt.RegisterCloser(func() { order = append(order, 1) })
	rt.RegisterCloser(func() { order = append(order, 2) })

	done := make(chan error, 1)
	go func() { done <- rt.Run() }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("closer order = %v, want [1 2]", order)
	}
}

func TestStopBeforeRunSkipsRunLoop(t *testing.T) {
	task := &fakeTask{stopAfter: 1000}
	rt := service.New(task)
	task.rt = rt
	rt.Stop()

	done := make(chan error, 1)
	go func() { done <- rt.Run() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return when already stopped before Run")
	}
	if task.runCount.Load() != 0 {
		t.Fatalf("runCount = %d, want 0 (run loop must not start when stopped before Run)", task.runCount.Load())
	}
}

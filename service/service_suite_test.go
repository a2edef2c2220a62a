// Suite-level wiring test for the service runtime, in the teacher's own
// ginkgo/gomega style (cmn/cos/cos_suite_test.go): a Task backed by a real
// endpoint.Endpoint + command.Dispatcher pair, driven through a full
// Init/Run/Destroy cycle, asserting the lifecycle end-to-end rather than
// one unit at a time.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package service_test

import (
	"context"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/psvcd/command"
	"github.com/NVIDIA/psvcd/endpoint"
	"github.com/NVIDIA/psvcd/service"
)

func TestService(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, t.Name())
}

// wiredTask pairs an Endpoint and a Dispatcher into a single service.Task,
// the same shape cmd/psvcd wires.
type wiredTask struct {
	ep      *endpoint.Endpoint
	disp    *command.Dispatcher
	pinged  chan struct{}
	started chan struct{}
}

func newWiredTask() *wiredTask {
	t := &wiredTask{pinged: make(chan struct{}, 1), started: make(chan struct{})}
	t.ep = endpoint.New(nil, 0)
	t.disp = command.New(t.ep)
	return t
}

func (t *wiredTask) Init(ctx context.Context) error {
	if err := t.disp.Register("ping", t.handlePing); err != nil {
		return err
	}
	if _, err := t.ep.Bind("127.0.0.1", 0); err != nil {
		return err
	}
	go t.disp.ReceiveLoop(ctx)
	close(t.started)
	return nil
}

func (t *wiredTask) handlePing(_ context.Context, _ *command.Dispatcher, _ jsoniter.RawMessage, _ int64) error {
	select {
	case t.pinged <- struct{}{}:
	default:
	}
	return nil
}

func (t *wiredTask) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (t *wiredTask) Destroy(context.Context) error {
	t.ep.CloseAll()
	return nil
}

var _ = Describe("Runtime wired to an Endpoint and a Dispatcher", func() {
	It("reaches Running after Init binds the listener and registers the handler", func() {
		task := newWiredTask()
		rt := service.New(task)

		done := make(chan error, 1)
		go func() { done <- rt.Run() }()

		Eventually(func() service.Status { return rt.Status() }, time.Second).Should(Equal(service.Running))

		rt.Stop()
		Eventually(done, time.Second).Should(Receive(BeNil()))
		Expect(rt.Status()).To(Equal(service.Stopped))
	})

	It("runs registered closers only after Destroy has released the endpoint", func() {
		task := newWiredTask()
		rt := service.New(task)

		closed := false
		var statusAtClose service.Status
		rt.RegisterCloser(func() {
			closed = true
			statusAtClose = rt.Status()
		})

		done := make(chan error, 1)
		go func() { done <- rt.Run() }()

		<-task.started
		rt.Stop()

		Eventually(done, time.Second).Should(Receive(BeNil()))
		Expect(closed).To(BeTrue())
		Expect(statusAtClose).To(Equal(service.Stopped))
	})
})

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/CERN-BE/logalike/pkg/message"
)

func TestIdentityPassesMessagesThrough(t *testing.T) {
	in := make(chan *message.Message, 1)
	m := message.New(nil, message.PolicyAccept)
	in <- m
	close(in)

	out := Identity().Apply(in)
	got := <-out
	assert.Same(t, m, got)
}

func TestChainAppliesProcessorsLeftToRight(t *testing.T) {
	upper := Map(func(m *message.Message) *message.Message {
		_ = m.Put("stage", "upper")
		return m
	})
	lower := Map(func(m *message.Message) *message.Message {
		v, _ := m.GetString("stage")
		_ = m.Put("stage", v+"-lower")
		return m
	})

	in := make(chan *message.Message, 1)
	in <- message.New(nil, message.PolicyAccept)
	close(in)

	out := Chain(upper, lower).Apply(in)
	got := <-out
	v, _ := got.GetString("stage")
	assert.Equal(t, "upper-lower", v)
}

func TestFilterDropsRejectedMessages(t *testing.T) {
	in := make(chan *message.Message, 2)
	keep := message.New(nil, message.PolicyAccept)
	_ = keep.Put("keep", true)
	drop := message.New(nil, message.PolicyAccept)
	in <- keep
	in <- drop
	close(in)

	out := Filter(func(m *message.Message) bool {
		_, ok := m.Get("keep")
		return ok
	}).Apply(in)

	got := <-out
	assert.Same(t, keep, got)
	_, ok := <-out
	assert.False(t, ok)
}

func TestMergeCombinesAllInputChannels(t *testing.T) {
	a := make(chan *message.Message, 1)
	b := make(chan *message.Message, 1)
	a <- message.New(nil, message.PolicyAccept)
	b <- message.New(nil, message.PolicyAccept)
	close(a)
	close(b)

	out := Merge(a, b)
	count := 0
	for range out {
		count++
	}
	assert.Equal(t, 2, count)
}

type fakeProducer struct {
	mu     sync.Mutex
	in     chan *message.Message
	closed bool
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{in: make(chan *message.Message, 16)}
}

func (p *fakeProducer) push(m *message.Message) { p.in <- m }

func (p *fakeProducer) Messages() <-chan *message.Message { return p.in }

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.in)
	}
	return nil
}

type fakeConsumer struct {
	mu       sync.Mutex
	accepted []*message.Message
	closed   bool
}

func (c *fakeConsumer) Accept(m *message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accepted = append(c.accepted, m)
	return nil
}

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConsumer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.accepted)
}

func TestRuntimeDeliversMessagesToConsumer(t *testing.T) {
	producer := newFakeProducer()
	consumer := &fakeConsumer{}
	rt := NewRuntime(producer, Identity(), consumer, nil, 2, nil)

	producer.push(message.New(nil, message.PolicyAccept))
	producer.push(message.New(nil, message.PolicyAccept))

	done := make(chan struct{})
	go func() {
		rt.Run()
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for consumer.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 2, consumer.count())

	assert.Nil(t, rt.Close())
	<-done
	assert.True(t, consumer.closed)
}

// statefulProcessor mimics repetition/throttle's shape: its output is the
// merge of a pass-through stream (ends when its input does) and a second
// stream that only ends once Close is called, exactly like a windowed
// aggregator's closed-window channel (pkg/aggregator). A Runtime whose
// chain contains one of these must invoke Closers before waiting on its
// worker pool, or Close deadlocks.
type statefulProcessor struct {
	held chan *message.Message
}

func newStatefulProcessor() *statefulProcessor {
	return &statefulProcessor{held: make(chan *message.Message)}
}

func (p *statefulProcessor) Apply(in <-chan *message.Message) <-chan *message.Message {
	passThrough := make(chan *message.Message)
	go func() {
		defer close(passThrough)
		for m := range in {
			passThrough <- m
		}
	}()
	return Merge(passThrough, p.held)
}

func (p *statefulProcessor) Close() {
	close(p.held)
}

func TestRuntimeCloseReturnsWithStatefulTwoStreamProcessorInChain(t *testing.T) {
	producer := newFakeProducer()
	consumer := &fakeConsumer{}
	proc := newStatefulProcessor()
	rt := NewRuntime(producer, proc, consumer, []Closer{proc}, 2, nil)

	producer.push(message.New(nil, message.PolicyAccept))

	done := make(chan struct{})
	go func() {
		rt.Run()
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for consumer.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, consumer.count())

	closeDone := make(chan struct{})
	go func() {
		assert.Nil(t, rt.Close())
		close(closeDone)
	}()

	select {
	case <-closeDone:
	case <-time.After(time.Second):
		t.Fatal("Close did not return within a bounded time (spec.md §5)")
	}
	<-done
}

func TestRuntimeCloseIsSafeToCallOnce(t *testing.T) {
	producer := newFakeProducer()
	consumer := &fakeConsumer{}
	rt := NewRuntime(producer, Identity(), consumer, nil, 1, nil)

	done := make(chan struct{})
	go func() {
		rt.Run()
		close(done)
	}()

	assert.Nil(t, rt.Close())
	<-done
}

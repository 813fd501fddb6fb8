// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

// Package throttle drops messages from emitters that exceed a per-window
// limit and notifies on the start, continuation, and end of a throttled
// period (spec.md §4.H).
package throttle

import (
	"sync"
	"time"

	"github.com/CERN-BE/logalike/pkg/aggregator"
	"github.com/CERN-BE/logalike/pkg/message"
	"github.com/CERN-BE/logalike/pkg/pipeline"
)

// Listener is notified of throttle-state transitions for an emitter.
// Each method may return a notification message to emit, or nil.
type Listener interface {
	OnStart(fingerprint string, count int) *message.Message
	OnRecurring(fingerprint string, count int) *message.Message
	OnEnd(fingerprint string, count int) *message.Message
}

// record tracks each over-limit fingerprint, keyed to the start time of the
// window that first took it over the limit.
type record struct {
	mu      sync.Mutex
	started map[string]time.Time
}

func newRecord() *record {
	return &record{started: make(map[string]time.Time)}
}

func (r *record) has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.started[key]
	return ok
}

// Processor is the throttle processor: a pass-through stream that drops
// over-limit messages, and a notification stream derived from closed
// windows.
type Processor struct {
	agg         *aggregator.Aggregator
	fingerprint aggregator.Fingerprint
	limit       int
	listener    Listener
	record      *record
}

// New returns a Processor with its own windowed aggregator (window
// duration, fingerprint function) and a per-emitter limit.
func New(window time.Duration, fingerprint aggregator.Fingerprint, limit int, listener Listener, clock aggregator.Clock) *Processor {
	return &Processor{
		agg:         aggregator.New(window, fingerprint, clock),
		fingerprint: fingerprint,
		limit:       limit,
		listener:    listener,
		record:      newRecord(),
	}
}

// Apply implements pipeline.Processor.
func (p *Processor) Apply(in <-chan *message.Message) <-chan *message.Message {
	passThrough := make(chan *message.Message)
	go func() {
		defer close(passThrough)
		for m := range in {
			key := p.fingerprint(m)
			count := p.agg.Increment(m)
			if !p.record.has(key) && count <= p.limit {
				passThrough <- m
			}
		}
	}()

	notifications := make(chan *message.Message)
	go func() {
		defer close(notifications)
		for w := range p.agg.ClosedStream() {
			if n := p.transition(w); n != nil {
				notifications <- n
			}
		}
	}()

	return pipeline.Merge(passThrough, notifications)
}

// transition computes and applies the record update for one closed window,
// serialised per key, and returns any notification the listener produced.
func (p *Processor) transition(w *aggregator.Window) *message.Message {
	p.record.mu.Lock()
	defer p.record.mu.Unlock()

	_, inRecord := p.record.started[w.Fingerprint]
	overLimit := w.Count > p.limit

	switch {
	case overLimit && !inRecord:
		p.record.started[w.Fingerprint] = w.StartTime
		return p.listener.OnStart(w.Fingerprint, w.Count)
	case overLimit && inRecord:
		return p.listener.OnRecurring(w.Fingerprint, w.Count)
	case !overLimit && inRecord:
		delete(p.record.started, w.Fingerprint)
		return p.listener.OnEnd(w.Fingerprint, w.Count)
	default:
		return nil
	}
}

// Close stops the aggregator's sweep goroutine. It implements
// pipeline.Closer.
func (p *Processor) Close() {
	p.agg.Close()
}

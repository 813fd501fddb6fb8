// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

// Package aggregator implements the per-key tumbling-window counter shared
// by repetition collapse and throttling (spec.md §4.F).
package aggregator

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/CERN-BE/logalike/pkg/message"
)

// Clock abstracts time so tests can drive the sweep deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the production Clock backed by time.Now.
var RealClock Clock = realClock{}

// Window is one open or closed counting window for a fingerprint key.
type Window struct {
	Fingerprint  string
	FirstMessage *message.Message
	Count        int
	StartTime    time.Time
}

// Fingerprint maps a message to the key its window is tracked under.
type Fingerprint func(m *message.Message) string

const shardCount = 32

type shard struct {
	mu   sync.Mutex
	open map[string]*Window
}

// Aggregator is a per-key tumbling-window machine parameterised by a
// duration D and a fingerprint function.
type Aggregator struct {
	window      time.Duration
	fingerprint Fingerprint
	clock       Clock

	shards [shardCount]*shard

	closed   chan *Window
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New returns an Aggregator that closes windows every window duration.
// clock may be nil, in which case RealClock is used.
func New(window time.Duration, fingerprint Fingerprint, clock Clock) *Aggregator {
	if clock == nil {
		clock = RealClock
	}
	a := &Aggregator{
		window:      window,
		fingerprint: fingerprint,
		clock:       clock,
		closed:      make(chan *Window, 1024),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for i := range a.shards {
		a.shards[i] = &shard{open: make(map[string]*Window)}
	}
	go a.sweepLoop()
	return a
}

func (a *Aggregator) shardFor(key string) *shard {
	h := xxhash.Sum64String(key)
	return a.shards[h%uint64(shardCount)]
}

// Increment records one occurrence of m, returning the new count for its
// fingerprint's currently open window.
func (a *Aggregator) Increment(m *message.Message) int {
	key := a.fingerprint(m)
	s := a.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.open[key]
	if !ok {
		w = &Window{
			Fingerprint:  key,
			FirstMessage: m.Clone(),
			Count:        1,
			StartTime:    a.clock.Now(),
		}
		s.open[key] = w
		return 1
	}
	w.Count++
	return w.Count
}

// ClosedStream returns the channel of closed windows. Reading blocks until
// one is available; it is closed once the aggregator has fully shut down.
func (a *Aggregator) ClosedStream() <-chan *Window {
	return a.closed
}

func (a *Aggregator) sweepLoop() {
	ticker := time.NewTicker(a.window)
	defer ticker.Stop()
	defer close(a.done)

	for {
		select {
		case <-ticker.C:
			a.sweep(false)
		case <-a.stop:
			a.sweep(true)
			close(a.closed)
			return
		}
	}
}

// sweep evicts windows across all shards into the closed stream. A regular
// sweep only closes windows at least one full period old; the final sweep
// on shutdown closes everything still open, per spec.md §4.F.
func (a *Aggregator) sweep(final bool) {
	now := a.clock.Now()
	for _, s := range a.shards {
		s.mu.Lock()
		for key, w := range s.open {
			if final || now.Sub(w.StartTime) >= a.window {
				delete(s.open, key)
				a.closed <- w
			}
		}
		s.mu.Unlock()
	}
}

// Close performs a final sweep, closing all remaining windows, and tears
// down the sweep goroutine. ClosedStream observes end-of-sequence once
// this returns.
func (a *Aggregator) Close() {
	a.stopOnce.Do(func() {
		close(a.stop)
	})
	<-a.done
}

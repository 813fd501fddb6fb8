// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

// Package pipeline composes processors into a chain and drives a producer's
// message sequence through it to a consumer, with cooperative cancellation
// (spec.md §4.I).
package pipeline

import "github.com/CERN-BE/logalike/pkg/message"

// Processor is a total function from a message sequence to a message
// sequence.
type Processor interface {
	Apply(in <-chan *message.Message) <-chan *message.Message
}

// ProcessorFunc adapts a plain function to Processor.
type ProcessorFunc func(in <-chan *message.Message) <-chan *message.Message

// Apply calls f.
func (f ProcessorFunc) Apply(in <-chan *message.Message) <-chan *message.Message {
	return f(in)
}

// Identity is the neutral element of composition: it returns its input
// unchanged.
func Identity() Processor {
	return ProcessorFunc(func(in <-chan *message.Message) <-chan *message.Message {
		return in
	})
}

// Chain composes processors left to right: Chain(a, b).Apply(in) is
// equivalent to b.Apply(a.Apply(in)).
func Chain(processors ...Processor) Processor {
	return ProcessorFunc(func(in <-chan *message.Message) <-chan *message.Message {
		out := in
		for _, p := range processors {
			out = p.Apply(out)
		}
		return out
	})
}

// Closer is implemented by processors that own background work (the
// windowed aggregator's sweep goroutine, in 4.G and 4.H) which must be
// stopped during runtime teardown.
type Closer interface {
	Close()
}

// Map returns a Processor that applies fn to every message, forwarding the
// result. Used for the stateless filters and mappers the spec describes
// only by their processor-contract shape.
func Map(fn func(*message.Message) *message.Message) Processor {
	return ProcessorFunc(func(in <-chan *message.Message) <-chan *message.Message {
		out := make(chan *message.Message)
		go func() {
			defer close(out)
			for m := range in {
				out <- fn(m)
			}
		}()
		return out
	})
}

// Filter returns a Processor that forwards only messages for which keep
// returns true.
func Filter(keep func(*message.Message) bool) Processor {
	return ProcessorFunc(func(in <-chan *message.Message) <-chan *message.Message {
		out := make(chan *message.Message)
		go func() {
			defer close(out)
			for m := range in {
				if keep(m) {
					out <- m
				}
			}
		}()
		return out
	})
}

// Merge fans multiple message channels into one. The logical concatenation
// required by 4.G and 4.H (pass-through stream ∪ closed-window stream) is
// built on this: no ordering is promised across the input channels.
func Merge(ins ...<-chan *message.Message) <-chan *message.Message {
	out := make(chan *message.Message)
	remaining := len(ins)
	if remaining == 0 {
		close(out)
		return out
	}
	done := make(chan struct{}, remaining)
	for _, in := range ins {
		go func(in <-chan *message.Message) {
			for m := range in {
				out <- m
			}
			done <- struct{}{}
		}(in)
	}
	go func() {
		for i := 0; i < remaining; i++ {
			<-done
		}
		close(out)
	}()
	return out
}

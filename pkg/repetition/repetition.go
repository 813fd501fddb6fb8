// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

// Package repetition annotates repeated messages and emits one aggregate
// notification per closed window (spec.md §4.G).
package repetition

import (
	"time"

	"github.com/CERN-BE/logalike/pkg/aggregator"
	"github.com/CERN-BE/logalike/pkg/message"
	"github.com/CERN-BE/logalike/pkg/pipeline"
)

// Field names the processor writes.
const (
	IsRepeatedField  = "isRepeated"
	RepeatCountField = "repeatCount"
)

// Mapper transforms a message before it is forwarded, given the window
// count that produced it.
type Mapper func(m *message.Message, count int) *message.Message

// DefaultMapper stamps isRepeated/repeatCount and returns m.
func DefaultMapper(isRepeated bool) Mapper {
	return func(m *message.Message, count int) *message.Message {
		_ = m.Put(IsRepeatedField, isRepeated)
		_ = m.Put(RepeatCountField, int64(count))
		return m
	}
}

// Processor is the repetition-collapse processor: it passes every message
// through untouched (save annotation) while also feeding a windowed
// aggregator, and separately emits one summary message per closed window.
type Processor struct {
	agg          *aggregator.Aggregator
	neutral      Mapper
	repeating    Mapper
	nonRepeating Mapper
}

// New returns a Processor whose aggregator uses the given window and
// fingerprint function. Any nil mapper falls back to DefaultMapper.
func New(window time.Duration, fingerprint aggregator.Fingerprint, neutral, repeating, nonRepeating Mapper, clock aggregator.Clock) *Processor {
	if neutral == nil {
		neutral = DefaultMapper(false)
	}
	if repeating == nil {
		repeating = DefaultMapper(true)
	}
	if nonRepeating == nil {
		nonRepeating = DefaultMapper(false)
	}
	return &Processor{
		agg:          aggregator.New(window, fingerprint, clock),
		neutral:      neutral,
		repeating:    repeating,
		nonRepeating: nonRepeating,
	}
}

// Apply implements pipeline.Processor. The returned stream is the logical
// concatenation of the pass-through stream and the closed-window stream, in
// no guaranteed order relative to each other.
func (p *Processor) Apply(in <-chan *message.Message) <-chan *message.Message {
	passThrough := make(chan *message.Message)
	go func() {
		defer close(passThrough)
		for m := range in {
			p.agg.Increment(m)
			passThrough <- p.neutral(m, 0)
		}
	}()

	closedOut := make(chan *message.Message)
	go func() {
		defer close(closedOut)
		for w := range p.agg.ClosedStream() {
			if w.Count > 1 {
				closedOut <- p.repeating(w.FirstMessage, w.Count)
			} else {
				closedOut <- p.nonRepeating(w.FirstMessage, w.Count)
			}
		}
	}()

	return pipeline.Merge(passThrough, closedOut)
}

// Close stops the aggregator's sweep goroutine, flushing every remaining
// open window. It implements pipeline.Closer.
func (p *Processor) Close() {
	p.agg.Close()
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

package input

import (
	"github.com/CERN-BE/logalike/pkg/message"
)

// PathField is the field a File input annotates each message with, naming
// the source file the line was read from.
const PathField = "logalike_source_path"

// File exposes a Factory's multiplexed line queue as a lazy, conceptually
// infinite message sequence (spec.md §4.D). The sequence ends once the
// factory is closed and the queue has been fully drained.
type File struct {
	queue     <-chan Line
	typeTable message.TypeTable
	policy    message.Policy
}

// NewFile wraps queue, converting each Line into a Message built with the
// given type table and write policy.
func NewFile(queue <-chan Line, typeTable message.TypeTable, policy message.Policy) *File {
	return &File{queue: queue, typeTable: typeTable, policy: policy}
}

// Next blocks until a line is available or the underlying queue is closed
// and drained, in which case ok is false.
func (f *File) Next() (*message.Message, bool) {
	line, ok := <-f.queue
	if !ok {
		return nil, false
	}
	m := message.FromLine(line.Text, f.typeTable, f.policy)
	_ = m.Put(PathField, line.Path)
	return m, true
}

// Messages returns a channel that yields every message the input produces,
// closing once the sequence ends. This is the shape the pipeline runtime's
// producer slot expects.
func (f *File) Messages() <-chan *message.Message {
	out := make(chan *message.Message)
	go func() {
		defer close(out)
		for {
			m, ok := f.Next()
			if !ok {
				return
			}
			out <- m
		}
	}()
	return out
}

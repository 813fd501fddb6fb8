// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

// Package input launches one positioned tailer per configured file source
// and multiplexes their lines into a single bounded queue exposed as a
// message sequence (spec.md §4.C, §4.D).
package input

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CERN-BE/logalike/pkg/positionstore"
	"github.com/CERN-BE/logalike/pkg/tailer"
)

// Line is one line read from one tracked file.
type Line struct {
	Path string
	Text string
}

// Source describes one file this factory should tail.
type Source struct {
	Path           string
	Start          tailer.StartPolicy
	ExplicitOffset int64
}

// Factory owns the bounded line queue shared by every tailer it spawns
// (spec.md §4.C: default capacity 500).
type Factory struct {
	queue          chan Line
	enqueueTimeout time.Duration
	pollInterval   time.Duration
	bufferSize     int
	reopenEachPoll bool
	store          *positionstore.Store
	log            *logrus.Entry

	mu      sync.Mutex
	tailers map[string]*tailer.Tailer
	wg      sync.WaitGroup
	closed  bool
}

// NewFactory returns a Factory with an empty tailer set.
func NewFactory(queueCapacity int, enqueueTimeout, pollInterval time.Duration, bufferSize int, reopenEachPoll bool, store *positionstore.Store, log *logrus.Entry) *Factory {
	if queueCapacity <= 0 {
		queueCapacity = 500
	}
	if enqueueTimeout <= 0 {
		enqueueTimeout = time.Minute
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Factory{
		queue:          make(chan Line, queueCapacity),
		enqueueTimeout: enqueueTimeout,
		pollInterval:   pollInterval,
		bufferSize:     bufferSize,
		reopenEachPoll: reopenEachPoll,
		store:          store,
		log:            log,
		tailers:        make(map[string]*tailer.Tailer),
	}
}

// Start spawns one tailer per source. Calling Start twice for the same path
// is a no-op for the second call.
func (f *Factory) Start(sources []Source) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, src := range sources {
		if _, ok := f.tailers[src.Path]; ok {
			f.log.WithField("path", src.Path).Warn("refusing to tail the same file twice")
			continue
		}
		f.spawn(src)
	}
}

func (f *Factory) spawn(src Source) {
	start := src.Start
	offset := src.ExplicitOffset
	if start == tailer.StartExplicitOffset {
		// explicit offset wins outright
	} else if f.store != nil {
		if persisted, ok := f.store.Get(src.Path); ok {
			start = tailer.StartExplicitOffset
			offset = persisted
		}
	}

	l := &queueingListener{
		factory: f,
		path:    src.Path,
		store:   f.store,
		log:     f.log.WithField("path", src.Path),
	}
	t := tailer.New(tailer.Options{
		Path:           src.Path,
		PollInterval:   f.pollInterval,
		Start:          start,
		ExplicitOffset: offset,
		BufferSize:     f.bufferSize,
		ReopenEachPoll: f.reopenEachPoll,
		Listener:       l,
		Log:            f.log.WithField("path", src.Path),
	})
	f.tailers[src.Path] = t

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		t.Run()
	}()
}

// Queue returns the shared, bounded line channel. File input reads from it.
func (f *Factory) Queue() <-chan Line {
	return f.queue
}

// Close stops every tailer, waits for them to finish, and closes the queue
// so File input's sequence terminates once drained.
func (f *Factory) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	tailers := make([]*tailer.Tailer, 0, len(f.tailers))
	for _, t := range f.tailers {
		tailers = append(tailers, t)
	}
	f.mu.Unlock()

	for _, t := range tailers {
		t.Stop()
	}
	f.wg.Wait()
	close(f.queue)
	if f.store != nil {
		if err := f.store.Close(); err != nil {
			f.log.WithError(err).Warn("closing position store")
		}
	}
}

// queueingListener adapts the tailer.Listener interface to the factory's
// shared queue, persisting offsets as they advance and dropping lines that
// can't be enqueued within the bounded timeout (spec.md §4.C).
type queueingListener struct {
	factory *Factory
	path    string
	store   *positionstore.Store
	log     *logrus.Entry
}

func (l *queueingListener) OnLine(line string) {
	select {
	case l.factory.queue <- Line{Path: l.path, Text: line}:
	case <-time.After(l.factory.enqueueTimeout):
		l.log.Warn("line queue full past enqueue timeout, dropping line")
	}
}

func (l *queueingListener) OnRotated() {
	l.log.Info("file rotated")
}

func (l *queueingListener) OnMissing() {
	l.log.Debug("file missing, waiting")
}

func (l *queueingListener) OnError(err error) {
	l.log.WithError(err).Error("tailer error")
}

func (l *queueingListener) OnPositionAdvanced(pos int64) {
	if l.store == nil {
		return
	}
	if err := l.store.Set(l.path, pos); err != nil {
		l.log.WithError(err).Warn("persisting position")
	}
}

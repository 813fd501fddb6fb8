// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

// Package tailer follows a single file with a cooperative polling loop,
// detecting appends, rotations, and same-length overwrites, and reporting
// its progress through a listener interface (spec.md §4.B).
package tailer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// StartPolicy selects where a freshly-started tailer begins reading.
type StartPolicy int

const (
	StartEnd StartPolicy = iota
	StartBeginning
	StartExplicitOffset
)

// Listener receives the tailer's observations. Implementations must return
// quickly; OnLine in particular is called once per decoded line and is the
// tailer's only way to hand data off.
type Listener interface {
	OnLine(line string)
	OnRotated()
	OnMissing()
	OnError(err error)
	OnPositionAdvanced(pos int64)
}

// Options configures a Tailer.
type Options struct {
	Path           string
	PollInterval   time.Duration
	Start          StartPolicy
	ExplicitOffset int64
	BufferSize     int
	// ReopenEachPoll closes and reopens the file handle every cycle, for
	// filesystems where a held handle inhibits deletion.
	ReopenEachPoll bool
	Listener       Listener
	Log            *logrus.Entry
}

// Tailer follows exactly one file, per spec.md §4.B.
type Tailer struct {
	opts Options
	log  *logrus.Entry

	file     *os.File
	pos      int64
	lastSeen time.Time

	// reopenAtZero is set when cycle() detects rotation (spec.md §4.B step
	// 3) and closes the file expecting the next open() to start the new
	// file from offset 0, regardless of opts.Start — which only governs
	// where a *fresh* tailer begins.
	reopenAtZero bool

	stopped int32
	done    chan struct{}
}

// New returns a Tailer ready to be started with Run.
func New(opts Options) *Tailer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 4096
	}
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tailer{opts: opts, log: log, done: make(chan struct{})}
}

// Stop requests the tailer's poll loop to exit after its current cycle.
func (t *Tailer) Stop() {
	atomic.StoreInt32(&t.stopped, 1)
}

func (t *Tailer) isStopped() bool {
	return atomic.LoadInt32(&t.stopped) != 0
}

// Done is closed once Run has returned.
func (t *Tailer) Done() <-chan struct{} {
	return t.done
}

// Run drives the poll loop until Stop is called or an unrecoverable I/O
// error occurs. It blocks; callers typically invoke it in a goroutine.
func (t *Tailer) Run() {
	defer close(t.done)
	defer t.closeFile()

	for !t.isStopped() {
		if t.file == nil {
			if !t.open() {
				if t.isStopped() {
					return
				}
				time.Sleep(t.opts.PollInterval)
				continue
			}
		}
		if !t.cycle() {
			return
		}
	}
}

// open opens the tracked file and seeks to the starting offset. Returns
// false (without setting t.file) if the file is currently missing.
func (t *Tailer) open() bool {
	f, err := os.Open(t.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			t.opts.Listener.OnMissing()
			return false
		}
		t.opts.Listener.OnError(fmt.Errorf("opening %s: %w", t.opts.Path, err))
		return false
	}

	var start int64
	if t.reopenAtZero {
		start = 0
		t.reopenAtZero = false
	} else if !t.lastSeen.IsZero() {
		// a reopen of a file this tailer already had open resumes where it
		// left off
		start = t.pos
	} else {
		var err error
		start, err = t.startOffset(f)
		if err != nil {
			f.Close()
			t.opts.Listener.OnError(fmt.Errorf("seeking %s: %w", t.opts.Path, err))
			return false
		}
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		t.opts.Listener.OnError(fmt.Errorf("seeking %s: %w", t.opts.Path, err))
		return false
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		t.opts.Listener.OnError(fmt.Errorf("stat %s: %w", t.opts.Path, err))
		return false
	}

	t.file = f
	t.pos = start
	t.lastSeen = fi.ModTime()
	return true
}

func (t *Tailer) startOffset(f *os.File) (int64, error) {
	switch t.opts.Start {
	case StartBeginning:
		return 0, nil
	case StartExplicitOffset:
		return t.opts.ExplicitOffset, nil
	default: // StartEnd
		fi, err := f.Stat()
		if err != nil {
			return 0, err
		}
		return fi.Size(), nil
	}
}

func (t *Tailer) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}

// cycle runs one iteration of the poll algorithm. It returns false if the
// tailer hit an unrecoverable error and must stop.
func (t *Tailer) cycle() bool {
	// Sample modification time before length, so an update landing between
	// the two samples is never missed (spec.md §4.B step 3).
	fi, err := os.Stat(t.opts.Path)
	if err != nil {
		if os.IsNotExist(err) {
			t.opts.Listener.OnMissing()
			t.closeFile()
			time.Sleep(t.opts.PollInterval)
			return true
		}
		t.opts.Listener.OnError(fmt.Errorf("stat %s: %w", t.opts.Path, err))
		return false
	}
	newer := fi.ModTime().After(t.lastSeen)
	length := fi.Size()

	switch {
	case length < t.pos:
		t.opts.Listener.OnRotated()
		t.closeFile()
		t.pos = 0
		t.reopenAtZero = true
		return true

	case length > t.pos:
		if err := t.readForward(length); err != nil {
			t.opts.Listener.OnError(fmt.Errorf("reading %s: %w", t.opts.Path, err))
			return false
		}
		t.lastSeen = fi.ModTime()

	case newer:
		// Same length, but modified: an overwrite in place. Re-read from
		// the start of the file on the next cycle.
		t.pos = 0
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			t.opts.Listener.OnError(fmt.Errorf("seeking %s: %w", t.opts.Path, err))
			return false
		}
		return true

	default:
		time.Sleep(t.opts.PollInterval)
	}

	if t.opts.ReopenEachPoll {
		t.closeFile()
	}
	return true
}

// readForward reads from the current position up to length, splits
// complete lines, and advances pos to the end of the last complete line.
// Bytes belonging to a trailing incomplete line are left unconsumed and
// re-read on the next cycle.
func (t *Tailer) readForward(length int64) error {
	toRead := length - t.pos
	buf := make([]byte, toRead)
	n, err := io.ReadFull(t.file, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return err
	}
	buf = buf[:n]

	consumed := splitLines(buf, t.opts.Listener.OnLine)

	t.pos += int64(consumed)
	if _, err := t.file.Seek(t.pos, io.SeekStart); err != nil {
		return err
	}
	if consumed == 0 {
		return nil
	}
	t.opts.Listener.OnPositionAdvanced(t.pos)
	return nil
}

// splitLines walks buf calling onLine for each complete line terminated by
// \n, \r, or \r\n, and returns the number of bytes belonging to complete
// lines (i.e. excluding any trailing partial line).
func splitLines(buf []byte, onLine func(string)) int {
	consumed := 0
	for len(buf) > 0 {
		idx := bytes.IndexAny(buf, "\r\n")
		if idx < 0 {
			break
		}
		line := buf[:idx]
		termLen := 1
		if buf[idx] == '\r' && idx+1 < len(buf) && buf[idx+1] == '\n' {
			termLen = 2
		}
		onLine(string(line))
		consumed += idx + termLen
		buf = buf[idx+termLen:]
	}
	return consumed
}

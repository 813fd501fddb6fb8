// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

package positionstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrResourceBusy is returned when an entry's backing file is already
// locked by another process; the caller proceeds without persistence
// (spec.md §7 resource-busy).
var ErrResourceBusy = errors.New("resource-busy: position store entry is locked")

// entry is one tracked file's durable offset, backed by an 8-byte
// big-endian file under the store directory and held open (and locked, on
// platforms that support it) for the entry's lifetime. Platform-specific
// identity tracking and locking live in entry_unix.go / entry_windows.go.
type entry struct {
	trackedPath string
	backingPath string
	file        *os.File
	openedAs    identity
	hasIdentity bool
}

// stillMatchesIdentity reports whether the tracked file's current identity
// still matches the one recorded when the entry was opened. A stat failure
// (file missing) does not itself invalidate the entry — only an observed
// identity change does.
func (e *entry) stillMatchesIdentity() bool {
	if !e.hasIdentity {
		return true
	}
	fi, err := os.Stat(e.trackedPath)
	if err != nil {
		return true
	}
	id, ok := identityOf(fi)
	if !ok {
		return true
	}
	return id == e.openedAs
}

func (e *entry) read() (int64, error) {
	buf := make([]byte, 8)
	n, err := e.file.ReadAt(buf, 0)
	if err != nil && n == 0 {
		return 0, err
	}
	if n < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	return int64(binary.BigEndian.Uint64(buf)), nil
}

func (e *entry) write(offset int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(offset))
	if _, err := e.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("writing position store entry: %w", err)
	}
	return e.file.Sync()
}

func (e *entry) close() error {
	// The advisory lock (where held) is released automatically when the fd
	// is closed, but close it explicitly so callers observe any final I/O
	// error.
	return e.file.Close()
}

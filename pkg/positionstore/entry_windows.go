// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

//go:build windows

package positionstore

import (
	"fmt"
	"os"
	"time"
)

// identity falls back to (modification time, size) on Windows, where
// os.FileInfo.Sys() does not expose an inode-equivalent the way
// syscall.Stat_t does on POSIX. This is a weaker signal — a same-length
// rewrite landing in the same poll tick as this entry's open could in
// principle be missed — but it still catches the common rotation case of
// truncate-then-append-elsewhere-then-rename-back.
type identity struct {
	modTime time.Time
	size    int64
}

func identityOf(fi os.FileInfo) (identity, bool) {
	return identity{modTime: fi.ModTime(), size: fi.Size()}, true
}

// openEntry opens (creating if needed) the backing file. Windows holds no
// advisory lock here; ErrResourceBusy is therefore never returned on this
// platform, matching the teacher's own tailer_windows.go, which likewise
// forgoes the POSIX-only primitives its non-Windows sibling uses.
func openEntry(backingPath, trackedPath string) (*entry, error) {
	f, err := os.OpenFile(backingPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening position store entry: %w", err)
	}

	e := &entry{trackedPath: trackedPath, backingPath: backingPath, file: f}
	if fi, statErr := os.Stat(trackedPath); statErr == nil {
		if id, ok := identityOf(fi); ok {
			e.openedAs, e.hasIdentity = id, true
		}
	}
	return e, nil
}

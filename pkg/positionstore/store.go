// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

// Package positionstore persists each tailed file's last-read byte offset
// across restarts (spec.md §4.A), detecting log rotation by file identity
// rather than trusting a path to always name the same underlying file.
package positionstore

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// DefaultDir is the store directory used when none is configured
// (spec.md §6: user home + "/.logalike_store").
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".logalike_store")
}

// Store persists one entry per tracked file under dir, each named by
// hex(md5(absoluteTrackedPath)) and holding an 8-byte big-endian offset.
type Store struct {
	dir string
	log *logrus.Entry

	mu      sync.Mutex
	entries map[string]*entry
}

// Open creates dir if missing and returns a Store rooted there. It fails
// with a bad-configuration error if dir exists and isn't a directory.
func Open(dir string, log *logrus.Entry) (*Store, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	if fi, err := os.Stat(dir); err == nil {
		if !fi.IsDir() {
			return nil, fmt.Errorf("bad-configuration: position store path %q is not a directory", dir)
		}
	} else if os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("bad-configuration: creating position store directory: %w", err)
		}
	} else {
		return nil, fmt.Errorf("bad-configuration: stat position store directory: %w", err)
	}

	return &Store{dir: dir, log: log, entries: make(map[string]*entry)}, nil
}

func (s *Store) backingPath(absPath string) string {
	sum := md5.Sum([]byte(absPath))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:]))
}

// entryFor returns the open entry for absPath, opening (and locking) one on
// first use. Lock contention demotes the caller to "no persistence": the
// error is ErrResourceBusy and the caller should proceed without it.
func (s *Store) entryFor(absPath string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[absPath]; ok {
		return e, nil
	}
	e, err := openEntry(s.backingPath(absPath), absPath)
	if err != nil {
		return nil, err
	}
	s.entries[absPath] = e
	return e, nil
}

// Get returns the persisted offset for path, or (0, false) if there is no
// entry, the entry's file identity is stale (the tracked file was
// recreated since the entry was opened), or the entry is locked by another
// process.
func (s *Store) Get(path string) (int64, bool) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, false
	}

	e, err := s.entryFor(absPath)
	if err != nil {
		if err == ErrResourceBusy {
			s.log.WithField("path", absPath).Warn("position store entry locked by another process, continuing without persistence")
		}
		return 0, false
	}

	if !e.stillMatchesIdentity() {
		s.log.WithField("path", absPath).Info("tracked file identity changed since entry was opened, discarding stale offset")
		s.mu.Lock()
		delete(s.entries, absPath)
		s.mu.Unlock()
		e.close()
		fresh, err := s.entryFor(absPath)
		if err != nil {
			return 0, false
		}
		// the fresh entry replaces the stale offset rather than reading it back
		if err := fresh.file.Truncate(0); err != nil {
			s.log.WithError(err).WithField("path", absPath).Warn("clearing stale position store entry")
		}
		return 0, false
	}

	offset, err := e.read()
	if err != nil {
		return 0, false
	}
	return offset, true
}

// Set persists offset for path, creating the entry on first use.
func (s *Store) Set(path string, offset int64) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	e, err := s.entryFor(absPath)
	if err != nil {
		if err == ErrResourceBusy {
			return nil
		}
		return err
	}
	return e.write(offset)
}

// Close releases every held lock and file handle. Safe to call more than
// once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for path, e := range s.entries {
		if err := e.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.entries, path)
	}
	return firstErr
}

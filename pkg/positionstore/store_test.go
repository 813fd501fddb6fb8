// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2017 Datadog, Inc.

package positionstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	assert.Nil(t, err)
	defer s.Close()

	tracked := filepath.Join(t.TempDir(), "app.log")
	assert.Nil(t, os.WriteFile(tracked, []byte("line one\n"), 0o644))

	assert.Nil(t, s.Set(tracked, 9))
	got, ok := s.Get(tracked)
	assert.True(t, ok)
	assert.Equal(t, int64(9), got)
}

func TestGetReportsNoOffsetForUntrackedPath(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	assert.Nil(t, err)
	defer s.Close()

	_, ok := s.Get(filepath.Join(t.TempDir(), "never-seen.log"))
	assert.False(t, ok)
}

func TestGetDiscardsOffsetWhenTrackedFileIsRecreated(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil)
	assert.Nil(t, err)
	defer s.Close()

	logDir := t.TempDir()
	tracked := filepath.Join(logDir, "app.log")
	assert.Nil(t, os.WriteFile(tracked, []byte("first incarnation\n"), 0o644))
	assert.Nil(t, s.Set(tracked, 19))

	got, ok := s.Get(tracked)
	assert.True(t, ok)
	assert.Equal(t, int64(19), got)

	assert.Nil(t, os.Remove(tracked))
	assert.Nil(t, os.WriteFile(tracked, []byte("second incarnation\n"), 0o644))

	_, ok = s.Get(tracked)
	assert.False(t, ok)
}

func TestOpenRejectsPathThatIsNotADirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	assert.Nil(t, os.WriteFile(file, []byte("x"), 0o644))

	_, err := Open(file, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "bad-configuration")
}

func TestEntryIsResourceBusyWhenAlreadyLocked(t *testing.T) {
	dir := t.TempDir()
	tracked := filepath.Join(t.TempDir(), "app.log")
	assert.Nil(t, os.WriteFile(tracked, []byte("x"), 0o644))

	absPath, err := filepath.Abs(tracked)
	assert.Nil(t, err)

	s1, err := Open(dir, nil)
	assert.Nil(t, err)
	defer s1.Close()
	assert.Nil(t, s1.Set(tracked, 1))

	backing := s1.backingPath(absPath)
	_, err = openEntry(backing, absPath)
	assert.Equal(t, ErrResourceBusy, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := Open(t.TempDir(), nil)
	assert.Nil(t, err)

	tracked := filepath.Join(t.TempDir(), "app.log")
	assert.Nil(t, os.WriteFile(tracked, []byte("x"), 0o644))
	assert.Nil(t, s.Set(tracked, 1))

	assert.Nil(t, s.Close())
	assert.Nil(t, s.Close())
}

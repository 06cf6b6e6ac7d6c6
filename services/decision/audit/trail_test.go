// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestTrail(t *testing.T) *Trail {
	t.Helper()
	trail, err := Open(filepath.Join(t.TempDir(), "audit", "decisions.jsonl"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { trail.Close() })
	return trail
}

func TestRecordAndReadAll(t *testing.T) {
	trail := openTestTrail(t)

	require.NoError(t, trail.Record(Entry{
		Fingerprint: "ab12cd34ef56ab78",
		Path:        "/tmp/a.tmp",
		Decision:    "auto_delete",
		Mode:        "remote",
	}))
	require.NoError(t, trail.Record(Entry{
		Fingerprint: "1122334455667788",
		Path:        "/home/kim/report.pdf",
		Decision:    "keep",
		Mode:        "fallback",
		ErrorKind:   "retry_exhausted",
	}))

	entries, err := trail.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	first := entries[0]
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, trail.SessionID(), first.SessionID)
	assert.False(t, first.Timestamp.IsZero())
	assert.Equal(t, "/tmp/a.tmp", first.Path)
	assert.Equal(t, "auto_delete", first.Decision)
	assert.Equal(t, "engine", first.Actor)

	assert.Equal(t, "retry_exhausted", entries[1].ErrorKind)
	assert.NotEqual(t, entries[0].ID, entries[1].ID)
}

func TestAppendAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")

	t1, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, t1.Record(Entry{Path: "/a", Decision: "keep", Mode: "fallback"}))
	require.NoError(t, t1.Close())

	t2, err := Open(path, nil)
	require.NoError(t, err)
	defer t2.Close()
	require.NoError(t, t2.Record(Entry{Path: "/b", Decision: "review", Mode: "remote"}))

	entries, err := t2.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 2, "reopening must append, never truncate")
	assert.Equal(t, "/a", entries[0].Path)
	assert.Equal(t, "/b", entries[1].Path)
	assert.NotEqual(t, entries[0].SessionID, entries[1].SessionID)
}

func TestTruncatedLineSkipped(t *testing.T) {
	trail := openTestTrail(t)
	require.NoError(t, trail.Record(Entry{Path: "/a", Decision: "keep", Mode: "remote"}))

	// Simulate a crash mid-write: a torn partial line at the end.
	f, err := os.OpenFile(trail.path, os.O_WRONLY|os.O_APPEND, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id": "torn`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := trail.ReadAll()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/a", entries[0].Path)
}

func TestConcurrentRecordsStayAtomic(t *testing.T) {
	trail := openTestTrail(t)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = trail.Record(Entry{
					Path:     fmt.Sprintf("/data/w%d/f%d", w, i),
					Decision: "review",
					Mode:     "remote",
				})
			}
		}(w)
	}
	wg.Wait()

	entries, err := trail.ReadAll()
	require.NoError(t, err)
	assert.Len(t, entries, writers*perWriter, "every entry intact and parseable")

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		assert.False(t, seen[e.ID], "duplicate entry id %s", e.ID)
		seen[e.ID] = true
	}
}

// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package audit provides the append-only decision log. Every terminal
// decision the engine reaches lands here exactly once; entries are
// never modified or deleted.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one audited decision. ErrorKind is set only when the
// decision was reached via a degraded path.
type Entry struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Timestamp   time.Time `json:"timestamp"`
	Fingerprint string    `json:"fingerprint"`
	Path        string    `json:"path"`
	Decision    string    `json:"decision"`
	Mode        string    `json:"mode"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Actor       string    `json:"actor"`
}

// Trail is an append-only JSONL audit log.
//
// Each entry is marshaled to one line and written with a single Write
// call under the mutex, so concurrent writers can interleave entries
// but never bytes within an entry. The file is opened O_APPEND; a
// crash can lose at most the entry being written, never corrupt an
// earlier one.
//
// Thread Safety: safe for concurrent use.
type Trail struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	sessionID string
	logger    *slog.Logger
	now       func() time.Time
}

// Open creates or opens the audit log at path, assigning a fresh
// session ID for this process.
//
// Inputs:
//
//	path - Log file location. Parent directories are created.
//	logger - Optional logger. Nil disables logging.
func Open(path string, logger *slog.Logger) (*Trail, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	t := &Trail{
		file:      f,
		path:      path,
		sessionID: uuid.NewString(),
		logger:    logger,
		now:       time.Now,
	}
	logger.Info("audit trail opened", "path", path, "session_id", t.sessionID)
	return t, nil
}

// SessionID returns this process's audit session identifier.
func (t *Trail) SessionID() string {
	return t.sessionID
}

// Record appends one entry. The entry's ID, session ID, and timestamp
// are assigned here; callers fill the decision fields.
func (t *Trail) Record(e Entry) error {
	e.ID = uuid.NewString()
	e.SessionID = t.sessionID
	e.Timestamp = t.now().UTC()
	if e.Actor == "" {
		e.Actor = "engine"
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}
	line = append(line, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.file.Write(line); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// ReadAll returns every entry in the log, oldest first. Unparseable
// lines are skipped with a warning rather than failing the read: a
// truncated final line from a crash must not hide the rest of the
// history.
func (t *Trail) ReadAll() ([]Entry, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("opening audit log for read: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			t.logger.Warn("skipping unparseable audit line", "line", lineNo, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("scanning audit log: %w", err)
	}
	return entries, nil
}

// Close syncs and closes the underlying file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.file.Sync(); err != nil {
		t.logger.Warn("audit log sync failed", "error", err)
	}
	return t.file.Close()
}

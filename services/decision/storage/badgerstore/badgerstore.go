// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package badgerstore provides the embedded persistence layer: the
// warm tier behind the in-memory assessment cache, and the durable
// home of daily usage counters. Values are JSON; entry expiry uses
// BadgerDB's native TTL.
package badgerstore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// gcDiscardRatio is the rewrite threshold passed to the value-log
// garbage collector: a file is rewritten when at least this fraction
// of it is stale.
const gcDiscardRatio = 0.5

// Config holds configuration for the embedded database.
type Config struct {
	// Path is the directory for database files. Required unless
	// InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). For
	// testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// GCInterval is how often the value-log garbage collector runs.
	// Zero disables it. In-memory databases have no value log and
	// never run it.
	GCInterval time.Duration

	// Logger is the logger for database operations. Nil disables
	// BadgerDB's internal logging.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: durable, synchronous
// writes.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
	}
}

// InMemoryConfig returns a configuration for tests: in-memory, no
// sync.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open creates and opens the database.
//
// Outputs:
//
//	*badger.DB - The opened database. Caller must Close() it.
//	error - Non-nil if the path is invalid or the database cannot be
//	    opened.
//
// Thread Safety: the returned *badger.DB is safe for concurrent use.
func Open(cfg Config) (*badger.DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	if !cfg.InMemory && cfg.GCInterval > 0 {
		logger := cfg.Logger
		if logger == nil {
			logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		}
		go runValueLogGC(db, cfg.GCInterval, logger)
	}
	return db, nil
}

// runValueLogGC periodically reclaims stale value-log space. BadgerDB
// does not schedule this itself; without it the value log only ever
// grows. ErrNoRewrite means there was nothing worth collecting. The
// loop exits once the database is closed.
func runValueLogGC(db *badger.DB, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if db.IsClosed() {
			return
		}
		err := db.RunValueLogGC(gcDiscardRatio)
		switch {
		case err == nil:
			logger.Debug("value log gc reclaimed a file")
		case errors.Is(err, badger.ErrNoRewrite):
		case errors.Is(err, badger.ErrDBClosed):
			return
		default:
			logger.Warn("value log gc failed", "error", err)
		}
	}
}

// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package record defines the immutable file metadata value passed through
// the decision pipeline.
//
// A FileRecord is created once by the scanner (an external collaborator)
// and never mutated afterwards. It carries metadata only: the engine never
// reads file content.
//
// # Ownership Model
//
// FileRecord is a plain value type. Callers own the records they create;
// the decision engine copies what it needs and never retains references
// past the duration of one analysis call.
package record

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/djherbis/times"
)

// FileType classifies what kind of filesystem entry a record describes.
type FileType string

const (
	// TypeFile is a regular file.
	TypeFile FileType = "file"

	// TypeDirectory is a directory.
	TypeDirectory FileType = "directory"

	// TypeSymlink is a symbolic link.
	TypeSymlink FileType = "symlink"

	// TypeOther covers sockets, devices, and anything else the engine
	// never deletes.
	TypeOther FileType = "other"
)

// FileRecord is the immutable metadata snapshot for one candidate file.
//
// Records contain no file content. All fields are captured at scan time;
// a record observed again for an unchanged file produces the same
// Fingerprint.
type FileRecord struct {
	// AbsolutePath is the full path to the file.
	AbsolutePath string `json:"absolute_path"`

	// Name is the base name including extension.
	Name string `json:"name"`

	// Extension is the lowercased extension including the leading dot,
	// or "" when the name has none.
	Extension string `json:"extension"`

	// SizeBytes is the file size at scan time.
	SizeBytes int64 `json:"size_bytes"`

	// ModifiedAt is the last modification time.
	ModifiedAt time.Time `json:"modified_at"`

	// DirectoryPath is the parent directory.
	DirectoryPath string `json:"directory_path"`

	// FileType classifies the entry.
	FileType FileType `json:"file_type"`

	// IsHidden reports whether the name starts with a dot (or carries
	// the hidden attribute on Windows scanners).
	IsHidden bool `json:"is_hidden"`

	// IsReadable reports whether the scanning user could read the file.
	IsReadable bool `json:"is_readable"`

	// IsWritable reports whether the scanning user could write the file.
	IsWritable bool `json:"is_writable"`
}

// AgeDays returns the whole number of days since the record's
// modification time, truncated. A file modified 30 days and 6 hours ago
// has an age of 30 days.
func (r FileRecord) AgeDays(now time.Time) int {
	if r.ModifiedAt.IsZero() || now.Before(r.ModifiedAt) {
		return 0
	}
	return int(now.Sub(r.ModifiedAt).Hours() / 24)
}

// FromPath builds a FileRecord for the entry at path.
//
// Description:
//
//	Convenience constructor for the CLI and tests. The production
//	scanner is an external collaborator with its own record source;
//	this helper uses Lstat (symlinks are not followed) plus
//	djherbis/times for cross-platform timestamp capture.
//
// Inputs:
//
//	path - File path. Made absolute before stat.
//
// Outputs:
//
//	FileRecord - The populated record.
//	error - Non-nil if the path cannot be made absolute or statted.
func FromPath(path string) (FileRecord, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return FileRecord{}, fmt.Errorf("resolve %s: %w", path, err)
	}

	info, err := os.Lstat(abs)
	if err != nil {
		return FileRecord{}, fmt.Errorf("stat %s: %w", abs, err)
	}

	modified := info.ModTime()
	if ts, err := times.Lstat(abs); err == nil {
		modified = ts.ModTime()
	}

	name := filepath.Base(abs)
	rec := FileRecord{
		AbsolutePath:  abs,
		Name:          name,
		Extension:     strings.ToLower(filepath.Ext(name)),
		SizeBytes:     info.Size(),
		ModifiedAt:    modified,
		DirectoryPath: filepath.Dir(abs),
		FileType:      classifyMode(info.Mode()),
		IsHidden:      strings.HasPrefix(name, "."),
		IsReadable:    checkAccess(abs, os.O_RDONLY),
		IsWritable:    checkAccess(abs, os.O_WRONLY),
	}
	return rec, nil
}

func classifyMode(mode os.FileMode) FileType {
	switch {
	case mode.IsRegular():
		return TypeFile
	case mode.IsDir():
		return TypeDirectory
	case mode&os.ModeSymlink != 0:
		return TypeSymlink
	default:
		return TypeOther
	}
}

// checkAccess probes access by opening the file. Directories and
// unreadable entries report false rather than erroring.
func checkAccess(path string, flag int) bool {
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package record

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint is the content-addressed cache and audit correlation key
// derived from a record's path, size, and modification time.
//
// Fingerprints are stable across runs: re-observing an unchanged file
// yields the same key, while any change to size or mtime produces a new
// one. xxhash is used for speed; this is a correlation key, not a
// cryptographic commitment.
type Fingerprint string

// Fingerprint derives the cache key for this record.
func (r FileRecord) Fingerprint() Fingerprint {
	d := xxhash.New()

	// Write errors are impossible for xxhash's in-memory digest.
	_, _ = d.WriteString(r.AbsolutePath)
	_, _ = d.Write([]byte{0})

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(r.SizeBytes))
	_, _ = d.Write(buf[:])

	binary.LittleEndian.PutUint64(buf[:], uint64(r.ModifiedAt.UnixNano()))
	_, _ = d.Write(buf[:])

	return Fingerprint(fmt.Sprintf("%016x", d.Sum64()))
}

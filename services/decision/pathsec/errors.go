// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pathsec

import "fmt"

// Kind identifies why a path failed validation.
type Kind string

const (
	// KindInjection means the path contained null bytes or shell
	// metacharacter sequences.
	KindInjection Kind = "injection"

	// KindTraversalAttempt means the path used parent-directory
	// references to escape the allowed bases.
	KindTraversalAttempt Kind = "traversal_attempt"

	// KindSymlinkLoop means symlink resolution cycled or exceeded the
	// depth bound.
	KindSymlinkLoop Kind = "symlink_loop"

	// KindSymlinkTargetUnsafe means a symlink resolved to a target that
	// itself failed validation.
	KindSymlinkTargetUnsafe Kind = "symlink_target_unsafe"

	// KindTooLong means the path exceeded the maximum length bound.
	KindTooLong Kind = "too_long"
)

// ValidationError is the typed failure returned by Validate.
//
// Callers must treat every ValidationError as non-deletable, never as
// "unknown, proceed".
type ValidationError struct {
	// Kind classifies the failure.
	Kind Kind

	// Path is the offending input path.
	Path string

	// Detail is the matched pattern or resolution detail, if any.
	Detail string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("path validation failed (%s): %s: %s", e.Kind, e.Path, e.Detail)
	}
	return fmt.Sprintf("path validation failed (%s): %s", e.Kind, e.Path)
}

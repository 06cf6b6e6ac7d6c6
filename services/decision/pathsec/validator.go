// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pathsec validates and normalizes candidate paths before any
// other component looks at them.
//
// The validator is pure: it never deletes or mutates anything. The only
// filesystem access is the metadata reads needed to resolve symlinks,
// and those happen strictly after the lexical checks, so hostile inputs
// are rejected without a single stat call.
//
// # Failure Semantics
//
// Every failure is a typed *ValidationError. Callers must treat any
// validation failure as non-deletable ("unknown" never means "proceed").
//
// # Thread Safety
//
// Validator is safe for concurrent use. The allowed-base set is guarded
// by an RWMutex; the protected-prefix table is immutable after
// construction.
package pathsec

import (
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

const (
	// maxPathLength bounds input length before any other processing.
	maxPathLength = 4096

	// maxSymlinkDepth bounds symlink chain resolution.
	maxSymlinkDepth = 16
)

// shellMetacharacters are sequences that indicate command injection
// rather than a legitimate file name. Checked against the raw input.
var shellMetacharacters = []string{";", "|", "&", "$", "`", "<", ">", "\n", "\r"}

// protectedSystemPrefixes is the cross-platform table of system roots
// that must never be treated as deletable. All three platforms are
// listed so records scanned on one OS stay protected when assessed on
// another.
var protectedSystemPrefixes = []string{
	// Windows
	"C:\\Windows", "C:\\Program Files", "C:\\Program Files (x86)",
	"C:\\ProgramData", "C:\\System Volume Information", "C:\\Recovery",
	"C:\\Boot", "C:\\EFI", "C:\\Documents and Settings",
	"C:/Windows", "C:/Program Files", "C:/Program Files (x86)",
	"C:/ProgramData", "C:/System Volume Information", "C:/Recovery",
	"C:/Boot", "C:/EFI", "C:/Documents and Settings",
	// macOS
	"/System", "/Library", "/Applications", "/private", "/automount",
	// Linux and shared Unix roots
	"/bin", "/sbin", "/usr/bin", "/usr/sbin", "/usr/lib",
	"/usr/local/bin", "/usr/local/sbin", "/lib", "/lib64",
	"/etc", "/boot", "/sys", "/proc", "/dev", "/root",
	"/run", "/srv", "/selinux",
}

// Result is the outcome of a successful validation.
type Result struct {
	// NormalizedPath is the cleaned absolute path.
	NormalizedPath string

	// IsSystemPath is true when the path (or a symlink target) falls
	// under a protected system prefix. The safety layer treats this as
	// Critical.
	IsSystemPath bool

	// SymlinkTarget is the final resolved target when the input was a
	// symlink, otherwise "".
	SymlinkTarget string
}

// Validator normalizes and rejects dangerous paths.
type Validator struct {
	mu           sync.RWMutex
	allowedBases map[string]struct{}

	// lstat and readlink are injectable for tests.
	lstat    func(string) (os.FileInfo, error)
	readlink func(string) (string, error)
}

// NewValidator creates a validator with the given allowed base paths.
//
// Allowed bases relax the traversal check: a path built from `..`
// segments is accepted only when its resolved form still falls under
// one of the bases.
func NewValidator(allowedBases ...string) *Validator {
	v := &Validator{
		allowedBases: make(map[string]struct{}, len(allowedBases)),
		lstat:        os.Lstat,
		readlink:     os.Readlink,
	}
	for _, base := range allowedBases {
		v.AddAllowedBase(base)
	}
	return v
}

// AddAllowedBase registers a base path under which traversal-built
// paths are acceptable.
func (v *Validator) AddAllowedBase(base string) {
	if base == "" {
		return
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return
	}
	v.mu.Lock()
	v.allowedBases[filepath.Clean(abs)] = struct{}{}
	v.mu.Unlock()
}

// RemoveAllowedBase unregisters a base path.
func (v *Validator) RemoveAllowedBase(base string) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return
	}
	v.mu.Lock()
	delete(v.allowedBases, filepath.Clean(abs))
	v.mu.Unlock()
}

// AllowedBases returns a snapshot of the registered base paths.
func (v *Validator) AllowedBases() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]string, 0, len(v.allowedBases))
	for base := range v.allowedBases {
		out = append(out, base)
	}
	return out
}

// Validate checks a candidate path.
//
// Description:
//
//	Runs the validation pipeline: (1) lexical rejection of null bytes,
//	shell metacharacters, and over-long inputs; (2) normalization and
//	traversal checks against the allowed bases; (3) protected system
//	prefix classification; (4) bounded symlink resolution with the
//	target re-validated through steps 1-3. Steps 1-3 perform no
//	filesystem access.
//
// Inputs:
//
//	path - Candidate path, absolute or relative.
//
// Outputs:
//
//	Result - Normalized path plus system-path classification.
//	error - *ValidationError when the path is rejected.
func (v *Validator) Validate(path string) (Result, error) {
	normalized, err := v.validateLexical(path)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		NormalizedPath: normalized,
		IsSystemPath:   IsProtectedSystemPath(normalized),
	}

	target, err := v.resolveSymlink(normalized)
	if err != nil {
		return Result{}, err
	}
	if target != "" {
		res.SymlinkTarget = target
		if IsProtectedSystemPath(target) {
			res.IsSystemPath = true
		}
	}

	return res, nil
}

// validateLexical runs steps 1-2 without touching the filesystem.
func (v *Validator) validateLexical(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", &ValidationError{Kind: KindInjection, Path: path, Detail: "null byte"}
	}
	if len(path) > maxPathLength {
		return "", &ValidationError{Kind: KindTooLong, Path: path}
	}
	for _, meta := range shellMetacharacters {
		if strings.Contains(path, meta) {
			return "", &ValidationError{Kind: KindInjection, Path: path, Detail: "metacharacter " + strings.TrimSpace(meta)}
		}
	}
	// Quotes are legal inside names but suspicious at the boundaries.
	for _, q := range []string{"'", `"`} {
		if strings.HasPrefix(path, q) || strings.HasSuffix(path, q) {
			return "", &ValidationError{Kind: KindInjection, Path: path, Detail: "quoted input"}
		}
	}

	// A path rooted on another platform must not be re-anchored under
	// the working directory: filepath.Abs on a Unix host would turn
	// "C:\Windows\..." into "<cwd>/C:\Windows\...", which no longer
	// matches the protected-prefix table.
	if foreign, norm := foreignAbsolutePath(path); foreign {
		if countParentRefs(path) > 0 {
			return "", &ValidationError{Kind: KindTraversalAttempt, Path: path, Detail: "resolves to " + norm}
		}
		return norm, nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", &ValidationError{Kind: KindInjection, Path: path, Detail: err.Error()}
	}
	normalized := filepath.Clean(abs)

	if countParentRefs(path) > 0 && !v.underAllowedBase(normalized) {
		return "", &ValidationError{Kind: KindTraversalAttempt, Path: path, Detail: "resolves to " + normalized}
	}

	return normalized, nil
}

// resolveSymlink follows a symlink chain with a bounded visited set.
// Returns "" when the path is not a symlink or does not exist.
func (v *Validator) resolveSymlink(path string) (string, error) {
	info, err := v.lstat(path)
	if err != nil {
		// Non-existent files are valid metadata-only inputs.
		return "", nil
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return "", nil
	}

	visited := map[string]struct{}{path: {}}
	current := path
	for depth := 0; depth < maxSymlinkDepth; depth++ {
		target, err := v.readlink(current)
		if err != nil {
			return "", &ValidationError{Kind: KindSymlinkTargetUnsafe, Path: path, Detail: "unresolvable link"}
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(current), target)
		}
		target = filepath.Clean(target)

		if _, seen := visited[target]; seen {
			return "", &ValidationError{Kind: KindSymlinkLoop, Path: path, Detail: target}
		}
		visited[target] = struct{}{}

		// The target goes through the same lexical pipeline as the
		// original input.
		if _, err := v.validateLexical(target); err != nil {
			return "", &ValidationError{Kind: KindSymlinkTargetUnsafe, Path: path, Detail: err.Error()}
		}

		info, err := v.lstat(target)
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			// Chain terminated: broken targets are fine to classify,
			// they just cannot be followed further.
			return target, nil
		}
		current = target
	}

	return "", &ValidationError{Kind: KindSymlinkLoop, Path: path, Detail: "depth bound exceeded"}
}

func (v *Validator) underAllowedBase(normalized string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for base := range v.allowedBases {
		if normalized == base || strings.HasPrefix(normalized, base+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// foreignAbsolutePath reports whether p is absolute on a platform
// other than the current one: drive-letter and UNC forms seen on a
// Unix host. The returned form has separators normalized so the
// protected-prefix classification still applies.
func foreignAbsolutePath(p string) (bool, string) {
	if runtime.GOOS == "windows" {
		return false, ""
	}
	drive := len(p) >= 3 &&
		((p[0] >= 'A' && p[0] <= 'Z') || (p[0] >= 'a' && p[0] <= 'z')) &&
		p[1] == ':' && (p[2] == '\\' || p[2] == '/')
	unc := strings.HasPrefix(p, `\\`)
	if !drive && !unc {
		return false, ""
	}
	norm := strings.ReplaceAll(p, "\\", "/")
	if unc {
		return true, "//" + path.Clean(strings.TrimLeft(norm, "/"))
	}
	return true, path.Clean(norm)
}

// countParentRefs counts ".." path segments in the raw input.
func countParentRefs(path string) int {
	n := 0
	for _, seg := range strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '\\'
	}) {
		if seg == ".." {
			n++
		}
	}
	return n
}

// IsProtectedSystemPath reports whether a normalized path falls under
// any protected system prefix. The comparison is case-insensitive and
// separator-agnostic so Windows records scanned elsewhere still match.
func IsProtectedSystemPath(path string) bool {
	candidate := strings.ToLower(strings.ReplaceAll(path, "\\", "/"))
	for _, prefix := range protectedSystemPrefixes {
		p := strings.ToLower(strings.ReplaceAll(prefix, "\\", "/"))
		if candidate == p || strings.HasPrefix(candidate, p+"/") {
			return true
		}
	}
	return false
}

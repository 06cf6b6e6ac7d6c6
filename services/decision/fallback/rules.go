// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package fallback

import (
	"path"
	"strings"
	"time"

	"github.com/kestrelworks/diskwarden/services/decision/pathsec"
	"github.com/kestrelworks/diskwarden/services/decision/record"
)

// rule is one deterministic classifier. Rules are evaluated in
// descending priority; the first match wins.
type rule interface {
	name() string
	priority() int

	// evaluate returns the verdict and true when the rule matches.
	evaluate(rec record.FileRecord, now time.Time) (Verdict, bool)
}

// matchName reports whether the lowered base name matches any glob.
func matchName(rec record.FileRecord, globs []string) bool {
	name := strings.ToLower(rec.Name)
	for _, g := range globs {
		if ok, err := path.Match(g, name); err == nil && ok {
			return true
		}
	}
	return false
}

// inDir reports whether any marker appears as a path segment of the
// directory, case-insensitively and separator-agnostically.
func inDir(rec record.FileRecord, markers []string) bool {
	dir := strings.ToLower(strings.ReplaceAll(rec.DirectoryPath, "\\", "/"))
	for _, seg := range strings.Split(dir, "/") {
		for _, m := range markers {
			if seg == m {
				return true
			}
		}
	}
	return false
}

// systemRule protects operating-system files. Highest priority so a
// system DLL inside a temp-looking path still reads as system.
type systemRule struct{}

var systemExtensions = map[string]bool{
	".sys": true, ".dll": true, ".drv": true, ".ocx": true,
	".so": true, ".dylib": true,
}

func (systemRule) name() string  { return "system_file" }
func (systemRule) priority() int { return 100 }

func (systemRule) evaluate(rec record.FileRecord, _ time.Time) (Verdict, bool) {
	if !systemExtensions[rec.Extension] && !pathsec.IsProtectedSystemPath(rec.AbsolutePath) {
		return Verdict{}, false
	}
	return Verdict{
		Path:           rec.AbsolutePath,
		Category:       CategorySystem,
		Recommendation: RecommendKeep,
		Confidence:     0.99,
		Reason:         "system file, required for operation",
		RiskLevel:      RiskCritical,
	}, true
}

// temporaryRule matches scratch files by name or location.
type temporaryRule struct{}

var tempNameGlobs = []string{
	"*.tmp", "*.temp", "~*", "*.swp", "*.swo", ".ds_store",
	"thumbs.db", "desktop.ini", "*.lock", "*.bak", "*.old",
}

var tempDirMarkers = []string{"tmp", "temp"}

func (temporaryRule) name() string  { return "temporary_file" }
func (temporaryRule) priority() int { return 90 }

func (temporaryRule) evaluate(rec record.FileRecord, now time.Time) (Verdict, bool) {
	if !matchName(rec, tempNameGlobs) && !inDir(rec, tempDirMarkers) {
		return Verdict{}, false
	}

	confidence := 0.95
	switch age := rec.AgeDays(now); {
	case age > 30:
		confidence = 0.98
	case age < 1:
		confidence = 0.80
	}

	return Verdict{
		Path:           rec.AbsolutePath,
		Category:       CategoryTemporary,
		Recommendation: RecommendDelete,
		Confidence:     confidence,
		Reason:         "temporary file, safe to delete",
		RiskLevel:      RiskLow,
	}, true
}

// cacheRule matches regenerable cache content.
type cacheRule struct{}

var cacheNameGlobs = []string{
	"*.cache", "*.cch", "cache.*", "*cache*",
	"favicon.*", "*.sqlite-shm", "*.sqlite-wal",
}

var cacheDirMarkers = []string{"cache", "caches", ".cache", "cache2"}

func (cacheRule) name() string  { return "cache_file" }
func (cacheRule) priority() int { return 85 }

func (cacheRule) evaluate(rec record.FileRecord, now time.Time) (Verdict, bool) {
	if !matchName(rec, cacheNameGlobs) && !inDir(rec, cacheDirMarkers) {
		return Verdict{}, false
	}

	confidence := 0.90
	switch age := rec.AgeDays(now); {
	case age > 7:
		confidence = 0.95
	case age < 1:
		confidence = 0.80
	}

	return Verdict{
		Path:           rec.AbsolutePath,
		Category:       CategoryCache,
		Recommendation: RecommendDelete,
		Confidence:     confidence,
		Reason:         "cache file, regenerated on demand",
		RiskLevel:      RiskLow,
	}, true
}

// logRule matches log output. Confidence is age-sensitive: old logs
// are disposable, recent ones may still be wanted for debugging.
type logRule struct{}

var logNameGlobs = []string{
	"*.log", "*.log.*", "log.*", "*.out", "*.err",
	"debug.*", "error.*", "access.*",
}

var logDirMarkers = []string{"log", "logs"}

func (logRule) name() string  { return "log_file" }
func (logRule) priority() int { return 80 }

func (logRule) evaluate(rec record.FileRecord, now time.Time) (Verdict, bool) {
	if !matchName(rec, logNameGlobs) && !inDir(rec, logDirMarkers) {
		return Verdict{}, false
	}

	confidence := 0.80
	switch age := rec.AgeDays(now); {
	case age > 30:
		confidence = 0.95
	case age < 7:
		confidence = 0.60
	}
	if rec.SizeBytes > 100<<20 {
		// Very large logs tend to be the one someone is tailing.
		confidence -= 0.10
		if confidence < 0.70 {
			confidence = 0.70
		}
	}

	recommendation := RecommendManualReview
	if confidence > 0.85 {
		recommendation = RecommendDelete
	}

	return Verdict{
		Path:           rec.AbsolutePath,
		Category:       CategoryLog,
		Recommendation: recommendation,
		Confidence:     confidence,
		Reason:         "log file, disposable once old enough",
		RiskLevel:      RiskMedium,
	}, true
}

// developmentRule matches build artifacts and dependency trees.
// Anything under a version-control directory is kept.
type developmentRule struct{}

var compiledArtifactExtensions = map[string]bool{
	".pyc": true, ".pyo": true, ".class": true, ".o": true, ".obj": true,
}

var devDirMarkers = []string{
	"__pycache__", "node_modules", "build", "dist",
	".pytest_cache", "target",
}

var vcsDirMarkers = []string{".git", ".svn", ".hg"}

func (developmentRule) name() string  { return "development_artifact" }
func (developmentRule) priority() int { return 70 }

func (developmentRule) evaluate(rec record.FileRecord, _ time.Time) (Verdict, bool) {
	if inDir(rec, vcsDirMarkers) {
		return Verdict{
			Path:           rec.AbsolutePath,
			Category:       CategoryDevelopment,
			Recommendation: RecommendKeep,
			Confidence:     0.30,
			Reason:         "version control data, must be preserved",
			RiskLevel:      RiskHigh,
		}, true
	}

	if !compiledArtifactExtensions[rec.Extension] && !inDir(rec, devDirMarkers) {
		return Verdict{}, false
	}

	confidence := 0.85
	if compiledArtifactExtensions[rec.Extension] {
		confidence = 0.95
	}

	recommendation := RecommendManualReview
	if confidence > 0.90 {
		recommendation = RecommendDelete
	}

	return Verdict{
		Path:           rec.AbsolutePath,
		Category:       CategoryDevelopment,
		Recommendation: recommendation,
		Confidence:     confidence,
		Reason:         "build artifact, regenerable from source",
		RiskLevel:      RiskMedium,
	}, true
}

// workingRule matches files inside active project trees.
type workingRule struct{}

var workingDirMarkers = []string{
	"work", "working", "projects", "src", "source", "code",
	"dev", "development", "workspace",
}

func (workingRule) name() string  { return "working_file" }
func (workingRule) priority() int { return 60 }

func (workingRule) evaluate(rec record.FileRecord, now time.Time) (Verdict, bool) {
	if !inDir(rec, workingDirMarkers) {
		return Verdict{}, false
	}

	confidence := 0.50
	recommendation := RecommendManualReview
	switch age := rec.AgeDays(now); {
	case age > 90:
		confidence = 0.70
	case age < 7:
		confidence = 0.20
		recommendation = RecommendKeep
	}

	return Verdict{
		Path:           rec.AbsolutePath,
		Category:       CategoryWorking,
		Recommendation: recommendation,
		Confidence:     confidence,
		Reason:         "working directory file, may still be in use",
		RiskLevel:      RiskMedium,
	}, true
}

// personalRule matches user content directories.
type personalRule struct{}

var personalDirMarkers = []string{
	"documents", "desktop", "downloads", "pictures", "photos",
	"videos", "music",
}

func (personalRule) name() string  { return "personal_file" }
func (personalRule) priority() int { return 55 }

func (personalRule) evaluate(rec record.FileRecord, now time.Time) (Verdict, bool) {
	if !inDir(rec, personalDirMarkers) {
		return Verdict{}, false
	}

	confidence := 0.30
	recommendation := RecommendKeep
	if rec.AgeDays(now) > 365 {
		confidence = 0.50
		recommendation = RecommendManualReview
	}

	return Verdict{
		Path:           rec.AbsolutePath,
		Category:       CategoryPersonal,
		Recommendation: recommendation,
		Confidence:     confidence,
		Reason:         "personal content, user review required",
		RiskLevel:      RiskHigh,
	}, true
}

// documentRule matches document formats. Very conservative.
type documentRule struct{}

var documentExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".xls": true,
	".xlsx": true, ".ppt": true, ".pptx": true, ".txt": true,
	".rtf": true, ".odt": true, ".ods": true, ".odp": true,
	".md": true, ".tex": true,
}

func (documentRule) name() string  { return "document_file" }
func (documentRule) priority() int { return 50 }

func (documentRule) evaluate(rec record.FileRecord, now time.Time) (Verdict, bool) {
	if !documentExtensions[rec.Extension] {
		return Verdict{}, false
	}

	confidence := 0.20
	recommendation := RecommendKeep
	if rec.AgeDays(now) > 730 {
		confidence = 0.40
		recommendation = RecommendManualReview
	}

	return Verdict{
		Path:           rec.AbsolutePath,
		Category:       CategoryDocument,
		Recommendation: recommendation,
		Confidence:     confidence,
		Reason:         "document, likely personal or work content",
		RiskLevel:      RiskHigh,
	}, true
}

// mediaRule matches audio, video and image formats. Always manual
// review: metadata alone cannot tell a vacation photo from a
// thumbnail.
type mediaRule struct{}

var mediaExtensions = map[string]bool{
	".mp4": true, ".avi": true, ".mov": true, ".mkv": true,
	".wmv": true, ".flv": true, ".mp3": true, ".wav": true,
	".flac": true, ".aac": true, ".ogg": true, ".jpg": true,
	".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
	".tiff": true, ".raw": true, ".cr2": true, ".nef": true,
	".arw": true,
}

func (mediaRule) name() string  { return "media_file" }
func (mediaRule) priority() int { return 40 }

func (mediaRule) evaluate(rec record.FileRecord, _ time.Time) (Verdict, bool) {
	if !mediaExtensions[rec.Extension] {
		return Verdict{}, false
	}

	confidence := 0.70
	switch {
	case rec.SizeBytes > 100<<20:
		confidence = 0.30
	case rec.SizeBytes < 1<<20:
		confidence = 0.80
	}

	return Verdict{
		Path:           rec.AbsolutePath,
		Category:       CategoryMedia,
		Recommendation: RecommendManualReview,
		Confidence:     confidence,
		Reason:         "media file, review before deletion",
		RiskLevel:      RiskMedium,
	}, true
}

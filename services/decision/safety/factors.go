// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package safety

import (
	"math"
	"strings"
	"time"

	"github.com/kestrelworks/diskwarden/services/decision/record"
)

// Factor value scale: 1.0 is safest to delete, 0.0 is least safe.

// safeExtensions score high: disposable build and cache artifacts.
var safeExtensions = map[string]float64{
	".tmp": 1.0, ".temp": 1.0, ".cache": 1.0, ".log": 0.95,
	".bak": 0.9, ".old": 0.9, ".swp": 1.0, ".swo": 1.0,
	".pyc": 0.95, ".pyo": 0.95, ".class": 0.95, ".o": 0.95, ".obj": 0.95,
}

// riskyExtensions score low: user documents and media whose loss is
// expensive.
var riskyExtensions = map[string]float64{
	".doc": 0.2, ".docx": 0.2, ".pdf": 0.2, ".xls": 0.2, ".xlsx": 0.2,
	".ppt": 0.2, ".pptx": 0.2,
	".jpg": 0.2, ".jpeg": 0.2, ".png": 0.2, ".gif": 0.2,
	".mp4": 0.2, ".avi": 0.2, ".mov": 0.2,
	".zip": 0.25, ".tar": 0.25, ".gz": 0.25, ".rar": 0.25, ".7z": 0.25,
	".exe": 0.1, ".dll": 0.1, ".so": 0.1, ".dylib": 0.1,
}

// tempLocationPrefixes classify scratch directories.
var tempLocationPrefixes = []string{
	"/tmp", "/temp", "/var/tmp", "/var/cache",
	"c:/temp", "c:/tmp", "c:/windows/temp",
}

// userLocationPrefixes classify personal data directories.
var userLocationPrefixes = []string{
	"/home", "/users", "c:/users", "c:/documents and settings",
}

const (
	defaultExtensionFactor = 0.6
	defaultLocationFactor  = 0.6

	// Age ramp: files younger than ageFloorDays score 0, files older
	// than ageCeilDays score 1, linear in between.
	ageFloorDays = 7
	ageCeilDays  = 90
)

// ageFactor maps file age to a monotonic safety value: older is safer.
func ageFactor(rec record.FileRecord, now time.Time) float64 {
	days := rec.AgeDays(now)
	switch {
	case days <= ageFloorDays:
		return 0.0
	case days >= ageCeilDays:
		return 1.0
	default:
		return float64(days-ageFloorDays) / float64(ageCeilDays-ageFloorDays)
	}
}

// extensionFactor looks up the extension risk table.
func extensionFactor(rec record.FileRecord) float64 {
	ext := strings.ToLower(rec.Extension)
	if v, ok := safeExtensions[ext]; ok {
		return v
	}
	if v, ok := riskyExtensions[ext]; ok {
		return v
	}
	return defaultExtensionFactor
}

// locationFactor classifies the directory: temp locations are safe,
// user data locations are risky, system locations are never safe.
func locationFactor(rec record.FileRecord) float64 {
	path := strings.ToLower(strings.ReplaceAll(rec.AbsolutePath, "\\", "/"))

	for _, prefix := range tempLocationPrefixes {
		if strings.HasPrefix(path, prefix+"/") || path == prefix {
			return 1.0
		}
	}
	for _, prefix := range userLocationPrefixes {
		if strings.HasPrefix(path, prefix+"/") || path == prefix {
			return 0.2
		}
	}
	return defaultLocationFactor
}

// sizeFactor scores small files safer than large ones on a log scale
// between 1 KiB and 1 GiB.
func sizeFactor(rec record.FileRecord) float64 {
	const (
		kib = 1024
		gib = 1024 * 1024 * 1024
	)
	switch {
	case rec.SizeBytes < kib:
		return 1.0
	case rec.SizeBytes > gib:
		return 0.0
	default:
		sizeMB := float64(rec.SizeBytes) / (1024 * 1024)
		return 1.0 - math.Log10(sizeMB+1)/math.Log10(1025)
	}
}

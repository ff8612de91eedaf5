// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Pre-start log rotation for the managed service logs. Rotation is
// best-effort: a boot must never fail because a log could not be
// renamed or compressed, so every error here is reported in the result
// and logged as a warning, never returned up the phase chain.

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/AleutianAI/roxnet/cmd/roxnet/config"
	"github.com/AleutianAI/roxnet/pkg/logging"
)

// rotationStamp formats rotation timestamps so archive names sort
// chronologically.
const rotationStamp = "20060102T150405"

// RotationResult reports what happened to one service log.
type RotationResult struct {
	Role    string
	LogPath string

	// Rotated is true when the live log was moved aside.
	Rotated bool

	// Archive is the compressed archive path when rotation succeeded
	// end to end.
	Archive string

	// Pruned counts old archives removed to honor the retention limit.
	Pruned int

	// Err is the first failure hit for this log. Non-fatal.
	Err error
}

// LogRotator rotates oversized service logs before new processes start
// appending to them.
type LogRotator interface {
	RotateAll(cfg config.NodeConfig) []RotationResult
}

// DefaultLogRotator implements LogRotator on the local filesystem.
type DefaultLogRotator struct {
	log *logging.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewLogRotator creates a log rotator.
func NewLogRotator(log *logging.Logger) *DefaultLogRotator {
	return &DefaultLogRotator{log: log, now: time.Now}
}

// RotateAll rotates every managed service log that crossed the size
// threshold. Failures are logged and reported, never fatal.
func (r *DefaultLogRotator) RotateAll(cfg config.NodeConfig) []RotationResult {
	results := make([]RotationResult, 0, len(managedRoles))
	for _, role := range managedRoles {
		res := r.rotateOne(cfg, role)
		if res.Err != nil {
			r.log.Warn("log rotation failed", "role", role, "path", res.LogPath, "error", res.Err)
		} else if res.Rotated {
			r.log.Info("log rotated", "role", role, "archive", res.Archive, "pruned", res.Pruned)
		}
		results = append(results, res)
	}
	return results
}

// rotateOne rotates a single service log: rename aside, compress,
// prune old archives.
func (r *DefaultLogRotator) rotateOne(cfg config.NodeConfig, role string) RotationResult {
	res := RotationResult{Role: role, LogPath: cfg.ServiceLogPath(role)}

	info, err := os.Stat(res.LogPath)
	if os.IsNotExist(err) {
		return res
	}
	if err != nil {
		res.Err = err
		return res
	}
	if info.Size() <= cfg.LogMaxSizeBytes() {
		return res
	}

	stamp := r.now().UTC().Format(rotationStamp)
	rotated := strings.TrimSuffix(res.LogPath, ".log") + "-" + stamp + ".log"
	if err := os.Rename(res.LogPath, rotated); err != nil {
		res.Err = fmt.Errorf("rotate %s: %w", res.LogPath, err)
		return res
	}
	res.Rotated = true

	archive, err := compressFile(rotated)
	if err != nil {
		// The live log is already fresh at this point; the uncompressed
		// rotated file stays behind and the next prune pass ignores it.
		res.Err = fmt.Errorf("compress %s: %w", rotated, err)
		return res
	}
	res.Archive = archive

	pruned, err := pruneArchives(filepath.Dir(res.LogPath), role, cfg.Rotation.KeepCount)
	res.Pruned = pruned
	if err != nil {
		res.Err = fmt.Errorf("prune archives for %s: %w", role, err)
	}
	return res
}

// compressFile gzips src into src.gz and removes src on success.
func compressFile(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dst := src + ".gz"
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		os.Remove(dst)
		return "", err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", err
	}

	if err := os.Remove(src); err != nil {
		return dst, err
	}
	return dst, nil
}

// pruneArchives removes the oldest compressed archives for a role
// beyond keepCount. Archive names embed a UTC timestamp, so the
// lexicographic order is the chronological order.
func pruneArchives(dir, role string, keepCount int) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	prefix := role + "-"
	var archives []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".log.gz") {
			continue
		}
		archives = append(archives, name)
	}
	if len(archives) <= keepCount {
		return 0, nil
	}

	sort.Strings(archives)
	pruned := 0
	for _, name := range archives[:len(archives)-keepCount] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// Compile-time interface compliance check.
var _ LogRotator = (*DefaultLogRotator)(nil)

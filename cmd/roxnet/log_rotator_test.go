// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/AleutianAI/roxnet/cmd/roxnet/config"
)

// fixedClockRotator returns a rotator whose timestamps are pinned so
// archive names are predictable.
func fixedClockRotator(at time.Time) *DefaultLogRotator {
	r := NewLogRotator(newTestLogger())
	r.now = func() time.Time { return at }
	return r
}

func oversizedPayload(cfg config.NodeConfig) []byte {
	payload := bytes.Repeat([]byte("validator log line\n"), 1024)
	for int64(len(payload)) <= cfg.LogMaxSizeBytes() {
		payload = append(payload, payload...)
	}
	return payload
}

func TestLogRotator_AbsentLogIsNoop(t *testing.T) {
	cfg := testNodeConfig(t)
	r := fixedClockRotator(time.Now())

	results := r.RotateAll(cfg)
	if len(results) != len(managedRoles) {
		t.Fatalf("got %d results, want one per role", len(results))
	}
	for _, res := range results {
		if res.Rotated || res.Err != nil {
			t.Errorf("%s: result = %+v, want untouched no-op", res.Role, res)
		}
	}
}

func TestLogRotator_UnderThresholdUntouched(t *testing.T) {
	cfg := testNodeConfig(t)
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		t.Fatal(err)
	}
	small := []byte("a few lines\n")
	logPath := writeTestFile(t, cfg.LogDir, RoleValidator+".log", small)

	results := fixedClockRotator(time.Now()).RotateAll(cfg)
	for _, res := range results {
		if res.Rotated || res.Err != nil {
			t.Errorf("%s: result = %+v, want untouched", res.Role, res)
		}
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("log vanished: %v", err)
	}
	if !bytes.Equal(data, small) {
		t.Error("under-threshold log was modified")
	}
}

func TestLogRotator_RotatesOversizedLog(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.Rotation.MaxSizeMB = 1
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		t.Fatal(err)
	}

	payload := oversizedPayload(cfg)
	writeTestFile(t, cfg.LogDir, RoleValidator+".log", payload)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r := fixedClockRotator(at)

	results := r.RotateAll(cfg)
	var res RotationResult
	for _, candidate := range results {
		if candidate.Role == RoleValidator {
			res = candidate
		}
	}

	if res.Err != nil {
		t.Fatalf("rotation error: %v", res.Err)
	}
	if !res.Rotated {
		t.Fatal("Rotated = false for an oversized log")
	}

	wantArchive := filepath.Join(cfg.LogDir, RoleValidator+"-20250601T120000.log.gz")
	if res.Archive != wantArchive {
		t.Errorf("Archive = %q, want %q", res.Archive, wantArchive)
	}

	// The live log was moved aside; the next service start recreates it.
	if _, err := os.Stat(cfg.ServiceLogPath(RoleValidator)); !os.IsNotExist(err) {
		t.Error("live log still present after rotation")
	}
	// The uncompressed intermediate is gone too.
	if _, err := os.Stat(strings.TrimSuffix(wantArchive, ".gz")); !os.IsNotExist(err) {
		t.Error("uncompressed rotated file left behind")
	}

	// The archive decompresses back to the original content.
	f, err := os.Open(wantArchive)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("archive is not gzip: %v", err)
	}
	defer gz.Close()
	restored, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("decompress archive: %v", err)
	}
	if !bytes.Equal(restored, payload) {
		t.Errorf("archive content differs: %d bytes restored, %d written", len(restored), len(payload))
	}
}

func TestLogRotator_PruneKeepsNewestArchives(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.Rotation.MaxSizeMB = 1
	cfg.Rotation.KeepCount = 2
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		t.Fatal(err)
	}

	// Three old archives; the rotation below brings the count to four.
	old := []string{
		RoleValidator + "-20240101T000000.log.gz",
		RoleValidator + "-20240201T000000.log.gz",
		RoleValidator + "-20240301T000000.log.gz",
	}
	for _, name := range old {
		writeTestFile(t, cfg.LogDir, name, []byte("archived"))
	}
	// A foreign role's archive must not count against this role.
	writeTestFile(t, cfg.LogDir, RoleFaucet+"-20230101T000000.log.gz", []byte("other role"))

	writeTestFile(t, cfg.LogDir, RoleValidator+".log", oversizedPayload(cfg))

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	results := fixedClockRotator(at).RotateAll(cfg)

	var res RotationResult
	for _, candidate := range results {
		if candidate.Role == RoleValidator {
			res = candidate
		}
	}
	if res.Err != nil {
		t.Fatalf("rotation error: %v", res.Err)
	}
	if res.Pruned != 2 {
		t.Errorf("Pruned = %d, want 2", res.Pruned)
	}

	// The two oldest are gone; the newest old one and the fresh archive
	// remain, as does the other role's archive.
	for _, name := range old[:2] {
		if _, err := os.Stat(filepath.Join(cfg.LogDir, name)); !os.IsNotExist(err) {
			t.Errorf("old archive %s survived the prune", name)
		}
	}
	for _, name := range []string{
		old[2],
		RoleValidator + "-20250601T120000.log.gz",
		RoleFaucet + "-20230101T000000.log.gz",
	} {
		if _, err := os.Stat(filepath.Join(cfg.LogDir, name)); err != nil {
			t.Errorf("expected archive %s missing: %v", name, err)
		}
	}
}

func TestLogRotator_RotateAllCoversBothRoles(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.Rotation.MaxSizeMB = 1
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		t.Fatal(err)
	}
	payload := oversizedPayload(cfg)
	for _, role := range managedRoles {
		writeTestFile(t, cfg.LogDir, role+".log", payload)
	}

	results := fixedClockRotator(time.Now()).RotateAll(cfg)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, res := range results {
		if !res.Rotated || res.Err != nil {
			t.Errorf("%s: result = %+v, want rotated cleanly", res.Role, res)
		}
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// handle_store.go persists process handles for spawned services. A
// handle written at spawn time is the only authority later invocations
// consult when deciding what to stop: cleanup signals the recorded PID
// instead of guessing by process name.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProcessHandle is the persisted record of one spawned service.
//
// # Description
//
// A handle is written immediately after a service starts and removed
// when it is deliberately stopped. The RunID distinguishes a handle
// written by this invocation from one left behind by an earlier run,
// and the recorded command line lets status output show what is
// actually running without re-deriving it.
type ProcessHandle struct {
	// Role identifies the service ("validator", "faucet").
	Role string `json:"role"`

	// PID is the process ID recorded at spawn time.
	PID int `json:"pid"`

	// RunID is the UUID of the bootstrap invocation that spawned this
	// process.
	RunID string `json:"run_id"`

	// StartedAt is when the process was spawned.
	StartedAt time.Time `json:"started_at"`

	// LogPath is where the service's stdout and stderr are redirected.
	LogPath string `json:"log_path"`

	// Command is the full argv the service was launched with.
	Command []string `json:"command"`
}

// Uptime returns how long the process has been running as of now.
func (h ProcessHandle) Uptime(now time.Time) time.Duration {
	if h.StartedAt.IsZero() || now.Before(h.StartedAt) {
		return 0
	}
	return now.Sub(h.StartedAt)
}

// HandleStore reads and writes ProcessHandle records under the run
// directory, one JSON file per role.
//
// # Thread Safety
//
// Safe for concurrent use. Writes are atomic (temp file + rename) so a
// crash mid-write never leaves a truncated handle behind.
type HandleStore struct {
	dir string
	mu  sync.Mutex
}

// NewHandleStore creates a store rooted at the given run directory. The
// directory is created lazily on first save.
func NewHandleStore(dir string) *HandleStore {
	return &HandleStore{dir: dir}
}

// Dir returns the run directory backing this store.
func (s *HandleStore) Dir() string {
	return s.dir
}

// Save persists a handle for its role, replacing any previous record.
func (s *HandleStore) Save(h ProcessHandle) error {
	if h.Role == "" {
		return fmt.Errorf("refusing to save handle without a role")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create run directory %s: %w", s.dir, err)
	}

	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("encode handle for %s: %w", h.Role, err)
	}

	filePath := s.path(h.Role)

	// Write to temp file first for atomic operation
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write handle for %s: %w", h.Role, err)
	}

	// Atomic rename
	if err := os.Rename(tempPath, filePath); err != nil {
		// Clean up temp file on failure
		_ = os.Remove(tempPath)
		return fmt.Errorf("finalize handle for %s: %w", h.Role, err)
	}

	return nil
}

// Load returns the handle for a role, or nil if none is recorded.
//
// # Outputs
//
//   - *ProcessHandle: The recorded handle, nil when no file exists
//   - error: Non-nil only for read or decode failures
func (s *HandleStore) Load(role string) (*ProcessHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(role))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read handle for %s: %w", role, err)
	}

	var h ProcessHandle
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("decode handle for %s: %w", role, err)
	}
	return &h, nil
}

// Remove deletes the handle for a role. Removing an absent handle is
// not an error.
func (s *HandleStore) Remove(role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(role)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove handle for %s: %w", role, err)
	}
	return nil
}

// List returns all recorded handles sorted by role.
//
// # Description
//
// Walks the run directory and decodes every handle file. Files that
// fail to decode are skipped: writes are atomic, so an undecodable file
// is foreign junk in the run directory, not a partial write worth
// failing status output over. Load the role individually to see the
// decode error.
func (s *HandleStore) List() ([]ProcessHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run directory %s: %w", s.dir, err)
	}

	var handles []ProcessHandle
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var h ProcessHandle
		if err := json.Unmarshal(data, &h); err != nil || h.Role == "" {
			continue
		}
		handles = append(handles, h)
	}

	sort.Slice(handles, func(i, j int) bool { return handles[i].Role < handles[j].Role })
	return handles, nil
}

func (s *HandleStore) path(role string) string {
	return filepath.Join(s.dir, role+".json")
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package infra provides pre-flight system checks for the roxnet start
command.

# Problem Statement

When users run `roxnet start`, several system requirements must be met:

 1. The rox-* toolchain binaries must be resolvable
 2. The bootstrap keypairs must exist before genesis can be built
 3. Declared program artifacts must be present
 4. The ledger volume must have enough free space

Previously, a missing requirement surfaced deep inside node startup:
  - an opaque exec error when rox-genesis wasn't on PATH
  - a validator crash loop when the identity keypair was absent
  - a corrupt half-written ledger when the disk filled mid-build

These errors were confusing and didn't provide actionable remediation
steps.

# Solution

The checks in this package validate requirements explicitly and early:

	┌─────────────────────────────────────────────────────────────────┐
	│                        roxnet start                             │
	├─────────────────────────────────────────────────────────────────┤
	│                                                                 │
	│  1. LookupTool() for each required binary  ← Clear error if not │
	│                                                                 │
	│  2. CheckKeypair() for each bootstrap key                       │
	│     └─ Remediation points at `roxnet keys init`                 │
	│                                                                 │
	│  3. CheckArtifact() for each declared program                   │
	│     └─ Remediation points at `roxnet fetch`                     │
	│                                                                 │
	│  4. CheckDiskSpace() on the ledger volume                       │
	│     └─ Refuses before a partial genesis build can corrupt it    │
	│                                                                 │
	│  5. Genesis build / service spawn proceed knowing the ground    │
	│     is solid                                                    │
	│                                                                 │
	└─────────────────────────────────────────────────────────────────┘

# Error Types

	CheckErrorBinaryMissing    - A rox-* tool was not found
	CheckErrorKeypairMissing   - A bootstrap keypair file is absent
	CheckErrorArtifactMissing  - A declared program artifact is absent
	CheckErrorVersionTooOld    - The validator binary predates the floor
	CheckErrorPermissionDenied - Cannot read a required path

Disk exhaustion is reported separately as *DiskSpaceError because
callers need the measured numbers, not just a message.

# Usage

	checker := infra.NewDefaultSystemChecker(cfg.BinDir)

	path, err := checker.LookupTool("rox-validator")
	if err != nil {
	    var checkErr *infra.CheckError
	    if errors.As(err, &checkErr) {
	        fmt.Println(checkErr.FullError())
	    }
	    return err
	}

	if err := checker.CheckDiskSpace(cfg.LedgerDir, cfg.DiskMinFreeBytes()); err != nil {
	    return err
	}
*/
package infra

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// -----------------------------------------------------------------------------
// Error Types
// -----------------------------------------------------------------------------

// CheckErrorType categorizes system check failures for programmatic handling.
type CheckErrorType int

const (
	// CheckErrorBinaryMissing indicates a rox-* tool was not found.
	CheckErrorBinaryMissing CheckErrorType = iota

	// CheckErrorKeypairMissing indicates a bootstrap keypair file is absent.
	CheckErrorKeypairMissing

	// CheckErrorArtifactMissing indicates a declared program artifact is absent.
	CheckErrorArtifactMissing

	// CheckErrorVersionTooOld indicates the validator binary predates the
	// configured minimum version.
	CheckErrorVersionTooOld

	// CheckErrorPermissionDenied indicates a required path cannot be read.
	CheckErrorPermissionDenied
)

// String returns the error type as a string for logging.
func (t CheckErrorType) String() string {
	switch t {
	case CheckErrorBinaryMissing:
		return "BINARY_MISSING"
	case CheckErrorKeypairMissing:
		return "KEYPAIR_MISSING"
	case CheckErrorArtifactMissing:
		return "ARTIFACT_MISSING"
	case CheckErrorVersionTooOld:
		return "VERSION_TOO_OLD"
	case CheckErrorPermissionDenied:
		return "PERMISSION_DENIED"
	default:
		return "UNKNOWN"
	}
}

// CheckError provides structured error information for system checks.
type CheckError struct {
	// Type categorizes the error for programmatic handling.
	Type CheckErrorType

	// Message is a human-readable error description.
	Message string

	// Detail provides technical information for debugging.
	Detail string

	// Remediation suggests how to fix the issue.
	Remediation string

	// HealCommand, when non-empty, is a single roxnet command that
	// repairs the issue (e.g. "roxnet keys init").
	HealCommand string
}

// Error implements the error interface.
func (e *CheckError) Error() string {
	return e.Message
}

// FullError returns a detailed error message including remediation.
func (e *CheckError) FullError() string {
	var buf bytes.Buffer
	buf.WriteString(e.Message)
	if e.Detail != "" {
		buf.WriteString("\n\nDetails: ")
		buf.WriteString(e.Detail)
	}
	if e.Remediation != "" {
		buf.WriteString("\n\nTo fix:\n")
		buf.WriteString(e.Remediation)
	}
	if e.HealCommand != "" {
		buf.WriteString("\n\nNote: This issue may be auto-fixable. Run: ")
		buf.WriteString(e.HealCommand)
	}
	return buf.String()
}

// DiskSpaceError reports that a volume is below the free-space floor.
// It carries the measured numbers so callers can log and display them
// rather than re-measuring.
type DiskSpaceError struct {
	// Path is the directory whose volume was measured.
	Path string

	// FreeBytes is the available space found.
	FreeBytes uint64

	// RequiredBytes is the configured floor that was not met.
	RequiredBytes uint64
}

// Error implements the error interface.
func (e *DiskSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space on %s: %s available, %s required",
		e.Path, FormatBytes(e.FreeBytes), FormatBytes(e.RequiredBytes))
}

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// SystemChecker defines the contract for pre-flight system checks.
// This interface enables testing with mocks and ensures all system
// requirements are verified before the node boots.
//
// Implementations must be safe for concurrent use.
type SystemChecker interface {
	// LookupTool resolves a tool binary and returns its path.
	// Returns a *CheckError of type CheckErrorBinaryMissing if absent.
	LookupTool(name string) (string, error)

	// CheckKeypair verifies a keypair file exists and is readable.
	// Returns a *CheckError of type CheckErrorKeypairMissing if absent.
	CheckKeypair(path string) error

	// CheckArtifact verifies a program artifact exists and is readable.
	// Returns a *CheckError of type CheckErrorArtifactMissing if absent.
	CheckArtifact(path string) error

	// FreeDiskSpace returns available bytes on the volume holding path.
	FreeDiskSpace(path string) (uint64, error)

	// CheckDiskSpace verifies the volume holding path has at least
	// requiredBytes available. Returns a *DiskSpaceError if not.
	CheckDiskSpace(path string, requiredBytes uint64) error
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// DefaultSystemChecker implements SystemChecker for the local system.
type DefaultSystemChecker struct {
	// binDir, when non-empty, is the only place tools are looked up.
	// Empty means standard PATH resolution.
	binDir string

	// statfs is swappable for tests.
	statfs func(path string, st *unix.Statfs_t) error

	// Cache for tool lookups; a path that resolved once will not move
	// mid-invocation.
	cacheMu       sync.RWMutex
	toolPathCache map[string]string
}

// NewDefaultSystemChecker creates a system checker.
//
// # Inputs
//
//   - binDir: Directory holding the rox-* tools, or empty for PATH lookup
func NewDefaultSystemChecker(binDir string) *DefaultSystemChecker {
	return &DefaultSystemChecker{
		binDir:        binDir,
		statfs:        unix.Statfs,
		toolPathCache: make(map[string]string),
	}
}

// LookupTool resolves a tool binary and returns its path.
func (c *DefaultSystemChecker) LookupTool(name string) (string, error) {
	c.cacheMu.RLock()
	if path, ok := c.toolPathCache[name]; ok {
		c.cacheMu.RUnlock()
		return path, nil
	}
	c.cacheMu.RUnlock()

	path, err := c.resolveTool(name)
	if err != nil {
		return "", err
	}

	c.cacheMu.Lock()
	c.toolPathCache[name] = path
	c.cacheMu.Unlock()
	return path, nil
}

func (c *DefaultSystemChecker) resolveTool(name string) (string, error) {
	if c.binDir != "" {
		candidate := filepath.Join(c.binDir, name)
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, nil
		}
		return "", &CheckError{
			Type:    CheckErrorBinaryMissing,
			Message: fmt.Sprintf("%s not found in %s", name, c.binDir),
			Detail:  fmt.Sprintf("Looked for: %s", candidate),
			Remediation: fmt.Sprintf(`Build the node binaries and place them in %s,
or clear bin_dir in the config to resolve tools on PATH.`, c.binDir),
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", &CheckError{
			Type:    CheckErrorBinaryMissing,
			Message: fmt.Sprintf("%s not found on PATH", name),
			Detail:  err.Error(),
			Remediation: fmt.Sprintf(`Build the node binaries and either add them to PATH
or set bin_dir in the config to point at them.

Verify with: which %s`, name),
		}
	}
	return path, nil
}

// CheckKeypair verifies a keypair file exists and is readable.
func (c *DefaultSystemChecker) CheckKeypair(path string) error {
	return c.checkFile(path, &CheckError{
		Type:        CheckErrorKeypairMissing,
		Message:     fmt.Sprintf("keypair %s is missing", filepath.Base(path)),
		Detail:      fmt.Sprintf("Looked for: %s", path),
		Remediation: "Generate the bootstrap keypairs before starting the node.",
		HealCommand: "roxnet keys init",
	})
}

// CheckArtifact verifies a program artifact exists and is readable.
func (c *DefaultSystemChecker) CheckArtifact(path string) error {
	return c.checkFile(path, &CheckError{
		Type:        CheckErrorArtifactMissing,
		Message:     fmt.Sprintf("program artifact %s is missing", filepath.Base(path)),
		Detail:      fmt.Sprintf("Looked for: %s", path),
		Remediation: "Download the program artifacts declared in the config.",
		HealCommand: "roxnet fetch",
	})
}

// checkFile stats the path and returns missing on absence, including
// when a parent directory does not exist yet.
func (c *DefaultSystemChecker) checkFile(path string, missing *CheckError) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return missing
		}
		if os.IsPermission(err) {
			return &CheckError{
				Type:        CheckErrorPermissionDenied,
				Message:     fmt.Sprintf("cannot read %s: permission denied", path),
				Detail:      err.Error(),
				Remediation: fmt.Sprintf("Check permissions: ls -la %s", filepath.Dir(path)),
			}
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		missing.Detail = fmt.Sprintf("%s is a directory, expected a file", path)
		return missing
	}
	return nil
}

// FreeDiskSpace returns available bytes on the volume holding path.
//
// # Description
//
// Walks up from path to the nearest existing ancestor before calling
// statfs, so space can be measured for directories that will be created
// later in the same run.
func (c *DefaultSystemChecker) FreeDiskSpace(path string) (uint64, error) {
	checkPath := path
	for {
		if _, err := os.Stat(checkPath); err == nil {
			break
		}
		parent := filepath.Dir(checkPath)
		if parent == checkPath {
			break
		}
		checkPath = parent
	}

	var stat unix.Statfs_t
	if err := c.statfs(checkPath, &stat); err != nil {
		return 0, fmt.Errorf("statfs failed for %s: %w", checkPath, err)
	}

	return stat.Bavail * uint64(stat.Bsize), nil
}

// CheckDiskSpace verifies the volume holding path has at least
// requiredBytes available.
func (c *DefaultSystemChecker) CheckDiskSpace(path string, requiredBytes uint64) error {
	if requiredBytes == 0 {
		return nil
	}

	free, err := c.FreeDiskSpace(path)
	if err != nil {
		return err
	}

	if free < requiredBytes {
		return &DiskSpaceError{
			Path:          path,
			FreeBytes:     free,
			RequiredBytes: requiredBytes,
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Version Parsing
// -----------------------------------------------------------------------------

// ParseToolVersion extracts a semver string from a rox tool's --version
// output.
//
// # Description
//
// The tools print a line like:
//
//	rox-validator 1.4.2 (src:de9f1a2c; feat:3580551090)
//
// The second field is the version. The returned string carries a "v"
// prefix so it can be handed directly to semver comparison.
//
// # Outputs
//
//   - string: Version like "v1.4.2"
//   - error: Non-nil if the output has no recognizable version field
func ParseToolVersion(output string) (string, error) {
	line := strings.TrimSpace(output)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", fmt.Errorf("unrecognized version output %q", line)
	}

	version := strings.TrimPrefix(fields[1], "v")
	for _, r := range version {
		if (r < '0' || r > '9') && r != '.' {
			return "", fmt.Errorf("unrecognized version %q in output %q", fields[1], line)
		}
	}
	return "v" + version, nil
}

// -----------------------------------------------------------------------------
// Helper Functions
// -----------------------------------------------------------------------------

// FormatBytes renders a byte count in human-readable units.
func FormatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}

// Compile-time interface compliance check.
var _ SystemChecker = (*DefaultSystemChecker)(nil)

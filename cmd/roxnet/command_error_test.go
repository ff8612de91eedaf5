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
	"errors"
	"fmt"
	"testing"
)

// =============================================================================
// Error Formatting Tests
// =============================================================================

func TestCommandError_ErrorFormats(t *testing.T) {
	tests := []struct {
		name string
		err  *CommandError
		want string
	}{
		{
			name: "with stderr",
			err:  &CommandError{Command: "rox-genesis", ExitCode: 1, Stderr: "ledger directory not empty"},
			want: "rox-genesis (exit 1): ledger directory not empty",
		},
		{
			name: "wrapped only",
			err:  &CommandError{Command: "rox-keygen", ExitCode: -1, Wrapped: errors.New("executable file not found")},
			want: "rox-keygen (exit -1): executable file not found",
		},
		{
			name: "bare",
			err:  &CommandError{Command: "rox", ExitCode: 2},
			want: "rox (exit 2)",
		},
		{
			name: "stderr wins over wrapped",
			err:  &CommandError{Command: "rox", ExitCode: 1, Stderr: "from stderr", Wrapped: errors.New("from wait")},
			want: "rox (exit 1): from stderr",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewCommandError_TrimsStderr(t *testing.T) {
	err := NewCommandError("rox-genesis", 1, "\n  Error: boom  \n\n", nil)
	if err.Stderr != "Error: boom" {
		t.Errorf("Stderr = %q, want trimmed", err.Stderr)
	}
	if !err.HasStderr() {
		t.Error("HasStderr() = false after trimming non-empty stderr")
	}
}

func TestCommandError_HasStderr(t *testing.T) {
	if (&CommandError{Stderr: ""}).HasStderr() {
		t.Error("HasStderr() = true for empty stderr")
	}
	if !(&CommandError{Stderr: "x"}).HasStderr() {
		t.Error("HasStderr() = false for non-empty stderr")
	}
}

// =============================================================================
// Unwrapping Tests
// =============================================================================

func TestCommandError_Unwrap(t *testing.T) {
	inner := errors.New("permission denied")
	err := NewCommandError("rox-validator", -1, "", inner)

	if !errors.Is(err, inner) {
		t.Error("errors.Is did not find the wrapped error")
	}

	var cmdErr *CommandError
	wrapped := fmt.Errorf("start validator: %w", err)
	if !errors.As(wrapped, &cmdErr) {
		t.Fatal("errors.As did not find the CommandError through a wrap")
	}
	if cmdErr.Command != "rox-validator" {
		t.Errorf("Command = %q, want rox-validator", cmdErr.Command)
	}
}

// =============================================================================
// ExtractStderr Tests
// =============================================================================

func TestExtractStderr(t *testing.T) {
	cmdErr := NewCommandError("rox-genesis", 1, "Error: bad primordial file", nil)

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("nope"), ""},
		{"direct", cmdErr, "Error: bad primordial file"},
		{"wrapped once", fmt.Errorf("build: %w", cmdErr), "Error: bad primordial file"},
		{"wrapped twice", fmt.Errorf("start: %w", fmt.Errorf("build: %w", cmdErr)), "Error: bad primordial file"},
		{"command error without stderr", NewCommandError("rox", 1, "", errors.New("x")), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractStderr(tt.err); got != tt.want {
				t.Errorf("ExtractStderr() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractStderr_FirstInChainWins(t *testing.T) {
	inner := NewCommandError("rox-keygen", 1, "inner stderr", nil)
	outer := NewCommandError("rox-genesis", 1, "outer stderr", inner)

	if got := ExtractStderr(outer); got != "outer stderr" {
		t.Errorf("ExtractStderr() = %q, want the outermost stderr", got)
	}
}

package main

import (
	"fmt"
	"strings"
)

// CommandError wraps a tool invocation failure with stderr context.
//
// # Description
//
// Provides rich error context for rox-* tool failures, including the
// command that failed, exit code, and stderr output. Implements the
// error interface and supports unwrapping.
//
// # Example
//
//	err := NewCommandError("rox-genesis", 1, "Error: ledger directory not empty", originalErr)
//	fmt.Println(err.Error()) // "rox-genesis (exit 1): Error: ledger directory not empty"
//
//	var cmdErr *CommandError
//	if errors.As(err, &cmdErr) {
//	    fmt.Println(cmdErr.Stderr)
//	}
type CommandError struct {
	// Command is the command that was executed.
	Command string

	// ExitCode is the process exit code (-1 if unknown).
	ExitCode int

	// Stderr contains the standard error output.
	Stderr string

	// Wrapped is the underlying error.
	Wrapped error
}

// Error returns a formatted error message.
//
// # Description
//
// Returns a human-readable error message that includes the command,
// exit code, and stderr output if available.
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
//
// # Description
//
// Enables errors.Is() and errors.As() to work through the error chain.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// HasStderr returns true if stderr output is available.
func (e *CommandError) HasStderr() bool {
	return e.Stderr != ""
}

// NewCommandError creates a CommandError with full context.
//
// # Description
//
// Creates a new CommandError with command name, exit code, stderr,
// and underlying error. Stderr is trimmed of leading/trailing whitespace.
//
// # Inputs
//
//   - cmd: The command that was executed (e.g., "rox-keygen")
//   - exitCode: Process exit code (-1 if unknown)
//   - stderr: Standard error output (will be trimmed)
//   - wrapped: Underlying error (may be nil)
//
// # Outputs
//
//   - *CommandError: New error with full context
//
// # Example
//
//	if err := cmd.Run(); err != nil {
//	    return NewCommandError("rox-keygen", exitCode, stderr.String(), err)
//	}
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

// ExtractStderr extracts stderr from an error chain.
//
// # Description
//
// Walks the error chain looking for a CommandError with stderr.
// Returns the first stderr found, or empty string if none.
//
// # Inputs
//
//   - err: Error to extract stderr from
//
// # Outputs
//
//   - string: Stderr content or empty string
//
// # Example
//
//	stderr := ExtractStderr(err)
//	if stderr != "" {
//	    fmt.Fprintf(os.Stderr, "Tool output:\n%s\n", stderr)
//	}
func ExtractStderr(err error) string {
	for err != nil {
		if cmdErr, ok := err.(*CommandError); ok && cmdErr.HasStderr() {
			return cmdErr.Stderr
		}
		// Try unwrapping
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return ""
}

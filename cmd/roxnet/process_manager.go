// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// process_manager.go abstracts external process execution. All exec calls
// in the bootstrap code go through ProcessManager so tool invocations,
// service spawning, and signal delivery can be mocked in unit tests.
//
// Liveness is always checked against a concrete PID recorded at spawn
// time, never by matching process names: name patterns can match
// unrelated processes (an editor with "rox-validator" in its argv, a
// second network's node) and killing by pattern is how orchestrators
// destroy the wrong process.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// SpawnSpec describes a long-running service to launch detached.
type SpawnSpec struct {
	// Name is the executable name or path.
	Name string

	// Args are the command arguments.
	Args []string

	// Env is the complete child environment. Nil inherits the parent's.
	Env []string

	// Dir is the working directory. Empty inherits the parent's.
	Dir string

	// LogPath receives the child's combined stdout and stderr, appended.
	LogPath string
}

// ExitStatus reports how a spawned process ended.
type ExitStatus struct {
	// Code is the process exit code, or -1 if it could not be determined
	// (e.g. the process was killed by a signal).
	Code int

	// Err is the wait error, nil for a clean exit.
	Err error
}

// StartedProcess is the live handle for a freshly spawned service.
type StartedProcess struct {
	// PID of the spawned process.
	PID int

	// Exit receives exactly one ExitStatus when the process terminates.
	// The channel is buffered; abandoning it does not leak a goroutine
	// past the child's lifetime.
	Exit <-chan ExitStatus
}

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// ProcessManager handles external process operations.
//
// This interface abstracts all interaction with the operating system's
// process management, enabling testable code that doesn't require real
// process execution.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use from multiple goroutines.
type ProcessManager interface {
	// Run executes a tool synchronously and returns its stdout.
	//
	// # Description
	//
	// Executes the specified command with arguments and waits for
	// completion. On failure the returned error is a *CommandError
	// carrying the exit code and trimmed stderr, so callers can surface
	// the tool's own diagnostics.
	//
	// # Inputs
	//
	//   - ctx: Context for cancellation/timeout
	//   - name: The executable name or path
	//   - args: Command arguments (variadic)
	//
	// # Outputs
	//
	//   - []byte: Standard output (may be non-empty even on error)
	//   - error: *CommandError if the tool fails, context error if cancelled
	//
	// # Example
	//
	//	out, err := pm.Run(ctx, "rox-keygen", "pubkey", keyPath)
	//	if err != nil {
	//	    return fmt.Errorf("read pubkey: %w", err)
	//	}
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// StartDetached launches a service in its own session.
	//
	// # Description
	//
	// Starts the process described by spec with stdout and stderr
	// redirected to spec.LogPath. The child is placed in a new session
	// so it survives the orchestrator exiting and never receives the
	// terminal's signals. A reaper goroutine waits on the child and
	// delivers its ExitStatus on the returned handle's Exit channel.
	//
	// # Inputs
	//
	//   - ctx: Used only for pre-spawn work; cancellation does NOT kill
	//     the detached child
	//   - spec: What to launch and where its output goes
	//
	// # Outputs
	//
	//   - *StartedProcess: PID plus exit notification channel
	//   - error: Non-nil if the log file cannot be opened or the process
	//     fails to start
	//
	// # Limitations
	//
	//   - The Exit channel only reports exits observed while the
	//     orchestrator itself is still running
	StartDetached(ctx context.Context, spec SpawnSpec) (*StartedProcess, error)

	// Signal delivers a signal to a PID.
	//
	// # Description
	//
	// Sends sig to the process with the given PID. Used to terminate
	// stale services recorded in persisted process handles.
	//
	// # Outputs
	//
	//   - error: Non-nil if the signal cannot be delivered (e.g. no such
	//     process)
	Signal(pid int, sig unix.Signal) error

	// Alive reports whether a PID refers to a live process.
	//
	// # Description
	//
	// Probes the PID with signal 0. A process that exists but is owned
	// by another user counts as alive.
	//
	// # Outputs
	//
	//   - bool: True if the process exists
	Alive(pid int) bool
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// DefaultProcessManager implements ProcessManager using os/exec.
//
// This is the production implementation that executes real processes on
// the system. Use MockProcessManager in tests instead.
type DefaultProcessManager struct{}

// NewDefaultProcessManager creates a new DefaultProcessManager.
func NewDefaultProcessManager() *DefaultProcessManager {
	return &DefaultProcessManager{}
}

// Run executes a tool synchronously and returns its stdout.
func (pm *DefaultProcessManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return stdout.Bytes(), ctx.Err()
		}
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return stdout.Bytes(), NewCommandError(name, exitCode, stderr.String(), err)
	}

	return stdout.Bytes(), nil
}

// StartDetached launches a service in its own session.
func (pm *DefaultProcessManager) StartDetached(_ context.Context, spec SpawnSpec) (*StartedProcess, error) {
	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open service log %s: %w", spec.LogPath, err)
	}

	// Deliberately not CommandContext: the child must outlive the CLI.
	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.Dir = spec.Dir
	if spec.Env != nil {
		cmd.Env = spec.Env
	}
	cmd.SysProcAttr = &unix.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	exitCh := make(chan ExitStatus, 1)
	go func() {
		// Wait reaps the child so it never lingers as a zombie while the
		// CLI is still alive. The log file stays open until then.
		defer logFile.Close()
		werr := cmd.Wait()
		status := ExitStatus{Code: 0}
		if werr != nil {
			status.Code = -1
			status.Err = werr
			var exitErr *exec.ExitError
			if errors.As(werr, &exitErr) {
				status.Code = exitErr.ExitCode()
			}
		}
		exitCh <- status
	}()

	return &StartedProcess{PID: cmd.Process.Pid, Exit: exitCh}, nil
}

// Signal delivers a signal to a PID.
func (pm *DefaultProcessManager) Signal(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("refusing to signal pid %d", pid)
	}
	return unix.Kill(pid, sig)
}

// Alive reports whether a PID refers to a live process.
func (pm *DefaultProcessManager) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, unix.EPERM)
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockProcessManager is a test double for ProcessManager.
//
// Configure the mock by setting function fields before use. If a function
// field is nil and the corresponding method is called, it will panic.
//
// # Example
//
//	mock := &MockProcessManager{
//	    RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
//	        if name == "rox-keygen" && args[0] == "pubkey" {
//	            return []byte("7nYabs9dUh...\n"), nil
//	        }
//	        return nil, fmt.Errorf("unexpected command: %s", name)
//	    },
//	}
type MockProcessManager struct {
	// RunFunc is called when Run is invoked
	RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

	// StartDetachedFunc is called when StartDetached is invoked
	StartDetachedFunc func(ctx context.Context, spec SpawnSpec) (*StartedProcess, error)

	// SignalFunc is called when Signal is invoked
	SignalFunc func(pid int, sig unix.Signal) error

	// AliveFunc is called when Alive is invoked
	AliveFunc func(pid int) bool

	// Calls records all method invocations for verification
	Calls []ProcessManagerCall

	// mu protects Calls for concurrent access
	mu sync.Mutex
}

// ProcessManagerCall records a single method invocation.
type ProcessManagerCall struct {
	Method string
	Name   string
	Args   []string
	Spec   SpawnSpec
	PID    int
	Sig    unix.Signal
}

// Run delegates to RunFunc and records the call.
func (m *MockProcessManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, ProcessManagerCall{
		Method: "Run",
		Name:   name,
		Args:   args,
	})
	if m.RunFunc == nil {
		panic("MockProcessManager.RunFunc not set")
	}
	return m.RunFunc(ctx, name, args...)
}

// StartDetached delegates to StartDetachedFunc and records the call.
func (m *MockProcessManager) StartDetached(ctx context.Context, spec SpawnSpec) (*StartedProcess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, ProcessManagerCall{
		Method: "StartDetached",
		Name:   spec.Name,
		Args:   spec.Args,
		Spec:   spec,
	})
	if m.StartDetachedFunc == nil {
		panic("MockProcessManager.StartDetachedFunc not set")
	}
	return m.StartDetachedFunc(ctx, spec)
}

// Signal delegates to SignalFunc and records the call.
func (m *MockProcessManager) Signal(pid int, sig unix.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, ProcessManagerCall{
		Method: "Signal",
		PID:    pid,
		Sig:    sig,
	})
	if m.SignalFunc == nil {
		panic("MockProcessManager.SignalFunc not set")
	}
	return m.SignalFunc(pid, sig)
}

// Alive delegates to AliveFunc and records the call.
func (m *MockProcessManager) Alive(pid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, ProcessManagerCall{
		Method: "Alive",
		PID:    pid,
	})
	if m.AliveFunc == nil {
		panic("MockProcessManager.AliveFunc not set")
	}
	return m.AliveFunc(pid)
}

// Reset clears all recorded calls.
func (m *MockProcessManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

// GetCalls returns a copy of all recorded calls.
func (m *MockProcessManager) GetCalls() []ProcessManagerCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]ProcessManagerCall, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// Compile-time interface compliance check.
var (
	_ ProcessManager = (*DefaultProcessManager)(nil)
	_ ProcessManager = (*MockProcessManager)(nil)
)

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
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// =============================================================================
// DefaultProcessManager Tests
// =============================================================================

func TestDefaultProcessManager_Run(t *testing.T) {
	pm := NewDefaultProcessManager()

	out, err := pm.Run(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("Run(echo) error: %v", err)
	}
	if got := strings.TrimSpace(string(out)); got != "hello" {
		t.Errorf("Run(echo) output = %q, want hello", got)
	}
}

func TestDefaultProcessManager_RunFailureIsCommandError(t *testing.T) {
	pm := NewDefaultProcessManager()

	_, err := pm.Run(context.Background(), "sh", "-c", "echo oops 1>&2; exit 3")
	if err == nil {
		t.Fatal("Run() = nil error for a failing command")
	}

	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Run() error = %T, want *CommandError", err)
	}
	if cmdErr.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", cmdErr.ExitCode)
	}
	if cmdErr.Stderr != "oops" {
		t.Errorf("Stderr = %q, want oops", cmdErr.Stderr)
	}
}

func TestDefaultProcessManager_RunHonorsContext(t *testing.T) {
	pm := NewDefaultProcessManager()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := pm.Run(ctx, "sleep", "5")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestDefaultProcessManager_Alive(t *testing.T) {
	pm := NewDefaultProcessManager()

	if pm.Alive(0) || pm.Alive(-1) {
		t.Error("Alive() = true for a non-positive pid")
	}
	if !pm.Alive(os.Getpid()) {
		t.Error("Alive(own pid) = false")
	}
}

func TestDefaultProcessManager_SignalRefusesBadPID(t *testing.T) {
	pm := NewDefaultProcessManager()

	if err := pm.Signal(0, unix.SIGTERM); err == nil {
		t.Error("Signal(0) = nil, want refusal")
	}
	if err := pm.Signal(-5, unix.SIGTERM); err == nil {
		t.Error("Signal(-5) = nil, want refusal")
	}
}

func TestDefaultProcessManager_StartDetached(t *testing.T) {
	pm := NewDefaultProcessManager()
	logPath := filepath.Join(t.TempDir(), "svc.log")

	proc, err := pm.StartDetached(context.Background(), SpawnSpec{
		Name:    "sh",
		Args:    []string{"-c", "echo started; echo failed 1>&2; exit 3"},
		LogPath: logPath,
	})
	if err != nil {
		t.Fatalf("StartDetached() error: %v", err)
	}
	if proc.PID <= 0 {
		t.Errorf("PID = %d, want positive", proc.PID)
	}

	select {
	case status := <-proc.Exit:
		if status.Code != 3 {
			t.Errorf("exit Code = %d, want 3", status.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process never reported exit")
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read service log: %v", err)
	}
	// Both streams land in the same log.
	if !strings.Contains(string(data), "started") || !strings.Contains(string(data), "failed") {
		t.Errorf("log = %q, want stdout and stderr captured", data)
	}
}

func TestDefaultProcessManager_StartDetachedCleanExit(t *testing.T) {
	pm := NewDefaultProcessManager()

	proc, err := pm.StartDetached(context.Background(), SpawnSpec{
		Name:    "true",
		LogPath: filepath.Join(t.TempDir(), "svc.log"),
	})
	if err != nil {
		t.Fatalf("StartDetached() error: %v", err)
	}

	select {
	case status := <-proc.Exit:
		if status.Code != 0 || status.Err != nil {
			t.Errorf("exit = %+v, want clean", status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("process never reported exit")
	}
}

func TestDefaultProcessManager_StartDetachedBadLogPath(t *testing.T) {
	pm := NewDefaultProcessManager()

	_, err := pm.StartDetached(context.Background(), SpawnSpec{
		Name:    "true",
		LogPath: filepath.Join(t.TempDir(), "missing-dir", "svc.log"),
	})
	if err == nil {
		t.Error("StartDetached() = nil error with an unopenable log path")
	}
}

func TestDefaultProcessManager_StartDetachedMissingBinary(t *testing.T) {
	pm := NewDefaultProcessManager()

	_, err := pm.StartDetached(context.Background(), SpawnSpec{
		Name:    "definitely-not-a-real-binary-1b7f",
		LogPath: filepath.Join(t.TempDir(), "svc.log"),
	})
	if err == nil {
		t.Error("StartDetached() = nil error for a missing binary")
	}
}

// =============================================================================
// MockProcessManager Tests
// =============================================================================

func TestMockProcessManager_RecordsCalls(t *testing.T) {
	mock := &MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte("out"), nil
		},
		SignalFunc: func(pid int, sig unix.Signal) error { return nil },
		AliveFunc:  func(pid int) bool { return true },
	}

	if _, err := mock.Run(context.Background(), "rox-keygen", "pubkey", "id.json"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if err := mock.Signal(42, unix.SIGTERM); err != nil {
		t.Fatalf("Signal() error: %v", err)
	}
	mock.Alive(42)

	calls := mock.GetCalls()
	if len(calls) != 3 {
		t.Fatalf("recorded %d calls, want 3", len(calls))
	}
	if calls[0].Method != "Run" || calls[0].Name != "rox-keygen" || calls[0].Args[0] != "pubkey" {
		t.Errorf("call 0 = %+v", calls[0])
	}
	if calls[1].Method != "Signal" || calls[1].PID != 42 || calls[1].Sig != unix.SIGTERM {
		t.Errorf("call 1 = %+v", calls[1])
	}
	if calls[2].Method != "Alive" || calls[2].PID != 42 {
		t.Errorf("call 2 = %+v", calls[2])
	}

	// GetCalls hands out a copy.
	calls[0].Name = "mutated"
	if mock.GetCalls()[0].Name != "rox-keygen" {
		t.Error("GetCalls() exposed internal state")
	}

	mock.Reset()
	if len(mock.GetCalls()) != 0 {
		t.Error("Reset() left calls behind")
	}
}

func TestMockProcessManager_PanicsWithoutFunc(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("calling an unconfigured mock method should panic")
		}
	}()
	mock := &MockProcessManager{}
	_, _ = mock.Run(context.Background(), "anything")
}

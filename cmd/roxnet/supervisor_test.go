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
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/AleutianAI/roxnet/cmd/roxnet/config"
)

// newTestSupervisor wires a supervisor with fast stop timing so the
// TERM-to-KILL escalation paths run in milliseconds.
func newTestSupervisor(cfg config.NodeConfig, pm ProcessManager) *DefaultProcessSupervisor {
	s := NewProcessSupervisor(pm, NewHandleStore(cfg.RunDir), newTestLogger())
	s.stopTimeout = 50 * time.Millisecond
	s.pollInterval = time.Millisecond
	return s
}

// =============================================================================
// Argument Assembly Tests
// =============================================================================

func TestServiceTool(t *testing.T) {
	if got := serviceTool(RoleFaucet); got != ToolFaucet {
		t.Errorf("serviceTool(faucet) = %q", got)
	}
	if got := serviceTool(RoleValidator); got != ToolValidator {
		t.Errorf("serviceTool(validator) = %q", got)
	}
}

func TestServiceArgs_Faucet(t *testing.T) {
	cfg := testNodeConfig(t)

	want := []string{
		"--keypair", cfg.FaucetKeyPath(),
		"--port", strconv.Itoa(cfg.Network.FaucetPort),
	}
	if got := serviceArgs(cfg, RoleFaucet); !reflect.DeepEqual(got, want) {
		t.Errorf("serviceArgs(faucet) = %v, want %v", got, want)
	}
}

func TestServiceArgs_Validator(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.Supervise.ValidatorArgs = []string{"--full-rpc-api", "--no-wait-for-vote-to-start-leader"}

	want := []string{
		"--identity", cfg.IdentityKeyPath(),
		"--vote-account", cfg.VoteAccountKeyPath(),
		"--ledger", cfg.LedgerDir,
		"--rpc-bind-address", cfg.Network.RPCHost,
		"--rpc-port", strconv.Itoa(cfg.Network.RPCPort),
		"--gossip-port", strconv.Itoa(cfg.Network.GossipPort),
		"--rpc-faucet-address", cfg.FaucetAddr(),
		"--log", cfg.ServiceLogPath(RoleValidator),
		"--full-rpc-api", "--no-wait-for-vote-to-start-leader",
	}
	if got := serviceArgs(cfg, RoleValidator); !reflect.DeepEqual(got, want) {
		t.Errorf("serviceArgs(validator) = %v, want %v", got, want)
	}
}

func TestServiceEnvOverlay(t *testing.T) {
	cfg := testNodeConfig(t)

	overlay, err := serviceEnvOverlay(cfg)
	if err != nil {
		t.Fatalf("serviceEnvOverlay() error: %v", err)
	}
	if got := overlay.Get(EnvRoxLog); got != DefaultRoxLogLevel {
		t.Errorf("default %s = %q, want %q", EnvRoxLog, got, DefaultRoxLogLevel)
	}

	cfg.Supervise.Env = map[string]string{
		EnvRoxLog:        "rox=debug",
		"RUST_BACKTRACE": "1",
	}
	overlay, err = serviceEnvOverlay(cfg)
	if err != nil {
		t.Fatalf("serviceEnvOverlay() error: %v", err)
	}
	if got := overlay.Get(EnvRoxLog); got != "rox=debug" {
		t.Errorf("config override lost: %s = %q", EnvRoxLog, got)
	}
	if got := overlay.Get("RUST_BACKTRACE"); got != "1" {
		t.Errorf("extra var lost: RUST_BACKTRACE = %q", got)
	}

	cfg.Supervise.Env = map[string]string{"bad key": "x"}
	if _, err := serviceEnvOverlay(cfg); err == nil || !strings.Contains(err.Error(), "supervise.env") {
		t.Errorf("serviceEnvOverlay() error = %v, want a supervise.env complaint", err)
	}
}

// =============================================================================
// StopAll Tests
// =============================================================================

func TestSupervisor_StopAllNothingRecorded(t *testing.T) {
	cfg := testNodeConfig(t)
	// The nil-func mock panics on any call, so passing proves no
	// process was probed or signaled.
	s := newTestSupervisor(cfg, &MockProcessManager{})

	stopped, err := s.StopAll(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StopAll() error: %v", err)
	}
	if len(stopped) != 0 {
		t.Errorf("stopped = %v, want none", stopped)
	}
}

func TestSupervisor_StopAllCleansDeadHandles(t *testing.T) {
	cfg := testNodeConfig(t)
	pm := &MockProcessManager{
		AliveFunc: func(pid int) bool { return false },
	}
	s := newTestSupervisor(cfg, pm)

	if err := s.store.Save(ProcessHandle{Role: RoleValidator, PID: 12345}); err != nil {
		t.Fatal(err)
	}

	stopped, err := s.StopAll(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StopAll() error: %v", err)
	}
	if len(stopped) != 0 {
		t.Errorf("stopped = %v, want none for an already-dead process", stopped)
	}

	h, err := s.store.Load(RoleValidator)
	if err != nil {
		t.Fatal(err)
	}
	if h != nil {
		t.Error("stale handle not cleaned up")
	}
}

func TestSupervisor_StopAllTermIsEnough(t *testing.T) {
	cfg := testNodeConfig(t)

	termSent := false
	pm := &MockProcessManager{
		AliveFunc: func(pid int) bool { return !termSent },
		SignalFunc: func(pid int, sig unix.Signal) error {
			if sig == unix.SIGTERM {
				termSent = true
			}
			return nil
		},
	}
	s := newTestSupervisor(cfg, pm)

	if err := s.store.Save(ProcessHandle{Role: RoleValidator, PID: 4242}); err != nil {
		t.Fatal(err)
	}

	stopped, err := s.StopAll(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StopAll() error: %v", err)
	}
	if !reflect.DeepEqual(stopped, []string{RoleValidator}) {
		t.Errorf("stopped = %v, want [validator]", stopped)
	}

	for _, call := range pm.GetCalls() {
		if call.Method == "Signal" && call.Sig == unix.SIGKILL {
			t.Error("escalated to SIGKILL though SIGTERM was honored")
		}
	}

	if h, _ := s.store.Load(RoleValidator); h != nil {
		t.Error("handle not removed after stop")
	}
}

func TestSupervisor_StopAllEscalatesToKill(t *testing.T) {
	cfg := testNodeConfig(t)

	killSent := false
	pm := &MockProcessManager{
		AliveFunc: func(pid int) bool { return !killSent },
		SignalFunc: func(pid int, sig unix.Signal) error {
			if sig == unix.SIGKILL {
				killSent = true
			}
			return nil
		},
	}
	s := newTestSupervisor(cfg, pm)
	s.stopTimeout = 20 * time.Millisecond

	if err := s.store.Save(ProcessHandle{Role: RoleFaucet, PID: 99}); err != nil {
		t.Fatal(err)
	}

	stopped, err := s.StopAll(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StopAll() error: %v", err)
	}
	if !reflect.DeepEqual(stopped, []string{RoleFaucet}) {
		t.Errorf("stopped = %v, want [faucet]", stopped)
	}

	var sigs []unix.Signal
	for _, call := range pm.GetCalls() {
		if call.Method == "Signal" {
			sigs = append(sigs, call.Sig)
		}
	}
	if !reflect.DeepEqual(sigs, []unix.Signal{unix.SIGTERM, unix.SIGKILL}) {
		t.Errorf("signals = %v, want TERM then KILL", sigs)
	}
}

func TestSupervisor_StopAllReportsUnkillable(t *testing.T) {
	cfg := testNodeConfig(t)

	pm := &MockProcessManager{
		AliveFunc:  func(pid int) bool { return true },
		SignalFunc: func(pid int, sig unix.Signal) error { return nil },
	}
	s := newTestSupervisor(cfg, pm)
	s.stopTimeout = 10 * time.Millisecond

	if err := s.store.Save(ProcessHandle{Role: RoleValidator, PID: 77}); err != nil {
		t.Fatal(err)
	}

	stopped, err := s.StopAll(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "survived SIGKILL") {
		t.Fatalf("StopAll() error = %v, want a survived-SIGKILL report", err)
	}
	if len(stopped) != 0 {
		t.Errorf("stopped = %v, want none", stopped)
	}
}

func TestSupervisor_StopAllReverseStartOrder(t *testing.T) {
	cfg := testNodeConfig(t)

	// Per-PID liveness: each process dies on its first signal.
	dead := map[int]bool{}
	pm := &MockProcessManager{
		AliveFunc: func(pid int) bool { return !dead[pid] },
		SignalFunc: func(pid int, sig unix.Signal) error {
			dead[pid] = true
			return nil
		},
	}

	s := newTestSupervisor(cfg, pm)
	if err := s.store.Save(ProcessHandle{Role: RoleFaucet, PID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.store.Save(ProcessHandle{Role: RoleValidator, PID: 2}); err != nil {
		t.Fatal(err)
	}

	stopped, err := s.StopAll(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StopAll() error: %v", err)
	}
	if !reflect.DeepEqual(stopped, []string{RoleValidator, RoleFaucet}) {
		t.Errorf("stopped = %v, want the validator first", stopped)
	}

	var signaledPIDs []int
	for _, call := range pm.GetCalls() {
		if call.Method == "Signal" {
			signaledPIDs = append(signaledPIDs, call.PID)
		}
	}
	if !reflect.DeepEqual(signaledPIDs, []int{2, 1}) {
		t.Errorf("signal order = %v, want validator (2) before faucet (1)", signaledPIDs)
	}
}

// =============================================================================
// StartServices Tests
// =============================================================================

func TestSupervisor_StartServices(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.Supervise.SettleWindowMS = 20
	cfg.Supervise.Env = map[string]string{EnvRoxLog: "rox=debug"}

	nextPID := 100
	var specs []SpawnSpec
	pm := &MockProcessManager{
		StartDetachedFunc: func(ctx context.Context, spec SpawnSpec) (*StartedProcess, error) {
			nextPID++
			specs = append(specs, spec)
			return &StartedProcess{PID: nextPID, Exit: make(chan ExitStatus, 1)}, nil
		},
	}
	s := newTestSupervisor(cfg, pm)

	handles, err := s.StartServices(context.Background(), cfg)
	if err != nil {
		t.Fatalf("StartServices() error: %v", err)
	}
	if len(handles) != 2 {
		t.Fatalf("got %d handles, want 2", len(handles))
	}

	// Faucet first, then validator.
	if handles[0].Role != RoleFaucet || handles[1].Role != RoleValidator {
		t.Errorf("handle order = [%s, %s], want [faucet, validator]", handles[0].Role, handles[1].Role)
	}

	for i, role := range managedRoles {
		spec := specs[i]
		if spec.Name != cfg.ToolPath(serviceTool(role)) {
			t.Errorf("%s spec.Name = %q, want %q", role, spec.Name, cfg.ToolPath(serviceTool(role)))
		}
		if !reflect.DeepEqual(spec.Args, serviceArgs(cfg, role)) {
			t.Errorf("%s spec.Args = %v", role, spec.Args)
		}
		if spec.LogPath != cfg.ServiceLogPath(role) {
			t.Errorf("%s spec.LogPath = %q", role, spec.LogPath)
		}

		// The overlay is appended after the inherited environment, so
		// the config's ROX_LOG wins.
		last := ""
		for _, kv := range spec.Env {
			if strings.HasPrefix(kv, EnvRoxLog+"=") {
				last = kv
			}
		}
		if last != EnvRoxLog+"=rox=debug" {
			t.Errorf("%s final %s entry = %q, want the config override", role, EnvRoxLog, last)
		}

		h, err := s.store.Load(role)
		if err != nil {
			t.Fatal(err)
		}
		if h == nil {
			t.Fatalf("%s handle not persisted", role)
		}
		if h.PID != handles[i].PID || h.RunID == "" {
			t.Errorf("%s persisted handle = %+v", role, h)
		}
		wantCmd := append([]string{spec.Name}, spec.Args...)
		if !reflect.DeepEqual(h.Command, wantCmd) {
			t.Errorf("%s recorded command = %v", role, h.Command)
		}
	}
}

func TestSupervisor_StartServicesEarlyExit(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.Supervise.SettleWindowMS = 20

	// Seed the validator log so the error can carry a tail.
	writeTestFile(t, cfg.LogDir, RoleValidator+".log",
		[]byte("loading ledger\nError: genesis hash mismatch\npanicked\n"))

	pm := &MockProcessManager{
		StartDetachedFunc: func(ctx context.Context, spec SpawnSpec) (*StartedProcess, error) {
			exit := make(chan ExitStatus, 1)
			pid := 500
			if strings.Contains(spec.Name, ToolValidator) {
				pid = 501
				exit <- ExitStatus{Code: 1}
			}
			return &StartedProcess{PID: pid, Exit: exit}, nil
		},
	}
	s := newTestSupervisor(cfg, pm)

	handles, err := s.StartServices(context.Background(), cfg)

	var exited *ProcessExitedError
	if !errors.As(err, &exited) {
		t.Fatalf("StartServices() error = %v, want *ProcessExitedError", err)
	}
	if exited.Role != RoleValidator || exited.PID != 501 || exited.Code != 1 {
		t.Errorf("exited = %+v", exited)
	}
	if exited.LogPath != cfg.ServiceLogPath(RoleValidator) {
		t.Errorf("LogPath = %q", exited.LogPath)
	}
	if !strings.Contains(exited.LogTail, "genesis hash mismatch") {
		t.Errorf("LogTail = %q, want the log content", exited.LogTail)
	}

	// The faucet came up before the validator died.
	if len(handles) != 1 || handles[0].Role != RoleFaucet {
		t.Errorf("handles = %v, want the started faucet", handles)
	}

	// No handle may survive for a process that is already gone.
	if h, _ := s.store.Load(RoleValidator); h != nil {
		t.Error("dead validator left a handle behind")
	}
}

func TestSupervisor_StartServicesSaveFailureKillsChild(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.Supervise.SettleWindowMS = 20

	// A store rooted at a file cannot save anything.
	base := t.TempDir()
	runAsFile := writeTestFile(t, base, "run", nil)
	store := NewHandleStore(runAsFile)

	var killed []int
	pm := &MockProcessManager{
		StartDetachedFunc: func(ctx context.Context, spec SpawnSpec) (*StartedProcess, error) {
			return &StartedProcess{PID: 777, Exit: make(chan ExitStatus, 1)}, nil
		},
		SignalFunc: func(pid int, sig unix.Signal) error {
			if sig == unix.SIGKILL {
				killed = append(killed, pid)
			}
			return nil
		},
	}
	s := NewProcessSupervisor(pm, store, newTestLogger())

	_, err := s.startService(context.Background(), cfg, RoleFaucet, nil)
	if err == nil || !strings.Contains(err.Error(), "persist faucet handle") {
		t.Fatalf("startService() error = %v, want a persist failure", err)
	}
	// An unrecorded service could never be stopped later; it must not
	// be left running.
	if !reflect.DeepEqual(killed, []int{777}) {
		t.Errorf("killed = %v, want the orphaned child", killed)
	}
}

func TestSupervisor_StartServicesHonorsCancellation(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.Supervise.SettleWindowMS = 500

	pm := &MockProcessManager{
		StartDetachedFunc: func(ctx context.Context, spec SpawnSpec) (*StartedProcess, error) {
			return &StartedProcess{PID: 300, Exit: make(chan ExitStatus, 1)}, nil
		},
	}
	s := newTestSupervisor(cfg, pm)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := s.StartServices(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("StartServices() error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("cancellation took %v, should not sit out the settle window", elapsed)
	}
}

func TestSupervisor_StartServicesRejectsBadEnv(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.Supervise.Env = map[string]string{"not a key": "x"}

	// Spawning must not be reached; the nil-func mock would panic.
	s := newTestSupervisor(cfg, &MockProcessManager{})

	_, err := s.StartServices(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "supervise.env") {
		t.Errorf("StartServices() error = %v, want the env validation failure", err)
	}
}

// =============================================================================
// Statuses Tests
// =============================================================================

func TestSupervisor_Statuses(t *testing.T) {
	cfg := testNodeConfig(t)

	pm := &MockProcessManager{
		AliveFunc: func(pid int) bool { return pid == 101 },
	}
	s := newTestSupervisor(cfg, pm)

	started := time.Now().UTC().Add(-time.Minute)
	if err := s.store.Save(ProcessHandle{Role: RoleFaucet, PID: 101, RunID: "run-1", StartedAt: started}); err != nil {
		t.Fatal(err)
	}
	if err := s.store.Save(ProcessHandle{Role: RoleValidator, PID: 202, RunID: "run-1", StartedAt: started}); err != nil {
		t.Fatal(err)
	}

	statuses, err := s.Statuses(cfg)
	if err != nil {
		t.Fatalf("Statuses() error: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses, want 2", len(statuses))
	}

	faucet, validator := statuses[0], statuses[1]
	if faucet.Role != RoleFaucet || validator.Role != RoleValidator {
		t.Fatalf("status order = [%s, %s], want start order", faucet.Role, validator.Role)
	}

	if !faucet.Running || faucet.PID != 101 || faucet.Uptime <= 0 {
		t.Errorf("faucet status = %+v, want running with uptime", faucet)
	}
	if validator.Running {
		t.Errorf("validator status = %+v, want stopped", validator)
	}
	if validator.PID != 202 {
		t.Errorf("a dead process keeps its recorded PID for display, got %+v", validator)
	}
	if validator.Uptime != 0 {
		t.Errorf("dead process Uptime = %v, want 0", validator.Uptime)
	}
}

func TestSupervisor_StatusesWithoutRecords(t *testing.T) {
	cfg := testNodeConfig(t)
	s := newTestSupervisor(cfg, &MockProcessManager{})

	statuses, err := s.Statuses(cfg)
	if err != nil {
		t.Fatalf("Statuses() error: %v", err)
	}
	for _, st := range statuses {
		if st.Running || st.PID != 0 {
			t.Errorf("%s status = %+v, want empty", st.Role, st)
		}
		if st.LogPath == "" {
			t.Errorf("%s LogPath unset; status output always shows where logs go", st.Role)
		}
	}
}

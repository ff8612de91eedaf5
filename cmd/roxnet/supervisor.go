// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// The process supervisor owns the two long-running services. Stale
// instances from a previous run are found through persisted handles
// only, never by matching process names: a PID we did not record is a
// PID we have no business signaling. Startup watches each child for a
// settle window so a service that dies immediately surfaces as its own
// error instead of a later health timeout.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/AleutianAI/roxnet/cmd/roxnet/config"
	"github.com/AleutianAI/roxnet/pkg/logging"
)

// Service roles managed by the supervisor. The role doubles as the
// handle record name and the log file stem.
const (
	RoleFaucet    = "faucet"
	RoleValidator = "validator"
)

// managedRoles is the start order: the faucet comes up before the
// validator so airdrop routing works from the first slot.
var managedRoles = []string{RoleFaucet, RoleValidator}

// stopOrder is the reverse of the start order.
var stopOrder = []string{RoleValidator, RoleFaucet}

// EnvRoxLog is the log-filter variable the services read.
const EnvRoxLog = "ROX_LOG"

// DefaultRoxLogLevel keeps service logs informative without drowning
// the disk in trace output.
const DefaultRoxLogLevel = "rox=info"

// logTailLines is how many trailing log lines an early-exit error
// carries.
const logTailLines = 20

// ProcessExitedError reports a supervised service that exited during
// its settle window. Fatal: the boot cannot succeed without it.
type ProcessExitedError struct {
	Role    string
	PID     int
	Code    int
	LogPath string

	// LogTail is the last few lines of the service log, best effort.
	LogTail string
}

// Error describes the early exit and points at the log.
func (e *ProcessExitedError) Error() string {
	return fmt.Sprintf("%s (pid %d) exited with code %d right after start; see %s",
		e.Role, e.PID, e.Code, e.LogPath)
}

// ServiceStatus is a point-in-time view of one managed service.
type ServiceStatus struct {
	Role      string
	Running   bool
	PID       int
	RunID     string
	StartedAt time.Time
	Uptime    time.Duration
	LogPath   string
}

// ProcessSupervisor manages the faucet and validator lifecycles.
type ProcessSupervisor interface {
	// StopAll terminates every recorded service: TERM, bounded wait,
	// KILL fallback. Records for already-dead PIDs are cleaned up
	// silently. Returns the roles that had a live process.
	StopAll(ctx context.Context, cfg config.NodeConfig) ([]string, error)

	// StartServices spawns the faucet then the validator, detached with
	// logs redirected, persists a handle per service, and watches each
	// through its settle window.
	StartServices(ctx context.Context, cfg config.NodeConfig) ([]ProcessHandle, error)

	// Statuses reports every managed role, running or not.
	Statuses(cfg config.NodeConfig) ([]ServiceStatus, error)
}

// DefaultProcessSupervisor implements ProcessSupervisor on top of a
// ProcessManager and a HandleStore.
type DefaultProcessSupervisor struct {
	pm    ProcessManager
	store *HandleStore
	log   *logging.Logger

	// stopTimeout bounds the TERM-to-KILL escalation wait.
	stopTimeout time.Duration

	// pollInterval is the liveness poll cadence while waiting for a
	// signaled process to exit.
	pollInterval time.Duration
}

// NewProcessSupervisor creates a supervisor with default stop timing.
func NewProcessSupervisor(pm ProcessManager, store *HandleStore, log *logging.Logger) *DefaultProcessSupervisor {
	return &DefaultProcessSupervisor{
		pm:           pm,
		store:        store,
		log:          log,
		stopTimeout:  DefaultStopTimeout,
		pollInterval: 100 * time.Millisecond,
	}
}

// ----------------------------------------------------------------------------
// Stopping
// ----------------------------------------------------------------------------

// StopAll terminates every recorded service in reverse start order.
func (s *DefaultProcessSupervisor) StopAll(ctx context.Context, cfg config.NodeConfig) ([]string, error) {
	var stopped []string
	var errs []error

	for _, role := range stopOrder {
		live, err := s.stopRole(ctx, role)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if live {
			stopped = append(stopped, role)
		}
	}
	return stopped, errors.Join(errs...)
}

// stopRole stops one recorded service. Returns whether a live process
// was actually terminated.
func (s *DefaultProcessSupervisor) stopRole(ctx context.Context, role string) (bool, error) {
	h, err := s.store.Load(role)
	if err != nil {
		return false, fmt.Errorf("load %s handle: %w", role, err)
	}
	if h == nil {
		return false, nil
	}

	if !s.pm.Alive(h.PID) {
		s.log.Debug("removing handle for dead process", "role", role, "pid", h.PID)
		if err := s.store.Remove(role); err != nil {
			return false, fmt.Errorf("remove stale %s handle: %w", role, err)
		}
		return false, nil
	}

	s.log.Info("stopping service", "role", role, "pid", h.PID)
	if err := s.pm.Signal(h.PID, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return false, fmt.Errorf("signal %s (pid %d): %w", role, h.PID, err)
	}

	if !s.waitDead(ctx, h.PID, s.stopTimeout) {
		s.log.Warn("service ignored SIGTERM, killing", "role", role, "pid", h.PID)
		if err := s.pm.Signal(h.PID, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return false, fmt.Errorf("kill %s (pid %d): %w", role, h.PID, err)
		}
		if !s.waitDead(ctx, h.PID, s.stopTimeout) {
			return false, fmt.Errorf("%s (pid %d) survived SIGKILL", role, h.PID)
		}
	}

	if err := s.store.Remove(role); err != nil {
		return true, fmt.Errorf("remove %s handle: %w", role, err)
	}
	s.log.Info("service stopped", "role", role, "pid", h.PID)
	return true, nil
}

// waitDead polls liveness until the process is gone, the timeout
// lapses, or the context is cancelled.
func (s *DefaultProcessSupervisor) waitDead(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !s.pm.Alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !s.pm.Alive(pid)
		case <-time.After(s.pollInterval):
		}
	}
	return !s.pm.Alive(pid)
}

// ----------------------------------------------------------------------------
// Starting
// ----------------------------------------------------------------------------

// StartServices spawns the faucet then the validator.
func (s *DefaultProcessSupervisor) StartServices(ctx context.Context, cfg config.NodeConfig) ([]ProcessHandle, error) {
	for _, dir := range []string{cfg.LogDir, cfg.RunDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	overlay, err := serviceEnvOverlay(cfg)
	if err != nil {
		return nil, err
	}
	s.log.Debug("service environment overlay", "env", strings.Join(overlay.RedactedSlice(), " "))

	// os/exec keeps the last value for duplicate keys, so appending the
	// overlay after the inherited environment lets it win.
	childEnv := append(os.Environ(), overlay.ToSlice()...)

	var handles []ProcessHandle
	for _, role := range managedRoles {
		handle, err := s.startService(ctx, cfg, role, childEnv)
		if err != nil {
			return handles, err
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

// startService spawns one service, persists its handle, and watches it
// through the settle window.
func (s *DefaultProcessSupervisor) startService(ctx context.Context, cfg config.NodeConfig, role string, childEnv []string) (ProcessHandle, error) {
	spec := SpawnSpec{
		Name:    cfg.ToolPath(serviceTool(role)),
		Args:    serviceArgs(cfg, role),
		Env:     childEnv,
		LogPath: cfg.ServiceLogPath(role),
	}

	proc, err := s.pm.StartDetached(ctx, spec)
	if err != nil {
		return ProcessHandle{}, fmt.Errorf("start %s: %w", role, err)
	}

	handle := ProcessHandle{
		Role:      role,
		PID:       proc.PID,
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		LogPath:   spec.LogPath,
		Command:   append([]string{spec.Name}, spec.Args...),
	}
	if err := s.store.Save(handle); err != nil {
		// A running service without a handle could never be stopped by
		// a later run. Take it back down and fail the start.
		_ = s.pm.Signal(proc.PID, unix.SIGKILL)
		return ProcessHandle{}, fmt.Errorf("persist %s handle: %w", role, err)
	}

	s.log.Info("service started", "role", role, "pid", proc.PID, "log", spec.LogPath)

	settle := time.NewTimer(cfg.SettleWindow())
	defer settle.Stop()
	select {
	case status := <-proc.Exit:
		_ = s.store.Remove(role)
		return ProcessHandle{}, &ProcessExitedError{
			Role:    role,
			PID:     proc.PID,
			Code:    status.Code,
			LogPath: spec.LogPath,
			LogTail: readLogTail(spec.LogPath, logTailLines),
		}
	case <-settle.C:
	case <-ctx.Done():
		return ProcessHandle{}, ctx.Err()
	}

	return handle, nil
}

// serviceTool maps a role to its binary.
func serviceTool(role string) string {
	if role == RoleFaucet {
		return ToolFaucet
	}
	return ToolValidator
}

// serviceArgs builds the argument list for a role.
func serviceArgs(cfg config.NodeConfig, role string) []string {
	if role == RoleFaucet {
		return []string{
			"--keypair", cfg.FaucetKeyPath(),
			"--port", strconv.Itoa(cfg.Network.FaucetPort),
		}
	}

	args := []string{
		"--identity", cfg.IdentityKeyPath(),
		"--vote-account", cfg.VoteAccountKeyPath(),
		"--ledger", cfg.LedgerDir,
		"--rpc-bind-address", cfg.Network.RPCHost,
		"--rpc-port", strconv.Itoa(cfg.Network.RPCPort),
		"--gossip-port", strconv.Itoa(cfg.Network.GossipPort),
		"--rpc-faucet-address", cfg.FaucetAddr(),
		"--log", cfg.ServiceLogPath(RoleValidator),
	}
	return append(args, cfg.Supervise.ValidatorArgs...)
}

// serviceEnvOverlay assembles the environment the services get on top
// of the orchestrator's own. Config-provided entries win over the
// defaults.
func serviceEnvOverlay(cfg config.NodeConfig) (*EnvVars, error) {
	defaults := EmptyEnvVars()
	defaults.MustAdd(EnvRoxLog, DefaultRoxLogLevel, false)

	extra, err := FromMap(cfg.Supervise.Env, nil)
	if err != nil {
		return nil, fmt.Errorf("supervise.env: %w", err)
	}
	return defaults.Merge(extra), nil
}

// ----------------------------------------------------------------------------
// Status
// ----------------------------------------------------------------------------

// Statuses reports every managed role in start order.
func (s *DefaultProcessSupervisor) Statuses(cfg config.NodeConfig) ([]ServiceStatus, error) {
	now := time.Now().UTC()
	statuses := make([]ServiceStatus, 0, len(managedRoles))
	for _, role := range managedRoles {
		st := ServiceStatus{Role: role, LogPath: cfg.ServiceLogPath(role)}
		h, err := s.store.Load(role)
		if err != nil {
			return nil, fmt.Errorf("load %s handle: %w", role, err)
		}
		if h != nil {
			st.PID = h.PID
			st.RunID = h.RunID
			st.StartedAt = h.StartedAt
			st.Running = s.pm.Alive(h.PID)
			if st.Running {
				st.Uptime = h.Uptime(now)
			}
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// readLogTail returns the last maxLines lines of a log, best effort. An
// empty string means the log could not be read; the caller already has
// the path for the operator.
func readLogTail(path string, maxLines int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	const window = 16 * 1024
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - window
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if offset > 0 && len(lines) > 0 {
		// The first line is almost certainly cut mid-way by the seek.
		lines = lines[1:]
	}
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.Join(lines, "\n")
}

// Compile-time interface compliance check.
var _ ProcessSupervisor = (*DefaultProcessSupervisor)(nil)

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
Package main provides NodeManager for orchestrating the local ROX node
lifecycle.

NodeManager is the primary orchestrator that coordinates boot, shutdown,
status, and teardown of a single-node development network: preflight
validation, disk guarding, genesis construction, log rotation, process
supervision, and health gating.

# Architecture

NodeManager sits at the top of the dependency hierarchy:

	┌──────────────────────────────────────────────────────────────┐
	│                         NodeManager                          │
	│  (Orchestrates start, stop, status, destroy)                 │
	├──────────────────────────────────────────────────────────────┤
	│                                                              │
	│  Start() sequence:                                           │
	│    1. PreflightValidator.Validate()   // tools, keys, progs  │
	│    2. DiskSpaceGuard.Evaluate()       // free space / purge  │
	│    3. KeyManager.DeriveIdentities()   // bootstrap pubkeys   │
	│    4. GenesisBuilder.Ensure()         // genesis.bin         │
	│    5. LogRotator.RotateAll()          // best effort         │
	│    6. ProcessSupervisor.StopAll()     // stale instances     │
	│       ProcessSupervisor.StartServices() // faucet, validator │
	│    7. HealthGate.Await()              // RPC /health         │
	│                                                              │
	└──────────────────────────────────────────────────────────────┘

# Design Principles

  - Dependency Injection: every phase goes through an injected interface
  - Single Responsibility: each dependency owns one concern
  - Testability: full mock support for all dependencies
  - Error Context: phase failures wrap a per-phase sentinel error

# Known Hazard

Two concurrent invocations against the same data directory are not
locked out: the second can rebuild genesis or purge the ledger under the
first one's validator. Phase ordering protects a single invocation only.

# Thread Safety

NodeManager is safe for concurrent use; mutating operations (Start,
Stop, Destroy) are serialized via mutex.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/roxnet/cmd/roxnet/config"
	"github.com/AleutianAI/roxnet/cmd/roxnet/internal/infra"
	"github.com/AleutianAI/roxnet/pkg/logging"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrPreflightFailed is returned when a required tool, keypair, or
	// artifact is missing or below the minimum version.
	ErrPreflightFailed = errors.New("preflight failed")

	// ErrDiskGuardRefused is returned when the ledger volume is below
	// the free-space threshold and purging was not authorized.
	ErrDiskGuardRefused = errors.New("disk guard refused")

	// ErrGenesisBuildFailed is returned when rox-genesis fails.
	ErrGenesisBuildFailed = errors.New("genesis build failed")

	// ErrSupervisorFailed is returned when stale termination or service
	// startup fails.
	ErrSupervisorFailed = errors.New("process supervision failed")

	// ErrHealthGateFailed is returned when the validator never reported
	// healthy within the probe budget.
	ErrHealthGateFailed = errors.New("health gate failed")

	// ErrNilDependency is returned when a required dependency is nil.
	ErrNilDependency = errors.New("required dependency is nil")

	// ErrPanicRecovered is returned when a panic was recovered during an
	// operation.
	ErrPanicRecovered = errors.New("panic recovered during operation")
)

// =============================================================================
// Interface Definition
// =============================================================================

// NodeManager orchestrates the lifecycle of the local node.
//
// # Description
//
// This is the primary interface for booting, stopping, inspecting, and
// tearing down the single-node development network. It coordinates
// preflight checks, disk guarding, genesis construction, log rotation,
// process supervision, and health gating.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; only one mutating
// operation (Start, Stop, Destroy) runs at a time.
//
// # Context Handling
//
// All methods accept context.Context. Start respects cancellation at
// each phase boundary and between health probes; cancellation surfaces
// as the context's own error, never as a phase failure.
type NodeManager interface {
	// Start runs the full bootstrap sequence and blocks until the
	// validator reports healthy or a phase fails.
	//
	// # Outputs
	//
	//   - error: Non-nil if any phase fails. The error wraps the phase
	//     sentinel (ErrPreflightFailed, ErrDiskGuardRefused,
	//     ErrGenesisBuildFailed, ErrSupervisorFailed,
	//     ErrHealthGateFailed) so callers can branch on the phase.
	Start(ctx context.Context, cfg config.NodeConfig) error

	// Stop terminates the supervised services via their persisted
	// handles. Already-stopped services are not an error.
	Stop(ctx context.Context, cfg config.NodeConfig) error

	// Status reports the supervised services plus an RPC liveness
	// snapshot. Read-only.
	Status(ctx context.Context, cfg config.NodeConfig) (*NodeStatus, error)

	// Destroy stops everything and deletes the ledger directory. Key
	// material and logs are kept. Irreversible.
	Destroy(ctx context.Context, cfg config.NodeConfig) error
}

// NodeStatus is a point-in-time view of the whole node.
type NodeStatus struct {
	// Services holds one entry per managed role, running or not.
	Services []ServiceStatus

	// RPCURL is the validator RPC endpoint.
	RPCURL string

	// Healthy reports whether the health endpoint answered with the
	// healthy marker.
	Healthy bool

	// Slot is the current slot as reported by the rox client, empty
	// when the validator is down or the query failed.
	Slot string
}

// Running reports whether every managed service is alive.
func (s *NodeStatus) Running() bool {
	if len(s.Services) == 0 {
		return false
	}
	for _, svc := range s.Services {
		if !svc.Running {
			return false
		}
	}
	return true
}

// =============================================================================
// Helpers
// =============================================================================

// discardWriter is a no-op writer used when output is nil.
type discardWriter struct{}

// Write implements io.Writer, discarding all data.
func (discardWriter) Write(p []byte) (int, error) {
	return len(p), nil
}

// recoverPanic converts a recovered panic into an error.
//
// Intended to be called from a deferred function with recover(). The
// original stack trace is lost; the panic value is preserved in the
// error message.
func recoverPanic(r interface{}, errPtr *error) {
	if r == nil {
		return
	}

	var panicErr error
	switch v := r.(type) {
	case error:
		panicErr = fmt.Errorf("%w: %v", ErrPanicRecovered, v)
	case string:
		panicErr = fmt.Errorf("%w: %s", ErrPanicRecovered, v)
	default:
		panicErr = fmt.Errorf("%w: %v", ErrPanicRecovered, v)
	}

	if *errPtr == nil {
		*errPtr = panicErr
	}
}

// ctxCause returns the context error when err is a cancellation or
// deadline, nil otherwise. Cancellation must not be dressed up as a
// phase failure.
func ctxCause(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// =============================================================================
// Default Implementation
// =============================================================================

// DefaultNodeManager implements NodeManager by coordinating the phase
// components. All external operations go through injected interfaces.
type DefaultNodeManager struct {
	// preflight validates tools, key material, and program artifacts.
	preflight PreflightValidator

	// guard checks the ledger volume before anything is written.
	guard DiskSpaceGuard

	// keys derives public identifiers from the bootstrap keypairs.
	keys KeyManager

	// genesis ensures the genesis artifact exists.
	genesis GenesisBuilder

	// rotator rotates oversized service logs. Best effort.
	rotator LogRotator

	// supervisor owns the faucet and validator processes.
	supervisor ProcessSupervisor

	// health gates readiness on the RPC health endpoint.
	health HealthGate

	// pm runs the rox client for status queries.
	pm ProcessManager

	// log is the orchestrator's structured logger.
	log *logging.Logger

	// output is where operator-facing progress lines are written.
	// Default: os.Stdout
	output io.Writer

	// mu serializes mutating operations (Start, Stop, Destroy).
	mu sync.Mutex
}

// NewNodeManager creates a node manager with all dependencies. Every
// dependency is required.
func NewNodeManager(
	preflight PreflightValidator,
	guard DiskSpaceGuard,
	keys KeyManager,
	genesis GenesisBuilder,
	rotator LogRotator,
	supervisor ProcessSupervisor,
	health HealthGate,
	pm ProcessManager,
	log *logging.Logger,
) (*DefaultNodeManager, error) {
	if preflight == nil {
		return nil, fmt.Errorf("%w: PreflightValidator", ErrNilDependency)
	}
	if guard == nil {
		return nil, fmt.Errorf("%w: DiskSpaceGuard", ErrNilDependency)
	}
	if keys == nil {
		return nil, fmt.Errorf("%w: KeyManager", ErrNilDependency)
	}
	if genesis == nil {
		return nil, fmt.Errorf("%w: GenesisBuilder", ErrNilDependency)
	}
	if rotator == nil {
		return nil, fmt.Errorf("%w: LogRotator", ErrNilDependency)
	}
	if supervisor == nil {
		return nil, fmt.Errorf("%w: ProcessSupervisor", ErrNilDependency)
	}
	if health == nil {
		return nil, fmt.Errorf("%w: HealthGate", ErrNilDependency)
	}
	if pm == nil {
		return nil, fmt.Errorf("%w: ProcessManager", ErrNilDependency)
	}
	if log == nil {
		return nil, fmt.Errorf("%w: Logger", ErrNilDependency)
	}

	return &DefaultNodeManager{
		preflight:  preflight,
		guard:      guard,
		keys:       keys,
		genesis:    genesis,
		rotator:    rotator,
		supervisor: supervisor,
		health:     health,
		pm:         pm,
		log:        log,
		output:     os.Stdout,
	}, nil
}

// SetOutput configures the writer for operator-facing progress lines.
// Default is os.Stdout; nil discards.
func (m *DefaultNodeManager) SetOutput(w io.Writer) {
	if w == nil {
		m.output = discardWriter{}
	} else {
		m.output = w
	}
}

// =============================================================================
// Start
// =============================================================================

// Start runs the full bootstrap sequence.
func (m *DefaultNodeManager) Start(ctx context.Context, cfg config.NodeConfig) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	defer func() {
		recoverPanic(recover(), &err)
	}()

	startTime := time.Now()

	// Phase 1: preflight
	if err := m.runPreflight(ctx, cfg); err != nil {
		return err
	}

	// Phase 2: disk guard
	if err := m.runDiskGuard(ctx, cfg); err != nil {
		return err
	}

	// Phase 3: bootstrap identities
	ids, err := m.deriveIdentities(ctx, cfg)
	if err != nil {
		return err
	}

	// Phase 4: genesis
	build, err := m.ensureGenesis(ctx, cfg, ids)
	if err != nil {
		return err
	}

	// Phase 5: log rotation, best effort
	m.rotator.RotateAll(cfg)

	// Phase 6: process supervision
	if err := m.superviseServices(ctx, cfg); err != nil {
		return err
	}

	// Phase 7: health gate
	if err := m.awaitHealthy(ctx, cfg); err != nil {
		return err
	}

	m.printStartupSummary(cfg, ids, build, time.Since(startTime))
	return nil
}

// =============================================================================
// Start Phase Helpers
// =============================================================================

// runPreflight validates external tools, key material, and program
// artifacts before anything mutates.
func (m *DefaultNodeManager) runPreflight(ctx context.Context, cfg config.NodeConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fmt.Fprintf(m.output, "Running preflight checks...\n")

	if err := m.preflight.Validate(ctx, cfg); err != nil {
		if cause := ctxCause(err); cause != nil {
			return cause
		}
		var checkErr *infra.CheckError
		if errors.As(err, &checkErr) {
			fmt.Fprintf(m.output, "\n%s\n", checkErr.FullError())
		}
		return fmt.Errorf("%w: %v", ErrPreflightFailed, err)
	}
	return nil
}

// runDiskGuard applies the free-space decision table to the ledger
// volume.
func (m *DefaultNodeManager) runDiskGuard(ctx context.Context, cfg config.NodeConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	decision, err := m.guard.Evaluate(cfg)
	if err != nil {
		var diskErr *infra.DiskSpaceError
		if errors.As(err, &diskErr) {
			fmt.Fprintf(m.output, "\n%s\n", diskErr.Error())
			fmt.Fprintf(m.output, "Free up space on the ledger volume, or rerun with --purge to delete the ledger.\n")
		}
		return fmt.Errorf("%w: %v", ErrDiskGuardRefused, err)
	}

	if decision == GuardProceedWithPurge {
		fmt.Fprintf(m.output, "Ledger purged to reclaim disk space.\n")
	}
	return nil
}

// deriveIdentities reads the bootstrap public keys. Preflight has
// already verified the keypair files exist.
func (m *DefaultNodeManager) deriveIdentities(ctx context.Context, cfg config.NodeConfig) (BootstrapIdentities, error) {
	if err := ctx.Err(); err != nil {
		return BootstrapIdentities{}, err
	}

	ids, err := m.keys.DeriveIdentities(ctx, cfg)
	if err != nil {
		if cause := ctxCause(err); cause != nil {
			return ids, cause
		}
		return ids, fmt.Errorf("%w: %v", ErrPreflightFailed, err)
	}
	return ids, nil
}

// ensureGenesis builds the genesis artifact when needed.
func (m *DefaultNodeManager) ensureGenesis(ctx context.Context, cfg config.NodeConfig, ids BootstrapIdentities) (BuildResult, error) {
	if err := ctx.Err(); err != nil {
		return BuildResult{}, err
	}

	fmt.Fprintf(m.output, "Preparing genesis...\n")

	build, err := m.genesis.Ensure(ctx, cfg, ids)
	if err != nil {
		if cause := ctxCause(err); cause != nil {
			return build, cause
		}
		var buildErr *GenesisBuildError
		if errors.As(err, &buildErr) && buildErr.Stderr != "" {
			fmt.Fprintf(m.output, "\nrox-genesis reported:\n%s\n", indentLines(buildErr.Stderr, "  "))
		}
		return build, fmt.Errorf("%w: %v", ErrGenesisBuildFailed, err)
	}

	if build.Built {
		fmt.Fprintf(m.output, "Genesis built in %s.\n", build.Elapsed.Round(time.Millisecond))
	} else {
		fmt.Fprintf(m.output, "Genesis already present, reusing it.\n")
	}
	return build, nil
}

// superviseServices terminates stale instances and starts the faucet
// and validator.
func (m *DefaultNodeManager) superviseServices(ctx context.Context, cfg config.NodeConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := m.supervisor.StopAll(ctx, cfg); err != nil {
		if cause := ctxCause(err); cause != nil {
			return cause
		}
		return fmt.Errorf("%w: %v", ErrSupervisorFailed, err)
	}

	fmt.Fprintf(m.output, "Starting services...\n")

	if _, err := m.supervisor.StartServices(ctx, cfg); err != nil {
		if cause := ctxCause(err); cause != nil {
			return cause
		}
		var exited *ProcessExitedError
		if errors.As(err, &exited) && exited.LogTail != "" {
			fmt.Fprintf(m.output, "\n%s log tail:\n%s\n", exited.Role, indentLines(exited.LogTail, "  "))
		}
		return fmt.Errorf("%w: %v", ErrSupervisorFailed, err)
	}
	return nil
}

// awaitHealthy blocks on the health gate. Cancellation passes through
// untouched.
func (m *DefaultNodeManager) awaitHealthy(ctx context.Context, cfg config.NodeConfig) error {
	fmt.Fprintf(m.output, "Waiting for the validator to report healthy...\n")

	if err := m.health.Await(ctx, cfg); err != nil {
		if cause := ctxCause(err); cause != nil {
			return cause
		}
		var timeoutErr *HealthTimeoutError
		if errors.As(err, &timeoutErr) {
			fmt.Fprintf(m.output, "\nThe validator never reported healthy. Its log usually says why:\n  %s\n", timeoutErr.LogPath)
		}
		return fmt.Errorf("%w: %v", ErrHealthGateFailed, err)
	}
	return nil
}

// printStartupSummary outputs endpoints and balances after a successful
// boot.
func (m *DefaultNodeManager) printStartupSummary(cfg config.NodeConfig, ids BootstrapIdentities, build BuildResult, elapsed time.Duration) {
	g := cfg.Genesis
	kept, burned := SplitFeeBurn(g.TargetLamportsPerSignature, g.FeeBurnPercent)

	fmt.Fprintf(m.output, "\nROX local node is ready (%s)\n\n", elapsed.Round(time.Millisecond*100))
	fmt.Fprintf(m.output, "  RPC:      %s\n", cfg.RPCURL())
	fmt.Fprintf(m.output, "  Gossip:   %s\n", cfg.GossipAddr())
	fmt.Fprintf(m.output, "  Faucet:   %s  (balance %s ROX)\n", cfg.FaucetAddr(), FormatROX(g.FaucetLamports))
	fmt.Fprintf(m.output, "\n")
	fmt.Fprintf(m.output, "  Identity: %s  (balance %s ROX)\n", ids.Identity, FormatROX(g.ValidatorIdentityLamports))
	fmt.Fprintf(m.output, "  Vote:     %s  (stake %s ROX)\n", ids.VoteAccount, FormatROX(g.ValidatorStakeLamports))
	fmt.Fprintf(m.output, "  Fees:     %d lamports/sig, %d kept, %d burned\n", g.TargetLamportsPerSignature, kept, burned)
	fmt.Fprintf(m.output, "\n")
	fmt.Fprintf(m.output, "Logs are under %s. Stop with: roxnet stop\n", cfg.LogDir)
}

// indentLines prefixes every line of s.
func indentLines(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

// =============================================================================
// Stop / Status / Destroy
// =============================================================================

// Stop terminates the supervised services.
func (m *DefaultNodeManager) Stop(ctx context.Context, cfg config.NodeConfig) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	defer func() {
		recoverPanic(recover(), &err)
	}()

	stopped, err := m.supervisor.StopAll(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSupervisorFailed, err)
	}

	if len(stopped) == 0 {
		fmt.Fprintf(m.output, "Nothing was running.\n")
	} else {
		fmt.Fprintf(m.output, "Stopped: %s\n", strings.Join(stopped, ", "))
	}
	return nil
}

// Status reports the supervised services plus an RPC snapshot.
func (m *DefaultNodeManager) Status(ctx context.Context, cfg config.NodeConfig) (*NodeStatus, error) {
	services, err := m.supervisor.Statuses(cfg)
	if err != nil {
		return nil, err
	}

	status := &NodeStatus{Services: services, RPCURL: cfg.RPCURL()}
	if !status.Running() {
		return status, nil
	}

	status.Healthy = m.health.ProbeOnce(ctx, cfg)
	status.Slot = m.querySlot(ctx, cfg)
	return status, nil
}

// querySlot asks the rox client for the current slot. Best effort.
func (m *DefaultNodeManager) querySlot(ctx context.Context, cfg config.NodeConfig) string {
	queryCtx, cancel := context.WithTimeout(ctx, DefaultProbeTimeout)
	defer cancel()

	out, err := m.pm.Run(queryCtx, cfg.ToolPath(ToolClient), "slot", "--url", cfg.RPCURL())
	if err != nil {
		m.log.Debug("slot query failed", "error", err)
		return ""
	}
	return strings.TrimSpace(string(out))
}

// Destroy stops everything and deletes the ledger directory.
func (m *DefaultNodeManager) Destroy(ctx context.Context, cfg config.NodeConfig) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	defer func() {
		recoverPanic(recover(), &err)
	}()

	if _, err := m.supervisor.StopAll(ctx, cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrSupervisorFailed, err)
	}

	if err := os.RemoveAll(cfg.LedgerDir); err != nil {
		return fmt.Errorf("remove ledger directory %s: %w", cfg.LedgerDir, err)
	}

	m.log.Info("ledger destroyed", "dir", cfg.LedgerDir)
	fmt.Fprintf(m.output, "Ledger deleted. Key material under %s was kept.\n", cfg.KeysDir)
	return nil
}

// Compile-time interface compliance check.
var _ NodeManager = (*DefaultNodeManager)(nil)

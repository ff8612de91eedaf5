// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// The disk guard stands between preflight and the genesis build. A
// local ledger grows without bound across runs, and starting a
// validator on a nearly-full volume fails in ways that are much harder
// to diagnose than a refusal up front. Purging is destructive and only
// ever happens on explicit operator opt-in.

package main

import (
	"fmt"
	"os"

	"github.com/AleutianAI/roxnet/cmd/roxnet/config"
	"github.com/AleutianAI/roxnet/cmd/roxnet/internal/infra"
	"github.com/AleutianAI/roxnet/pkg/logging"
)

// DiskGuardDecision is the outcome of the free-space check, computed
// once per invocation.
type DiskGuardDecision int

const (
	// GuardProceed means free space is at or above the threshold.
	GuardProceed DiskGuardDecision = iota

	// GuardRefuse means free space is below the threshold and the purge
	// override is unset. The boot aborts without touching the ledger.
	GuardRefuse

	// GuardProceedWithPurge means free space is below the threshold and
	// the operator opted into destructive cleanup. The ledger directory
	// is deleted and recreated before the boot proceeds.
	GuardProceedWithPurge
)

// String returns the decision name for logs.
func (d DiskGuardDecision) String() string {
	switch d {
	case GuardProceed:
		return "PROCEED"
	case GuardRefuse:
		return "REFUSE"
	case GuardProceedWithPurge:
		return "PROCEED_WITH_PURGE"
	default:
		return "UNKNOWN"
	}
}

// guardDecision maps the decision table. Kept pure.
func guardDecision(freeBytes, thresholdBytes uint64, purgeOverride bool) DiskGuardDecision {
	if freeBytes >= thresholdBytes {
		return GuardProceed
	}
	if purgeOverride {
		return GuardProceedWithPurge
	}
	return GuardRefuse
}

// DiskSpaceGuard checks the ledger volume before anything is written
// to it.
type DiskSpaceGuard interface {
	// Evaluate measures free space, applies the decision table, and
	// carries out a purge when the decision calls for one. A refusal
	// returns the decision together with a *infra.DiskSpaceError.
	Evaluate(cfg config.NodeConfig) (DiskGuardDecision, error)
}

// DefaultDiskSpaceGuard implements DiskSpaceGuard against the real
// filesystem via a SystemChecker.
type DefaultDiskSpaceGuard struct {
	checker infra.SystemChecker
	log     *logging.Logger
}

// NewDiskSpaceGuard creates a disk space guard.
func NewDiskSpaceGuard(checker infra.SystemChecker, log *logging.Logger) *DefaultDiskSpaceGuard {
	return &DefaultDiskSpaceGuard{checker: checker, log: log}
}

// Evaluate measures free space on the ledger volume and applies the
// decision table.
func (g *DefaultDiskSpaceGuard) Evaluate(cfg config.NodeConfig) (DiskGuardDecision, error) {
	threshold := cfg.DiskMinFreeBytes()
	free, err := g.checker.FreeDiskSpace(cfg.LedgerDir)
	if err != nil {
		return GuardRefuse, fmt.Errorf("measure free space under %s: %w", cfg.LedgerDir, err)
	}

	decision := guardDecision(free, threshold, cfg.PurgeOverride)
	switch decision {
	case GuardRefuse:
		g.log.Error("insufficient disk space",
			"ledger", cfg.LedgerDir,
			"free", infra.FormatBytes(free),
			"required", infra.FormatBytes(threshold))
		return decision, &infra.DiskSpaceError{
			Path:          cfg.LedgerDir,
			FreeBytes:     free,
			RequiredBytes: threshold,
		}

	case GuardProceedWithPurge:
		g.log.Warn("free space below threshold, purging ledger",
			"ledger", cfg.LedgerDir,
			"free", infra.FormatBytes(free),
			"required", infra.FormatBytes(threshold))
		if err := g.purgeLedger(cfg.LedgerDir); err != nil {
			return decision, err
		}
		if after, err := g.checker.FreeDiskSpace(cfg.LedgerDir); err == nil && after > free {
			g.log.Info("ledger purged", "reclaimed", infra.FormatBytes(after-free))
		} else {
			g.log.Info("ledger purged")
		}
		return decision, nil

	default:
		g.log.Debug("disk space ok",
			"free", infra.FormatBytes(free),
			"required", infra.FormatBytes(threshold))
		return decision, nil
	}
}

// purgeLedger deletes and recreates the ledger directory.
func (g *DefaultDiskSpaceGuard) purgeLedger(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("purge ledger directory %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("recreate ledger directory %s: %w", dir, err)
	}
	return nil
}

// Compile-time interface compliance check.
var _ DiskSpaceGuard = (*DefaultDiskSpaceGuard)(nil)

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
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/roxnet/cmd/roxnet/config"
	"github.com/AleutianAI/roxnet/cmd/roxnet/internal/infra"
	"github.com/AleutianAI/roxnet/pkg/logging"
)

// External tool binaries the orchestrator drives.
const (
	ToolGenesis   = "rox-genesis"
	ToolKeygen    = "rox-keygen"
	ToolFaucet    = "rox-faucet"
	ToolValidator = "rox-validator"
	ToolClient    = "rox"
)

// requiredTools lists every binary a full boot needs, in the order
// failures are reported.
var requiredTools = []string{
	ToolGenesis,
	ToolKeygen,
	ToolFaucet,
	ToolValidator,
	ToolClient,
}

// PreflightValidator verifies every requirement a boot depends on
// before anything mutates. All checks are read-only.
type PreflightValidator interface {
	// Validate runs all preflight checks and returns the first failure.
	Validate(ctx context.Context, cfg config.NodeConfig) error
}

// DefaultPreflightValidator implements PreflightValidator.
//
// # Description
//
// The four check categories (binaries, key material, program artifacts,
// validator version) are independent reads, so they probe concurrently.
// Reporting stays deterministic regardless of goroutine scheduling: each
// category writes into its own slot and the first failed category in
// declaration order wins. A boot that is broken three ways always prints
// the same first error.
type DefaultPreflightValidator struct {
	checker infra.SystemChecker
	pm      ProcessManager
	log     *logging.Logger
}

// NewPreflightValidator creates a preflight validator.
func NewPreflightValidator(checker infra.SystemChecker, pm ProcessManager, log *logging.Logger) *DefaultPreflightValidator {
	return &DefaultPreflightValidator{
		checker: checker,
		pm:      pm,
		log:     log,
	}
}

// Validate runs all preflight checks and returns the first failure.
func (v *DefaultPreflightValidator) Validate(ctx context.Context, cfg config.NodeConfig) error {
	results := make([]error, 4)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		results[0] = v.checkBinaries()
		return nil
	})
	g.Go(func() error {
		results[1] = v.checkKeyMaterial(cfg)
		return nil
	})
	g.Go(func() error {
		results[2] = v.checkProgramArtifacts(cfg)
		return nil
	})
	g.Go(func() error {
		results[3] = v.checkValidatorVersion(gctx, cfg)
		return nil
	})
	// The closures always return nil; Wait is just the join point.
	_ = g.Wait()

	for _, err := range results {
		if err != nil {
			return err
		}
	}

	v.log.Info("preflight checks passed",
		"binaries", len(requiredTools),
		"programs", len(cfg.Genesis.Programs))
	return nil
}

// checkBinaries resolves every required tool, in order.
func (v *DefaultPreflightValidator) checkBinaries() error {
	for _, name := range requiredTools {
		path, err := v.checker.LookupTool(name)
		if err != nil {
			return err
		}
		v.log.Debug("tool resolved", "name", name, "path", path)
	}
	return nil
}

// checkKeyMaterial verifies every keypair the boot consumes.
//
// The fixed bootstrap set comes first; upgrade authority keys follow in
// program declaration order, deduplicated.
func (v *DefaultPreflightValidator) checkKeyMaterial(cfg config.NodeConfig) error {
	paths := []string{
		cfg.IdentityKeyPath(),
		cfg.VoteAccountKeyPath(),
		cfg.StakeAccountKeyPath(),
		cfg.FaucetKeyPath(),
	}

	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		seen[p] = true
	}
	for _, prog := range cfg.Genesis.Programs {
		if prog.Loader != config.LoaderUpgradeable {
			continue
		}
		path := cfg.KeyPath(prog.AuthorityKeyStem())
		if !seen[path] {
			seen[path] = true
			paths = append(paths, path)
		}
	}

	for _, path := range paths {
		if err := v.checker.CheckKeypair(path); err != nil {
			return err
		}
		v.log.Debug("keypair present", "path", path)
	}
	return nil
}

// checkProgramArtifacts verifies every declared program artifact, plus
// the primordial accounts manifest when configured.
func (v *DefaultPreflightValidator) checkProgramArtifacts(cfg config.NodeConfig) error {
	for _, prog := range cfg.Genesis.Programs {
		path := cfg.ProgramArtifactPath(prog.Artifact)
		if err := v.checker.CheckArtifact(path); err != nil {
			return err
		}
		v.log.Debug("program artifact present", "address", prog.Address, "path", path)
	}

	if cfg.Genesis.PrimordialAccountsFile != "" {
		if err := v.checker.CheckArtifact(cfg.Genesis.PrimordialAccountsFile); err != nil {
			// The manifest is operator-authored, so roxnet fetch cannot
			// heal it. Reshape the remediation.
			var checkErr *infra.CheckError
			if errors.As(err, &checkErr) {
				return &infra.CheckError{
					Type:        infra.CheckErrorArtifactMissing,
					Message:     fmt.Sprintf("primordial accounts file %s is missing", cfg.Genesis.PrimordialAccountsFile),
					Detail:      checkErr.Detail,
					Remediation: "Fix genesis.primordial_accounts_file in the config, or remove it to seed no extra accounts.",
				}
			}
			return err
		}
	}
	return nil
}

// checkValidatorVersion enforces the optional minimum validator version.
func (v *DefaultPreflightValidator) checkValidatorVersion(ctx context.Context, cfg config.NodeConfig) error {
	min := cfg.Supervise.MinValidatorVersion
	if min == "" {
		return nil
	}
	if !strings.HasPrefix(min, "v") {
		min = "v" + min
	}
	if !semver.IsValid(min) {
		return fmt.Errorf("supervise.min_validator_version %q is not a semantic version", cfg.Supervise.MinValidatorVersion)
	}

	path, err := v.checker.LookupTool(ToolValidator)
	if err != nil {
		// The binaries category reports the missing tool; nothing to
		// version-check here.
		return nil
	}

	out, err := v.pm.Run(ctx, path, "--version")
	if err != nil {
		return fmt.Errorf("probe %s version: %w", ToolValidator, err)
	}

	found, err := infra.ParseToolVersion(string(out))
	if err != nil {
		return fmt.Errorf("probe %s version: %w", ToolValidator, err)
	}

	if semver.Compare(found, min) < 0 {
		return &infra.CheckError{
			Type:    infra.CheckErrorVersionTooOld,
			Message: fmt.Sprintf("%s %s is older than the required minimum %s", ToolValidator, found, min),
			Detail:  fmt.Sprintf("Binary: %s", path),
			Remediation: fmt.Sprintf(`Rebuild or upgrade the node binaries to %s or newer,
or lower supervise.min_validator_version in the config.`, min),
		}
	}

	v.log.Debug("validator version acceptable", "found", found, "minimum", min)
	return nil
}

// Compile-time interface compliance check.
var _ PreflightValidator = (*DefaultPreflightValidator)(nil)

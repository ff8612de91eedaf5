// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// The genesis builder decides whether the ledger's genesis artifact
// needs (re)building and, when it does, drives rox-genesis to produce
// it. The rebuild decision is a pure function of the force flag and the
// observed artifact state so it can be reasoned about and tested
// without a filesystem.

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/roxnet/cmd/roxnet/config"
	"github.com/AleutianAI/roxnet/pkg/logging"
	"github.com/AleutianAI/roxnet/pkg/validation"
)

// Well-known loader accounts programs are deployed under. These are
// protocol-level addresses baked into the validator runtime.
const (
	loaderImmutableID   = "BPFLoader2111111111111111111111111111111111"
	loaderUpgradeableID = "BPFLoaderUpgradeab1e11111111111111111111111"
)

// ArtifactState is a point-in-time observation of the genesis artifact
// on disk.
type ArtifactState struct {
	Exists  bool
	Size    int64
	ModTime time.Time
}

// readArtifactState observes the genesis artifact. A stat failure other
// than absence is reported as absent; the subsequent build surfaces the
// real problem with better context.
func readArtifactState(path string) ArtifactState {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ArtifactState{}
	}
	return ArtifactState{Exists: true, Size: info.Size(), ModTime: info.ModTime()}
}

// needsRebuild is the rebuild predicate: build when forced or when no
// artifact exists. Kept pure deliberately.
func needsRebuild(force bool, state ArtifactState) bool {
	return force || !state.Exists
}

// primordialAccount is one entry in the primordial accounts manifest:
// the genesis-time state of an account, keyed by its base58 pubkey.
type primordialAccount struct {
	Balance    uint64 `yaml:"balance"`
	Owner      string `yaml:"owner"`
	Data       string `yaml:"data"`
	Executable bool   `yaml:"executable"`
}

// validatePrimordialAccounts parses the manifest before rox-genesis
// sees it. The tool reports a malformed manifest as a deserialization
// backtrace with no account named, so entries are checked here, in
// sorted key order, and the error names the first offender.
func validatePrimordialAccounts(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read primordial accounts file %s: %w", path, err)
	}

	var accounts map[string]primordialAccount
	if err := yaml.Unmarshal(raw, &accounts); err != nil {
		return fmt.Errorf("parse primordial accounts file %s: %w", path, err)
	}

	keys := make([]string, 0, len(accounts))
	for k := range accounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, pubkey := range keys {
		if err := validation.ValidatePubkey(pubkey); err != nil {
			return fmt.Errorf("primordial accounts file %s: %w", path, err)
		}
		acct := accounts[pubkey]
		if acct.Balance == 0 {
			return fmt.Errorf("primordial accounts file %s: account %s has no balance", path, pubkey)
		}
		if acct.Owner != "" {
			if err := validation.ValidatePubkey(acct.Owner); err != nil {
				return fmt.Errorf("primordial accounts file %s: account %s owner: %w", path, pubkey, err)
			}
		}
	}
	return nil
}

// GenesisBuildError reports a failed genesis build. Builds are not
// retryable: the tool is deterministic given the same inputs, so a
// retry would fail the same way.
type GenesisBuildError struct {
	// Stderr is the tool's captured diagnostic output, trimmed.
	Stderr string

	// Wrapped is the underlying execution error.
	Wrapped error
}

// Error returns a human-readable description, preferring the tool's own
// words when it produced any.
func (e *GenesisBuildError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("genesis build failed: %s", e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("genesis build failed: %v", e.Wrapped)
	}
	return "genesis build failed"
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *GenesisBuildError) Unwrap() error {
	return e.Wrapped
}

// BuildResult reports what Ensure did.
type BuildResult struct {
	// Built is false when a previous artifact was reused as-is.
	Built bool

	// ArtifactPath is the genesis artifact location.
	ArtifactPath string

	// Elapsed is the build duration. Zero when nothing was built.
	Elapsed time.Duration
}

// GenesisBuilder ensures a genesis artifact exists for the ledger.
type GenesisBuilder interface {
	Ensure(ctx context.Context, cfg config.NodeConfig, ids BootstrapIdentities) (BuildResult, error)
}

// DefaultGenesisBuilder implements GenesisBuilder via the rox-genesis
// tool.
type DefaultGenesisBuilder struct {
	pm  ProcessManager
	km  KeyManager
	log *logging.Logger
}

// NewGenesisBuilder creates a genesis builder.
func NewGenesisBuilder(pm ProcessManager, km KeyManager, log *logging.Logger) *DefaultGenesisBuilder {
	return &DefaultGenesisBuilder{pm: pm, km: km, log: log}
}

// Ensure builds the genesis artifact when needed.
//
// On build failure the artifact is removed: rox-genesis can leave a
// truncated file behind, and a half-written genesis that passes the
// existence check on the next run would start a validator on a corrupt
// ledger.
func (b *DefaultGenesisBuilder) Ensure(ctx context.Context, cfg config.NodeConfig, ids BootstrapIdentities) (BuildResult, error) {
	artifact := cfg.GenesisArtifactPath()
	state := readArtifactState(artifact)

	if !needsRebuild(cfg.ForceRebuild, state) {
		b.log.Info("genesis artifact present, skipping build",
			"path", artifact, "size", state.Size, "modified", state.ModTime.Format(time.RFC3339))
		return BuildResult{Built: false, ArtifactPath: artifact}, nil
	}

	if cfg.Genesis.PrimordialAccountsFile != "" {
		if err := validatePrimordialAccounts(cfg.Genesis.PrimordialAccountsFile); err != nil {
			return BuildResult{}, err
		}
	}

	if err := os.MkdirAll(cfg.LedgerDir, 0755); err != nil {
		return BuildResult{}, fmt.Errorf("create ledger directory %s: %w", cfg.LedgerDir, err)
	}
	if state.Exists {
		// A rebuild replaces the artifact wholesale. Remove it first so
		// an interrupted build cannot leave the stale one masquerading
		// as current.
		if err := os.Remove(artifact); err != nil {
			return BuildResult{}, fmt.Errorf("remove stale genesis artifact: %w", err)
		}
	}

	args, err := b.buildArgs(ctx, cfg, ids)
	if err != nil {
		return BuildResult{}, err
	}

	b.log.Info("building genesis", "ledger", cfg.LedgerDir, "programs", len(cfg.Genesis.Programs))
	start := time.Now()

	buildCtx, cancel := context.WithTimeout(ctx, DefaultGenesisTimeout)
	defer cancel()

	if _, err := b.pm.Run(buildCtx, cfg.ToolPath(ToolGenesis), args...); err != nil {
		b.wipeArtifact(artifact)
		return BuildResult{}, &GenesisBuildError{Stderr: ExtractStderr(err), Wrapped: err}
	}

	built := readArtifactState(artifact)
	if !built.Exists {
		return BuildResult{}, &GenesisBuildError{
			Wrapped: fmt.Errorf("tool exited cleanly but %s does not exist", artifact),
		}
	}

	elapsed := time.Since(start)
	b.log.Info("genesis built", "path", artifact, "size", built.Size, "elapsed", elapsed.Round(time.Millisecond).String())
	return BuildResult{Built: true, ArtifactPath: artifact, Elapsed: elapsed}, nil
}

// buildArgs assembles the rox-genesis argument list in a fixed order so
// identical configs produce identical invocations.
func (b *DefaultGenesisBuilder) buildArgs(ctx context.Context, cfg config.NodeConfig, ids BootstrapIdentities) ([]string, error) {
	g := cfg.Genesis
	args := []string{
		"--ledger", cfg.LedgerDir,
		"--cluster-type", "development",
		"--hashes-per-tick", "sleep",
		"--creation-time", g.CreationTime,
		"--bootstrap-validator", ids.Identity, ids.VoteAccount, ids.StakeAccount,
		"--bootstrap-validator-lamports", strconv.FormatUint(g.ValidatorIdentityLamports, 10),
		"--bootstrap-validator-stake-lamports", strconv.FormatUint(g.ValidatorStakeLamports, 10),
		"--faucet-pubkey", ids.Faucet,
		"--faucet-lamports", strconv.FormatUint(g.FaucetLamports, 10),
		"--target-lamports-per-signature", strconv.FormatUint(g.TargetLamportsPerSignature, 10),
		"--target-signatures-per-slot", strconv.FormatUint(g.TargetSignaturesPerSlot, 10),
		"--fee-burn-percentage", strconv.Itoa(int(g.FeeBurnPercent)),
	}

	if g.PrimordialAccountsFile != "" {
		args = append(args, "--primordial-accounts-file", g.PrimordialAccountsFile)
	}

	for _, prog := range g.Programs {
		path := cfg.ProgramArtifactPath(prog.Artifact)
		switch prog.Loader {
		case config.LoaderUpgradeable:
			authority, err := b.km.Pubkey(ctx, cfg, cfg.KeyPath(prog.AuthorityKeyStem()))
			if err != nil {
				return nil, fmt.Errorf("program %s: %w", prog.Address, err)
			}
			args = append(args, "--upgradeable-program", prog.Address, loaderUpgradeableID, path, authority)
		default:
			args = append(args, "--bpf-program", prog.Address, loaderImmutableID, path)
		}
	}
	return args, nil
}

// wipeArtifact removes a possibly-partial artifact after a failed
// build. Absence is fine; anything else is only logged because the
// build error is the one the operator needs to see.
func (b *DefaultGenesisBuilder) wipeArtifact(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		b.log.Warn("could not remove partial genesis artifact", "path", path, "error", err)
	}
}

// Compile-time interface compliance check.
var _ GenesisBuilder = (*DefaultGenesisBuilder)(nil)

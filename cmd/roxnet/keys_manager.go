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
	"fmt"
	"os"
	"strings"

	"github.com/AleutianAI/roxnet/cmd/roxnet/config"
	"github.com/AleutianAI/roxnet/pkg/logging"
	"github.com/AleutianAI/roxnet/pkg/validation"
)

// BootstrapIdentities are the public identifiers of the bootstrap
// keypairs, derived once per invocation and threaded to whoever needs
// them (genesis argv, startup summary).
type BootstrapIdentities struct {
	Identity     string
	VoteAccount  string
	StakeAccount string
	Faucet       string
}

// KeyManager owns all rox-keygen interaction: deriving public keys from
// keypair files and generating the bootstrap key set.
type KeyManager interface {
	// Pubkey derives the base58 public key of a keypair file.
	Pubkey(ctx context.Context, cfg config.NodeConfig, keyPath string) (string, error)

	// DeriveIdentities derives the public keys of the four bootstrap
	// keypairs.
	DeriveIdentities(ctx context.Context, cfg config.NodeConfig) (BootstrapIdentities, error)

	// EnsureKeys generates any missing bootstrap keypairs and returns
	// the stems it created. With force set, existing keypairs are
	// regenerated too.
	EnsureKeys(ctx context.Context, cfg config.NodeConfig, force bool) ([]string, error)
}

// DefaultKeyManager implements KeyManager via the rox-keygen tool.
type DefaultKeyManager struct {
	pm  ProcessManager
	log *logging.Logger
}

// NewKeyManager creates a key manager.
func NewKeyManager(pm ProcessManager, log *logging.Logger) *DefaultKeyManager {
	return &DefaultKeyManager{pm: pm, log: log}
}

// Pubkey derives the base58 public key of a keypair file.
//
// The output is validated before being returned: every caller feeds the
// result into a tool argument list, and a tool that printed a warning
// instead of a key must not end up quoted into rox-genesis argv.
func (m *DefaultKeyManager) Pubkey(ctx context.Context, cfg config.NodeConfig, keyPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultToolTimeout)
	defer cancel()

	out, err := m.pm.Run(ctx, cfg.ToolPath(ToolKeygen), "pubkey", keyPath)
	if err != nil {
		return "", fmt.Errorf("derive pubkey of %s: %w", keyPath, err)
	}

	pubkey := strings.TrimSpace(string(out))
	if err := validation.ValidatePubkey(pubkey); err != nil {
		return "", fmt.Errorf("derive pubkey of %s: %w", keyPath, err)
	}
	return pubkey, nil
}

// DeriveIdentities derives the public keys of the four bootstrap keypairs.
func (m *DefaultKeyManager) DeriveIdentities(ctx context.Context, cfg config.NodeConfig) (BootstrapIdentities, error) {
	var ids BootstrapIdentities
	var err error

	if ids.Identity, err = m.Pubkey(ctx, cfg, cfg.IdentityKeyPath()); err != nil {
		return ids, err
	}
	if ids.VoteAccount, err = m.Pubkey(ctx, cfg, cfg.VoteAccountKeyPath()); err != nil {
		return ids, err
	}
	if ids.StakeAccount, err = m.Pubkey(ctx, cfg, cfg.StakeAccountKeyPath()); err != nil {
		return ids, err
	}
	if ids.Faucet, err = m.Pubkey(ctx, cfg, cfg.FaucetKeyPath()); err != nil {
		return ids, err
	}
	return ids, nil
}

// bootstrapKeyStems returns every key stem a node needs, in generation
// order: the fixed four, then upgrade authorities for any upgradeable
// programs.
func bootstrapKeyStems(cfg config.NodeConfig) []string {
	stems := []string{
		config.KeyIdentity,
		config.KeyVoteAccount,
		config.KeyStakeAccount,
		config.KeyFaucet,
	}
	seen := make(map[string]bool, len(stems))
	for _, s := range stems {
		seen[s] = true
	}
	for _, prog := range cfg.Genesis.Programs {
		if prog.Loader != config.LoaderUpgradeable {
			continue
		}
		stem := prog.AuthorityKeyStem()
		if !seen[stem] {
			seen[stem] = true
			stems = append(stems, stem)
		}
	}
	return stems
}

// EnsureKeys generates any missing bootstrap keypairs.
func (m *DefaultKeyManager) EnsureKeys(ctx context.Context, cfg config.NodeConfig, force bool) ([]string, error) {
	if err := os.MkdirAll(cfg.KeysDir, 0700); err != nil {
		return nil, fmt.Errorf("create keys directory %s: %w", cfg.KeysDir, err)
	}

	var created []string
	for _, stem := range bootstrapKeyStems(cfg) {
		path := cfg.KeyPath(stem)
		if !force {
			if _, err := os.Stat(path); err == nil {
				m.log.Debug("keypair exists, skipping", "stem", stem)
				continue
			}
		}

		args := []string{"new", "--no-passphrase", "--silent", "-o", path}
		if force {
			args = append(args, "--force")
		}

		runCtx, cancel := context.WithTimeout(ctx, DefaultToolTimeout)
		_, err := m.pm.Run(runCtx, cfg.ToolPath(ToolKeygen), args...)
		cancel()
		if err != nil {
			return created, fmt.Errorf("generate keypair %s: %w", stem, err)
		}

		m.log.Info("keypair generated", "stem", stem, "path", path)
		created = append(created, stem)
	}
	return created, nil
}

// Compile-time interface compliance check.
var _ KeyManager = (*DefaultKeyManager)(nil)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Shared fixtures for the bootstrap component tests: a quiet logger, a
// throwaway node config, and function-field fakes for the interfaces
// that have no mock in their own file.

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/AleutianAI/roxnet/cmd/roxnet/config"
	"github.com/AleutianAI/roxnet/cmd/roxnet/internal/infra"
	"github.com/AleutianAI/roxnet/pkg/logging"
)

// Base58 fixtures sized like real account addresses.
const (
	testPubkeyIdentity  = "7Np41oeYqPefeNQEHSv1UDhYrehxin3NStELsSKCT4K2"
	testPubkeyVote      = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	testPubkeyStake     = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	testPubkeyFaucet    = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	testPubkeyAuthority = "BXJn1c1BCoFWBaAP85KvF7T2J7PGNxMM9mBhBnUWnf6p"
)

// testIdentities is the canonical bootstrap identity set the fakes hand
// out.
var testIdentities = BootstrapIdentities{
	Identity:     testPubkeyIdentity,
	VoteAccount:  testPubkeyVote,
	StakeAccount: testPubkeyStake,
	Faucet:       testPubkeyFaucet,
}

// newTestLogger returns a logger that stays quiet at test verbosity.
// Error-level records still reach stderr, which is what you want when a
// failing test needs context.
func newTestLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Quiet: true})
}

// testNodeConfig returns the default config rooted in a temp dir.
func testNodeConfig(t *testing.T) config.NodeConfig {
	t.Helper()
	return config.DefaultNodeConfig(t.TempDir())
}

// writeTestFile creates a file with the given content and returns its
// path.
func writeTestFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// fakeChecker is a function-field SystemChecker. Nil fields report
// success, so a zero value is a system where everything is installed
// and disk space is plentiful.
type fakeChecker struct {
	LookupToolFunc     func(name string) (string, error)
	CheckKeypairFunc   func(path string) error
	CheckArtifactFunc  func(path string) error
	FreeDiskSpaceFunc  func(path string) (uint64, error)
	CheckDiskSpaceFunc func(path string, requiredBytes uint64) error
}

func (c *fakeChecker) LookupTool(name string) (string, error) {
	if c.LookupToolFunc != nil {
		return c.LookupToolFunc(name)
	}
	return "/usr/local/bin/" + name, nil
}

func (c *fakeChecker) CheckKeypair(path string) error {
	if c.CheckKeypairFunc != nil {
		return c.CheckKeypairFunc(path)
	}
	return nil
}

func (c *fakeChecker) CheckArtifact(path string) error {
	if c.CheckArtifactFunc != nil {
		return c.CheckArtifactFunc(path)
	}
	return nil
}

func (c *fakeChecker) FreeDiskSpace(path string) (uint64, error) {
	if c.FreeDiskSpaceFunc != nil {
		return c.FreeDiskSpaceFunc(path)
	}
	return 64 << 30, nil
}

func (c *fakeChecker) CheckDiskSpace(path string, requiredBytes uint64) error {
	if c.CheckDiskSpaceFunc != nil {
		return c.CheckDiskSpaceFunc(path, requiredBytes)
	}
	return nil
}

// fakeKeyManager is a function-field KeyManager. Nil fields hand out
// the canonical test identities.
type fakeKeyManager struct {
	PubkeyFunc           func(ctx context.Context, cfg config.NodeConfig, keyPath string) (string, error)
	DeriveIdentitiesFunc func(ctx context.Context, cfg config.NodeConfig) (BootstrapIdentities, error)
	EnsureKeysFunc       func(ctx context.Context, cfg config.NodeConfig, force bool) ([]string, error)
}

func (m *fakeKeyManager) Pubkey(ctx context.Context, cfg config.NodeConfig, keyPath string) (string, error) {
	if m.PubkeyFunc != nil {
		return m.PubkeyFunc(ctx, cfg, keyPath)
	}
	return testPubkeyAuthority, nil
}

func (m *fakeKeyManager) DeriveIdentities(ctx context.Context, cfg config.NodeConfig) (BootstrapIdentities, error) {
	if m.DeriveIdentitiesFunc != nil {
		return m.DeriveIdentitiesFunc(ctx, cfg)
	}
	return testIdentities, nil
}

func (m *fakeKeyManager) EnsureKeys(ctx context.Context, cfg config.NodeConfig, force bool) ([]string, error) {
	if m.EnsureKeysFunc != nil {
		return m.EnsureKeysFunc(ctx, cfg, force)
	}
	return nil, nil
}

// Compile-time interface compliance checks for the fakes.
var (
	_ infra.SystemChecker = (*fakeChecker)(nil)
	_ KeyManager          = (*fakeKeyManager)(nil)
)

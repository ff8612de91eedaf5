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
	"reflect"
	"strings"
	"testing"

	"github.com/AleutianAI/roxnet/cmd/roxnet/config"
)

// =============================================================================
// Pubkey Tests
// =============================================================================

func TestKeyManager_Pubkey(t *testing.T) {
	pm := &MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte("  " + testPubkeyIdentity + "\n"), nil
		},
	}
	km := NewKeyManager(pm, newTestLogger())
	cfg := testNodeConfig(t)

	got, err := km.Pubkey(context.Background(), cfg, cfg.IdentityKeyPath())
	if err != nil {
		t.Fatalf("Pubkey() error: %v", err)
	}
	if got != testPubkeyIdentity {
		t.Errorf("Pubkey() = %q, want trimmed %q", got, testPubkeyIdentity)
	}

	calls := pm.GetCalls()
	if len(calls) != 1 {
		t.Fatalf("recorded %d calls, want 1", len(calls))
	}
	wantArgs := []string{"pubkey", cfg.IdentityKeyPath()}
	if !reflect.DeepEqual(calls[0].Args, wantArgs) {
		t.Errorf("args = %v, want %v", calls[0].Args, wantArgs)
	}
}

func TestKeyManager_PubkeyRejectsToolNoise(t *testing.T) {
	// A keygen that prints a warning instead of a key must not have that
	// warning quoted into a later argv.
	pm := &MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte("Warning: keypair file uses a deprecated format\n"), nil
		},
	}
	km := NewKeyManager(pm, newTestLogger())
	cfg := testNodeConfig(t)

	_, err := km.Pubkey(context.Background(), cfg, cfg.IdentityKeyPath())
	if err == nil || !strings.Contains(err.Error(), "invalid pubkey") {
		t.Errorf("Pubkey() error = %v, want pubkey validation failure", err)
	}
}

func TestKeyManager_PubkeyPropagatesToolFailure(t *testing.T) {
	toolErr := NewCommandError(ToolKeygen, 1, "No such file", nil)
	pm := &MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, toolErr
		},
	}
	km := NewKeyManager(pm, newTestLogger())
	cfg := testNodeConfig(t)

	_, err := km.Pubkey(context.Background(), cfg, cfg.IdentityKeyPath())
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Pubkey() error = %v, want wrapped *CommandError", err)
	}
	if cmdErr.Stderr != "No such file" {
		t.Errorf("Stderr = %q", cmdErr.Stderr)
	}
}

func TestKeyManager_DeriveIdentities(t *testing.T) {
	cfg := testNodeConfig(t)
	byPath := map[string]string{
		cfg.IdentityKeyPath():     testPubkeyIdentity,
		cfg.VoteAccountKeyPath():  testPubkeyVote,
		cfg.StakeAccountKeyPath(): testPubkeyStake,
		cfg.FaucetKeyPath():       testPubkeyFaucet,
	}

	pm := &MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			pk, ok := byPath[args[1]]
			if !ok {
				return nil, errors.New("unexpected keypath " + args[1])
			}
			return []byte(pk + "\n"), nil
		},
	}
	km := NewKeyManager(pm, newTestLogger())

	ids, err := km.DeriveIdentities(context.Background(), cfg)
	if err != nil {
		t.Fatalf("DeriveIdentities() error: %v", err)
	}
	if ids != testIdentities {
		t.Errorf("DeriveIdentities() = %+v, want %+v", ids, testIdentities)
	}
}

func TestKeyManager_DeriveIdentitiesStopsOnFirstFailure(t *testing.T) {
	cfg := testNodeConfig(t)
	pm := &MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			if args[1] == cfg.VoteAccountKeyPath() {
				return nil, errors.New("corrupt keypair")
			}
			return []byte(testPubkeyIdentity + "\n"), nil
		},
	}
	km := NewKeyManager(pm, newTestLogger())

	_, err := km.DeriveIdentities(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "corrupt keypair") {
		t.Fatalf("DeriveIdentities() error = %v, want the vote-account failure", err)
	}
	if got := len(pm.GetCalls()); got != 2 {
		t.Errorf("made %d tool calls, want 2 (stop at first failure)", got)
	}
}

// =============================================================================
// Key Stem Tests
// =============================================================================

func TestBootstrapKeyStems(t *testing.T) {
	fixed := []string{
		config.KeyIdentity,
		config.KeyVoteAccount,
		config.KeyStakeAccount,
		config.KeyFaucet,
	}

	tests := []struct {
		name     string
		programs []config.ProgramDeployment
		want     []string
	}{
		{
			name: "no programs",
			want: fixed,
		},
		{
			name: "immutable program needs no authority",
			programs: []config.ProgramDeployment{
				{Address: "A", Loader: config.LoaderImmutable, Artifact: "a.so"},
			},
			want: fixed,
		},
		{
			name: "upgradeable program adds the default stem",
			programs: []config.ProgramDeployment{
				{Address: "A", Loader: config.LoaderUpgradeable, Artifact: "a.so"},
			},
			want: append(append([]string{}, fixed...), config.KeyUpgradeAuthority),
		},
		{
			name: "shared stems are deduplicated",
			programs: []config.ProgramDeployment{
				{Address: "A", Loader: config.LoaderUpgradeable, Artifact: "a.so"},
				{Address: "B", Loader: config.LoaderUpgradeable, Artifact: "b.so"},
			},
			want: append(append([]string{}, fixed...), config.KeyUpgradeAuthority),
		},
		{
			name: "custom stems follow declaration order",
			programs: []config.ProgramDeployment{
				{Address: "A", Loader: config.LoaderUpgradeable, Artifact: "a.so", UpgradeAuthorityKey: "dao-authority"},
				{Address: "B", Loader: config.LoaderUpgradeable, Artifact: "b.so"},
			},
			want: append(append([]string{}, fixed...), "dao-authority", config.KeyUpgradeAuthority),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testNodeConfig(t)
			cfg.Genesis.Programs = tt.programs
			if got := bootstrapKeyStems(cfg); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("bootstrapKeyStems() = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// EnsureKeys Tests
// =============================================================================

func TestKeyManager_EnsureKeys_CreatesMissing(t *testing.T) {
	cfg := testNodeConfig(t)
	pm := &MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, nil
		},
	}
	km := NewKeyManager(pm, newTestLogger())

	created, err := km.EnsureKeys(context.Background(), cfg, false)
	if err != nil {
		t.Fatalf("EnsureKeys() error: %v", err)
	}

	want := []string{config.KeyIdentity, config.KeyVoteAccount, config.KeyStakeAccount, config.KeyFaucet}
	if !reflect.DeepEqual(created, want) {
		t.Errorf("created = %v, want %v", created, want)
	}

	calls := pm.GetCalls()
	if len(calls) != 4 {
		t.Fatalf("made %d keygen calls, want 4", len(calls))
	}
	wantArgs := []string{"new", "--no-passphrase", "--silent", "-o", cfg.KeyPath(config.KeyIdentity)}
	if !reflect.DeepEqual(calls[0].Args, wantArgs) {
		t.Errorf("first call args = %v, want %v", calls[0].Args, wantArgs)
	}

	info, err := os.Stat(cfg.KeysDir)
	if err != nil {
		t.Fatalf("keys dir was not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("keys dir mode = %o, want 0700", perm)
	}
}

func TestKeyManager_EnsureKeys_SkipsExisting(t *testing.T) {
	cfg := testNodeConfig(t)
	if err := os.MkdirAll(cfg.KeysDir, 0700); err != nil {
		t.Fatal(err)
	}
	writeTestFile(t, cfg.KeysDir, config.KeyIdentity+".json", []byte("[1,2,3]"))

	pm := &MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, nil
		},
	}
	km := NewKeyManager(pm, newTestLogger())

	created, err := km.EnsureKeys(context.Background(), cfg, false)
	if err != nil {
		t.Fatalf("EnsureKeys() error: %v", err)
	}

	want := []string{config.KeyVoteAccount, config.KeyStakeAccount, config.KeyFaucet}
	if !reflect.DeepEqual(created, want) {
		t.Errorf("created = %v, want the existing identity skipped: %v", created, want)
	}
}

func TestKeyManager_EnsureKeys_ForceRegeneratesAll(t *testing.T) {
	cfg := testNodeConfig(t)
	if err := os.MkdirAll(cfg.KeysDir, 0700); err != nil {
		t.Fatal(err)
	}
	for _, stem := range bootstrapKeyStems(cfg) {
		writeTestFile(t, cfg.KeysDir, stem+".json", []byte("[1]"))
	}

	pm := &MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, nil
		},
	}
	km := NewKeyManager(pm, newTestLogger())

	created, err := km.EnsureKeys(context.Background(), cfg, true)
	if err != nil {
		t.Fatalf("EnsureKeys() error: %v", err)
	}
	if len(created) != 4 {
		t.Errorf("created %d keypairs, want all 4 regenerated", len(created))
	}

	for _, call := range pm.GetCalls() {
		if call.Args[len(call.Args)-1] != "--force" {
			t.Errorf("call args %v missing trailing --force", call.Args)
		}
	}
}

func TestKeyManager_EnsureKeys_StopsOnFailure(t *testing.T) {
	cfg := testNodeConfig(t)
	pm := &MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			if strings.Contains(args[4], config.KeyVoteAccount) {
				return nil, NewCommandError(ToolKeygen, 1, "disk full", nil)
			}
			return nil, nil
		},
	}
	km := NewKeyManager(pm, newTestLogger())

	created, err := km.EnsureKeys(context.Background(), cfg, false)
	if err == nil || !strings.Contains(err.Error(), config.KeyVoteAccount) {
		t.Fatalf("EnsureKeys() error = %v, want the vote-account failure", err)
	}
	// What was generated before the failure is still reported.
	if !reflect.DeepEqual(created, []string{config.KeyIdentity}) {
		t.Errorf("created = %v, want the identity that succeeded", created)
	}
}

func TestKeyManager_EnsureKeys_CoversUpgradeAuthorities(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.Genesis.Programs = []config.ProgramDeployment{
		{Address: testPubkeyAuthority, Loader: config.LoaderUpgradeable, Artifact: "a.so"},
	}

	pm := &MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, nil
		},
	}
	km := NewKeyManager(pm, newTestLogger())

	created, err := km.EnsureKeys(context.Background(), cfg, false)
	if err != nil {
		t.Fatalf("EnsureKeys() error: %v", err)
	}
	if created[len(created)-1] != config.KeyUpgradeAuthority {
		t.Errorf("created = %v, want the upgrade authority last", created)
	}
}

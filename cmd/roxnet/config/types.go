// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"net"
	"path/filepath"
	"strconv"
	"time"
)

// Default network ports for a local validator node.
const (
	DefaultRPCPort    = 8899
	DefaultGossipPort = 8001
	DefaultFaucetPort = 9900
)

// Default genesis parameters. The fee defaults mirror the ROX SDK's
// constant-fee regime: a fixed signature fee with dynamic adjustment
// disabled and no fee burning.
const (
	DefaultTargetLamportsPerSignature = 10_000
	DefaultTargetSignaturesPerSlot    = 0
	DefaultFeeBurnPercent             = 0

	// DefaultCreationTime pins the genesis creation time so that
	// rebuilds from identical inputs produce byte-identical artifacts.
	DefaultCreationTime = "2020-01-01T00:00:00Z"

	DefaultFaucetLamports            = 500_000_000_000_000_000 // 500M ROX
	DefaultValidatorIdentityLamports = 500_000_000_000         // 500 ROX
	DefaultValidatorStakeLamports    = 10_000_000_000          // 10 ROX
)

// Default operational limits.
const (
	DefaultHealthMaxAttempts = 30
	DefaultHealthIntervalMS  = 1000
	DefaultSettleWindowMS    = 1500
	DefaultDiskMinFreeMB     = 1024
	DefaultLogMaxSizeMB      = 100
	DefaultLogKeepCount      = 5
)

// Well-known key file stems under the keys directory.
const (
	KeyIdentity         = "identity"
	KeyVoteAccount      = "vote-account"
	KeyStakeAccount     = "stake-account"
	KeyFaucet           = "faucet"
	KeyUpgradeAuthority = "upgrade-authority"
)

// GenesisArtifactName is the idempotency marker inside the ledger dir.
const GenesisArtifactName = "genesis.bin"

// Loader kinds for program deployments.
const (
	LoaderImmutable   = "immutable"
	LoaderUpgradeable = "upgradeable"
)

// NodeConfig is the fully resolved, immutable configuration for one
// orchestrator invocation. It is produced once by the Resolver and
// passed by value; no component reads ambient environment state after
// resolution.
type NodeConfig struct {
	// Directory layout. All paths are absolute after resolution.
	BaseDir     string `yaml:"base_dir" validate:"required"`
	LedgerDir   string `yaml:"ledger_dir" validate:"required"`
	KeysDir     string `yaml:"keys_dir" validate:"required"`
	ProgramsDir string `yaml:"programs_dir" validate:"required"`
	LogDir      string `yaml:"log_dir" validate:"required"`
	RunDir      string `yaml:"run_dir" validate:"required"`

	// BinDir holds the rox-* tool binaries. Empty means resolve on PATH.
	BinDir string `yaml:"bin_dir"`

	Network   NetworkConfig   `yaml:"network"`
	Genesis   GenesisConfig   `yaml:"genesis"`
	Health    HealthConfig    `yaml:"health"`
	Disk      DiskConfig      `yaml:"disk"`
	Rotation  RotationConfig  `yaml:"rotation"`
	Supervise SuperviseConfig `yaml:"supervise"`

	// Fetch configures the optional program artifact download source.
	Fetch FetchConfig `yaml:"fetch"`

	// ForceRebuild and PurgeOverride are per-invocation switches. They
	// are resolved from flags or environment only, never persisted in
	// the config file, so a stale file cannot make every run destructive.
	ForceRebuild  bool `yaml:"-"`
	PurgeOverride bool `yaml:"-"`
}

// NetworkConfig holds bind addresses for the spawned services.
type NetworkConfig struct {
	RPCHost    string `yaml:"rpc_host" validate:"required"`
	RPCPort    int    `yaml:"rpc_port" validate:"min=1,max=65535"`
	GossipHost string `yaml:"gossip_host" validate:"required"`
	GossipPort int    `yaml:"gossip_port" validate:"min=1,max=65535"`
	FaucetPort int    `yaml:"faucet_port" validate:"min=1,max=65535"`
}

// GenesisConfig holds everything the genesis build consumes. Identical
// GenesisConfig plus identical key-derived identifiers must produce an
// identical artifact.
type GenesisConfig struct {
	// CreationTime is an RFC 3339 timestamp pinned in config so rebuilds
	// are deterministic.
	CreationTime string `yaml:"creation_time" validate:"required"`

	FaucetLamports            uint64 `yaml:"faucet_lamports" validate:"min=1"`
	ValidatorIdentityLamports uint64 `yaml:"validator_identity_lamports" validate:"min=1"`
	ValidatorStakeLamports    uint64 `yaml:"validator_stake_lamports" validate:"min=1"`

	TargetLamportsPerSignature uint64 `yaml:"target_lamports_per_signature"`
	TargetSignaturesPerSlot    uint64 `yaml:"target_signatures_per_slot"`
	FeeBurnPercent             uint8  `yaml:"fee_burn_percent" validate:"max=100"`

	// PrimordialAccountsFile optionally seeds additional accounts from a
	// YAML manifest. Empty means none.
	PrimordialAccountsFile string `yaml:"primordial_accounts_file"`

	// Programs are deployed into genesis in declaration order.
	Programs []ProgramDeployment `yaml:"programs" validate:"dive"`
}

// ProgramDeployment describes one program baked into genesis.
type ProgramDeployment struct {
	// Address is the base58 account the program is deployed at.
	Address string `yaml:"address" validate:"required"`

	// Loader is "immutable" or "upgradeable".
	Loader string `yaml:"loader" validate:"required,oneof=immutable upgradeable"`

	// Artifact is the compiled program file, resolved against the
	// programs directory when relative.
	Artifact string `yaml:"artifact" validate:"required"`

	// UpgradeAuthorityKey names the authority key file stem for
	// upgradeable deployments. Ignored for immutable ones.
	UpgradeAuthorityKey string `yaml:"upgrade_authority_key,omitempty"`
}

// AuthorityKeyStem returns the upgrade authority key stem, defaulting
// to the shared upgrade-authority key when the deployment names none.
func (p ProgramDeployment) AuthorityKeyStem() string {
	if p.UpgradeAuthorityKey != "" {
		return p.UpgradeAuthorityKey
	}
	return KeyUpgradeAuthority
}

// HealthConfig bounds the post-start health gate.
type HealthConfig struct {
	MaxAttempts int `yaml:"max_attempts" validate:"min=1"`
	IntervalMS  int `yaml:"interval_ms" validate:"min=1"`
}

// DiskConfig sets the free-space floor for the ledger volume.
type DiskConfig struct {
	MinFreeMB uint64 `yaml:"min_free_mb" validate:"min=1"`
}

// RotationConfig bounds the managed service logs.
type RotationConfig struct {
	MaxSizeMB int `yaml:"max_size_mb" validate:"min=1"`
	KeepCount int `yaml:"keep_count" validate:"min=1"`
}

// SuperviseConfig tunes process supervision.
type SuperviseConfig struct {
	// SettleWindowMS is how long a freshly spawned process is watched
	// for an early exit before being considered settled.
	SettleWindowMS int `yaml:"settle_window_ms" validate:"min=1"`

	// MinValidatorVersion optionally gates preflight on the validator
	// binary's reported version (semver, e.g. "v1.4.0"). Empty disables
	// the gate.
	MinValidatorVersion string `yaml:"min_validator_version"`

	// ValidatorArgs are appended verbatim to the validator command line.
	ValidatorArgs []string `yaml:"validator_args"`

	// Env is extra environment passed to spawned services, on top of the
	// orchestrator's own environment. Values here win on key collision.
	Env map[string]string `yaml:"env"`
}

// FetchConfig points at the release bucket for program artifacts.
type FetchConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`

	// CredentialsFile is a service account key for private buckets.
	// Empty means anonymous access; release buckets are public.
	CredentialsFile string `yaml:"credentials_file"`
}

// DefaultNodeConfig returns the defaults rooted at baseDir. The caller
// (the resolver) decides where baseDir is; this function performs no
// environment reads.
func DefaultNodeConfig(baseDir string) NodeConfig {
	return NodeConfig{
		BaseDir:     baseDir,
		LedgerDir:   filepath.Join(baseDir, "ledger"),
		KeysDir:     filepath.Join(baseDir, "keys"),
		ProgramsDir: filepath.Join(baseDir, "programs"),
		LogDir:      filepath.Join(baseDir, "logs"),
		RunDir:      filepath.Join(baseDir, "run"),
		Network: NetworkConfig{
			RPCHost:    "127.0.0.1",
			RPCPort:    DefaultRPCPort,
			GossipHost: "127.0.0.1",
			GossipPort: DefaultGossipPort,
			FaucetPort: DefaultFaucetPort,
		},
		Genesis: GenesisConfig{
			CreationTime:               DefaultCreationTime,
			FaucetLamports:             DefaultFaucetLamports,
			ValidatorIdentityLamports:  DefaultValidatorIdentityLamports,
			ValidatorStakeLamports:     DefaultValidatorStakeLamports,
			TargetLamportsPerSignature: DefaultTargetLamportsPerSignature,
			TargetSignaturesPerSlot:    DefaultTargetSignaturesPerSlot,
			FeeBurnPercent:             DefaultFeeBurnPercent,
		},
		Health: HealthConfig{
			MaxAttempts: DefaultHealthMaxAttempts,
			IntervalMS:  DefaultHealthIntervalMS,
		},
		Disk: DiskConfig{
			MinFreeMB: DefaultDiskMinFreeMB,
		},
		Rotation: RotationConfig{
			MaxSizeMB: DefaultLogMaxSizeMB,
			KeepCount: DefaultLogKeepCount,
		},
		Supervise: SuperviseConfig{
			SettleWindowMS: DefaultSettleWindowMS,
		},
	}
}

// KeyPath returns the path of a named key file under the keys dir.
func (c NodeConfig) KeyPath(stem string) string {
	return filepath.Join(c.KeysDir, stem+".json")
}

// IdentityKeyPath is the validator identity keypair.
func (c NodeConfig) IdentityKeyPath() string { return c.KeyPath(KeyIdentity) }

// VoteAccountKeyPath is the validator vote account keypair.
func (c NodeConfig) VoteAccountKeyPath() string { return c.KeyPath(KeyVoteAccount) }

// StakeAccountKeyPath is the bootstrap stake account keypair.
func (c NodeConfig) StakeAccountKeyPath() string { return c.KeyPath(KeyStakeAccount) }

// FaucetKeyPath is the faucet keypair.
func (c NodeConfig) FaucetKeyPath() string { return c.KeyPath(KeyFaucet) }

// GenesisArtifactPath is the genesis artifact inside the ledger dir;
// its existence is the rebuild idempotency marker.
func (c NodeConfig) GenesisArtifactPath() string {
	return filepath.Join(c.LedgerDir, GenesisArtifactName)
}

// ProgramArtifactPath resolves a program artifact against the programs
// dir. Absolute paths pass through unchanged.
func (c NodeConfig) ProgramArtifactPath(artifact string) string {
	if filepath.IsAbs(artifact) {
		return artifact
	}
	return filepath.Join(c.ProgramsDir, artifact)
}

// ServiceLogPath returns the live log file for a managed role.
func (c NodeConfig) ServiceLogPath(role string) string {
	return filepath.Join(c.LogDir, role+".log")
}

// HandlePath returns the persisted process handle record for a role.
func (c NodeConfig) HandlePath(role string) string {
	return filepath.Join(c.RunDir, role+".json")
}

// RPCAddr is the host:port the validator RPC binds to.
func (c NodeConfig) RPCAddr() string {
	return joinHostPort(c.Network.RPCHost, c.Network.RPCPort)
}

// RPCURL is the http endpoint used for health probes and client calls.
func (c NodeConfig) RPCURL() string {
	return "http://" + c.RPCAddr()
}

// FaucetAddr is the host:port the faucet listens on.
func (c NodeConfig) FaucetAddr() string {
	return joinHostPort(c.Network.RPCHost, c.Network.FaucetPort)
}

// GossipAddr is the host:port for gossip.
func (c NodeConfig) GossipAddr() string {
	return joinHostPort(c.Network.GossipHost, c.Network.GossipPort)
}

// ToolPath resolves an external tool name against BinDir, or returns
// the bare name for PATH lookup when BinDir is unset.
func (c NodeConfig) ToolPath(name string) string {
	if c.BinDir == "" {
		return name
	}
	return filepath.Join(c.BinDir, name)
}

// DiskMinFreeBytes is the refusal threshold in bytes.
func (c NodeConfig) DiskMinFreeBytes() uint64 {
	return c.Disk.MinFreeMB * 1024 * 1024
}

// LogMaxSizeBytes is the rotation threshold in bytes.
func (c NodeConfig) LogMaxSizeBytes() int64 {
	return int64(c.Rotation.MaxSizeMB) * 1024 * 1024
}

// HealthInterval is the pause between health probes.
func (c NodeConfig) HealthInterval() time.Duration {
	return time.Duration(c.Health.IntervalMS) * time.Millisecond
}

// SettleWindow is how long a freshly spawned service is watched for an
// early exit.
func (c NodeConfig) SettleWindow() time.Duration {
	return time.Duration(c.Supervise.SettleWindowMS) * time.Millisecond
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// CreationTimestamp returns the parsed pinned creation time.
func (g GenesisConfig) CreationTimestamp() (time.Time, error) {
	return parseCreationTime(g.CreationTime)
}

func parseCreationTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

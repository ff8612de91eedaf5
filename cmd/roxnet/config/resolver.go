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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the per-user config file under the base dir.
const ConfigFileName = "roxnet.yaml"

// validate is shared across resolutions; validator.New is expensive.
var validate = validator.New()

// Overrides carries explicit CLI-level settings into resolution. Nil
// pointer fields mean "not set"; zero values would be ambiguous for
// ports and booleans.
type Overrides struct {
	ConfigPath string
	BaseDir    string
	BinDir     string

	RPCPort    *int
	GossipPort *int
	FaucetPort *int

	ForceRebuild *bool
	Purge        *bool

	HealthMaxAttempts *int
	HealthIntervalMS  *int
}

// Resolver produces the immutable NodeConfig for an invocation. It is
// the only component that reads environment variables; everything
// downstream receives the resolved NodeConfig explicitly.
//
// Resolution order (later wins):
//
//	defaults <- config file <- ROXNET_* environment <- Overrides
//
// # Thread Safety
//
// A Resolver is safe for concurrent use; it holds no mutable state.
type Resolver struct {
	getenv func(string) string
	stdout io.Writer
}

// NewResolver returns a resolver backed by the process environment.
func NewResolver() *Resolver {
	return &Resolver{getenv: os.Getenv, stdout: os.Stdout}
}

// NewResolverWithEnv returns a resolver reading from the supplied
// lookup function instead of the process environment. Used in tests.
func NewResolverWithEnv(getenv func(string) string) *Resolver {
	return &Resolver{getenv: getenv, stdout: io.Discard}
}

// SetOutput redirects the resolver's first-run notice.
func (r *Resolver) SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	r.stdout = w
}

// Resolve builds the NodeConfig. On first run it writes a default
// config file so the operator has something concrete to edit.
func (r *Resolver) Resolve(opts Overrides) (NodeConfig, error) {
	baseDir, err := r.resolveBaseDir(opts)
	if err != nil {
		return NodeConfig{}, err
	}

	cfg := DefaultNodeConfig(baseDir)

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = filepath.Join(baseDir, ConfigFileName)
	}
	if err := r.loadFile(&cfg, configPath, opts.ConfigPath != ""); err != nil {
		return NodeConfig{}, err
	}

	// A file may set base_dir without restating every derived dir; fill
	// the gaps relative to the effective base.
	fillDerivedDirs(&cfg)

	if err := r.applyEnv(&cfg); err != nil {
		return NodeConfig{}, err
	}
	applyOverrides(&cfg, opts)

	expandConfigPaths(&cfg)

	if err := validate.Struct(cfg); err != nil {
		return NodeConfig{}, describeValidationError(err)
	}
	if err := validateCreationTime(cfg.Genesis.CreationTime); err != nil {
		return NodeConfig{}, err
	}

	return cfg, nil
}

func (r *Resolver) resolveBaseDir(opts Overrides) (string, error) {
	if opts.BaseDir != "" {
		return expandPath(opts.BaseDir), nil
	}
	if env := r.getenv("ROXNET_HOME"); env != "" {
		return expandPath(env), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".roxnet"), nil
}

// loadFile merges the YAML file into cfg. A missing default-location
// file triggers first-run creation; a missing explicitly named file is
// an error. A file that relocates base_dir moves every derived dir it
// does not set itself.
func (r *Resolver) loadFile(cfg *NodeConfig, path string, explicit bool) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if explicit {
			return fmt.Errorf("config file %s does not exist", path)
		}
		fmt.Fprintf(r.stdout, " First run detected, creating the config at %s\n", path)
		return createDefault(path, *cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read the config file: %w", err)
	}

	// Peek at base_dir first: if the file moves it, rebuild the derived
	// defaults on the new base before merging the rest of the file.
	var peek struct {
		BaseDir string `yaml:"base_dir"`
	}
	if err := yaml.Unmarshal(data, &peek); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if peek.BaseDir != "" && expandPath(peek.BaseDir) != cfg.BaseDir {
		*cfg = DefaultNodeConfig(expandPath(peek.BaseDir))
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func createDefault(path string, cfg NodeConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// applyEnv overlays ROXNET_* variables. A set-but-unparseable value is
// a config error, not a silent fallback.
func (r *Resolver) applyEnv(cfg *NodeConfig) error {
	if v := r.getenv("ROXNET_BIN_DIR"); v != "" {
		cfg.BinDir = v
	}
	if v := r.getenv("ROXNET_RPC_HOST"); v != "" {
		cfg.Network.RPCHost = v
	}

	intVars := []struct {
		key string
		dst *int
	}{
		{"ROXNET_RPC_PORT", &cfg.Network.RPCPort},
		{"ROXNET_GOSSIP_PORT", &cfg.Network.GossipPort},
		{"ROXNET_FAUCET_PORT", &cfg.Network.FaucetPort},
		{"ROXNET_HEALTH_ATTEMPTS", &cfg.Health.MaxAttempts},
		{"ROXNET_HEALTH_INTERVAL_MS", &cfg.Health.IntervalMS},
	}
	for _, iv := range intVars {
		if v := r.getenv(iv.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s=%q is not a number", iv.key, v)
			}
			*iv.dst = n
		}
	}

	boolVars := []struct {
		key string
		dst *bool
	}{
		{"ROXNET_FORCE_REBUILD", &cfg.ForceRebuild},
		{"ROXNET_PURGE", &cfg.PurgeOverride},
	}
	for _, bv := range boolVars {
		if v := r.getenv(bv.key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s=%q is not a boolean", bv.key, v)
			}
			*bv.dst = b
		}
	}

	return nil
}

func applyOverrides(cfg *NodeConfig, opts Overrides) {
	if opts.BinDir != "" {
		cfg.BinDir = opts.BinDir
	}
	if opts.RPCPort != nil {
		cfg.Network.RPCPort = *opts.RPCPort
	}
	if opts.GossipPort != nil {
		cfg.Network.GossipPort = *opts.GossipPort
	}
	if opts.FaucetPort != nil {
		cfg.Network.FaucetPort = *opts.FaucetPort
	}
	if opts.ForceRebuild != nil {
		cfg.ForceRebuild = *opts.ForceRebuild
	}
	if opts.Purge != nil {
		cfg.PurgeOverride = *opts.Purge
	}
	if opts.HealthMaxAttempts != nil {
		cfg.Health.MaxAttempts = *opts.HealthMaxAttempts
	}
	if opts.HealthIntervalMS != nil {
		cfg.Health.IntervalMS = *opts.HealthIntervalMS
	}
}

// fillDerivedDirs computes any directory the file cleared or left empty
// relative to the effective base dir.
func fillDerivedDirs(cfg *NodeConfig) {
	base := cfg.BaseDir
	if cfg.LedgerDir == "" {
		cfg.LedgerDir = filepath.Join(base, "ledger")
	}
	if cfg.KeysDir == "" {
		cfg.KeysDir = filepath.Join(base, "keys")
	}
	if cfg.ProgramsDir == "" {
		cfg.ProgramsDir = filepath.Join(base, "programs")
	}
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(base, "logs")
	}
	if cfg.RunDir == "" {
		cfg.RunDir = filepath.Join(base, "run")
	}
}

func expandConfigPaths(cfg *NodeConfig) {
	cfg.BaseDir = expandPath(cfg.BaseDir)
	cfg.LedgerDir = expandPath(cfg.LedgerDir)
	cfg.KeysDir = expandPath(cfg.KeysDir)
	cfg.ProgramsDir = expandPath(cfg.ProgramsDir)
	cfg.LogDir = expandPath(cfg.LogDir)
	cfg.RunDir = expandPath(cfg.RunDir)
	cfg.BinDir = expandPath(cfg.BinDir)
	cfg.Genesis.PrimordialAccountsFile = expandPath(cfg.Genesis.PrimordialAccountsFile)
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func validateCreationTime(s string) error {
	if _, err := parseCreationTime(s); err != nil {
		return fmt.Errorf("genesis creation_time %q is not RFC 3339: %w", s, err)
	}
	return nil
}

// describeValidationError turns validator/v10 field errors into a
// single operator-readable message.
func describeValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Namespace()))
		case "min":
			parts = append(parts, fmt.Sprintf("%s must be at least %s", fe.Namespace(), fe.Param()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s", fe.Namespace(), fe.Param()))
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of: %s", fe.Namespace(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s validation", fe.Namespace(), fe.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(parts, "; "))
}

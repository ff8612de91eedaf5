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
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/AleutianAI/roxnet/cmd/roxnet/config"
	"github.com/AleutianAI/roxnet/cmd/roxnet/internal/infra"
	"github.com/AleutianAI/roxnet/pkg/logging"
	"github.com/AleutianAI/roxnet/pkg/ux"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// statusWatchInterval paces --watch refreshes so a wedged RPC endpoint
// cannot turn the status loop into a poll storm.
const statusWatchInterval = 2 * time.Second

// signalContext returns a context cancelled by Ctrl+C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
}

// resolveNodeConfig merges CLI flags over the config file and
// environment. Only flags the user actually set become overrides, so
// an untouched --rpc-port never clobbers the file value with zero.
func resolveNodeConfig(cmd *cobra.Command) (config.NodeConfig, error) {
	opts := config.Overrides{
		ConfigPath: cfgFile,
		BaseDir:    dataDir,
		BinDir:     binDir,
	}
	if cmd.Flags().Changed("rpc-port") {
		opts.RPCPort = &rpcPort
	}
	if cmd.Flags().Changed("faucet-port") {
		opts.FaucetPort = &faucetPort
	}
	if forceRebuild {
		opts.ForceRebuild = &forceRebuild
	}
	if purgeLedger {
		opts.Purge = &purgeLedger
	}
	return config.NewResolver().Resolve(opts)
}

// newNodeLogger builds the structured logger all components share.
func newNodeLogger(cfg config.NodeConfig) *logging.Logger {
	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.LogDir,
		Service: "roxnet",
		Quiet:   true, // the ux layer owns the terminal; logs go to file
	})
}

// buildNodeManager wires the full dependency graph for one invocation.
func buildNodeManager(cfg config.NodeConfig, logger *logging.Logger) (NodeManager, error) {
	pm := NewDefaultProcessManager()
	checker := infra.NewDefaultSystemChecker(cfg.BinDir)

	preflight := NewPreflightValidator(checker, pm, logger)
	guard := NewDiskSpaceGuard(checker, logger)
	keys := NewKeyManager(pm, logger)
	genesis := NewGenesisBuilder(pm, keys, logger)
	rotator := NewLogRotator(logger)
	store := NewHandleStore(cfg.RunDir)
	supervisor := NewProcessSupervisor(pm, store, logger)
	health := NewHealthGate(nil, logger)

	return NewNodeManager(preflight, guard, keys, genesis, rotator, supervisor, health, pm, logger)
}

// ============================================================================
// Run Handlers
// ============================================================================

// runStart boots the node end to end and waits for the validator to
// report healthy.
func runStart(cmd *cobra.Command, args []string) {
	ctx, stop := signalContext()
	defer stop()

	if purgeLedger && !assumeYes {
		ux.Warning("Low disk space will DELETE and recreate the ledger when --purge is set.")
		if !ux.ConfirmStdin("Continue with --purge armed?") {
			ux.Info("Aborted.")
			return
		}
	}

	cfg, err := resolveNodeConfig(cmd)
	if err != nil {
		log.Fatalf("Failed to resolve configuration: %v", err)
	}
	logger := newNodeLogger(cfg)
	manager, err := buildNodeManager(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to wire components: %v", err)
	}

	if err := manager.Start(ctx, cfg); err != nil {
		if ctx.Err() != nil {
			ux.Warning("Interrupted before the node came up.")
			os.Exit(130)
		}
		ux.Error(fmt.Sprintf("Start failed: %v", err))
		os.Exit(1)
	}
}

// runStop stops the supervised services recorded in the run directory.
func runStop(cmd *cobra.Command, args []string) {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := resolveNodeConfig(cmd)
	if err != nil {
		log.Fatalf("Failed to resolve configuration: %v", err)
	}
	logger := newNodeLogger(cfg)
	manager, err := buildNodeManager(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to wire components: %v", err)
	}

	if err := manager.Stop(ctx, cfg); err != nil {
		ux.Error(fmt.Sprintf("Stop failed: %v", err))
		os.Exit(1)
	}
}

// runStatus prints one status snapshot, or keeps refreshing it under
// --watch until the user interrupts.
func runStatus(cmd *cobra.Command, args []string) {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := resolveNodeConfig(cmd)
	if err != nil {
		log.Fatalf("Failed to resolve configuration: %v", err)
	}
	logger := newNodeLogger(cfg)
	manager, err := buildNodeManager(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to wire components: %v", err)
	}

	if !watchStatus {
		if err := renderStatus(ctx, manager, cfg); err != nil {
			ux.Error(fmt.Sprintf("Status failed: %v", err))
			os.Exit(1)
		}
		return
	}

	limiter := rate.NewLimiter(rate.Every(statusWatchInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return // interrupted
		}
		clearScreen()
		if err := renderStatus(ctx, manager, cfg); err != nil {
			ux.Error(fmt.Sprintf("Status failed: %v", err))
			os.Exit(1)
		}
		ux.Muted(fmt.Sprintf("Refreshing every %s. Ctrl+C to stop.", statusWatchInterval))
	}
}

// renderStatus prints one snapshot of the supervised services.
func renderStatus(ctx context.Context, manager NodeManager, cfg config.NodeConfig) error {
	snapshot, err := manager.Status(ctx, cfg)
	if err != nil {
		return err
	}

	ux.Title("ROX local node")
	running := 0
	for _, svc := range snapshot.Services {
		if svc.Running {
			running++
			detail := fmt.Sprintf("pid %d, up %s", svc.PID, svc.Uptime.Truncate(time.Second))
			ux.ProcessStatus(svc.Role, ux.IconSuccess, detail)
		} else {
			ux.ProcessStatus(svc.Role, ux.IconPending, "stopped")
		}
	}

	if snapshot.Running() {
		ux.KeyValue("RPC", snapshot.RPCURL)
		if snapshot.Healthy {
			ux.KeyValue("Health", "ok")
		} else {
			ux.KeyValue("Health", "not ready")
		}
		if snapshot.Slot != "" {
			ux.KeyValue("Slot", snapshot.Slot)
		}
	}
	ux.Summary(running, len(snapshot.Services)-running, len(snapshot.Services))
	return nil
}

// clearScreen resets the terminal between --watch refreshes. Skipped
// for pipes and machine output so captured logs stay readable.
func clearScreen() {
	if ux.GetPersonality().Level == ux.PersonalityMachine {
		return
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return
	}
	fmt.Print("\033[H\033[2J")
}

// runDestroy stops the node and deletes the ledger directory. Key
// material is kept.
func runDestroy(cmd *cobra.Command, args []string) {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := resolveNodeConfig(cmd)
	if err != nil {
		log.Fatalf("Failed to resolve configuration: %v", err)
	}

	if !assumeYes {
		ux.Warning(fmt.Sprintf("This deletes the ledger under %s. Keypairs are kept.", cfg.LedgerDir))
		if !ux.ConfirmStdin("Delete the ledger?") {
			ux.Info("Aborted.")
			return
		}
	}

	logger := newNodeLogger(cfg)
	manager, err := buildNodeManager(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to wire components: %v", err)
	}

	if err := manager.Destroy(ctx, cfg); err != nil {
		ux.Error(fmt.Sprintf("Destroy failed: %v", err))
		os.Exit(1)
	}
}

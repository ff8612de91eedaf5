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
	"github.com/AleutianAI/roxnet/pkg/ux"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	cfgFile          string
	dataDir          string
	binDir           string
	rpcPort          int
	faucetPort       int
	forceRebuild     bool
	purgeLedger      bool
	assumeYes        bool
	verbose          bool
	personalityLevel string // UX personality level (full/standard/minimal/machine)
	watchStatus      bool
	followLogs       bool
	logLines         int
	forceKeys        bool
	fetchBucket      string
	fetchPrefix      string

	rootCmd = &cobra.Command{
		Use:   "roxnet",
		Short: "A cli to bootstrap and supervise a local ROX validator network",
		Long: `roxnet boots a single-node ROX development network on your machine:
				it builds a deterministic genesis, starts a faucet and a validator,
				and supervises them across repeated runs.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize UX personality from flag or environment
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}
		},
	}

	// --- Node Lifecycle ---
	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Boot the local node: genesis, faucet, validator, health gate",
		Run:   runStart, // Defined in cmd_node.go
	}

	stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop the supervised faucet and validator",
		Run:   runStop, // Defined in cmd_node.go
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show liveness and RPC health of the supervised services",
		Run:   runStatus, // Defined in cmd_node.go
	}

	destroyCmd = &cobra.Command{
		Use:   "destroy",
		Short: "DANGER: Stops the node and deletes the ledger directory",
		Run:   runDestroy, // Defined in cmd_node.go
	}

	logsCmd = &cobra.Command{
		Use:   "logs [validator|faucet]",
		Short: "Print or follow a service log",
		Args:  cobra.ExactArgs(1),
		Run:   runLogs, // Defined in cmd_logs.go
	}

	// --- Key Material ---
	keysCmd = &cobra.Command{
		Use:   "keys",
		Short: "Manage the bootstrap keypairs",
	}
	keysInitCmd = &cobra.Command{
		Use:   "init",
		Short: "Generate any missing bootstrap keypairs",
		Run:   runKeysInit, // Defined in cmd_keys.go
	}
	keysShowCmd = &cobra.Command{
		Use:   "show [name]",
		Short: "Print the public identifiers of the bootstrap keypairs",
		Args:  cobra.MaximumNArgs(1),
		Run:   runKeysShow, // Defined in cmd_keys.go
	}

	// --- Artifacts ---
	fetchCmd = &cobra.Command{
		Use:   "fetch",
		Short: "Download program artifacts from the release bucket",
		Run:   runFetch, // Defined in cmd_fetch.go
	}
)

// init runs when the Go program starts
func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full (default), standard, minimal, or machine (scripting)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: <data-dir>/roxnet.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "",
		"Data directory (default: ~/.roxnet, or ROXNET_HOME)")
	rootCmd.PersistentFlags().StringVar(&binDir, "bin-dir", "",
		"Directory holding the rox-* tools (default: resolve on PATH)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")

	// Node lifecycle
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().BoolVar(&forceRebuild, "force-rebuild", false,
		"Rebuild the genesis artifact even if one exists")
	startCmd.Flags().BoolVar(&purgeLedger, "purge", false,
		"Permit deleting the ledger directory when disk space is low")
	startCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false,
		"Skip interactive confirmation of destructive options")
	startCmd.Flags().IntVar(&rpcPort, "rpc-port", 0,
		"Validator RPC port (default from config)")
	startCmd.Flags().IntVar(&faucetPort, "faucet-port", 0,
		"Faucet port (default from config)")

	rootCmd.AddCommand(stopCmd)

	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&watchStatus, "watch", false,
		"Refresh the status until interrupted")

	rootCmd.AddCommand(destroyCmd)
	destroyCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false,
		"Skip the interactive confirmation")

	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().BoolVarP(&followLogs, "follow", "f", false,
		"Keep printing new log lines until interrupted")
	logsCmd.Flags().IntVar(&logLines, "lines", 50,
		"How many trailing lines to print")

	// Keys
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysInitCmd)
	keysInitCmd.Flags().BoolVar(&forceKeys, "force", false,
		"Regenerate keypairs that already exist")
	keysCmd.AddCommand(keysShowCmd)

	// Artifacts
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVar(&fetchBucket, "bucket", "",
		"Release bucket (default from config)")
	fetchCmd.Flags().StringVar(&fetchPrefix, "prefix", "",
		"Object prefix inside the bucket (default from config)")
}

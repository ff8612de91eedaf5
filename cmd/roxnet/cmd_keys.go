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
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/AleutianAI/roxnet/pkg/ux"
	"github.com/AleutianAI/roxnet/pkg/validation"
	"github.com/spf13/cobra"
)

// runKeysInit generates any missing bootstrap keypairs.
func runKeysInit(cmd *cobra.Command, args []string) {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := resolveNodeConfig(cmd)
	if err != nil {
		log.Fatalf("Failed to resolve configuration: %v", err)
	}
	logger := newNodeLogger(cfg)
	km := NewKeyManager(NewDefaultProcessManager(), logger)

	if forceKeys && !assumeYes {
		ux.Warning("Regenerating keypairs gives the node a NEW identity. Funds and stake tied to the old keys are lost.")
		if !ux.ConfirmStdin("Overwrite existing keypairs?") {
			ux.Info("Aborted.")
			return
		}
	}

	created, err := km.EnsureKeys(ctx, cfg, forceKeys)
	for _, stem := range created {
		ux.ProcessStatus(stem, ux.IconKey, cfg.KeyPath(stem))
	}
	if err != nil {
		ux.Error(fmt.Sprintf("Key generation failed: %v", err))
		os.Exit(1)
	}

	if len(created) == 0 {
		ux.Success("All bootstrap keypairs already exist.")
	} else {
		ux.Success(fmt.Sprintf("Generated %d keypair(s) under %s.", len(created), cfg.KeysDir))
	}
}

// runKeysShow prints the public identifiers of the bootstrap keypairs,
// or of a single named keypair.
func runKeysShow(cmd *cobra.Command, args []string) {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := resolveNodeConfig(cmd)
	if err != nil {
		log.Fatalf("Failed to resolve configuration: %v", err)
	}
	logger := newNodeLogger(cfg)
	km := NewKeyManager(NewDefaultProcessManager(), logger)

	stems := bootstrapKeyStems(cfg)
	if len(args) == 1 {
		stem := strings.TrimSuffix(args[0], ".json")
		if err := validation.ValidateKeypairName(stem); err != nil {
			ux.Error(fmt.Sprintf("Invalid keypair name: %v", err))
			os.Exit(2)
		}
		stems = []string{stem}
	}

	missing := 0
	for _, stem := range stems {
		path := cfg.KeyPath(stem)
		if _, err := os.Stat(path); err != nil {
			ux.ProcessStatus(stem, ux.IconWarning, "missing, run: roxnet keys init")
			missing++
			continue
		}
		pubkey, err := km.Pubkey(ctx, cfg, path)
		if err != nil {
			ux.Error(fmt.Sprintf("Derive %s: %v", stem, err))
			os.Exit(1)
		}
		ux.KeyValue(stem, pubkey)
	}
	if missing > 0 {
		os.Exit(1)
	}
}

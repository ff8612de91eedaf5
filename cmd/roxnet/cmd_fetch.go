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
	"path/filepath"

	"github.com/AleutianAI/roxnet/cmd/roxnet/gcs"
	"github.com/AleutianAI/roxnet/cmd/roxnet/internal/infra"
	"github.com/AleutianAI/roxnet/pkg/ux"
	"github.com/spf13/cobra"
)

// runFetch downloads program artifacts from the release bucket into
// the programs directory, where genesis deployment picks them up.
func runFetch(cmd *cobra.Command, args []string) {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := resolveNodeConfig(cmd)
	if err != nil {
		log.Fatalf("Failed to resolve configuration: %v", err)
	}

	bucket := cfg.Fetch.Bucket
	if fetchBucket != "" {
		bucket = fetchBucket
	}
	prefix := cfg.Fetch.Prefix
	if cmd.Flags().Changed("prefix") {
		prefix = fetchPrefix
	}

	client, err := gcs.NewClient(ctx, bucket, cfg.Fetch.CredentialsFile)
	if err != nil {
		ux.Error(fmt.Sprintf("Fetch failed: %v", err))
		os.Exit(1)
	}
	defer client.Close()
	client.PerObjectTimeout = DefaultFetchTimeout

	ux.Info(fmt.Sprintf("Fetching gs://%s/%s into %s", bucket, prefix, cfg.ProgramsDir))
	spin := ux.NewSpinner("Downloading artifacts")
	spin.Start()
	objects, err := client.DownloadPrefix(ctx, prefix, cfg.ProgramsDir)
	spin.Stop()
	for _, obj := range objects {
		ux.ProcessStatus(filepath.Base(obj.LocalPath), ux.IconSuccess, infra.FormatBytes(uint64(obj.Size)))
	}
	if err != nil {
		ux.Error(fmt.Sprintf("Fetch failed: %v", err))
		os.Exit(1)
	}

	var total int64
	for _, obj := range objects {
		total += obj.Size
	}
	ux.Success(fmt.Sprintf("Fetched %d artifact(s), %s.", len(objects), infra.FormatBytes(uint64(total))))
}

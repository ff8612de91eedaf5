package main

import "time"

// Timeout bounds for external operations. Every tool invocation and
// network call carries one of these so a wedged subprocess or endpoint
// cannot hang the CLI.
const (
	// DefaultProbeTimeout is the standard timeout for one RPC health probe.
	// It must stay well below the health poll interval budget so a hung
	// probe cannot starve the remaining attempts.
	DefaultProbeTimeout = 5 * time.Second

	// DefaultToolTimeout is the standard timeout for short tool invocations
	// such as reading a pubkey or a version string.
	DefaultToolTimeout = 30 * time.Second

	// DefaultGenesisTimeout is the standard timeout for a full genesis
	// build. Building with several program deployments can take a while.
	DefaultGenesisTimeout = 5 * time.Minute

	// DefaultStopTimeout is the standard grace period before escalating
	// from SIGTERM to SIGKILL.
	DefaultStopTimeout = 10 * time.Second

	// DefaultFetchTimeout is the standard timeout for downloading one
	// program artifact from the release bucket.
	DefaultFetchTimeout = 2 * time.Minute
)

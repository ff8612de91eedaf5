// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// The health gate is the only retry loop in the orchestrator. It polls
// the validator's RPC health endpoint at a fixed interval with a fixed
// attempt budget, so the worst-case wait is exactly
// maxAttempts x interval and an operator interrupt is honored between
// probes.

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/roxnet/cmd/roxnet/config"
	"github.com/AleutianAI/roxnet/pkg/logging"
)

// healthyMarker is the substring the health endpoint returns once the
// validator is serving.
const healthyMarker = "ok"

// maxHealthBodyBytes bounds how much of a health response is read. The
// real endpoint answers in a handful of bytes.
const maxHealthBodyBytes = 1024

// HealthTimeoutError reports an exhausted probe budget.
type HealthTimeoutError struct {
	Attempts int
	Interval time.Duration

	// LogPath points the operator at the validator log, which is where
	// the actual startup failure will be.
	LogPath string
}

// Error describes the exhausted budget.
func (e *HealthTimeoutError) Error() string {
	return fmt.Sprintf("validator not healthy after %d probes %s apart; check %s",
		e.Attempts, e.Interval, e.LogPath)
}

// HealthHTTPClient is the slice of http.Client the gate needs.
type HealthHTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HealthGate blocks until the validator reports healthy or the probe
// budget runs out.
type HealthGate interface {
	Await(ctx context.Context, cfg config.NodeConfig) error

	// ProbeOnce performs a single health probe. Used for status
	// snapshots where the full gate budget would just stall the
	// caller.
	ProbeOnce(ctx context.Context, cfg config.NodeConfig) bool
}

// DefaultHealthGate implements HealthGate over HTTP.
type DefaultHealthGate struct {
	client       HealthHTTPClient
	log          *logging.Logger
	probeTimeout time.Duration
}

// NewHealthGate creates a health gate. A nil client gets a plain
// http.Client; per-probe deadlines come from the probe timeout, not the
// client.
func NewHealthGate(client HealthHTTPClient, log *logging.Logger) *DefaultHealthGate {
	if client == nil {
		client = &http.Client{}
	}
	return &DefaultHealthGate{client: client, log: log, probeTimeout: DefaultProbeTimeout}
}

// Await polls the health endpoint until it answers with the healthy
// marker. Cancellation between probes surfaces as the context's error,
// not as a timeout.
func (g *DefaultHealthGate) Await(ctx context.Context, cfg config.NodeConfig) error {
	url := cfg.RPCURL() + "/health"
	interval := cfg.HealthInterval()
	attempts := cfg.Health.MaxAttempts

	g.log.Info("waiting for validator", "url", url, "max_attempts", attempts, "interval", interval.String())

	for attempt := 1; attempt <= attempts; attempt++ {
		healthy, detail := g.probe(ctx, url)
		if healthy {
			g.log.Info("validator healthy", "attempt", attempt)
			return nil
		}
		g.log.Debug("health probe failed", "attempt", attempt, "of", attempts, "detail", detail)

		// Sleep after every failed attempt, the last one included, so
		// the budget is exactly attempts x interval.
		if err := sleepWithContext(ctx, interval); err != nil {
			return err
		}
	}

	return &HealthTimeoutError{
		Attempts: attempts,
		Interval: interval,
		LogPath:  cfg.ServiceLogPath(RoleValidator),
	}
}

// ProbeOnce performs a single health probe.
func (g *DefaultHealthGate) ProbeOnce(ctx context.Context, cfg config.NodeConfig) bool {
	healthy, _ := g.probe(ctx, cfg.RPCURL()+"/health")
	return healthy
}

// probe performs one GET against the health endpoint. The detail string
// is for debug logs only.
func (g *DefaultHealthGate) probe(ctx context.Context, url string) (bool, string) {
	probeCtx, cancel := context.WithTimeout(ctx, g.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false, err.Error()
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBodyBytes))
	if err != nil {
		return false, err.Error()
	}

	if strings.Contains(string(body), healthyMarker) {
		return true, ""
	}
	return false, fmt.Sprintf("status=%d body=%q", resp.StatusCode, strings.TrimSpace(string(body)))
}

// sleepWithContext pauses for d unless the context ends first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Compile-time interface compliance check.
var _ HealthGate = (*DefaultHealthGate)(nil)

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that are used in
// file paths or subprocess argument lists. Using these validators prevents
// injection attacks (command injection, path traversal) before values reach
// the genesis or validator tooling.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// pubkeyPattern matches base58-encoded public keys.
// Base58 excludes the ambiguous characters 0, O, I, and l.
// Ed25519 public keys encode to 32-44 base58 characters.
var pubkeyPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// ValidatePubkey validates a base58 public key string before it is passed
// to subprocess argument lists or embedded in file names.
//
// Valid pubkeys:
//   - 32-44 characters
//   - Base58 alphabet only (no 0, O, I, or l)
//
// Returns an error if the pubkey is invalid.
//
// Example:
//
//	if err := validation.ValidatePubkey(pubkey); err != nil {
//	    return fmt.Errorf("invalid pubkey: %w", err)
//	}
//	// Safe to use as a subprocess argument
func ValidatePubkey(pubkey string) error {
	if pubkey == "" {
		return fmt.Errorf("pubkey cannot be empty")
	}

	if !pubkeyPattern.MatchString(pubkey) {
		return fmt.Errorf("invalid pubkey format: %q (must be 32-44 base58 characters)", pubkey)
	}

	return nil
}

// ValidatePubkeys validates multiple public keys.
// Returns an error listing all invalid pubkeys if any fail validation.
func ValidatePubkeys(pubkeys []string) error {
	var invalid []string
	for _, pk := range pubkeys {
		if err := ValidatePubkey(pk); err != nil {
			invalid = append(invalid, pk)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid pubkeys: %v", invalid)
	}
	return nil
}

// SanitizePubkey trims and validates a public key string.
// Base58 is case-sensitive, so no case normalization is applied.
//
//	safeKey, err := validation.SanitizePubkey(userInput)
//	if err != nil {
//	    return err
//	}
//	// safeKey is trimmed and validated
func SanitizePubkey(pubkey string) (string, error) {
	trimmed := strings.TrimSpace(pubkey)
	if err := ValidatePubkey(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
)

// keypairNamePattern matches keypair file stems that are safe to join
// onto the keys directory. Rejecting separators and dots prevents path
// traversal out of the directory.
var keypairNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,63}$`)

// ValidateHostPort validates a "host:port" bind address before it is
// passed to subprocess argument lists.
//
// The host must be a literal IP address or a hostname; the port must be
// numeric and in the range 1-65535.
func ValidateHostPort(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("invalid address %q: missing host", addr)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid address %q: port is not numeric", addr)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid address %q: port %d out of range", addr, port)
	}

	return nil
}

// ValidatePort validates a bare port number.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range (1-65535)", port)
	}
	return nil
}

// ValidateKeypairName validates a keypair file stem before it is joined
// onto the keys directory.
//
// Valid names:
//   - 1-64 characters
//   - Lowercase letters, digits, underscores, hyphens
//   - Must start with a letter or digit
//
// Example:
//
//	if err := validation.ValidateKeypairName(name); err != nil {
//	    return fmt.Errorf("invalid keypair name: %w", err)
//	}
//	path := filepath.Join(keysDir, name+".json")
func ValidateKeypairName(name string) error {
	if name == "" {
		return fmt.Errorf("keypair name cannot be empty")
	}

	if !keypairNamePattern.MatchString(name) {
		return fmt.Errorf("invalid keypair name: %q (must be 1-64 lowercase alphanumeric chars, underscores, or hyphens)", name)
	}

	return nil
}

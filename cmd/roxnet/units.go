package main

import (
	"fmt"
	"strconv"
	"strings"
)

// LamportsPerROX is the number of lamports in one ROX.
const LamportsPerROX uint64 = 1_000_000_000

// FormatROX renders a lamport amount as a decimal ROX string with the
// full nine fractional digits, e.g. 1500000000 -> "1.500000000".
//
// The fixed-width fraction keeps balances column-aligned in summaries
// and makes small balances visibly distinct from zero.
func FormatROX(lamports uint64) string {
	return fmt.Sprintf("%d.%09d", lamports/LamportsPerROX, lamports%LamportsPerROX)
}

// ParseROX converts a decimal ROX string (as produced by FormatROX or
// typed by a user, e.g. "1.5") back to lamports.
//
// # Outputs
//
//   - uint64: The lamport amount
//   - error: Non-nil if the string is not a valid non-negative decimal
//     or carries more than nine fractional digits
func ParseROX(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}

	w, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ROX amount %q: %w", s, err)
	}

	if len(frac) > 9 {
		return 0, fmt.Errorf("invalid ROX amount %q: more than 9 fractional digits", s)
	}
	var f uint64
	if frac != "" {
		f, err = strconv.ParseUint(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ROX amount %q: %w", s, err)
		}
		// Scale "5" in "1.5" up to 500000000.
		for i := len(frac); i < 9; i++ {
			f *= 10
		}
	}

	return w*LamportsPerROX + f, nil
}

// SplitFeeBurn splits a collected fee amount into the portion kept for
// the leader and the portion burned, per the configured burn percent.
// Matches the ledger's own integer arithmetic so displayed numbers agree
// with on-chain accounting.
func SplitFeeBurn(fees uint64, burnPercent uint8) (kept uint64, burned uint64) {
	burned = fees * uint64(burnPercent) / 100
	return fees - burned, burned
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Confirm asks a yes/no question and reads the answer from r.
// Only an explicit "yes" (case-insensitive) confirms; anything else,
// including a read error, is treated as a refusal. Callers guarding
// destructive operations should also require a --force flag so that
// non-interactive invocations never reach this prompt.
func Confirm(r io.Reader, question string) bool {
	fmt.Printf("%s (yes/no): ", question)
	reader := bufio.NewReader(r)
	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(input), "yes")
}

// ConfirmStdin asks a yes/no question on the controlling terminal.
func ConfirmStdin(question string) bool {
	return Confirm(os.Stdin, question)
}

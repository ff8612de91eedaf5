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
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/AleutianAI/roxnet/pkg/ux"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

// tailReadBudget caps how much of a log file the tail reads from the
// end. Validator logs grow to gigabytes; reading the whole file to
// print fifty lines would be absurd.
const tailReadBudget int64 = 256 * 1024

// runLogs prints the tail of a service log and optionally follows it.
func runLogs(cmd *cobra.Command, args []string) {
	ctx, stop := signalContext()
	defer stop()

	role := args[0]
	if role != RoleValidator && role != RoleFaucet {
		ux.Error(fmt.Sprintf("Unknown service %q. Use %q or %q.", role, RoleValidator, RoleFaucet))
		os.Exit(2)
	}

	cfg, err := resolveNodeConfig(cmd)
	if err != nil {
		log.Fatalf("Failed to resolve configuration: %v", err)
	}
	path := cfg.ServiceLogPath(role)

	lines, err := tailLines(path, logLines)
	switch {
	case os.IsNotExist(err):
		ux.Info(fmt.Sprintf("No log yet at %s.", path))
		if !followLogs {
			return
		}
	case err != nil:
		ux.Error(fmt.Sprintf("Read %s: %v", path, err))
		os.Exit(1)
	default:
		for _, line := range lines {
			fmt.Println(line)
		}
	}

	if !followLogs {
		return
	}
	if err := followFile(ctx, path, os.Stdout); err != nil && ctx.Err() == nil {
		ux.Error(fmt.Sprintf("Follow %s: %v", path, err))
		os.Exit(1)
	}
}

// tailLines returns up to n trailing lines of the file at path. Only
// the last tailReadBudget bytes are examined.
func tailLines(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := info.Size() - tailReadBudget
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if offset > 0 && len(lines) > 0 {
		// The first line is almost certainly cut mid-way by the seek.
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// followFile streams appended log data to w until ctx is cancelled.
// The parent directory is watched rather than the file itself so
// rotation (rename away, then a fresh file appears) survives the swap.
func followFile(ctx context.Context, path string, w io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var f *os.File
	var offset int64
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	reopen := func(from int64) error {
		if f != nil {
			f.Close()
			f = nil
		}
		fh, err := os.Open(path)
		if err != nil {
			return err
		}
		if from > 0 {
			if _, err := fh.Seek(from, io.SeekStart); err != nil {
				fh.Close()
				return err
			}
		}
		f = fh
		offset = from
		return nil
	}

	drain := func() error {
		if f == nil {
			return nil
		}
		n, err := io.Copy(w, f)
		offset += n
		return err
	}

	// Start at the current end so only new lines stream out; the tail
	// already printed the history.
	if info, err := os.Stat(path); err == nil {
		if err := reopen(info.Size()); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path {
				continue
			}
			switch {
			case event.Has(fsnotify.Create):
				// Rotation put a fresh file in place.
				if err := reopen(0); err != nil {
					if os.IsNotExist(err) {
						continue
					}
					return err
				}
				if err := drain(); err != nil {
					return err
				}
			case event.Has(fsnotify.Write):
				if f == nil {
					if err := reopen(0); err != nil {
						if os.IsNotExist(err) {
							continue
						}
						return err
					}
				}
				if info, err := os.Stat(path); err == nil && info.Size() < offset {
					// Truncated underneath us.
					if err := reopen(0); err != nil {
						return err
					}
				}
				if err := drain(); err != nil {
					return err
				}
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				if f != nil {
					f.Close()
					f = nil
				}
				offset = 0
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", path, err)
		}
	}
}

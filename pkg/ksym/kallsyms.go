// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package ksym resolves kernel function addresses from a kallsyms listing.
package ksym

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// DefaultPath is the procfs kallsyms listing.
const DefaultPath = "/proc/kallsyms"

var (
	// ErrSymbolNotFound is returned when no text symbol with the name exists.
	ErrSymbolNotFound = errors.New("kernel symbol not found")

	// ErrAddressHidden is returned when the symbol exists but kptr_restrict
	// reports its address as zero (the caller lacks CAP_SYSLOG).
	ErrAddressHidden = errors.New("kernel symbol address hidden")
)

// Target identifies the kernel function to intercept.
type Target struct {
	Name string
	Addr uint64
}

func (t Target) String() string {
	return fmt.Sprintf("%s@%#x", t.Name, t.Addr)
}

// Resolve looks up name in the kallsyms file at path.
func Resolve(path, name string) (Target, error) {
	f, err := os.Open(path)
	if err != nil {
		return Target{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	return resolveFrom(f, name)
}

// resolveFrom scans lines of the form "<hex addr> <type> <name> [module]"
// and returns the first function (T/t) entry for name.
func resolveFrom(r io.Reader, name string) (Target, error) {
	hidden := false

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || fields[2] != name {
			continue
		}
		if typ := fields[1]; typ != "T" && typ != "t" {
			continue
		}

		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		if addr == 0 {
			hidden = true
			continue
		}
		return Target{Name: name, Addr: addr}, nil
	}
	if err := scanner.Err(); err != nil {
		return Target{}, fmt.Errorf("read kallsyms: %w", err)
	}

	if hidden {
		return Target{}, fmt.Errorf("%s: %w", name, ErrAddressHidden)
	}
	return Target{}, fmt.Errorf("%s: %w", name, ErrSymbolNotFound)
}

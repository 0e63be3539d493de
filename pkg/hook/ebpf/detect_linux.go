// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package ebpf

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Detect checks whether the current system can run the register_kprobe
// interceptor. Requires Linux 5.15+. BTF is optional: without it the
// struct kprobe layout falls back to the common x86_64/arm64 offsets.
func Detect() EBPFSupport {
	kver := kernelVersion()

	if reason := checkKernelVersion(kver); reason != "" {
		return EBPFSupport{
			Available:     false,
			KernelVersion: kver,
			Reason:        reason,
		}
	}

	return EBPFSupport{
		Available:     true,
		KernelVersion: kver,
		HasBTF:        btfAvailable(),
	}
}

// kernelVersion returns the running kernel version string.
func kernelVersion() string {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return "unknown"
	}
	return strings.TrimRight(string(uname.Release[:]), "\x00")
}

// btfAvailable checks if the kernel exposes BTF type information.
func btfAvailable() bool {
	_, err := os.Stat("/sys/kernel/btf/vmlinux")
	return err == nil
}

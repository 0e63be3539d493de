// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package probe

import (
	"fmt"
	"runtime"
)

// ArgOffset returns the byte offset of function argument n (0 = first formal
// parameter) inside the kprobe context (struct pt_regs) of the running
// architecture.
func ArgOffset(n int) (int16, error) {
	if len(argRegOffsets) == 0 {
		return 0, fmt.Errorf("argument access not supported on %s", runtime.GOARCH)
	}
	if n < 0 || n >= len(argRegOffsets) {
		return 0, fmt.Errorf("argument %d not register-passed on %s (max %d)", n, runtime.GOARCH, len(argRegOffsets))
	}
	return argRegOffsets[n], nil
}

// ArgRegister names the register holding argument n, for diagnostics.
func ArgRegister(n int) string {
	if n < 0 || n >= len(argRegNames) {
		return "?"
	}
	return argRegNames[n]
}

// CapturedArgCount is how many leading arguments the kernel program copies
// into each record on this architecture.
func CapturedArgCount() int {
	return min(len(argRegOffsets), CapturedArgs)
}

// Argument returns raw argument n of a live intercepted call.
func Argument(call *InterceptedCall, n int) (uint64, bool) {
	if call == nil || !call.live {
		return 0, false
	}
	if n < 0 || n >= CapturedArgCount() {
		return 0, false
	}
	return call.args[n], true
}

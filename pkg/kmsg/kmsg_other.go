//go:build !linux

package kmsg

import (
	"fmt"
	"runtime"
)

// Open fails on platforms without a kernel log device.
func Open(path string) (*Writer, error) {
	return nil, fmt.Errorf("%s not available on %s", path, runtime.GOOS)
}

//go:build !linux

package logs

import (
	"context"
	"fmt"
	"runtime"
)

// ReadKmsg is only available on Linux.
func ReadKmsg(_ context.Context, path string, _, _ bool, _ *Parser, _ func(*LogRecord)) error {
	return fmt.Errorf("%s not available on %s", path, runtime.GOOS)
}

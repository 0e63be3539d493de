//go:build linux

package kmsg

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// device is a raw non-blocking fd. A full ring buffer surfaces as EAGAIN
// instead of stalling the caller.
type device struct {
	fd int
}

func (d *device) Write(p []byte) (int, error) {
	return unix.Write(d.fd, p)
}

func (d *device) Close() error {
	return unix.Close(d.fd)
}

// Open opens the kernel log device for writing.
func Open(path string) (*Writer, error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return NewWriter(&device{fd: fd}), nil
}

// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package logs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// kmsgRecordMax bounds one /dev/kmsg record including dictionary lines.
const kmsgRecordMax = 8192

// ReadKmsg reads the kernel log device and calls fn for each photonring
// record. Without follow it returns once the buffer is drained; with
// follow it waits for new records until ctx is done. fromEnd skips what is
// already in the buffer.
func ReadKmsg(ctx context.Context, path string, follow, fromEnd bool, p *Parser, fn func(*LogRecord)) error {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(fd)

	if fromEnd {
		if _, err := unix.Seek(fd, 0, io.SeekEnd); err != nil {
			return fmt.Errorf("seek %s: %w", path, err)
		}
	}

	buf := make([]byte, kmsgRecordMax)
	for {
		n, err := unix.Read(fd, buf)
		switch {
		case err == nil && n > 0:
			emitKmsg(buf[:n], p, fn)
			continue
		case err == nil, errors.Is(err, unix.EAGAIN):
			// End of buffer. A regular file reports it as a zero read.
		case errors.Is(err, unix.EPIPE), errors.Is(err, unix.EINTR):
			// EPIPE: records were overwritten before we read them.
			continue
		default:
			return fmt.Errorf("read %s: %w", path, err)
		}

		if !follow {
			return nil
		}
		if done, err := waitReadable(ctx, fd); done || err != nil {
			return err
		}
	}
}

// emitKmsg handles one read. The device returns a single record whose
// dictionary lines start with a space; a plain file may return several.
func emitKmsg(chunk []byte, p *Parser, fn func(*LogRecord)) {
	for _, line := range bytes.Split(chunk, []byte{'\n'}) {
		if len(line) == 0 || line[0] == ' ' {
			continue
		}
		if rec, ok := p.Parse(string(line), "kmsg"); ok {
			rec.Source = "kmsg"
			fn(rec)
		}
	}
}

// waitReadable polls fd until it is readable or ctx is done.
func waitReadable(ctx context.Context, fd int) (done bool, err error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		if ctx.Err() != nil {
			return true, nil
		}
		n, err := unix.Poll(fds, 250)
		if err != nil && !errors.Is(err, unix.EINTR) {
			return true, fmt.Errorf("poll: %w", err)
		}
		if n > 0 {
			return false, nil
		}
	}
}

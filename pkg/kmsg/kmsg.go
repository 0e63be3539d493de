// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package kmsg writes tagged lines into the kernel ring buffer so they show
// up in dmesg next to other kernel security events.
package kmsg

import (
	"fmt"
	"io"
	"strconv"
	"sync"
)

// Prefix tags every line written by photonring.
const Prefix = "[PHOTON RING] "

// DefaultPath is the kernel log device.
const DefaultPath = "/dev/kmsg"

// Priority is a syslog(2) level as understood by /dev/kmsg.
type Priority int

const (
	Emerg Priority = iota
	Alert
	Crit
	Err
	Warning
	Notice
	Info
	Debug
)

// maxLine keeps one record under the kernel's per-record limit.
const maxLine = 1024

// Writer formats lines for the kernel log. Each Printf is a single write so
// lines from concurrent callers never interleave.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
	buf []byte
}

// NewWriter wraps an already opened device or any io.Writer (tests).
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out, buf: make([]byte, 0, maxLine)}
}

// Printf writes "<prio>[PHOTON RING] message\n".
func (w *Writer) Printf(prio Priority, format string, args ...interface{}) error {
	if w == nil || w.out == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	b := w.buf[:0]
	b = append(b, '<')
	b = strconv.AppendInt(b, int64(prio), 10)
	b = append(b, '>')
	b = append(b, Prefix...)
	b = fmt.Appendf(b, format, args...)
	if len(b) > maxLine-1 {
		b = b[:maxLine-1]
	}
	b = append(b, '\n')
	w.buf = b

	_, err := w.out.Write(b)
	return err
}

// Close closes the underlying device if it is closable.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	if c, ok := w.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

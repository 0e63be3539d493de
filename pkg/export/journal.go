// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mbeema/photonring/pkg/alert"
	"github.com/mbeema/photonring/pkg/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// JournalFile is the active file name inside the journal directory.
// Rotated files get a timestamp suffix from lumberjack.
const JournalFile = "photonring-events.jsonl"

// JournalExporter appends events as JSON lines to a size-rotated file.
type JournalExporter struct {
	mu  sync.Mutex
	out *lumberjack.Logger
	buf *bufio.Writer
	enc *json.Encoder
}

// NewJournalExporter creates the journal directory if needed.
func NewJournalExporter(cfg *config.JournalConfig) (*JournalExporter, error) {
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	out := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, JournalFile),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
		LocalTime:  true,
	}
	buf := bufio.NewWriter(out)
	return &JournalExporter{out: out, buf: buf, enc: json.NewEncoder(buf)}, nil
}

// Name implements Exporter.
func (j *JournalExporter) Name() string { return "journal" }

// ExportEvents writes the batch and flushes it before returning so a
// crash loses at most the batch in flight.
func (j *JournalExporter) ExportEvents(_ context.Context, events []*alert.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, ev := range events {
		if err := j.enc.Encode(ev); err != nil {
			return fmt.Errorf("encode event %d: %w", ev.Seq, err)
		}
	}
	return j.buf.Flush()
}

// Rotate forces a new file, for signal-driven log rotation.
func (j *JournalExporter) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.buf.Flush(); err != nil {
		return err
	}
	return j.out.Rotate()
}

// Shutdown flushes and closes the current file.
func (j *JournalExporter) Shutdown(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.buf.Flush(); err != nil {
		j.out.Close()
		return err
	}
	return j.out.Close()
}

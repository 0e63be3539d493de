// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package alert delivers detection results to the kernel log, the agent
// log, and asynchronous exporters.
package alert

import (
	"github.com/mbeema/photonring/pkg/detect"
	"github.com/mbeema/photonring/pkg/health"
	"github.com/mbeema/photonring/pkg/kmsg"
	"go.uber.org/zap"
)

// Sink receives alerts synchronously from the dispatch path. Emit must not
// block for long and must never fail the caller; delivery is best effort.
// The record is only valid for the duration of the call.
type Sink interface {
	Emit(rec *detect.AlertRecord)
}

// Multi fans an alert out to every sink in order.
type Multi []Sink

func (m Multi) Emit(rec *detect.AlertRecord) {
	for _, s := range m {
		s.Emit(rec)
	}
}

// SystemSink writes "[PHOTON RING] <message>" lines to the kernel log.
type SystemSink struct {
	w     *kmsg.Writer
	stats *health.Stats
}

// NewSystemSink wraps an open kernel log writer.
func NewSystemSink(w *kmsg.Writer, stats *health.Stats) *SystemSink {
	return &SystemSink{w: w, stats: stats}
}

func (s *SystemSink) Emit(rec *detect.AlertRecord) {
	name, _ := rec.Descriptor.SymbolName()
	if err := s.w.Printf(kmsg.Alert, rec.Template(), name); err != nil {
		// Buffer exhaustion or a closed device; the alert is dropped.
		s.stats.KmsgFailures.Add(1)
		return
	}
	s.stats.AlertsEmitted.Add(1)
}

// LogSink writes each alert as a structured agent log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink on logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(rec *detect.AlertRecord) {
	d := &rec.Descriptor
	fields := []zap.Field{
		zap.String("severity", rec.Severity.String()),
		zap.Uint32("pid", d.PID),
		zap.String("comm", d.Comm()),
		zap.String("kprobe", hexAddr(d.Kprobe)),
	}
	if !rec.IsRegistration() {
		fields = append(fields, zap.String("rule", rec.Rule.Name))
	}

	if rec.Severity >= detect.SeveritySuspicious {
		s.logger.Warn(rec.Message(), fields...)
		return
	}
	s.logger.Info(rec.Message(), fields...)
}

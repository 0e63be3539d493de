// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"runtime"
	"strconv"
	"sync/atomic"
	"time"
)

// Stats tracks self-monitoring counters for the detector. All fields are
// safe to update from the dispatch path.
type Stats struct {
	startTime time.Time

	CallsDispatched       atomic.Int64
	DecodeErrors          atomic.Int64
	NullDescriptors       atomic.Int64
	RegistrationsObserved atomic.Int64
	SuspiciousDetected    atomic.Int64
	AlertsEmitted         atomic.Int64
	KmsgFailures          atomic.Int64
	EventsQueued          atomic.Int64
	EventsDropped         atomic.Int64
	EventsExported        atomic.Int64
	ExportFailures        atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// Uptime returns agent uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds         float64
	Goroutines            int
	MemoryRSSBytes        uint64
	CallsDispatched       int64
	DecodeErrors          int64
	NullDescriptors       int64
	RegistrationsObserved int64
	SuspiciousDetected    int64
	AlertsEmitted         int64
	KmsgFailures          int64
	EventsQueued          int64
	EventsDropped         int64
	EventsExported        int64
	ExportFailures        int64
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return Snapshot{
		UptimeSeconds:         s.Uptime().Seconds(),
		Goroutines:            runtime.NumGoroutine(),
		MemoryRSSBytes:        memStats.Sys,
		CallsDispatched:       s.CallsDispatched.Load(),
		DecodeErrors:          s.DecodeErrors.Load(),
		NullDescriptors:       s.NullDescriptors.Load(),
		RegistrationsObserved: s.RegistrationsObserved.Load(),
		SuspiciousDetected:    s.SuspiciousDetected.Load(),
		AlertsEmitted:         s.AlertsEmitted.Load(),
		KmsgFailures:          s.KmsgFailures.Load(),
		EventsQueued:          s.EventsQueued.Load(),
		EventsDropped:         s.EventsDropped.Load(),
		EventsExported:        s.EventsExported.Load(),
		ExportFailures:        s.ExportFailures.Load(),
	}
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	return prometheusFormat(s.Snapshot())
}

func prometheusFormat(snap Snapshot) string {
	var b []byte
	b = appendMetric(b, "photonring_uptime_seconds", "gauge", "Agent uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "photonring_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "photonring_memory_rss_bytes", "gauge", "Memory usage in bytes", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "photonring_calls_dispatched_total", "counter", "Intercepted register_kprobe calls dispatched", float64(snap.CallsDispatched))
	b = appendMetric(b, "photonring_decode_errors_total", "counter", "Ring buffer samples that failed to decode", float64(snap.DecodeErrors))
	b = appendMetric(b, "photonring_null_descriptors_total", "counter", "Calls with a null struct kprobe argument", float64(snap.NullDescriptors))
	b = appendMetric(b, "photonring_registrations_total", "counter", "Kprobe registrations with a symbol name", float64(snap.RegistrationsObserved))
	b = appendMetric(b, "photonring_suspicious_total", "counter", "Registrations matching a detection rule", float64(snap.SuspiciousDetected))
	b = appendMetric(b, "photonring_alerts_emitted_total", "counter", "Alerts written to the kernel log", float64(snap.AlertsEmitted))
	b = appendMetric(b, "photonring_kmsg_failures_total", "counter", "Alerts the kernel log refused", float64(snap.KmsgFailures))
	b = appendMetric(b, "photonring_events_queued_total", "counter", "Events queued for export", float64(snap.EventsQueued))
	b = appendMetric(b, "photonring_events_dropped_total", "counter", "Events dropped on a full export queue", float64(snap.EventsDropped))
	b = appendMetric(b, "photonring_events_exported_total", "counter", "Events delivered to exporters", float64(snap.EventsExported))
	b = appendMetric(b, "photonring_export_failures_total", "counter", "Failed export batches", float64(snap.ExportFailures))
	return string(b)
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, '\n')
	b = append(b, "# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	b = append(b, '\n')
	return b
}

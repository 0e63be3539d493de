// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbeema/photonring/pkg/alert"
	"github.com/mbeema/photonring/pkg/config"
	"github.com/mbeema/photonring/pkg/detect"
	"github.com/mbeema/photonring/pkg/health"
	"github.com/mbeema/photonring/pkg/probe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func alertsFor(t *testing.T, symbol string) []detect.AlertRecord {
	t.Helper()
	e, err := detect.NewEngine()
	require.NoError(t, err)
	d := probe.NewDescriptor(0xffff888000abc000, symbol)
	return e.Evaluate(&d, nil)
}

type recordingExporter struct {
	mu       sync.Mutex
	name     string
	events   []*alert.Event
	batches  int
	failures int // fail this many calls before succeeding
	shutdown bool
}

func (r *recordingExporter) Name() string { return r.name }

func (r *recordingExporter) ExportEvents(_ context.Context, events []*alert.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("collector unavailable")
	}
	r.batches++
	r.events = append(r.events, events...)
	return nil
}

func (r *recordingExporter) Shutdown(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shutdown = true
	return nil
}

func (r *recordingExporter) snapshot() []*alert.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*alert.Event(nil), r.events...)
}

func noRetries() *int { n := 0; return &n }

func TestManagerForwardsOnStop(t *testing.T) {
	exp := &recordingExporter{name: "rec"}
	stats := health.NewStats()
	m := NewManager([]Exporter{exp}, Options{FlushInterval: time.Hour}, stats, zap.NewNop())
	require.NoError(t, m.Start(context.Background()))

	recs := alertsFor(t, "kallsyms_lookup_name")
	for i := range recs {
		m.Emit(&recs[i])
	}
	require.NoError(t, m.Stop())

	events := exp.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, alert.TypeRegistered, events[0].Type)
	assert.Equal(t, uint64(2), events[1].Seq)
	assert.Equal(t, alert.TypeSuspicious, events[1].Type)
	assert.False(t, events[0].Timestamp.IsZero())

	assert.True(t, exp.shutdown)
	assert.Equal(t, int64(2), stats.EventsQueued.Load())
	assert.Equal(t, int64(2), stats.EventsExported.Load())
}

func TestManagerFlushesOnBatchSize(t *testing.T) {
	exp := &recordingExporter{name: "rec"}
	m := NewManager([]Exporter{exp}, Options{BatchSize: 2, FlushInterval: time.Hour}, nil, zap.NewNop())
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	recs := alertsFor(t, "kallsyms_lookup_name")
	m.Emit(&recs[0])
	m.Emit(&recs[1])

	assert.Eventually(t, func() bool { return len(exp.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestManagerDropsWhenFull(t *testing.T) {
	stats := health.NewStats()
	// Not started, so nothing drains the queue.
	m := NewManager(nil, Options{QueueSize: 1}, stats, zap.NewNop())

	recs := alertsFor(t, "kallsyms_lookup_name")
	m.Emit(&recs[0])
	m.Emit(&recs[1])

	assert.Equal(t, int64(1), stats.EventsQueued.Load())
	assert.Equal(t, int64(1), stats.EventsDropped.Load())
}

func TestManagerEmitAfterStopIsDropped(t *testing.T) {
	stats := health.NewStats()
	m := NewManager(nil, Options{}, stats, zap.NewNop())
	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Stop())

	recs := alertsFor(t, "some_symbol")
	m.Emit(&recs[0])
	assert.Equal(t, int64(1), stats.EventsDropped.Load())
	assert.Zero(t, stats.EventsQueued.Load())
}

func TestManagerCopiesRecord(t *testing.T) {
	exp := &recordingExporter{name: "rec"}
	m := NewManager([]Exporter{exp}, Options{FlushInterval: time.Hour}, nil, zap.NewNop())
	require.NoError(t, m.Start(context.Background()))

	var storage [detect.MaxAlerts]detect.AlertRecord
	recs := storage[:0]
	e, err := detect.NewEngine()
	require.NoError(t, err)
	d := probe.NewDescriptor(1, "first_symbol")
	recs = e.Evaluate(&d, recs)
	m.Emit(&recs[0])

	// Reuse the storage before the worker sees the record.
	d = probe.NewDescriptor(2, "second_symbol")
	e.Evaluate(&d, storage[:0])
	require.NoError(t, m.Stop())

	events := exp.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "first_symbol", events[0].Data["symbol"])
}

func TestManagerRetriesAndCountsFailures(t *testing.T) {
	flaky := &recordingExporter{name: "flaky", failures: 1}
	dead := &recordingExporter{name: "dead", failures: 1000}
	stats := health.NewStats()

	one := 1
	m := NewManager([]Exporter{flaky, dead}, Options{FlushInterval: time.Hour, MaxRetries: &one}, stats, zap.NewNop())
	m.backoff = time.Millisecond
	require.NoError(t, m.Start(context.Background()))

	recs := alertsFor(t, "some_symbol")
	m.Emit(&recs[0])
	require.NoError(t, m.Stop())

	assert.Len(t, flaky.snapshot(), 1, "one retry recovers the flaky exporter")
	assert.Empty(t, dead.snapshot())
	assert.Equal(t, int64(1), stats.EventsExported.Load())
	assert.Equal(t, int64(1), stats.ExportFailures.Load())
}

func TestManagerEnricher(t *testing.T) {
	exp := &recordingExporter{name: "rec"}
	enrich := func(ev *alert.Event) { ev.Data["host"] = "node-1" }
	m := NewManager([]Exporter{exp}, Options{FlushInterval: time.Hour, Enrich: enrich, MaxRetries: noRetries()}, nil, zap.NewNop())
	require.NoError(t, m.Start(context.Background()))

	recs := alertsFor(t, "some_symbol")
	m.Emit(&recs[0])
	require.NoError(t, m.Stop())

	events := exp.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "node-1", events[0].Data["host"])
}

func TestNewManagerFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	m, err := NewManagerFromConfig(cfg, "test", nil, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, m.Exporters())
	assert.Nil(t, m.Recent())

	cfg.Alerts.Journal.Enabled = true
	cfg.Alerts.Journal.Dir = t.TempDir()
	cfg.Exporters.Stdout.Enabled = true
	cfg.Exporters.OTLP.Enabled = true
	cfg.Exporters.OTLP.Protocol = "http"
	m, err = NewManagerFromConfig(cfg, "test", nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"journal", "otlp-http", "stdout"}, m.Exporters())
	require.NoError(t, m.Stop())

	cfg.Health.Enabled = true
	m, err = NewManagerFromConfig(cfg, "test", nil, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"journal", "otlp-http", "stdout", "recent"}, m.Exporters())
	require.NotNil(t, m.Recent())
	require.NoError(t, m.Stop())
}

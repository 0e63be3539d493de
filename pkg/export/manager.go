// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/photonring/pkg/alert"
	"github.com/mbeema/photonring/pkg/config"
	"github.com/mbeema/photonring/pkg/detect"
	"github.com/mbeema/photonring/pkg/health"
	"github.com/mbeema/photonring/pkg/redact"
	"go.uber.org/zap"
)

// Exporter delivers batches of alert events to one destination.
type Exporter interface {
	Name() string
	ExportEvents(ctx context.Context, events []*alert.Event) error
	Shutdown(ctx context.Context) error
}

const (
	defaultBatchSize     = 64
	defaultFlushInterval = 2 * time.Second
	defaultQueueSize     = 4096

	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 5 * time.Second
	backoffFactor  = 2.0

	exportTimeout = 10 * time.Second
)

// Options tune a Manager. Zero values take the defaults.
type Options struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	Enrich        alert.Enricher
	MaxRetries    *int
}

// queued is one alert waiting for the worker. The record is copied so the
// dispatcher's stack storage can be reused as soon as Emit returns.
type queued struct {
	rec detect.AlertRecord
	at  time.Time
}

type guarded struct {
	exp Exporter
	cb  *CircuitBreaker
}

// Manager is an alert.Sink that forwards alerts to exporters off the
// dispatch path. Emit never blocks: when the queue is full the alert is
// dropped and counted.
type Manager struct {
	logger    *zap.Logger
	stats     *health.Stats
	exporters []guarded
	enrich    alert.Enricher

	queue chan queued
	seq   atomic.Uint64

	batchSize     int
	flushInterval time.Duration
	maxRetries    int
	backoff       time.Duration

	stopped  atomic.Bool
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a manager over already constructed exporters.
func NewManager(exporters []Exporter, opts Options, stats *health.Stats, logger *zap.Logger) *Manager {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	retries := maxRetries
	if opts.MaxRetries != nil {
		retries = *opts.MaxRetries
	}
	if stats == nil {
		stats = health.NewStats()
	}

	m := &Manager{
		logger:        logger,
		stats:         stats,
		enrich:        opts.Enrich,
		queue:         make(chan queued, opts.QueueSize),
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		maxRetries:    retries,
		backoff:       initialBackoff,
		stopCh:        make(chan struct{}),
	}
	for _, exp := range exporters {
		m.exporters = append(m.exporters, guarded{exp: exp, cb: NewCircuitBreaker(5, 30*time.Second)})
	}
	return m
}

// NewManagerFromConfig builds the exporters enabled in cfg. It returns an
// error if an enabled exporter cannot be created, so a typo in the journal
// directory fails startup instead of silently losing events.
func NewManagerFromConfig(cfg *config.Config, version string, stats *health.Stats, logger *zap.Logger) (*Manager, error) {
	var exporters []Exporter

	if cfg.Alerts.Journal.Enabled {
		j, err := NewJournalExporter(&cfg.Alerts.Journal)
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, j)
	}

	if cfg.Exporters.OTLP.Enabled {
		var (
			exp Exporter
			err error
		)
		if cfg.Exporters.OTLP.Protocol == "http" {
			exp, err = NewHTTPOTLPExporter(&cfg.Exporters.OTLP, version, logger)
		} else {
			exp, err = NewOTLPExporter(&cfg.Exporters.OTLP, version, logger)
		}
		if err != nil {
			shutdownAll(exporters)
			return nil, err
		}
		exporters = append(exporters, exp)
	}

	if cfg.Exporters.Stdout.Enabled {
		exporters = append(exporters, NewStdoutExporter(cfg.Exporters.Stdout.Format))
	}

	if cfg.RecentEnabled() {
		exporters = append(exporters, NewRecentExporter(cfg.Health.Events))
	}

	opts := Options{
		QueueSize:     cfg.Alerts.QueueSize,
		BatchSize:     cfg.Alerts.BatchSize,
		FlushInterval: cfg.Alerts.Flush,
	}
	if cfg.Alerts.Enrich {
		extra, err := cfg.RedactionRules()
		if err != nil {
			shutdownAll(exporters)
			return nil, err
		}
		opts.Enrich = alert.NewProcessEnricher(redact.New(cfg.Alerts.Redaction.Enabled, extra))
	}
	return NewManager(exporters, opts, stats, logger), nil
}

func shutdownAll(exporters []Exporter) {
	ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
	defer cancel()
	for _, exp := range exporters {
		exp.Shutdown(ctx)
	}
}

// Exporters returns the names of the configured exporters.
func (m *Manager) Exporters() []string {
	names := make([]string, 0, len(m.exporters))
	for _, g := range m.exporters {
		names = append(names, g.exp.Name())
	}
	return names
}

// Recent returns the recent-events ring, or nil when none is configured.
func (m *Manager) Recent() *RecentExporter {
	for _, g := range m.exporters {
		if r, ok := g.exp.(*RecentExporter); ok {
			return r
		}
	}
	return nil
}

// Start begins the batch export goroutine.
func (m *Manager) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.process(ctx)

	m.logger.Info("export manager started",
		zap.Strings("exporters", m.Exporters()),
		zap.Int("batch_size", m.batchSize),
		zap.Duration("flush_interval", m.flushInterval),
	)
	return nil
}

// Emit implements alert.Sink. Callers must stop emitting before Stop; the
// hook is always uninstalled first.
func (m *Manager) Emit(rec *detect.AlertRecord) {
	if m.stopped.Load() {
		m.stats.EventsDropped.Add(1)
		return
	}

	select {
	case m.queue <- queued{rec: *rec, at: time.Now()}:
		m.stats.EventsQueued.Add(1)
	default:
		m.stats.EventsDropped.Add(1)
		m.logger.Warn("alert queue full, dropping event", zap.Int("capacity", cap(m.queue)))
	}
}

// Stop flushes queued alerts and shuts down exporters.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		m.stopped.Store(true)
		close(m.stopCh)
	})
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
	defer cancel()

	var errs []error
	for _, g := range m.exporters {
		if err := g.exp.Shutdown(ctx); err != nil {
			m.logger.Error("exporter shutdown error", zap.String("exporter", g.exp.Name()), zap.Error(err))
			errs = append(errs, err)
		}
	}

	m.logger.Info("export manager stopped",
		zap.Int64("exported", m.stats.EventsExported.Load()),
		zap.Int64("dropped", m.stats.EventsDropped.Load()),
		zap.Int64("failures", m.stats.ExportFailures.Load()),
	)
	return errors.Join(errs...)
}

// Rotate asks rotating exporters to start a new file.
func (m *Manager) Rotate() error {
	var errs []error
	for _, g := range m.exporters {
		if r, ok := g.exp.(interface{ Rotate() error }); ok {
			errs = append(errs, r.Rotate())
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) process(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]queued, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	drain := func(ctx context.Context) {
		for {
			select {
			case q := <-m.queue:
				batch = append(batch, q)
				if len(batch) >= m.batchSize {
					m.flush(ctx, batch)
					batch = batch[:0]
				}
			default:
				if len(batch) > 0 {
					m.flush(ctx, batch)
				}
				return
			}
		}
	}

	for {
		select {
		case q := <-m.queue:
			batch = append(batch, q)
			if len(batch) >= m.batchSize {
				m.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-m.stopCh:
			drain(ctx)
			return

		case <-ctx.Done():
			drain(context.Background())
			return
		}
	}
}

func (m *Manager) flush(ctx context.Context, batch []queued) {
	events := make([]*alert.Event, 0, len(batch))
	for i := range batch {
		ev := alert.NewEvent(m.seq.Add(1), &batch[i].rec, batch[i].at)
		if m.enrich != nil {
			m.enrich(ev)
		}
		events = append(events, ev)
	}

	for _, g := range m.exporters {
		if m.retryExport(ctx, g, events) {
			m.stats.EventsExported.Add(int64(len(events)))
		} else {
			m.stats.ExportFailures.Add(1)
		}
	}
}

// retryExport attempts an export with exponential backoff behind the
// exporter's circuit breaker. It reports whether the batch was delivered.
func (m *Manager) retryExport(ctx context.Context, g guarded, events []*alert.Event) bool {
	backoff := m.backoff

	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		err := g.cb.Do(func() error {
			exportCtx, cancel := context.WithTimeout(ctx, exportTimeout)
			defer cancel()
			return g.exp.ExportEvents(exportCtx, events)
		})
		if err == nil {
			return true
		}
		if errors.Is(err, ErrCircuitOpen) {
			m.logger.Debug("circuit breaker open, dropping batch",
				zap.String("exporter", g.exp.Name()),
				zap.Int("events", len(events)),
			)
			return false
		}

		if attempt == m.maxRetries {
			m.logger.Error("export failed after retries",
				zap.String("exporter", g.exp.Name()),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return false
		}

		m.logger.Warn("export failed, retrying",
			zap.String("exporter", g.exp.Name()),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false
		}

		backoff = time.Duration(math.Min(
			float64(backoff)*backoffFactor,
			float64(maxBackoff),
		))
	}
	return false
}

// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package agent wires the hook, detection engine and alert sinks together.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/mbeema/photonring/pkg/alert"
	"github.com/mbeema/photonring/pkg/config"
	"github.com/mbeema/photonring/pkg/detect"
	"github.com/mbeema/photonring/pkg/export"
	"github.com/mbeema/photonring/pkg/health"
	"github.com/mbeema/photonring/pkg/hook"
	hookebpf "github.com/mbeema/photonring/pkg/hook/ebpf"
	"github.com/mbeema/photonring/pkg/intercept"
	"github.com/mbeema/photonring/pkg/kmsg"
	"github.com/mbeema/photonring/pkg/ksym"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// resolveFunc looks up a kernel function in a kallsyms listing.
type resolveFunc func(path, name string) (ksym.Target, error)

// binderFunc creates the binder for one Start. A closed binder is never
// reused.
type binderFunc func(cfg *config.Config) hook.Binder

// Agent owns the detector lifecycle: resolve, install, report, uninstall.
// Config is stored as an atomic pointer so Reload can run concurrently with
// health requests.
type Agent struct {
	cfg     atomic.Pointer[config.Config]
	logger  *zap.Logger
	level   zap.AtomicLevel
	version string
	resolve resolveFunc
	binder  binderFunc

	stats        *health.Stats
	registrar    *hook.Registrar
	handle       atomic.Pointer[hook.Handle]
	dispatcher   *intercept.Dispatcher
	kmsg         *kmsg.Writer
	exporter     *export.Manager
	healthServer *health.Server

	mu      sync.Mutex
	started bool
}

// New creates an agent. Each Start uses the eBPF binder when the kernel
// supports it, otherwise a stub that makes Start fail with the reason.
func New(cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel, version string) (*Agent, error) {
	stats := health.NewStats()
	binder := func(c *config.Config) hook.Binder { return selectBinder(c, stats, logger) }
	return newAgent(cfg, logger, level, version, binder, ksym.Resolve, stats)
}

func newAgent(cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel, version string,
	binder binderFunc, resolve resolveFunc, stats *health.Stats) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if stats == nil {
		stats = health.NewStats()
	}

	a := &Agent{
		logger:  logger,
		level:   level,
		version: version,
		resolve: resolve,
		binder:  binder,
		stats:   stats,
	}
	a.cfg.Store(cfg)
	return a, nil
}

func selectBinder(cfg *config.Config, stats *health.Stats, logger *zap.Logger) hook.Binder {
	support := hookebpf.Detect()
	if !support.Available {
		logger.Warn("eBPF not available, hook cannot be installed",
			zap.String("reason", support.Reason),
		)
		return hookebpf.NewStubBinder(support.Reason)
	}

	logger.Info("eBPF support detected",
		zap.String("kernel", support.KernelVersion),
		zap.Bool("btf", support.HasBTF),
	)

	b, err := hookebpf.NewBinder(&cfg.Hook, stats, logger)
	if err != nil {
		logger.Warn("eBPF binder setup failed", zap.Error(err))
		return hookebpf.NewStubBinder(err.Error())
	}
	return b
}

// Stats returns the agent's self-monitoring counters.
func (a *Agent) Stats() *health.Stats { return a.stats }

// HookState reports the hook handle state.
func (a *Agent) HookState() hook.State {
	return a.handle.Load().State()
}

// notice writes a lifecycle line to the kernel log and the agent log.
func (a *Agent) notice(prio kmsg.Priority, format string, args ...interface{}) {
	a.kmsg.Printf(prio, format, args...)

	msg := fmt.Sprintf(format, args...)
	if prio <= kmsg.Err {
		a.logger.Error(msg)
		return
	}
	a.logger.Info(msg)
}

// Start resolves the target, installs the hook and begins reporting. On
// error nothing is left installed.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return errors.New("agent already started")
	}
	cfg := a.cfg.Load()

	if cfg.Alerts.Kmsg.Enabled {
		w, err := kmsg.Open(cfg.Alerts.Kmsg.Path)
		if err != nil {
			a.logger.Warn("kernel log unavailable, alerts go to the agent log only",
				zap.String("path", cfg.Alerts.Kmsg.Path),
				zap.Error(err),
			)
		}
		a.kmsg = w
	}

	a.notice(kmsg.Info, "initializing kprobe detector...")

	rules, err := cfg.Rules()
	if err != nil {
		return a.abort(err)
	}
	engine, err := detect.NewEngine(rules...)
	if err != nil {
		return a.abort(err)
	}

	target, err := a.resolve(cfg.Hook.KallsymsPath, cfg.Hook.Target)
	if err != nil {
		a.notice(kmsg.Err, "failed to find %s: %v", cfg.Hook.Target, err)
		return a.abort(err)
	}
	a.notice(kmsg.Info, "found %s at: %x", target.Name, target.Addr)

	var sinks alert.Multi
	if a.kmsg != nil {
		sinks = append(sinks, alert.NewSystemSink(a.kmsg, a.stats))
	}
	if cfg.Alerts.Log {
		sinks = append(sinks, alert.NewLogSink(a.logger.Named("alert")))
	}
	if cfg.ExportEnabled() {
		mgr, err := export.NewManagerFromConfig(cfg, a.version, a.stats, a.logger.Named("export"))
		if err != nil {
			return a.abort(fmt.Errorf("exporters: %w", err))
		}
		if err := mgr.Start(ctx); err != nil {
			return a.abort(fmt.Errorf("start exporters: %w", err))
		}
		a.exporter = mgr
		sinks = append(sinks, mgr)
	}

	a.dispatcher = intercept.NewDispatcher(engine, sinks, a.stats)
	a.registrar = hook.NewRegistrar(a.binder(cfg))

	h, err := a.registrar.Install(target, a.dispatcher.Dispatch)
	if err != nil {
		var fe *hook.FilterConfigError
		if errors.As(err, &fe) {
			a.notice(kmsg.Err, "failed to set probe filter: %v", fe.Err)
		} else {
			a.notice(kmsg.Err, "failed to register probe function: %v", err)
		}
		return a.abort(err)
	}
	a.handle.Store(h)

	a.notice(kmsg.Info, "successfully hooked %s", target.Name)
	a.notice(kmsg.Info, "now monitoring all kprobe registrations...")

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Port, a.version, a.stats,
			func() string { return a.HookState().String() }, a.logger.Named("health"))
		if a.exporter != nil {
			if recent := a.exporter.Recent(); recent != nil {
				a.healthServer.SetEvents(func() interface{} { return recent.Events() })
			}
		}
		if err := a.healthServer.Start(ctx); err != nil {
			a.logger.Warn("health server failed to start", zap.Error(err))
			a.healthServer = nil
		} else {
			a.healthServer.SetReady(true)
		}
	}

	a.logger.Info("agent started",
		zap.Stringer("target", target),
		zap.String("binder", a.registrar.Binder().Name()),
		zap.Int("rules", len(engine.Rules())),
		zap.Int("sinks", len(sinks)),
	)
	a.started = true
	return nil
}

// abort releases what Start opened before the hook was installed.
func (a *Agent) abort(err error) error {
	if a.exporter != nil {
		a.exporter.Stop()
		a.exporter = nil
	}
	a.closeBinder()
	a.kmsg.Close()
	a.kmsg = nil
	return err
}

// closeBinder releases the binder of the current run. The next Start
// creates a new one.
func (a *Agent) closeBinder() {
	if a.registrar == nil {
		return
	}
	if c, ok := a.registrar.Binder().(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("binder close failed", zap.Error(err))
		}
	}
	a.registrar = nil
}

// Stop uninstalls the hook and flushes exporters. Uninstall failures are
// logged, never returned; the returned error is from exporter shutdown.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.started = false

	a.notice(kmsg.Info, "removing kprobe detector...")

	if a.healthServer != nil {
		a.healthServer.SetReady(false)
		a.healthServer.Stop()
		a.healthServer = nil
	}

	if err := a.registrar.Uninstall(a.handle.Load()); err != nil {
		a.logger.Error("hook uninstall failed", zap.Error(err))
	}
	a.closeBinder()

	var err error
	if a.exporter != nil {
		err = a.exporter.Stop()
		a.exporter = nil
	}

	snap := a.stats.Snapshot()
	a.logger.Info("agent stopped",
		zap.Int64("calls", snap.CallsDispatched),
		zap.Int64("registrations", snap.RegistrationsObserved),
		zap.Int64("suspicious", snap.SuspiciousDetected),
		zap.Int64("alerts", snap.AlertsEmitted),
		zap.Int64("events_dropped", snap.EventsDropped),
	)

	a.notice(kmsg.Info, "kprobe detector removed")
	a.kmsg.Close()
	a.kmsg = nil

	return err
}

// Reload applies the parts of cfg that can change without reinstalling the
// hook: log level and detection rules. Other changes are reported and take
// effect on restart.
func (a *Agent) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	old := a.cfg.Load()

	if lvl, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		a.level.SetLevel(lvl)
	}

	rules, err := cfg.Rules()
	if err != nil {
		return err
	}
	engine, err := detect.NewEngine(rules...)
	if err != nil {
		return err
	}
	if a.dispatcher != nil {
		a.dispatcher.SetEngine(engine)
	}

	if old.Hook != cfg.Hook || old.Alerts.Kmsg != cfg.Alerts.Kmsg || old.Health != cfg.Health ||
		old.ExportEnabled() != cfg.ExportEnabled() {
		a.logger.Warn("hook, alert or health settings changed; restart to apply")
	}

	a.cfg.Store(cfg)
	a.logger.Info("configuration reloaded",
		zap.String("log_level", cfg.LogLevel),
		zap.Int("rules", len(engine.Rules())),
	)
	return nil
}

// Rotate reopens the event journal, if one is configured.
func (a *Agent) Rotate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.exporter == nil {
		return nil
	}
	return a.exporter.Rotate()
}

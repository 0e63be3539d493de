// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package intercept turns each intercepted register_kprobe call into alerts.
package intercept

import (
	"sync/atomic"

	"github.com/mbeema/photonring/pkg/alert"
	"github.com/mbeema/photonring/pkg/detect"
	"github.com/mbeema/photonring/pkg/health"
	"github.com/mbeema/photonring/pkg/probe"
)

// Dispatcher is the callback installed on the hook. It holds no mutable
// state besides the shared atomic counters, so any number of calls may be
// in flight at once on different CPUs.
type Dispatcher struct {
	engine atomic.Pointer[detect.Engine]
	sink   alert.Sink
	stats  *health.Stats
}

// NewDispatcher wires the engine to a sink. stats may be nil.
func NewDispatcher(engine *detect.Engine, sink alert.Sink, stats *health.Stats) *Dispatcher {
	if stats == nil {
		stats = health.NewStats()
	}
	d := &Dispatcher{sink: sink, stats: stats}
	d.engine.Store(engine)
	return d
}

// SetEngine swaps in a new rule table. Calls already in flight finish on
// the old one.
func (d *Dispatcher) SetEngine(engine *detect.Engine) {
	d.engine.Store(engine)
}

// Dispatch inspects one call and emits its alerts, registration alert
// first. It only reads the call and always returns normally so the
// intercepted registration proceeds unchanged.
func (d *Dispatcher) Dispatch(call *probe.InterceptedCall) {
	d.stats.CallsDispatched.Add(1)

	desc, ok := probe.Describe(call)
	if !ok {
		d.stats.NullDescriptors.Add(1)
		return
	}

	var storage [detect.MaxAlerts]detect.AlertRecord
	alerts := d.engine.Load().Evaluate(&desc, storage[:0])
	if len(alerts) == 0 {
		return
	}

	d.stats.RegistrationsObserved.Add(1)
	for i := range alerts {
		if alerts[i].Severity >= detect.SeveritySuspicious {
			d.stats.SuspiciousDetected.Add(1)
		}
		d.sink.Emit(&alerts[i])
	}
}

// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"github.com/mbeema/photonring/pkg/ksym"
	"github.com/mbeema/photonring/pkg/probe"
)

// Callback receives every intercepted call of the target function. The call
// is only valid until the callback returns. Callbacks run concurrently and
// must not block.
type Callback func(call *probe.InterceptedCall)

// Binder is the host tracing facility the registrar drives. Implementations
// include the eBPF kprobe binder (Linux 5.15+) and a stub that refuses every
// filter on other systems.
type Binder interface {
	// Filter restricts interception to target.
	Filter(target ksym.Target) error

	// Unfilter removes the restriction added by Filter.
	Unfilter(target ksym.Target) error

	// Attach starts delivering intercepted calls to cb.
	Attach(target ksym.Target, cb Callback) error

	// Detach stops delivery. No callback runs after it returns.
	Detach() error

	// Name returns the binder name (e.g., "ebpf", "stub").
	Name() string
}

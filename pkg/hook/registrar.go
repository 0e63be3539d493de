// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package hook installs and removes the system-wide interception of the
// target function.
package hook

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mbeema/photonring/pkg/ksym"
)

// State is the lifecycle state of a Handle.
type State int32

const (
	Unregistered State = iota
	Active
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Handle is the installed binding. It is owned by whoever called Install
// and must be passed back to Uninstall exactly once.
type Handle struct {
	target ksym.Target
	state  atomic.Int32
}

// Target returns the intercepted function.
func (h *Handle) Target() ksym.Target { return h.target }

// State returns the current state. A nil handle is Unregistered.
func (h *Handle) State() State {
	if h == nil {
		return Unregistered
	}
	return State(h.state.Load())
}

// Registrar drives a Binder through install and uninstall. Install and
// Uninstall are serialized; dispatch itself never takes the lock.
type Registrar struct {
	binder Binder

	mu     sync.Mutex
	active *Handle
}

// NewRegistrar creates a registrar over binder.
func NewRegistrar(binder Binder) *Registrar {
	return &Registrar{binder: binder}
}

// Binder returns the underlying binder.
func (r *Registrar) Binder() Binder { return r.binder }

// Install scopes interception to target and attaches cb. Either both steps
// take effect and an Active handle is returned, or neither does: a failed
// Attach is rolled back with Unfilter before the error is returned.
func (r *Registrar) Install(target ksym.Target, cb Callback) (*Handle, error) {
	if cb == nil {
		return nil, fmt.Errorf("install %s: nil callback", target)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return nil, ErrAlreadyInstalled
	}

	if err := r.binder.Filter(target); err != nil {
		return nil, &FilterConfigError{Target: target, Err: err}
	}

	if err := r.binder.Attach(target, cb); err != nil {
		return nil, partialInstall{target: target, attachErr: err}.rollback(r.binder)
	}

	h := &Handle{target: target}
	h.state.Store(int32(Active))
	r.active = h
	return h, nil
}

// Uninstall detaches the callback and then removes the filter. Both steps
// are always attempted and the handle ends Unregistered even if one fails.
// Uninstall of a handle that is not Active is a no-op.
func (r *Registrar) Uninstall(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h == nil || !h.state.CompareAndSwap(int32(Active), int32(Unregistered)) {
		return nil
	}
	if r.active == h {
		r.active = nil
	}

	var errs []error
	if err := r.binder.Detach(); err != nil {
		errs = append(errs, fmt.Errorf("unregister probe function: %w", err))
	}
	if err := r.binder.Unfilter(h.target); err != nil {
		errs = append(errs, fmt.Errorf("clear probe filter: %w", err))
	}
	return errors.Join(errs...)
}

// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"errors"
	"sync"
	"testing"

	"github.com/mbeema/photonring/pkg/ksym"
	"github.com/mbeema/photonring/pkg/probe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var target = ksym.Target{Name: "register_kprobe", Addr: 0xffffffff8113c2d0}

// fakeBinder records the global binding state the registrar leaves behind.
type fakeBinder struct {
	mu sync.Mutex

	filters  map[uint64]bool
	attached bool
	cb       Callback
	calls    []string

	filterErr, unfilterErr, attachErr, detachErr error
}

func newFakeBinder() *fakeBinder {
	return &fakeBinder{filters: make(map[uint64]bool)}
}

func (f *fakeBinder) Name() string { return "fake" }

func (f *fakeBinder) Filter(t ksym.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "filter")
	if f.filterErr != nil {
		return f.filterErr
	}
	f.filters[t.Addr] = true
	return nil
}

func (f *fakeBinder) Unfilter(t ksym.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "unfilter")
	delete(f.filters, t.Addr)
	return f.unfilterErr
}

func (f *fakeBinder) Attach(_ ksym.Target, cb Callback) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "attach")
	if f.attachErr != nil {
		return f.attachErr
	}
	f.attached = true
	f.cb = cb
	return nil
}

func (f *fakeBinder) Detach() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "detach")
	f.attached = false
	f.cb = nil
	return f.detachErr
}

// fire simulates one call of the target function.
func (f *fakeBinder) fire() bool {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(&probe.InterceptedCall{})
	return true
}

func nop(*probe.InterceptedCall) {}

func TestInstallActivatesBothSteps(t *testing.T) {
	b := newFakeBinder()
	r := NewRegistrar(b)

	h, err := r.Install(target, nop)
	require.NoError(t, err)

	assert.Equal(t, Active, h.State())
	assert.Equal(t, target, h.Target())
	assert.True(t, b.filters[target.Addr])
	assert.True(t, b.attached)
	assert.Equal(t, []string{"filter", "attach"}, b.calls)
}

func TestInstallFilterFailure(t *testing.T) {
	b := newFakeBinder()
	b.filterErr = errors.New("address not traceable")
	r := NewRegistrar(b)

	h, err := r.Install(target, nop)
	assert.Nil(t, h)

	var fce *FilterConfigError
	require.ErrorAs(t, err, &fce)
	assert.Equal(t, target, fce.Target)
	assert.ErrorIs(t, err, b.filterErr)
	assert.Equal(t, []string{"filter"}, b.calls, "attach must not run after a filter failure")
}

func TestInstallRollsBackOnAttachFailure(t *testing.T) {
	b := newFakeBinder()
	b.attachErr = errors.New("kprobe attach: permission denied")
	r := NewRegistrar(b)

	h, err := r.Install(target, nop)
	assert.Nil(t, h)

	var re *RegistrationError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, b.attachErr)
	assert.NoError(t, re.RollbackErr)
	assert.Empty(t, b.filters, "no residual filter after a failed install")
	assert.Equal(t, []string{"filter", "attach", "unfilter"}, b.calls)

	// The registrar is reusable after a failed install.
	b.attachErr = nil
	h, err = r.Install(target, nop)
	require.NoError(t, err)
	assert.Equal(t, Active, h.State())
}

func TestInstallRollbackFailureIsReported(t *testing.T) {
	b := newFakeBinder()
	b.attachErr = errors.New("attach failed")
	b.unfilterErr = errors.New("map delete failed")
	r := NewRegistrar(b)

	_, err := r.Install(target, nop)
	var re *RegistrationError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, b.unfilterErr, re.RollbackErr)
	assert.Contains(t, err.Error(), "rollback: map delete failed")
}

func TestInstallTwice(t *testing.T) {
	r := NewRegistrar(newFakeBinder())

	_, err := r.Install(target, nop)
	require.NoError(t, err)
	_, err = r.Install(target, nop)
	assert.ErrorIs(t, err, ErrAlreadyInstalled)
}

func TestInstallNilCallback(t *testing.T) {
	b := newFakeBinder()
	_, err := NewRegistrar(b).Install(target, nil)
	assert.Error(t, err)
	assert.Empty(t, b.calls)
}

func TestUninstall(t *testing.T) {
	b := newFakeBinder()
	r := NewRegistrar(b)

	var dispatched int
	h, err := r.Install(target, func(*probe.InterceptedCall) { dispatched++ })
	require.NoError(t, err)

	require.True(t, b.fire())
	require.NoError(t, r.Uninstall(h))

	assert.Equal(t, Unregistered, h.State())
	assert.False(t, b.fire(), "no dispatch after uninstall returns")
	assert.Equal(t, 1, dispatched)
	assert.Empty(t, b.filters)
	assert.Equal(t, []string{"filter", "attach", "detach", "unfilter"}, b.calls)
}

func TestUninstallAttemptsBothStepsOnFailure(t *testing.T) {
	b := newFakeBinder()
	r := NewRegistrar(b)
	h, err := r.Install(target, nop)
	require.NoError(t, err)

	b.detachErr = errors.New("link close failed")
	b.unfilterErr = errors.New("map delete failed")
	err = r.Uninstall(h)

	assert.ErrorIs(t, err, b.detachErr)
	assert.ErrorIs(t, err, b.unfilterErr)
	assert.Equal(t, Unregistered, h.State())
	assert.Equal(t, []string{"filter", "attach", "detach", "unfilter"}, b.calls)

	// Reinstall is possible after teardown, even a failed one.
	b.detachErr, b.unfilterErr = nil, nil
	_, err = r.Install(target, nop)
	assert.NoError(t, err)
}

func TestUninstallInactiveIsNoop(t *testing.T) {
	b := newFakeBinder()
	r := NewRegistrar(b)

	assert.NoError(t, r.Uninstall(nil))

	h, err := r.Install(target, nop)
	require.NoError(t, err)
	require.NoError(t, r.Uninstall(h))
	b.calls = nil

	assert.NoError(t, r.Uninstall(h))
	assert.Empty(t, b.calls)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "unregistered", Unregistered.String())
	assert.Equal(t, "unknown", State(7).String())
	var h *Handle
	assert.Equal(t, Unregistered, h.State())
}

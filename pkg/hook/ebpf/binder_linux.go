// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package ebpf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mbeema/photonring/pkg/config"
	"github.com/mbeema/photonring/pkg/health"
	"github.com/mbeema/photonring/pkg/hook"
	"github.com/mbeema/photonring/pkg/ksym"
	"go.uber.org/zap"
)

// ErrBinderClosed is returned by every operation after Close.
var ErrBinderClosed = errors.New("ebpf binder closed")

// objects is the kernel side of a Binder. *loader implements it.
type objects interface {
	addScope(key uint64) error
	removeScope(key uint64) error
	attach(symbol string) error
	detach() error
	openReader(cb hook.Callback, stats *health.Stats) (recordReader, error)
	close() error
}

// recordReader delivers ring buffer records until closed.
type recordReader interface {
	readLoop()
	close() error
}

// Binder implements hook.Binder with a kprobe program and a ring buffer.
// Filter maps to the program's scope map and Attach to loading the program
// plus starting the reader.
type Binder struct {
	logger *zap.Logger
	stats  *health.Stats
	objs   objects

	mu     sync.Mutex
	reader recordReader
	wg     sync.WaitGroup
	closed bool
}

var _ hook.Binder = (*Binder)(nil)

// NewBinder creates the BPF maps. Nothing is attached until Attach.
func NewBinder(cfg *config.HookConfig, stats *health.Stats, logger *zap.Logger) (*Binder, error) {
	l, err := newLoader(cfg.RingBufferSize, logger)
	if err != nil {
		return nil, err
	}
	return newBinder(l, stats, logger), nil
}

func newBinder(objs objects, stats *health.Stats, logger *zap.Logger) *Binder {
	return &Binder{logger: logger, stats: stats, objs: objs}
}

// Filter adds the target's entry address to the scope map. Keys added
// before a failure are removed again.
func (b *Binder) Filter(target ksym.Target) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBinderClosed
	}

	var added []uint64
	for _, key := range scopeKeys(target.Addr) {
		if err := b.objs.addScope(key); err != nil {
			for _, k := range added {
				b.objs.removeScope(k)
			}
			return fmt.Errorf("%s: %w", scopeMap, err)
		}
		added = append(added, key)
	}
	return nil
}

// Unfilter removes every key Filter added.
func (b *Binder) Unfilter(target ksym.Target) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBinderClosed
	}

	var errs []error
	for _, key := range scopeKeys(target.Addr) {
		if err := b.objs.removeScope(key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", scopeMap, err))
		}
	}
	return errors.Join(errs...)
}

// Attach loads the program, attaches it and starts reading events.
func (b *Binder) Attach(target ksym.Target, cb hook.Callback) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBinderClosed
	}
	if b.reader != nil {
		return fmt.Errorf("already attached")
	}

	reader, err := b.objs.openReader(cb, b.stats)
	if err != nil {
		return err
	}

	if err := b.objs.attach(target.Name); err != nil {
		reader.close()
		return err
	}

	b.reader = reader
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		reader.readLoop()
	}()

	b.logger.Info("eBPF binder attached", zap.Stringer("target", target))
	return nil
}

// Detach closes the link, then the reader, and waits for the reader
// goroutine so no callback runs after it returns. Records still in the
// ring buffer are discarded.
func (b *Binder) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detachLocked()
}

func (b *Binder) detachLocked() error {
	if b.closed {
		return nil
	}
	err := b.objs.detach()

	if b.reader != nil {
		if cerr := b.reader.close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		b.wg.Wait()
		b.reader = nil
	}
	return err
}

// Close detaches if needed and releases the maps. Later calls return nil;
// every other operation fails with ErrBinderClosed.
func (b *Binder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	err := errors.Join(b.detachLocked(), b.objs.close())
	b.closed = true
	return err
}

// Name returns the binder name.
func (b *Binder) Name() string {
	return "ebpf"
}

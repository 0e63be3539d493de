// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"errors"
	"fmt"

	"github.com/mbeema/photonring/pkg/ksym"
)

// ErrAlreadyInstalled is returned when Install is called while a handle
// from the same registrar is still active.
var ErrAlreadyInstalled = errors.New("hook already installed")

// FilterConfigError reports that interception could not be scoped to the
// target address.
type FilterConfigError struct {
	Target ksym.Target
	Err    error
}

func (e *FilterConfigError) Error() string {
	return fmt.Sprintf("set probe filter on %s: %v", e.Target, e.Err)
}

func (e *FilterConfigError) Unwrap() error { return e.Err }

// RegistrationError reports that the dispatch callback could not be
// attached. The filter has already been removed when this is returned;
// RollbackErr is set only if that removal itself failed.
type RegistrationError struct {
	Target      ksym.Target
	Err         error
	RollbackErr error
}

func (e *RegistrationError) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("register probe function on %s: %v (rollback: %v)", e.Target, e.Err, e.RollbackErr)
	}
	return fmt.Sprintf("register probe function on %s: %v", e.Target, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// partialInstall is the state after Filter succeeded and Attach failed. It
// never leaves the registrar: rollback turns it into a RegistrationError.
type partialInstall struct {
	target    ksym.Target
	attachErr error
}

func (p partialInstall) rollback(b Binder) *RegistrationError {
	return &RegistrationError{
		Target:      p.target,
		Err:         p.attachErr,
		RollbackErr: b.Unfilter(p.target),
	}
}

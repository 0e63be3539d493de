package ebpf

import (
	"fmt"

	"github.com/mbeema/photonring/pkg/hook"
	"github.com/mbeema/photonring/pkg/ksym"
)

// StubBinder stands in on systems that cannot run the kprobe program
// (non-Linux, kernels < 5.15). Every Filter fails with the reason, so
// install reports a FilterConfigError and startup aborts cleanly.
type StubBinder struct {
	reason string
}

var _ hook.Binder = (*StubBinder)(nil)

// NewStubBinder creates a stub binder that reports reason on Filter.
func NewStubBinder(reason string) *StubBinder {
	return &StubBinder{reason: reason}
}

func (s *StubBinder) Filter(_ ksym.Target) error {
	return fmt.Errorf("interception unavailable: %s", s.reason)
}

func (s *StubBinder) Unfilter(_ ksym.Target) error {
	return nil
}

func (s *StubBinder) Attach(_ ksym.Target, _ hook.Callback) error {
	return fmt.Errorf("interception unavailable: %s", s.reason)
}

func (s *StubBinder) Detach() error {
	return nil
}

func (s *StubBinder) Name() string {
	return "stub"
}

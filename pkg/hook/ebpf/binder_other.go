//go:build !linux

package ebpf

import (
	"errors"

	"github.com/mbeema/photonring/pkg/config"
	"github.com/mbeema/photonring/pkg/health"
	"github.com/mbeema/photonring/pkg/hook"
	"go.uber.org/zap"
)

// NewBinder on non-Linux platforms always fails; use NewStubBinder.
func NewBinder(_ *config.HookConfig, _ *health.Stats, _ *zap.Logger) (hook.Binder, error) {
	return nil, errors.New("eBPF binder requires Linux")
}

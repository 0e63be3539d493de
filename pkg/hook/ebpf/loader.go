//go:build linux

package ebpf

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/mbeema/photonring/pkg/health"
	"github.com/mbeema/photonring/pkg/hook"
	"github.com/mbeema/photonring/pkg/probe"
	"go.uber.org/zap"
)

// loader manages BPF object lifecycle: creating maps, loading the program
// and attaching the kprobe.
type loader struct {
	logger *zap.Logger
	layout kprobeLayout

	scope  *ebpf.Map
	events *ebpf.Map
	prog   *ebpf.Program
	link   link.Link
}

// newLoader creates the maps. The program is only loaded on attach.
func newLoader(ringSize int, logger *zap.Logger) (*loader, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock rlimit: %w", err)
	}

	l := &loader{logger: logger}

	layout, err := kernelKprobeLayout()
	if err != nil {
		logger.Warn("struct kprobe layout from BTF unavailable, using fallback offsets", zap.Error(err))
	}
	l.layout = layout

	l.scope, err = ebpf.NewMap(&ebpf.MapSpec{
		Name:       scopeMap,
		Type:       ebpf.Hash,
		KeySize:    8,
		ValueSize:  1,
		MaxEntries: 8,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s map: %w", scopeMap, err)
	}

	l.events, err = ebpf.NewMap(&ebpf.MapSpec{
		Name:       eventsMap,
		Type:       ebpf.RingBuf,
		MaxEntries: uint32(ringSize),
	})
	if err != nil {
		l.scope.Close()
		return nil, fmt.Errorf("create %s map: %w", eventsMap, err)
	}

	return l, nil
}

// addScope allows key through the program's scope check.
func (l *loader) addScope(key uint64) error {
	return l.scope.Put(key, uint8(1))
}

// removeScope deletes key. A missing key is not an error.
func (l *loader) removeScope(key uint64) error {
	return ignoreMissing(l.scope.Delete(key))
}

func ignoreMissing(err error) error {
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return nil
	}
	return err
}

// openReader creates a reader over the events ring buffer.
func (l *loader) openReader(cb hook.Callback, stats *health.Stats) (recordReader, error) {
	r, err := newEventReader(l.events, cb, stats, l.logger)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// attach loads the program and attaches it to symbol. On failure nothing
// stays loaded.
func (l *loader) attach(symbol string) error {
	insns, err := buildProgram(l.scope.FD(), l.events.FD(), l.layout)
	if err != nil {
		return fmt.Errorf("build program: %w", err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         programName,
		Type:         ebpf.Kprobe,
		License:      "GPL",
		Instructions: insns,
	})
	if err != nil {
		return fmt.Errorf("load program: %w", err)
	}

	lnk, err := link.Kprobe(symbol, prog, nil)
	if err != nil {
		prog.Close()
		return fmt.Errorf("attach kprobe %s: %w", symbol, err)
	}

	l.prog = prog
	l.link = lnk
	l.logger.Debug("attached probe",
		zap.String("kind", "kprobe"),
		zap.String("name", symbol),
		zap.String("arg0", probe.ArgRegister(0)),
		zap.Bool("btf_layout", l.layout.FromBTF),
	)
	return nil
}

// detach closes the link and unloads the program.
func (l *loader) detach() error {
	var errs []error
	if l.link != nil {
		errs = append(errs, l.link.Close())
		l.link = nil
	}
	if l.prog != nil {
		errs = append(errs, l.prog.Close())
		l.prog = nil
	}
	return errors.Join(errs...)
}

// close releases the program, link and maps.
func (l *loader) close() error {
	errs := []error{l.detach()}
	if l.events != nil {
		errs = append(errs, l.events.Close())
		l.events = nil
	}
	if l.scope != nil {
		errs = append(errs, l.scope.Close())
		l.scope = nil
	}
	return errors.Join(errs...)
}

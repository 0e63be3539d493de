//go:build linux

package ebpf

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/mbeema/photonring/pkg/health"
	"github.com/mbeema/photonring/pkg/hook"
	"github.com/mbeema/photonring/pkg/probe"
	"go.uber.org/zap"
)

// eventReader wraps a BPF ring buffer reader and hands each record to the
// hook callback.
type eventReader struct {
	reader *ringbuf.Reader
	cb     hook.Callback
	stats  *health.Stats
	logger *zap.Logger
}

// newEventReader creates a ring buffer reader for the given BPF map.
func newEventReader(eventsMap *ebpf.Map, cb hook.Callback, stats *health.Stats, logger *zap.Logger) (*eventReader, error) {
	rd, err := ringbuf.NewReader(eventsMap)
	if err != nil {
		return nil, fmt.Errorf("create ring buffer reader: %w", err)
	}
	return &eventReader{
		reader: rd,
		cb:     cb,
		stats:  stats,
		logger: logger,
	}, nil
}

// readLoop reads records until the reader is closed. The record buffer and
// the call value are reused for every sample.
func (er *eventReader) readLoop() {
	var (
		rec  ringbuf.Record
		call probe.InterceptedCall
	)
	for {
		if err := er.reader.ReadInto(&rec); err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			er.logger.Debug("ring buffer read error", zap.Error(err))
			continue
		}

		if err := probe.ParseCall(rec.RawSample, &call); err != nil {
			er.stats.DecodeErrors.Add(1)
			er.logger.Debug("event decode failed", zap.Error(err))
			continue
		}
		er.cb(&call)
		call.Release()
	}
}

// close closes the ring buffer reader, unblocking readLoop.
func (er *eventReader) close() error {
	return er.reader.Close()
}

package export

import (
	"context"
	"sync"

	"github.com/mbeema/photonring/pkg/alert"
)

// RecentExporter keeps the last events in a fixed-size ring for the health
// server's /api/events. The oldest event is overwritten when full.
type RecentExporter struct {
	mu     sync.Mutex
	events []*alert.Event
	next   int
	full   bool
}

// NewRecentExporter creates a ring of the given capacity.
func NewRecentExporter(capacity int) *RecentExporter {
	if capacity <= 0 {
		capacity = 1
	}
	return &RecentExporter{events: make([]*alert.Event, capacity)}
}

// Name implements Exporter.
func (r *RecentExporter) Name() string { return "recent" }

// ExportEvents appends events to the ring. It never fails.
func (r *RecentExporter) ExportEvents(_ context.Context, events []*alert.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ev := range events {
		r.events[r.next] = ev
		r.next++
		if r.next == len(r.events) {
			r.next = 0
			r.full = true
		}
	}
	return nil
}

// Events returns the retained events, oldest first.
func (r *RecentExporter) Events() []*alert.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		return append([]*alert.Event(nil), r.events[:r.next]...)
	}
	out := make([]*alert.Event, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	return append(out, r.events[:r.next]...)
}

// Shutdown implements Exporter. Retained events stay readable.
func (r *RecentExporter) Shutdown(context.Context) error { return nil }

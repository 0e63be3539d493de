package export

import (
	"context"
	"testing"
	"time"

	"github.com/mbeema/photonring/pkg/alert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func seqs(events []*alert.Event) []uint64 {
	out := make([]uint64, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Seq)
	}
	return out
}

func TestRecentExporterKeepsOrder(t *testing.T) {
	r := NewRecentExporter(4)
	assert.Empty(t, r.Events())

	require.NoError(t, r.ExportEvents(context.Background(), []*alert.Event{{Seq: 1}, {Seq: 2}}))
	assert.Equal(t, []uint64{1, 2}, seqs(r.Events()))
}

func TestRecentExporterWraps(t *testing.T) {
	r := NewRecentExporter(3)
	ctx := context.Background()

	for seq := uint64(1); seq <= 7; seq++ {
		require.NoError(t, r.ExportEvents(ctx, []*alert.Event{{Seq: seq}}))
	}
	assert.Equal(t, []uint64{5, 6, 7}, seqs(r.Events()))

	// Exactly full: the write index is back at zero.
	r = NewRecentExporter(2)
	require.NoError(t, r.ExportEvents(ctx, []*alert.Event{{Seq: 1}, {Seq: 2}}))
	assert.Equal(t, []uint64{1, 2}, seqs(r.Events()))
}

func TestRecentExporterSnapshotIsCopy(t *testing.T) {
	r := NewRecentExporter(2)
	require.NoError(t, r.ExportEvents(context.Background(), []*alert.Event{{Seq: 1}}))

	snap := r.Events()
	snap[0] = nil
	assert.Equal(t, []uint64{1}, seqs(r.Events()))
}

func TestManagerFillsRecent(t *testing.T) {
	recent := NewRecentExporter(500)
	m := NewManager([]Exporter{recent}, Options{FlushInterval: time.Hour}, nil, zap.NewNop())
	require.NoError(t, m.Start(context.Background()))
	assert.Same(t, recent, m.Recent())

	recs := alertsFor(t, "kallsyms_lookup_name")
	for i := range recs {
		m.Emit(&recs[i])
	}
	require.NoError(t, m.Stop())

	events := recent.Events()
	require.Len(t, events, 2)
	assert.Equal(t, alert.TypeRegistered, events[0].Type)
	assert.Equal(t, alert.TypeSuspicious, events[1].Type)
	assert.Equal(t, "kallsyms_lookup_name", events[1].Data["symbol"])
}

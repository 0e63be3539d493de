// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mbeema/photonring/pkg/alert"
	"github.com/mbeema/photonring/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalWritesJSONLines(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "events")
	j, err := NewJournalExporter(&config.JournalConfig{Dir: dir, MaxSizeMB: 1, MaxBackups: 1})
	require.NoError(t, err)

	recs := alertsFor(t, "kallsyms_lookup_name")
	now := time.Unix(1700000000, 0)
	events := []*alert.Event{
		alert.NewEvent(1, &recs[0], now),
		alert.NewEvent(2, &recs[1], now),
	}
	require.NoError(t, j.ExportEvents(context.Background(), events))
	require.NoError(t, j.Shutdown(context.Background()))

	f, err := os.Open(filepath.Join(dir, JournalFile))
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.NoError(t, sc.Err())
	require.Len(t, lines, 2)

	assert.Equal(t, float64(1), lines[0]["seq"])
	assert.Equal(t, "kprobe_registered", lines[0]["type"])
	assert.Equal(t, "info", lines[0]["severity"])
	assert.Equal(t, "photonring", lines[0]["source"])
	assert.Equal(t, float64(1700000000), lines[0]["ts"])
	assert.NotContains(t, lines[0], "Timestamp")

	assert.Equal(t, "suspicious_probe", lines[1]["type"])
	assert.Equal(t, "high", lines[1]["severity"])
	data := lines[1]["data"].(map[string]interface{})
	assert.Equal(t, "kallsyms_lookup_name", data["symbol"])
	assert.Equal(t, "SUSPICIOUS *** kallsyms_lookup_name probe detected!", data["message"])
}

func TestJournalRotate(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournalExporter(&config.JournalConfig{Dir: dir, MaxSizeMB: 1, MaxBackups: 3})
	require.NoError(t, err)

	recs := alertsFor(t, "some_symbol")
	ev := alert.NewEvent(1, &recs[0], time.Now())
	require.NoError(t, j.ExportEvents(context.Background(), []*alert.Event{ev}))
	require.NoError(t, j.Rotate())
	require.NoError(t, j.ExportEvents(context.Background(), []*alert.Event{ev}))
	require.NoError(t, j.Shutdown(context.Background()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "active file plus one backup")
}

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbeema/photonring/pkg/alert"
)

// StdoutExporter prints events for debugging.
type StdoutExporter struct {
	format string // "text" or "json"

	mu  sync.Mutex
	out io.Writer
}

// NewStdoutExporter creates a new stdout exporter.
func NewStdoutExporter(format string) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	return &StdoutExporter{format: format, out: os.Stdout}
}

// Name implements Exporter.
func (e *StdoutExporter) Name() string { return "stdout" }

// ExportEvents prints one line per event.
func (e *StdoutExporter) ExportEvents(_ context.Context, events []*alert.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ev := range events {
		if e.format == "json" {
			b, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "%s\n", b)
			continue
		}

		fmt.Fprintf(e.out,
			"[%-4s] #%d %s %s pid=%v comm=%v %s\n",
			strings.ToUpper(ev.Severity), ev.Seq,
			ev.Timestamp.Format(time.RFC3339), ev.Data["message"],
			ev.Data["pid"], ev.Data["comm"], formatData(ev.Data),
		)
	}
	return nil
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(_ context.Context) error {
	return nil
}

func formatData(data map[string]interface{}) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		switch k {
		case "message", "pid", "comm":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, " ")
}

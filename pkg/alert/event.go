// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package alert

import (
	"strconv"
	"time"

	"github.com/mbeema/photonring/pkg/detect"
	"github.com/mbeema/photonring/pkg/redact"
	"github.com/shirou/gopsutil/v3/process"
)

// Event types written to the journal and exporters.
const (
	TypeRegistered = "kprobe_registered"
	TypeSuspicious = "suspicious_probe"
)

// Source identifies events produced by this agent.
const Source = "photonring"

// Event is the serialised form of an alert, one JSON object per line in the
// journal.
type Event struct {
	Seq       uint64                 `json:"seq"`
	TS        float64                `json:"ts"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Severity  string                 `json:"severity"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"-"`
}

// NewEvent converts an alert record. observed is used when the record has
// no kernel timestamp.
func NewEvent(seq uint64, rec *detect.AlertRecord, observed time.Time) *Event {
	d := &rec.Descriptor

	ev := &Event{
		Seq:       seq,
		TS:        float64(observed.UnixNano()) / 1e9,
		Timestamp: observed,
		Type:      TypeRegistered,
		Severity:  "info",
		Source:    Source,
		Data: map[string]interface{}{
			"message": rec.Message(),
			"kprobe":  hexAddr(d.Kprobe),
			"pid":     d.PID,
			"tid":     d.TID,
			"comm":    d.Comm(),
		},
	}

	if name, ok := d.SymbolName(); ok {
		ev.Data["symbol"] = name
	}
	if d.Addr != 0 {
		ev.Data["addr"] = hexAddr(d.Addr)
	}
	if d.Offset != 0 {
		ev.Data["offset"] = d.Offset
	}
	if d.TimestampNS != 0 {
		ev.Data["ktime_ns"] = d.TimestampNS
	}
	if !rec.IsRegistration() {
		ev.Data["rule"] = rec.Rule.Name
	}
	if rec.Severity >= detect.SeveritySuspicious {
		ev.Type = TypeSuspicious
		ev.Severity = "high"
	}
	return ev
}

// Enricher adds context to an event off the dispatch path.
type Enricher func(ev *Event)

// NewProcessEnricher looks up the registering task in procfs. Short-lived
// loaders (insmod, bpftrace) may already be gone; that is not an error.
// The command line is passed through r before it is recorded.
func NewProcessEnricher(r *redact.Redactor) Enricher {
	return func(ev *Event) {
		enrichProcess(ev, r)
	}
}

func enrichProcess(ev *Event, r *redact.Redactor) {
	pid, ok := ev.Data["pid"].(uint32)
	if !ok || pid == 0 {
		return
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	if exe, err := p.Exe(); err == nil {
		ev.Data["exe"] = exe
	}
	if cmdline, err := p.Cmdline(); err == nil && cmdline != "" {
		ev.Data["cmdline"] = r.Redact(cmdline)
	}
	if ppid, err := p.Ppid(); err == nil {
		ev.Data["ppid"] = ppid
	}
	if uids, err := p.Uids(); err == nil && len(uids) > 0 {
		ev.Data["uid"] = uids[0]
	}
}

func hexAddr(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

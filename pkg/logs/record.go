// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package logs reads photonring lines back out of the kernel log, either
// live from /dev/kmsg or from a dmesg dump or syslog file, and turns them
// into events.
package logs

import (
	"regexp"
	"strings"
	"time"

	"github.com/mbeema/photonring/pkg/alert"
)

// ReaderSource tags events produced from the kernel log.
const ReaderSource = "kmsg_reader"

// TypeGeneric is used for lines that are neither a registration nor a
// detection, such as lifecycle notices.
const TypeGeneric = "photon_ring_generic"

// LogRecord is one photonring line read back from the kernel log.
type LogRecord struct {
	Uptime   float64 // seconds since boot, as printed by dmesg
	Seq      uint64  // kmsg sequence number
	HasSeq   bool
	Priority int    // syslog level, -1 when the source does not carry it
	Body     string // message with the prefix removed
	Source   string // "kmsg" or "file"
	FilePath string
}

var (
	registeredRe = regexp.MustCompile(`Kprobe registered for symbol:\s*(\S+)`)
	suspiciousRe = regexp.MustCompile(`SUSPICIOUS \*\*\* (\S+) probe detected!`)
)

// Classify maps a message body to an event type, severity and data.
func Classify(body string) (typ, severity string, data map[string]interface{}) {
	if strings.Contains(body, "SUSPICIOUS") {
		data = map[string]interface{}{"message": body}
		if m := suspiciousRe.FindStringSubmatch(body); m != nil {
			data["symbol"] = m[1]
		}
		return alert.TypeSuspicious, "high", data
	}
	if m := registeredRe.FindStringSubmatch(body); m != nil {
		return alert.TypeRegistered, "info", map[string]interface{}{"symbol": m[1]}
	}
	return TypeGeneric, "info", map[string]interface{}{"message": body}
}

// Event converts the record. boot is the host boot time; the zero value
// stamps the event with the time of reading instead.
func (r *LogRecord) Event(seq uint64, boot time.Time) *alert.Event {
	typ, sev, data := Classify(r.Body)
	if _, ok := data["message"]; !ok {
		data["message"] = r.Body
	}
	data["uptime"] = r.Uptime
	if r.HasSeq {
		data["kmsg_seq"] = r.Seq
	}
	if r.FilePath != "" {
		data["file"] = r.FilePath
	}

	ts := r.at(boot)
	return &alert.Event{
		Seq:       seq,
		TS:        float64(ts.UnixNano()) / 1e9,
		Timestamp: ts,
		Type:      typ,
		Data:      data,
		Severity:  sev,
		Source:    ReaderSource,
	}
}

func (r *LogRecord) at(boot time.Time) time.Time {
	if boot.IsZero() {
		return time.Now()
	}
	return boot.Add(time.Duration(r.Uptime * float64(time.Second)))
}

// Deduper drops lines already reported by an earlier pass over the same
// log. kmsg records are ordered by sequence number; text lines only by
// their uptime stamp, so lines sharing the latest stamp are remembered by
// body.
type Deduper struct {
	lastSeq uint64
	seqSeen bool
	lastTS  float64
	seen    map[string]struct{}
}

// Fresh reports whether r has not been seen and records it.
func (d *Deduper) Fresh(r *LogRecord) bool {
	if r.HasSeq {
		if d.seqSeen && r.Seq <= d.lastSeq {
			return false
		}
		d.lastSeq, d.seqSeen = r.Seq, true
		return true
	}

	switch {
	case r.Uptime < d.lastTS:
		return false
	case r.Uptime > d.lastTS || d.seen == nil:
		d.lastTS = r.Uptime
		d.seen = make(map[string]struct{})
	default:
		if _, ok := d.seen[r.Body]; ok {
			return false
		}
	}
	d.seen[r.Body] = struct{}{}
	return true
}

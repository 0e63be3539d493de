package logs

import (
	"time"

	"github.com/mbeema/photonring/pkg/alert"
	"github.com/mbeema/photonring/pkg/detect"
	"github.com/mbeema/photonring/pkg/probe"
)

// Rechecker evaluates registrations read back from the kernel log against a
// rule table, so a log captured under one set of rules can be checked
// against another. It is not safe for concurrent use.
type Rechecker struct {
	engine *detect.Engine
	buf    [detect.MaxAlerts]detect.AlertRecord
}

// NewRechecker creates a rechecker over engine.
func NewRechecker(engine *detect.Engine) *Rechecker {
	return &Rechecker{engine: engine}
}

// Recheck returns one suspicious event per rule matching the symbol of a
// registration line, with Seq unset. Other lines yield nothing. The struct
// kprobe address is not in the log, so events carry no kprobe field.
func (c *Rechecker) Recheck(r *LogRecord, boot time.Time) []*alert.Event {
	m := registeredRe.FindStringSubmatch(r.Body)
	if m == nil {
		return nil
	}
	d := probe.NewDescriptor(0, m[1])

	var events []*alert.Event
	ts := r.at(boot)
	for _, rec := range c.engine.Evaluate(&d, c.buf[:0]) {
		if rec.IsRegistration() {
			continue
		}
		data := map[string]interface{}{
			"message":   rec.Message(),
			"symbol":    m[1],
			"rule":      rec.Rule.Name,
			"uptime":    r.Uptime,
			"rechecked": true,
		}
		if r.HasSeq {
			data["kmsg_seq"] = r.Seq
		}
		events = append(events, &alert.Event{
			TS:        float64(ts.UnixNano()) / 1e9,
			Timestamp: ts,
			Type:      alert.TypeSuspicious,
			Data:      data,
			Severity:  "high",
			Source:    ReaderSource,
		})
	}
	return events
}

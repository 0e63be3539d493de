// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package detect evaluates kprobe registrations against a fixed rule table.
package detect

import (
	"fmt"

	"github.com/mbeema/photonring/pkg/probe"
)

const (
	// MaxRules bounds the table so one evaluation fits in [MaxAlerts]AlertRecord.
	MaxRules = 15
	// MaxAlerts is the registration alert plus one per rule.
	MaxAlerts = MaxRules + 1

	registrationTemplate = "Kprobe registered for symbol: %s"
)

// AlertRecord is produced by Evaluate and consumed once by a sink. Rule is
// nil for the registration alert.
type AlertRecord struct {
	Severity   Severity
	Rule       *Rule
	Descriptor probe.ProbeDescriptor
}

// Message renders the alert text without the log prefix.
func (a *AlertRecord) Message() string {
	name, _ := a.Descriptor.SymbolName()
	return fmt.Sprintf(a.Template(), name)
}

// Template returns the message template of the alert.
func (a *AlertRecord) Template() string {
	if a.IsRegistration() {
		return registrationTemplate
	}
	return a.Rule.Template
}

// IsRegistration reports whether the record is the informational
// registration alert rather than a rule match.
func (a *AlertRecord) IsRegistration() bool {
	return a.Rule == nil
}

// Engine holds the immutable rule table. It is safe for concurrent use.
type Engine struct {
	rules []Rule
}

// NewEngine builds an engine from the baseline table followed by extra.
// The table is copied and never modified afterwards.
func NewEngine(extra ...Rule) (*Engine, error) {
	if len(baselineRules)+len(extra) > MaxRules {
		return nil, fmt.Errorf("too many detection rules: %d (max %d)", len(baselineRules)+len(extra), MaxRules)
	}

	rules := make([]Rule, 0, len(baselineRules)+len(extra))
	rules = append(rules, baselineRules[:]...)
	for i := range extra {
		if err := extra[i].validate(); err != nil {
			return nil, err
		}
		rules = append(rules, extra[i])
	}
	return &Engine{rules: rules}, nil
}

// Rules returns a copy of the table in evaluation order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate appends the alerts for d to dst and returns the extended slice.
// A descriptor without symbol_name yields nothing. Otherwise the first alert
// records the registration and each matching rule adds one more, in table
// order. With cap(dst) >= MaxAlerts it does not allocate.
func (e *Engine) Evaluate(d *probe.ProbeDescriptor, dst []AlertRecord) []AlertRecord {
	name, ok := d.Symbol()
	if !ok {
		return dst
	}

	dst = append(dst, AlertRecord{Severity: SeverityInfo, Descriptor: *d})
	for i := range e.rules {
		r := &e.rules[i]
		if r.Match.Match(name) {
			dst = append(dst, AlertRecord{Severity: r.Severity, Rule: r, Descriptor: *d})
		}
	}
	return dst
}

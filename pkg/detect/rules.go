// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package detect

import (
	"fmt"
	"strings"
)

// SensitiveSymbol is the kernel symbol-resolution routine rootkits probe to
// recover addresses hidden from normal symbol lookup.
const SensitiveSymbol = "kallsyms_lookup_name"

// Severity of an alert.
type Severity uint8

const (
	SeverityInfo Severity = iota
	SeveritySuspicious
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeveritySuspicious:
		return "suspicious"
	default:
		return "unknown"
	}
}

// ParseSeverity maps a config string to a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return SeverityInfo, nil
	case "suspicious", "high", "":
		return SeveritySuspicious, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}

// MatchKind selects how a Matcher compares symbol names.
type MatchKind uint8

const (
	MatchExact MatchKind = iota
	MatchPrefix
)

// ParseMatchKind maps a config string to a MatchKind.
func ParseMatchKind(s string) (MatchKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exact", "":
		return MatchExact, nil
	case "prefix":
		return MatchPrefix, nil
	default:
		return 0, fmt.Errorf("unknown match kind %q", s)
	}
}

// Matcher tests a symbol name.
type Matcher struct {
	Kind    MatchKind
	Pattern string
}

// Match reports whether name satisfies the matcher. It does not allocate.
func (m Matcher) Match(name []byte) bool {
	switch m.Kind {
	case MatchExact:
		return string(name) == m.Pattern
	case MatchPrefix:
		return len(name) >= len(m.Pattern) && string(name[:len(m.Pattern)]) == m.Pattern
	default:
		return false
	}
}

// Rule is one entry of the detection table. Template takes the symbol name
// as its only verb.
type Rule struct {
	Name     string
	Match    Matcher
	Severity Severity
	Template string
}

func (r *Rule) validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Match.Pattern == "" {
		return fmt.Errorf("rule %s: pattern is required", r.Name)
	}
	if strings.Count(r.Template, "%") != 1 || !strings.Contains(r.Template, "%s") {
		return fmt.Errorf("rule %s: template must contain exactly one %%s", r.Name)
	}
	return nil
}

// DefaultTemplate is used by rules that do not set their own.
const DefaultTemplate = "SUSPICIOUS *** %s probe detected!"

// baselineRules is the fixed table every engine starts with.
var baselineRules = [...]Rule{
	{
		Name:     "kallsyms_lookup_name_probe",
		Match:    Matcher{Kind: MatchExact, Pattern: SensitiveSymbol},
		Severity: SeveritySuspicious,
		Template: DefaultTemplate,
	},
}

// BaselineRules returns a copy of the built-in rule table.
func BaselineRules() []Rule {
	out := make([]Rule, len(baselineRules))
	copy(out, baselineRules[:])
	return out
}

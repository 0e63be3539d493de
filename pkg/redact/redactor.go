// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package redact scrubs credentials from process command lines before they
// leave the host in exported events.
package redact

import (
	"fmt"
	"regexp"
)

// Rule defines a single redaction pattern.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Redactor applies a set of redaction rules to input strings.
type Redactor struct {
	rules   []Rule
	enabled bool
}

// New creates a Redactor with built-in rules. If enabled is false, Redact() is a no-op.
func New(enabled bool, extraRules []Rule) *Redactor {
	r := &Redactor{enabled: enabled}
	if !enabled {
		return r
	}
	r.rules = builtinRules()
	r.rules = append(r.rules, extraRules...)
	return r
}

// Compile builds a Rule from a config pattern.
func Compile(name, pattern, replacement string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("redaction rule %q: %w", name, err)
	}
	if replacement == "" {
		replacement = "[REDACTED]"
	}
	return Rule{Name: name, Pattern: re, Replacement: replacement}, nil
}

// Redact applies all rules to the input string and returns the redacted result.
func (r *Redactor) Redact(input string) string {
	if r == nil || !r.enabled || len(r.rules) == 0 {
		return input
	}
	result := input
	for _, rule := range r.rules {
		result = rule.Pattern.ReplaceAllString(result, rule.Replacement)
	}
	return result
}

// Rules returns the names of the active rules, built-ins first.
func (r *Redactor) Rules() []string {
	names := make([]string, 0, len(r.rules))
	for _, rule := range r.rules {
		names = append(names, rule.Name)
	}
	return names
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:        "authorization_header",
			Pattern:     regexp.MustCompile(`(?i)(authorization\s*[:=]\s*)\S+(\s+\S+)?`),
			Replacement: "${1}[REDACTED]",
		},
		{
			Name:        "secret_flag",
			Pattern:     regexp.MustCompile(`(?i)(--?(?:password|passwd|pwd|secret|token|api[-_]?key)[= ])['"]?[^\s'"]+`),
			Replacement: "${1}[REDACTED]",
		},
		{
			Name:        "secret_param",
			Pattern:     regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|token|api_key|apikey)=['"]?[^\s&,;'"]+`),
			Replacement: "${1}=[REDACTED]",
		},
		{
			Name:        "url_userinfo",
			Pattern:     regexp.MustCompile(`(\w+://[^:/\s@]+:)[^@\s]+@`),
			Replacement: "${1}[REDACTED]@",
		},
		{
			Name:        "aws_access_key",
			Pattern:     regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
			Replacement: "[REDACTED_AWS_KEY]",
		},
	}
}

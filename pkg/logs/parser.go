// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package logs

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mbeema/photonring/pkg/kmsg"
)

// Parser recognises photonring lines in the formats the kernel log is
// usually found in.
type Parser struct {
	kmsgRe   *regexp.Regexp
	dmesgRe  *regexp.Regexp
	decodeRe *regexp.Regexp
}

// NewParser creates a new log parser.
func NewParser() *Parser {
	return &Parser{
		// /dev/kmsg: "1,2045,8123456789,-;message"
		kmsgRe: regexp.MustCompile(`^(\d+),(\d+),(\d+),[^;]*;(.*)$`),
		// dmesg, syslog kern.log: "... [ 8123.456789] message"
		dmesgRe: regexp.MustCompile(`\[\s*(\d+(?:\.\d+)?)\]\s?(.*)$`),
		// dmesg --decode: "kern  :alert : [ 8123.456789] message"
		decodeRe: regexp.MustCompile(`^\s*\w+\s*:\s*(\w+)\s*:`),
	}
}

var levelNames = map[string]int{
	"emerg":  int(kmsg.Emerg),
	"alert":  int(kmsg.Alert),
	"crit":   int(kmsg.Crit),
	"err":    int(kmsg.Err),
	"warn":   int(kmsg.Warning),
	"notice": int(kmsg.Notice),
	"info":   int(kmsg.Info),
	"debug":  int(kmsg.Debug),
}

// Parse parses one line. format is "kmsg", "dmesg" or "" to detect it. The
// second result is false for lines that photonring did not write.
func (p *Parser) Parse(line, format string) (*LogRecord, bool) {
	line = strings.TrimRight(line, "\r\n")
	switch format {
	case "kmsg":
		return p.parseKmsg(line)
	case "dmesg":
		return p.parseDmesg(line)
	default:
		if rec, ok := p.parseKmsg(line); ok {
			return rec, true
		}
		return p.parseDmesg(line)
	}
}

func (p *Parser) parseKmsg(line string) (*LogRecord, bool) {
	m := p.kmsgRe.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	body, ok := stripPrefix(m[4])
	if !ok {
		return nil, false
	}

	prio, _ := strconv.Atoi(m[1])
	seq, _ := strconv.ParseUint(m[2], 10, 64)
	usec, _ := strconv.ParseUint(m[3], 10, 64)
	return &LogRecord{
		Uptime:   float64(usec) / 1e6,
		Seq:      seq,
		HasSeq:   true,
		Priority: prio & 7, // facility is in the upper bits
		Body:     body,
	}, true
}

func (p *Parser) parseDmesg(line string) (*LogRecord, bool) {
	m := p.dmesgRe.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	body, ok := stripPrefix(m[2])
	if !ok {
		return nil, false
	}

	uptime, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil, false
	}

	rec := &LogRecord{Uptime: uptime, Priority: -1, Body: body}
	if d := p.decodeRe.FindStringSubmatch(line); d != nil {
		if lvl, ok := levelNames[d[1]]; ok {
			rec.Priority = lvl
		}
	}
	return rec, true
}

func stripPrefix(msg string) (string, bool) {
	msg = strings.TrimLeft(msg, " ")
	tag := strings.TrimSpace(kmsg.Prefix)
	if !strings.HasPrefix(msg, tag) {
		return "", false
	}
	return strings.TrimSpace(msg[len(tag):]), true
}

// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mbeema/photonring/pkg/detect"
	"github.com/mbeema/photonring/pkg/probe"
	"github.com/mbeema/photonring/pkg/redact"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the photonring agent. The zero
// file (no config at all) is valid: DefaultConfig reports to the kernel log
// only and opens no network listener.
type Config struct {
	LogLevel  string          `yaml:"log_level" env:"PHOTONRING_LOG_LEVEL"`
	Hook      HookConfig      `yaml:"hook"`
	Detection DetectionConfig `yaml:"detection"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Exporters ExportersConfig `yaml:"exporters"`
	Health    HealthConfig    `yaml:"health"`
}

// HookConfig controls target resolution and the eBPF binder.
type HookConfig struct {
	// Target must be register_kprobe; other functions do not take a
	// struct kprobe * first argument.
	Target         string `yaml:"target"`
	KallsymsPath   string `yaml:"kallsyms_path"`
	RingBufferSize int    `yaml:"ring_buffer_size"` // bytes, power of two
}

// DetectionConfig holds rules appended after the built-in table.
type DetectionConfig struct {
	Rules []RuleConfig `yaml:"rules"`
}

// RuleConfig is the YAML form of detect.Rule.
type RuleConfig struct {
	Name     string `yaml:"name"`
	Match    string `yaml:"match"` // exact | prefix
	Pattern  string `yaml:"pattern"`
	Severity string `yaml:"severity"`
	Template string `yaml:"template"`
}

type AlertsConfig struct {
	Kmsg      KmsgConfig      `yaml:"kmsg"`
	Log       bool            `yaml:"log"`
	Journal   JournalConfig   `yaml:"journal"`
	QueueSize int             `yaml:"queue_size"`
	BatchSize int             `yaml:"batch_size"`
	Flush     time.Duration   `yaml:"flush_interval"`
	Enrich    bool            `yaml:"enrich"` // add exe/cmdline/ppid/uid to exported events
	Redaction RedactionConfig `yaml:"redaction"`
}

// RedactionConfig scrubs credentials from enriched command lines.
type RedactionConfig struct {
	Enabled bool            `yaml:"enabled"`
	Rules   []RedactionRule `yaml:"rules"`
}

type RedactionRule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

type KmsgConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// JournalConfig configures the rotating JSONL event log.
type JournalConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp"`
	Stdout StdoutConfig `yaml:"stdout"`
}

// StdoutConfig prints exported events to stdout for debugging.
type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

// OTLPConfig configures the OTLP gRPC log exporter.
type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"` // "grpc" or "http"
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression"` // "gzip" (default) or "none"
	Headers     map[string]string `yaml:"headers"`
	Timeout     time.Duration     `yaml:"timeout"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
	Events  int    `yaml:"events"` // recent events kept for /api/events, 0 disables
}

// Load reads and parses a YAML configuration file. An empty path yields the
// defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Hook: HookConfig{
			Target:         probe.TargetFunction,
			KallsymsPath:   "/proc/kallsyms",
			RingBufferSize: 256 * 1024,
		},
		Alerts: AlertsConfig{
			Kmsg: KmsgConfig{
				Enabled: true,
				Path:    "/dev/kmsg",
			},
			Log: true,
			Journal: JournalConfig{
				Enabled:    false,
				Dir:        "/var/log/photonring",
				MaxSizeMB:  50,
				MaxBackups: 5,
				MaxAgeDays: 30,
				Compress:   true,
			},
			QueueSize: 4096,
			BatchSize: 64,
			Flush:     2 * time.Second,
			Enrich:    true,
			Redaction: RedactionConfig{
				Enabled: true,
			},
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Protocol:    "grpc",
				Insecure:    true,
				Compression: "gzip",
				Timeout:     10 * time.Second,
			},
			Stdout: StdoutConfig{
				Enabled: false,
				Format:  "text",
			},
		},
		Health: HealthConfig{
			Enabled: false,
			Port:    ":8687",
			Events:  500,
		},
	}
}

// ApplyEnvOverrides reads PHOTONRING_* environment variables and applies
// them to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"PHOTONRING_LOG_LEVEL":               func(v string) { c.LogLevel = v },
		"PHOTONRING_HEALTH_PORT":             func(v string) { c.Health.Port = v },
		"PHOTONRING_KALLSYMS_PATH":           func(v string) { c.Hook.KallsymsPath = v },
		"PHOTONRING_KMSG_PATH":               func(v string) { c.Alerts.Kmsg.Path = v },
		"PHOTONRING_JOURNAL_DIR":             func(v string) { c.Alerts.Journal.Dir = v },
		"PHOTONRING_EXPORTERS_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
		"PHOTONRING_EXPORTERS_OTLP_PROTOCOL": func(v string) { c.Exporters.OTLP.Protocol = v },
	}

	boolOverrides := map[string]*bool{
		"PHOTONRING_KMSG_ENABLED":           &c.Alerts.Kmsg.Enabled,
		"PHOTONRING_JOURNAL_ENABLED":        &c.Alerts.Journal.Enabled,
		"PHOTONRING_EXPORTERS_OTLP_ENABLED": &c.Exporters.OTLP.Enabled,
		"PHOTONRING_EXPORTERS_STDOUT":       &c.Exporters.Stdout.Enabled,
		"PHOTONRING_HEALTH_ENABLED":         &c.Health.Enabled,
	}

	intOverrides := map[string]*int{
		"PHOTONRING_QUEUE_SIZE":       &c.Alerts.QueueSize,
		"PHOTONRING_RING_BUFFER_SIZE": &c.Hook.RingBufferSize,
		"PHOTONRING_HEALTH_EVENTS":    &c.Health.Events,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range intOverrides {
		if val := os.Getenv(envKey); val != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				*target = n
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	if c.Hook.Target != probe.TargetFunction {
		return fmt.Errorf("hook.target must be %s, got %q", probe.TargetFunction, c.Hook.Target)
	}
	if c.Hook.KallsymsPath == "" {
		return fmt.Errorf("hook.kallsyms_path is required")
	}
	if n := c.Hook.RingBufferSize; n < 4096 || n&(n-1) != 0 {
		return fmt.Errorf("hook.ring_buffer_size must be a power of two >= 4096, got %d", n)
	}

	if c.Alerts.Kmsg.Enabled && c.Alerts.Kmsg.Path == "" {
		return fmt.Errorf("alerts.kmsg.path is required when kmsg is enabled")
	}
	if c.Alerts.Journal.Enabled && c.Alerts.Journal.Dir == "" {
		return fmt.Errorf("alerts.journal.dir is required when the journal is enabled")
	}
	if c.Alerts.QueueSize <= 0 {
		return fmt.Errorf("alerts.queue_size must be positive")
	}
	if c.Alerts.BatchSize <= 0 {
		return fmt.Errorf("alerts.batch_size must be positive")
	}
	if c.Alerts.Flush < 10*time.Millisecond {
		return fmt.Errorf("alerts.flush_interval must be at least 10ms")
	}

	if c.Exporters.OTLP.Enabled {
		if c.Exporters.OTLP.Endpoint == "" {
			return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
		}
		if c.Exporters.OTLP.Protocol != "grpc" && c.Exporters.OTLP.Protocol != "http" {
			return fmt.Errorf("exporters.otlp.protocol must be 'grpc' or 'http'")
		}
		switch c.Exporters.OTLP.Compression {
		case "", "gzip", "none":
		default:
			return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none'")
		}
	}

	if c.Exporters.Stdout.Enabled && c.Exporters.Stdout.Format != "text" && c.Exporters.Stdout.Format != "json" {
		return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
	}

	if c.Health.Enabled && c.Health.Port == "" {
		return fmt.Errorf("health.port is required when health is enabled")
	}
	if c.Health.Events < 0 {
		return fmt.Errorf("health.events must be >= 0")
	}

	if _, err := c.RedactionRules(); err != nil {
		return fmt.Errorf("alerts.redaction: %w", err)
	}

	rules, err := c.Rules()
	if err != nil {
		return err
	}
	if _, err := detect.NewEngine(rules...); err != nil {
		return fmt.Errorf("detection.rules: %w", err)
	}

	return nil
}

// ExportEnabled reports whether any asynchronous exporter is configured.
func (c *Config) ExportEnabled() bool {
	return c.Alerts.Journal.Enabled || c.Exporters.OTLP.Enabled || c.Exporters.Stdout.Enabled ||
		c.RecentEnabled()
}

// RecentEnabled reports whether the health server keeps recent events.
func (c *Config) RecentEnabled() bool {
	return c.Health.Enabled && c.Health.Events > 0
}

// Rules converts the configured detection rules. The built-in table is not
// part of the result; detect.NewEngine always puts it first.
func (c *Config) Rules() ([]detect.Rule, error) {
	if len(c.Detection.Rules) == 0 {
		return nil, nil
	}
	if len(c.Detection.Rules) > detect.MaxRules-len(detect.BaselineRules()) {
		return nil, fmt.Errorf("detection.rules: at most %d extra rules", detect.MaxRules-len(detect.BaselineRules()))
	}

	rules := make([]detect.Rule, 0, len(c.Detection.Rules))
	for i, rc := range c.Detection.Rules {
		kind, err := detect.ParseMatchKind(rc.Match)
		if err != nil {
			return nil, fmt.Errorf("detection.rules[%d]: %w", i, err)
		}
		sev, err := detect.ParseSeverity(rc.Severity)
		if err != nil {
			return nil, fmt.Errorf("detection.rules[%d]: %w", i, err)
		}
		tmpl := rc.Template
		if tmpl == "" {
			tmpl = detect.DefaultTemplate
		}
		rules = append(rules, detect.Rule{
			Name:     rc.Name,
			Match:    detect.Matcher{Kind: kind, Pattern: rc.Pattern},
			Severity: sev,
			Template: tmpl,
		})
	}
	return rules, nil
}

// RedactionRules compiles the configured extra redaction rules.
func (c *Config) RedactionRules() ([]redact.Rule, error) {
	rules := make([]redact.Rule, 0, len(c.Alerts.Redaction.Rules))
	for _, rc := range c.Alerts.Redaction.Rules {
		r, err := redact.Compile(rc.Name, rc.Pattern, rc.Replacement)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}

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

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for calltrace.
type Config struct {
	ServiceName string          `yaml:"service_name" env:"CALLTRACE_SERVICE_NAME"`
	LogLevel    string          `yaml:"log_level" env:"CALLTRACE_LOG_LEVEL"`
	Journal     JournalConfig   `yaml:"journal"`
	Exporters   ExportersConfig `yaml:"exporters"`
}

// JournalConfig configures the append-only JSON journal.
type JournalConfig struct {
	Targets       []TargetConfig `yaml:"targets"`
	DatePrefix    bool           `yaml:"date_prefix"`
	RetryAttempts int            `yaml:"retry_attempts"`
	RetryDelay    time.Duration  `yaml:"retry_delay"`
}

// TargetConfig is one journal output file.
type TargetConfig struct {
	Name      string `yaml:"name"`
	Directory string `yaml:"directory"`
}

// ExportersConfig holds the optional forwarding destinations.
type ExportersConfig struct {
	OTLP OTLPConfig `yaml:"otlp"`
}

// OTLPConfig configures OTLP gRPC forwarding of completed call trees.
type OTLPConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	Compression string `yaml:"compression"` // "gzip" (default) or "none"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
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
		ServiceName: "auto",
		LogLevel:    "info",
		Journal: JournalConfig{
			Targets: []TargetConfig{
				{Name: "calltrace", Directory: "logs"},
			},
			DatePrefix:    false,
			RetryAttempts: 10,
			RetryDelay:    100 * time.Millisecond,
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:  false,
				Endpoint: "localhost:4317",
				Insecure: true,
			},
		},
	}
}

// ApplyEnvOverrides reads CALLTRACE_* environment variables and applies
// them to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"CALLTRACE_SERVICE_NAME":  func(v string) { c.ServiceName = v },
		"CALLTRACE_LOG_LEVEL":     func(v string) { c.LogLevel = v },
		"CALLTRACE_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
		"CALLTRACE_JOURNAL_RETRY_ATTEMPTS": func(v string) {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.Journal.RetryAttempts = n
			}
		},
		"CALLTRACE_JOURNAL_RETRY_DELAY": func(v string) {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.Journal.RetryDelay = d
			}
		},
	}

	boolOverrides := map[string]*bool{
		"CALLTRACE_OTLP_ENABLED":        &c.Exporters.OTLP.Enabled,
		"CALLTRACE_JOURNAL_DATE_PREFIX": &c.Journal.DatePrefix,
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
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Journal.Targets) == 0 {
		return fmt.Errorf("journal.targets must name at least one output file")
	}
	for i, t := range c.Journal.Targets {
		if t.Name == "" {
			return fmt.Errorf("journal.targets[%d].name is required", i)
		}
		if t.Directory == "" {
			return fmt.Errorf("journal.targets[%d].directory is required", i)
		}
	}

	if c.Journal.RetryAttempts <= 0 {
		return fmt.Errorf("journal.retry_attempts must be positive")
	}
	if c.Journal.RetryDelay <= 0 {
		return fmt.Errorf("journal.retry_delay must be positive")
	}

	if c.Exporters.OTLP.Enabled && c.Exporters.OTLP.Endpoint == "" {
		return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
	}

	return nil
}

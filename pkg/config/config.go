// Package config handles interpreting the mylink.json config file.
package config

import (
	"context"
	"encoding/json/v2"
	"errors"
	"fmt"
	"iter"
	"os"
	"strings"
)

// Config holds the mylink configuration.
type Config struct {
	Destinations []DestinationConfig `json:"destinations"`
	Routing      RoutingConfig       `json:"routing,omitzero"`
	Probe        ProbeConfig         `json:"probe"`

	OpenTelemetry  *OpenTelemetryConfig  `json:"opentelemetry,omitzero"`
	Prometheus     *PrometheusConfig     `json:"prometheus,omitzero"`
	FlightRecorder *FlightRecorderConfig `json:"flight_recorder,omitzero"`
}

// ParseConfig parses a JSON configuration string and returns a Config.
func ParseConfig(jsonStr string) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal([]byte(jsonStr), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReadConfigFile reads and parses a configuration file from the given path.
func ReadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(string(data))
}

// Secrets returns an iterator over all secret references in the config.
// Each secret is yielded with a description of where it appears in the config.
func (c *Config) Secrets() iter.Seq2[string, SecretRef] {
	return func(yield func(string, SecretRef) bool) {
		if !yield("probe.username", c.Probe.Username) {
			return
		}
		if !yield("probe.password", c.Probe.Password) {
			return
		}
	}
}

// Validate verifies the configuration is valid:
// - At least one destination, every destination well-formed
// - Routing knobs in range
// - Observability sections self-consistent
// - All secrets are accessible
// It does not stop at the first error; all errors are accumulated and
// returned together.
func (c *Config) Validate(ctx context.Context, secrets *SecretCache) error {
	var errs []error

	if len(c.Destinations) == 0 {
		errs = append(errs, errors.New("at least one destination is required"))
	}
	for i, dest := range c.Destinations {
		if err := dest.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("destinations[%d]: %w", i, err))
		}
	}

	if err := c.Routing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("routing: %w", err))
	}
	if err := c.Probe.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("probe: %w", err))
	}

	if c.OpenTelemetry != nil {
		if err := c.OpenTelemetry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("opentelemetry: %w", err))
		}
	}
	if c.Prometheus != nil {
		if err := c.Prometheus.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("prometheus: %w", err))
		}
	}
	if c.FlightRecorder != nil {
		if err := c.FlightRecorder.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("flight_recorder: %w", err))
		}
	}

	for path, ref := range c.Secrets() {
		if _, err := secrets.Get(ctx, ref); err != nil {
			errs = append(errs, errors.Join(errors.New(path), err))
		}
	}

	return errors.Join(errs...)
}

// HasMode reports whether any destination is configured with the given mode.
func (c *Config) HasMode(mode string) bool {
	for _, dest := range c.Destinations {
		if dest.Mode == mode {
			return true
		}
	}
	return false
}

// requireHostPort checks that addr looks like "host:port".
func requireHostPort(addr string) error {
	if addr == "" {
		return errors.New("address is required")
	}
	if !strings.Contains(addr, ":") {
		return fmt.Errorf("address %q must be in host:port form", addr)
	}
	return nil
}

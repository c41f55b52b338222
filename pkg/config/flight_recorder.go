package config

import (
	"encoding/json/v2"
	"errors"
	"fmt"
	"os"
	"time"
)

// Duration is a time.Duration that can be unmarshaled from a JSON string like "10s", "1m", etc.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Try parsing as number (seconds)
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("expected duration string or number, got %s", string(data))
		}
		*d = Duration(time.Duration(n * float64(time.Second)))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// FlightRecorderConfig configures the runtime/trace flight recorder.
// The flight recorder continuously records execution traces in a ring buffer,
// allowing snapshots to be captured on demand for post-mortem analysis.
//
// The presence of this config enables the flight recorder. To disable,
// remove the flight_recorder key from the config entirely.
type FlightRecorderConfig struct {
	// MinAge is the minimum duration of trace data to retain in the ring buffer.
	// The flight recorder will keep at least this much recent trace data available.
	// Default: "10s". For production debugging, set to 2x the expected problem duration.
	MinAge Duration `json:"min_age,omitzero"`

	// MaxBytes is the maximum memory for the trace buffer.
	// This bounds memory usage regardless of MinAge setting.
	// Expect 2-10 MB/s of trace data for busy services.
	// Default: "10MiB".
	MaxBytes ByteSize `json:"max_bytes,omitzero"`

	// OutputDir is the directory where trace snapshots are written.
	// Required.
	OutputDir string `json:"output_dir"`

	// PeriodicInterval enables periodic snapshot capture at the specified interval.
	// Set to 0 or omit to disable periodic snapshots.
	// Example: "5m" captures a snapshot every 5 minutes.
	PeriodicInterval Duration `json:"periodic_interval,omitzero"`

	// OnSignal captures a snapshot when SIGUSR1 is received.
	// Default: true.
	OnSignal *bool `json:"on_signal,omitzero"`
}

// GetMinAge returns the minimum age setting, defaulting to 10 seconds.
func (c *FlightRecorderConfig) GetMinAge() time.Duration {
	if c.MinAge == 0 {
		return 10 * time.Second
	}
	return c.MinAge.Duration()
}

// GetMaxBytes returns the max bytes setting, defaulting to 10 MiB.
func (c *FlightRecorderConfig) GetMaxBytes() int64 {
	if c.MaxBytes == 0 {
		return int64(10 * MiB)
	}
	return c.MaxBytes.Int64()
}

// GetOnSignal returns whether SIGUSR1 triggers snapshots, defaulting to true.
func (c *FlightRecorderConfig) GetOnSignal() bool {
	if c.OnSignal == nil {
		return true
	}
	return *c.OnSignal
}

// GetPeriodicInterval returns the periodic interval, or 0 if disabled.
func (c *FlightRecorderConfig) GetPeriodicInterval() time.Duration {
	return c.PeriodicInterval.Duration()
}

// Validate validates the flight recorder configuration.
func (c *FlightRecorderConfig) Validate() error {
	var errs []error

	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	} else {
		if info, err := os.Stat(c.OutputDir); err != nil {
			if os.IsNotExist(err) {
				if err := os.MkdirAll(c.OutputDir, 0755); err != nil {
					errs = append(errs, fmt.Errorf("output_dir %q does not exist and cannot be created: %w", c.OutputDir, err))
				}
			} else {
				errs = append(errs, fmt.Errorf("output_dir %q: %w", c.OutputDir, err))
			}
		} else if !info.IsDir() {
			errs = append(errs, fmt.Errorf("output_dir %q is not a directory", c.OutputDir))
		}
	}

	if c.MinAge < 0 {
		errs = append(errs, errors.New("min_age must be non-negative"))
	}
	if c.MaxBytes < 0 {
		errs = append(errs, errors.New("max_bytes must be non-negative"))
	}
	if c.PeriodicInterval < 0 {
		errs = append(errs, errors.New("periodic_interval must be non-negative"))
	}

	return errors.Join(errs...)
}

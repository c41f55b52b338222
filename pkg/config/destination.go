package config

import (
	"errors"
	"fmt"
	"time"
)

// Destination modes. A read_write destination is a primary; read_only is a
// replica.
const (
	ModeReadWrite = "read_write"
	ModeReadOnly  = "read_only"
)

// DestinationConfig configures one backend MySQL endpoint.
type DestinationConfig struct {
	// Address is the endpoint in "host:port" form.
	Address string `json:"address"`

	// Mode is the configured role: "read_write" or "read_only".
	// Default: "read_write".
	Mode string `json:"mode,omitzero"`
}

// GetMode returns the configured mode, defaulting to read_write.
func (d *DestinationConfig) GetMode() string {
	if d.Mode == "" {
		return ModeReadWrite
	}
	return d.Mode
}

// Validate checks the destination address and mode.
func (d *DestinationConfig) Validate() error {
	var errs []error
	if err := requireHostPort(d.Address); err != nil {
		errs = append(errs, err)
	}
	switch d.GetMode() {
	case ModeReadWrite, ModeReadOnly:
	default:
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q",
			ModeReadWrite, ModeReadOnly, d.Mode))
	}
	return errors.Join(errs...)
}

// RoutingConfig tunes how server connections are prepared for clients.
type RoutingConfig struct {
	// ConnectionSharing allows idle server connections to be pooled and
	// handed to other clients once their session state is fully known.
	// Default: false.
	ConnectionSharing bool `json:"connection_sharing,omitzero"`

	// MaxIdleServerConnections caps how many idle server connections the
	// sharing pool may hold. Default: 64.
	MaxIdleServerConnections int32 `json:"max_idle_server_connections,omitzero"`

	// ConnectRetryTimeout bounds how long transient connect failures are
	// retried before the client sees an error. Default: "7s".
	ConnectRetryTimeout Duration `json:"connect_retry_timeout,omitzero"`

	// WaitForMyWrites makes read-only sessions verify the replica has
	// applied the client's own writes before running anything on it.
	// Default: false.
	WaitForMyWrites bool `json:"wait_for_my_writes,omitzero"`

	// WaitForMyWritesTimeout bounds that verification. "0s" checks the
	// replica's GTID position without waiting at all. Default: "2s".
	WaitForMyWritesTimeout *Duration `json:"wait_for_my_writes_timeout,omitzero"`

	// RouterRequireEnforce fetches each account's required client-channel
	// attributes and enforces them during the handshake. Default: false.
	RouterRequireEnforce bool `json:"router_require_enforce,omitzero"`
}

// GetMaxIdleServerConnections returns the pool cap, defaulting to 64.
func (r *RoutingConfig) GetMaxIdleServerConnections() int32 {
	if r.MaxIdleServerConnections == 0 {
		return 64
	}
	return r.MaxIdleServerConnections
}

// GetConnectRetryTimeout returns the connect retry window, defaulting to 7s.
func (r *RoutingConfig) GetConnectRetryTimeout() time.Duration {
	if r.ConnectRetryTimeout == 0 {
		return 7 * time.Second
	}
	return r.ConnectRetryTimeout.Duration()
}

// GetWaitForMyWritesTimeout returns the GTID wait bound, defaulting to 2s.
// An explicit "0s" is respected: it means check without waiting.
func (r *RoutingConfig) GetWaitForMyWritesTimeout() time.Duration {
	if r.WaitForMyWritesTimeout == nil {
		return 2 * time.Second
	}
	return r.WaitForMyWritesTimeout.Duration()
}

// Validate checks the routing knobs.
func (r *RoutingConfig) Validate() error {
	var errs []error
	if r.MaxIdleServerConnections < 0 {
		errs = append(errs, errors.New("max_idle_server_connections must be non-negative"))
	}
	if r.ConnectRetryTimeout < 0 {
		errs = append(errs, errors.New("connect_retry_timeout must be non-negative"))
	}
	if r.WaitForMyWritesTimeout != nil && *r.WaitForMyWritesTimeout < 0 {
		errs = append(errs, errors.New("wait_for_my_writes_timeout must be non-negative"))
	}
	return errors.Join(errs...)
}

// ProbeConfig configures the destination health prober.
type ProbeConfig struct {
	// Username and Password authenticate the prober's own MySQL account.
	Username SecretRef `json:"username"`
	Password SecretRef `json:"password"`

	// Interval between probe rounds. Default: "10s".
	Interval Duration `json:"interval,omitzero"`

	// Timeout for a single probe. Default: "5s".
	Timeout Duration `json:"timeout,omitzero"`

	// FailureThreshold is how many consecutive probe failures mark a
	// destination down. Default: 3.
	FailureThreshold int `json:"failure_threshold,omitzero"`
}

// GetInterval returns the probe interval, defaulting to 10s.
func (p *ProbeConfig) GetInterval() time.Duration {
	if p.Interval == 0 {
		return 10 * time.Second
	}
	return p.Interval.Duration()
}

// GetTimeout returns the probe timeout, defaulting to 5s.
func (p *ProbeConfig) GetTimeout() time.Duration {
	if p.Timeout == 0 {
		return 5 * time.Second
	}
	return p.Timeout.Duration()
}

// GetFailureThreshold returns the failure threshold, defaulting to 3.
func (p *ProbeConfig) GetFailureThreshold() int {
	if p.FailureThreshold == 0 {
		return 3
	}
	return p.FailureThreshold
}

// Validate checks the probe tuning.
func (p *ProbeConfig) Validate() error {
	var errs []error
	if p.Interval < 0 {
		errs = append(errs, errors.New("interval must be non-negative"))
	}
	if p.Timeout < 0 {
		errs = append(errs, errors.New("timeout must be non-negative"))
	}
	if p.FailureThreshold < 0 {
		errs = append(errs, errors.New("failure_threshold must be non-negative"))
	}
	return errors.Join(errs...)
}

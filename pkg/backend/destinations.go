package backend

import (
	"log/slog"
	"sync/atomic"
)

// Destination is one configured MySQL endpoint.
type Destination struct {
	Address string
	// Mode is the configured role of this endpoint.
	Mode ServerMode

	available atomic.Bool
	// observed is the role the health prober last saw, as a ServerMode.
	// Zero (ModeUnavailable) means never probed.
	observed atomic.Int32
}

// NewDestination returns a destination that is available until the health
// prober says otherwise.
func NewDestination(address string, mode ServerMode) *Destination {
	d := &Destination{Address: address, Mode: mode}
	d.available.Store(true)
	return d
}

// Available reports whether the destination may receive new connections.
func (d *Destination) Available() bool {
	return d.available.Load()
}

// SetAvailable marks the destination up or down.
func (d *Destination) SetAvailable(up bool) {
	d.available.Store(up)
}

// ObservedMode returns the role seen by the last successful probe, or
// ModeUnavailable if the destination was never probed.
func (d *Destination) ObservedMode() ServerMode {
	return ServerMode(d.observed.Load())
}

// SetObservedMode records the role seen by a probe.
func (d *Destination) SetObservedMode(m ServerMode) {
	d.observed.Store(int32(m))
}

// Destinations is the static routing table of configured endpoints.
// Candidate order for read-only traffic rotates round-robin; writes always
// go to the primaries.
type Destinations struct {
	logger *slog.Logger
	all    []*Destination
	rr     atomic.Uint64
}

func NewDestinations(logger *slog.Logger, dests ...*Destination) *Destinations {
	return &Destinations{logger: logger, all: dests}
}

// All returns every configured destination, in configuration order.
func (d *Destinations) All() []*Destination {
	return d.all
}

// Candidates returns the destinations a new server connection for the given
// mode should try, in order. A read-only request falls back to the primaries
// when no replica is usable; a read-write request never falls back to a
// replica.
func (d *Destinations) Candidates(mode ServerMode) []*Destination {
	switch mode {
	case ModeReadWrite:
		return d.writable()
	case ModeReadOnly:
		if ro := d.readable(); len(ro) > 0 {
			return d.rotate(ro)
		}
		d.logger.Debug("no readable replica available, falling back to primary")
		return d.writable()
	default:
		return nil
	}
}

func (d *Destinations) writable() []*Destination {
	var out []*Destination
	for _, dest := range d.all {
		if dest.Mode != ModeReadWrite || !dest.Available() {
			continue
		}
		// A primary that the prober saw in super_read_only mode is mid
		// failover; do not send writes there.
		if dest.ObservedMode() == ModeReadOnly {
			continue
		}
		out = append(out, dest)
	}
	return out
}

func (d *Destinations) readable() []*Destination {
	var out []*Destination
	for _, dest := range d.all {
		if dest.Mode == ModeReadOnly && dest.Available() {
			out = append(out, dest)
		}
	}
	return out
}

func (d *Destinations) rotate(dests []*Destination) []*Destination {
	if len(dests) < 2 {
		return dests
	}
	start := int(d.rr.Add(1)-1) % len(dests)
	out := make([]*Destination, 0, len(dests))
	out = append(out, dests[start:]...)
	out = append(out, dests[:start]...)
	return out
}

package job

import (
	"errors"
	"time"
)

// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
var ErrInvalidDefaultLease = errors.New("default lease must be positive")

// maxLease bounds leases so a stuck worker cannot hold a delivery job for hours.
const maxLease = time.Hour

// LeaseSource identifies how a lease duration was resolved.
type LeaseSource string

const (
	LeaseSourceExplicit LeaseSource = "explicit"
	LeaseSourceDefault  LeaseSource = "default"
	LeaseSourceClamped  LeaseSource = "clamped"
)

// LeaseDecision is the resolved lease for a reservation or heartbeat.
type LeaseDecision struct {
	Seconds   int
	Source    LeaseSource
	Requested time.Duration
}

// Clamped reports whether the request was raised to one second or lowered to the ceiling.
func (d LeaseDecision) Clamped() bool { return d.Source == LeaseSourceClamped }

// UsedDefault reports whether the default lease was applied.
func (d LeaseDecision) UsedDefault() bool { return d.Source == LeaseSourceDefault }

// Duration returns the resolved lease as a duration.
func (d LeaseDecision) Duration() time.Duration { return time.Duration(d.Seconds) * time.Second }

// LeasePolicy turns requested lease durations into whole seconds for the queue.
type LeasePolicy struct {
	def time.Duration
}

// NewLeasePolicy builds a policy whose zero-request fallback is def.
func NewLeasePolicy(def time.Duration) (*LeasePolicy, error) {
	if def <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	if def > maxLease {
		def = maxLease
	}
	return &LeasePolicy{def: def}, nil
}

// Default returns the fallback lease.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.def
}

// Resolve normalises a requested lease. Zero selects the default; anything below a
// second is raised to one second; anything above an hour is lowered to an hour.
func (p *LeasePolicy) Resolve(requested time.Duration) LeaseDecision {
	out := LeaseDecision{Requested: requested, Source: LeaseSourceExplicit}
	d := requested
	if requested == 0 {
		d = p.Default()
		out.Source = LeaseSourceDefault
	}
	switch {
	case d < time.Second:
		d = time.Second
		out.Source = LeaseSourceClamped
	case d > maxLease:
		d = maxLease
		out.Source = LeaseSourceClamped
	}
	out.Seconds = int(d / time.Second)
	return out
}

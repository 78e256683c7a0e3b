package monitor

import (
	"fmt"
	"strings"
	"time"
)

// Basis selects which counter drives the throughput columns.
type Basis int

const (
	// BasisDomains measures distinct domains saved successfully per second.
	BasisDomains Basis = iota
	// BasisLookups measures raw whois look-ups per second, retries included.
	BasisLookups
)

// ParseBasis maps a configuration value onto a Basis.
func ParseBasis(value string) (Basis, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "domains", "dps":
		return BasisDomains, nil
	case "lookups", "lps":
		return BasisLookups, nil
	default:
		return BasisDomains, fmt.Errorf("unknown rate basis %q", value)
	}
}

// Label returns the column label for the basis.
func (b Basis) Label() string {
	if b == BasisLookups {
		return "LPS"
	}
	return "DPS"
}

// String implements fmt.Stringer.
func (b Basis) String() string {
	if b == BasisLookups {
		return "lookups"
	}
	return "domains"
}

// RateEstimator derives instantaneous and cumulative throughput from
// successive counter readings. It is owned by a single goroutine.
type RateEstimator struct {
	basis      Basis
	start      time.Time
	lastSample time.Time
	previous   int64
	instant    float64
	cumulative float64
}

// NewRateEstimator fixes the rate basis for the whole run.
func NewRateEstimator(basis Basis, start time.Time) *RateEstimator {
	return &RateEstimator{
		basis:      basis,
		start:      start,
		lastSample: start,
	}
}

// Relevant picks the counter the basis measures from a snapshot.
func (r *RateEstimator) Relevant(snap Snapshot) int64 {
	if r.basis == BasisLookups {
		return snap.LookupCount
	}
	return snap.GoodCount
}

// Observe feeds a snapshot through Update using the snapshot timestamp.
func (r *RateEstimator) Observe(snap Snapshot) (instant, cumulative float64) {
	sinceLast := snap.Time.Sub(r.lastSample)
	instant, cumulative = r.Update(r.Relevant(snap), sinceLast, snap.Time.Sub(r.start))
	if sinceLast > 0 {
		r.lastSample = snap.Time
	}
	return instant, cumulative
}

// Update computes the rates for the current count. Non-positive intervals
// return the last computed value for that rate; a count that moved backwards
// yields an instantaneous rate of zero. The previous count is replaced only
// after a valid instantaneous rate has been computed against it.
func (r *RateEstimator) Update(current int64, sinceLast, sinceStart time.Duration) (instant, cumulative float64) {
	if sinceStart > 0 {
		total := current
		if total < 0 {
			total = 0
		}
		r.cumulative = float64(total) / sinceStart.Seconds()
	}
	if sinceLast > 0 {
		delta := current - r.previous
		if delta < 0 {
			delta = 0
		}
		r.instant = float64(delta) / sinceLast.Seconds()
		r.previous = current
	}
	return r.instant, r.cumulative
}

// Package lookup runs one WHOIS worker per proxy and tracks their health.
package lookup

import (
	"context"
	"errors"
	"maps"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/JakeFAU/spiderwho/internal/whois"
)

// Exception kinds recorded by Counters.
const (
	KindRateLimited = "rate_limited"
	KindEmpty       = "empty_response"
	KindNoMatch     = "no_match"
	KindNoEmail     = "no_email"
	KindTimeout     = "timeout"
	KindRefused     = "connection_refused"
	KindReset       = "connection_reset"
	KindDNS         = "dns"
	KindCanceled    = "canceled"
	KindOther       = "other"
)

// Counters holds the pool statistics read by the status display.
type Counters struct {
	active  atomic.Int64
	total   atomic.Int64
	lookups atomic.Int64

	mu         sync.Mutex
	exceptions map[string]int64
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters {
	return &Counters{exceptions: make(map[string]int64)}
}

// ActiveWorkers returns the number of workers inside a lookup.
func (c *Counters) ActiveWorkers() int { return int(c.active.Load()) }

// TotalWorkers returns the number of workers whose proxy is still usable.
func (c *Counters) TotalWorkers() int { return int(c.total.Load()) }

// LookupCount returns the number of lookup attempts made.
func (c *Counters) LookupCount() int64 { return c.lookups.Load() }

// ExceptionCounts returns a copy of the per-kind error counts.
func (c *Counters) ExceptionCounts() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.exceptions)
}

// Record counts one error of kind.
func (c *Counters) Record(kind string) {
	c.mu.Lock()
	c.exceptions[kind]++
	c.mu.Unlock()
}

// Classify maps a lookup error to an exception kind.
func Classify(err error) string {
	var netErr net.Error
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, whois.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, whois.ErrEmptyResponse):
		return KindEmpty
	case errors.Is(err, whois.ErrNoMatch):
		return KindNoMatch
	case errors.Is(err, ErrNoEmail):
		return KindNoEmail
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.As(err, &dnsErr):
		return KindDNS
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindRefused
	case errors.Is(err, syscall.ECONNRESET):
		return KindReset
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	default:
		return KindOther
	}
}

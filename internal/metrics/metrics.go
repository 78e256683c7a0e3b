// Package metrics exposes run statistics as Prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/JakeFAU/spiderwho/internal/monitor"
)

const namespace = "spiderwho"

// Exporter mirrors coordinator samples into gauges. It implements
// monitor.Observer.
type Exporter struct {
	good          prometheus.Gauge
	fails         prometheus.Gauge
	saved         prometheus.Gauge
	lookups       prometheus.Gauge
	activeWorkers prometheus.Gauge
	totalWorkers  prometheus.Gauge
	inputQueue    prometheus.Gauge
	saveQueue     prometheus.Gauge
	progress      prometheus.Gauge
	rate          *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	basis monitor.Basis

	mu   sync.RWMutex
	last Status
}

// Status is the most recent sample, as served by the status endpoint.
type Status struct {
	Time            time.Time `json:"time"`
	Good            int64     `json:"good"`
	Fails           int64     `json:"fails"`
	Saved           int64     `json:"saved"`
	Lookups         int64     `json:"lookups"`
	ActiveWorkers   int       `json:"active_workers"`
	TotalWorkers    int       `json:"total_workers"`
	InputQueueDepth int       `json:"input_queue_depth"`
	SaveQueueDepth  int       `json:"save_queue_depth"`
	Progress        float64   `json:"progress"`
	Basis           string    `json:"basis"`
	InstantRate     float64   `json:"instant_rate"`
	CumulativeRate  float64   `json:"cumulative_rate"`
}

var _ monitor.Observer = (*Exporter)(nil)

// NewExporter registers the collectors on reg.
func NewExporter(reg prometheus.Registerer, basis monitor.Basis) *Exporter {
	f := promauto.With(reg)
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}
	return &Exporter{
		good:          gauge("domains_good", "Domains saved with a usable record."),
		fails:         gauge("domains_failed", "Domains saved as failures."),
		saved:         gauge("domains_saved", "Domains written to the output."),
		lookups:       gauge("lookups", "WHOIS lookup attempts made."),
		activeWorkers: gauge("workers_active", "Workers currently inside a lookup."),
		totalWorkers:  gauge("workers_usable", "Workers whose proxy is still usable."),
		inputQueue:    gauge("input_queue_depth", "Domains waiting for a worker."),
		saveQueue:     gauge("save_queue_depth", "Results waiting to be written."),
		progress:      gauge("input_progress_ratio", "Fraction of the domain list consumed."),
		rate: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rate_per_second",
			Help:      "Throughput over the last interval and since start, labeled by window.",
		}, []string{"basis", "window"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "route"}),
		basis: basis,
	}
}

// Observe records one coordinator sample.
func (e *Exporter) Observe(snap monitor.Snapshot, instant, cumulative float64) {
	e.good.Set(float64(snap.GoodCount))
	e.fails.Set(float64(snap.FailCount))
	e.saved.Set(float64(snap.SavedCount))
	e.lookups.Set(float64(snap.LookupCount))
	e.activeWorkers.Set(float64(snap.ActiveWorkers))
	e.totalWorkers.Set(float64(snap.TotalWorkers))
	e.inputQueue.Set(float64(snap.InputQueueDepth))
	e.saveQueue.Set(float64(snap.SaveQueueDepth))
	e.progress.Set(snap.Progress)
	e.rate.WithLabelValues(e.basis.String(), "instant").Set(instant)
	e.rate.WithLabelValues(e.basis.String(), "cumulative").Set(cumulative)

	e.mu.Lock()
	e.last = Status{
		Time:            snap.Time,
		Good:            snap.GoodCount,
		Fails:           snap.FailCount,
		Saved:           snap.SavedCount,
		Lookups:         snap.LookupCount,
		ActiveWorkers:   snap.ActiveWorkers,
		TotalWorkers:    snap.TotalWorkers,
		InputQueueDepth: snap.InputQueueDepth,
		SaveQueueDepth:  snap.SaveQueueDepth,
		Progress:        snap.Progress,
		Basis:           e.basis.String(),
		InstantRate:     instant,
		CumulativeRate:  cumulative,
	}
	e.mu.Unlock()
}

// Last returns the most recent sample and whether one has been observed.
func (e *Exporter) Last() (Status, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last, !e.last.Time.IsZero()
}

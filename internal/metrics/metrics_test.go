package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/spiderwho/internal/monitor"
)

func TestExporterObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := NewExporter(reg, monitor.BasisLookups)

	_, ok := e.Last()
	assert.False(t, ok)

	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	e.Observe(monitor.Snapshot{
		GoodCount:       40,
		FailCount:       2,
		SavedCount:      42,
		LookupCount:     55,
		ActiveWorkers:   3,
		TotalWorkers:    8,
		InputQueueDepth: 100,
		SaveQueueDepth:  1,
		Progress:        0.25,
		Time:            now,
	}, 4, 2.5)

	assert.InDelta(t, 40, testutil.ToFloat64(e.good), 1e-9)
	assert.InDelta(t, 8, testutil.ToFloat64(e.totalWorkers), 1e-9)
	assert.InDelta(t, 0.25, testutil.ToFloat64(e.progress), 1e-9)
	assert.InDelta(t, 4, testutil.ToFloat64(e.rate.WithLabelValues("lookups", "instant")), 1e-9)

	expected := `
# HELP spiderwho_rate_per_second Throughput over the last interval and since start, labeled by window.
# TYPE spiderwho_rate_per_second gauge
spiderwho_rate_per_second{basis="lookups",window="cumulative"} 2.5
spiderwho_rate_per_second{basis="lookups",window="instant"} 4
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "spiderwho_rate_per_second"))

	last, ok := e.Last()
	require.True(t, ok)
	assert.Equal(t, now, last.Time)
	assert.Equal(t, int64(55), last.Lookups)
	assert.Equal(t, "lookups", last.Basis)
}

func TestExporterRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewExporter(reg, monitor.BasisDomains)
	assert.Panics(t, func() { NewExporter(reg, monitor.BasisDomains) })
}

func TestMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := NewExporter(reg, monitor.BasisDomains)

	r := chi.NewRouter()
	r.Use(e.Middleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/7", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	assert.InDelta(t, 1, testutil.ToFloat64(e.httpRequests.WithLabelValues("GET", "418")), 1e-9)
	assert.Equal(t, 1, testutil.CollectAndCount(e.httpDuration, "spiderwho_http_request_duration_seconds"))
}

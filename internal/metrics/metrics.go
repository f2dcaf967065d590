// Package metrics provides Prometheus metrics for the capture device core.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vcapd",
		Subsystem: "dispatch",
		Name:      "requests_total",
		Help:      "Dispatched requests by kind and status",
	}, []string{"kind", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vcapd",
		Subsystem: "dispatch",
		Name:      "request_duration_seconds",
		Help:      "Time spent in request handlers",
		Buckets:   []float64{.00001, .0001, .001, .01, .1, 1},
	}, []string{"kind"})

	liveObjects = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vcapd",
		Subsystem: "core",
		Name:      "live_objects",
		Help:      "Allocated driver, device, instance and sink contexts",
	}, []string{"kind"})

	allocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vcapd",
		Subsystem: "core",
		Name:      "allocations_total",
		Help:      "Context allocations by kind",
	}, []string{"kind"})
)

// ObserveRequest records one dispatched request. status is zero on
// success and a negative errno otherwise.
func ObserveRequest(kind string, status int, d time.Duration) {
	requestsTotal.WithLabelValues(kind, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Tracker counts live contexts per kind and mirrors them to Prometheus.
type Tracker struct {
	mu   sync.Mutex
	live map[string]int
}

// NewTracker creates a tracker.
func NewTracker() *Tracker {
	return &Tracker{live: make(map[string]int)}
}

// Alloc records an allocation of kind.
func (t *Tracker) Alloc(kind string) {
	t.mu.Lock()
	t.live[kind]++
	t.mu.Unlock()
	liveObjects.WithLabelValues(kind).Inc()
	allocationsTotal.WithLabelValues(kind).Inc()
}

// Free records a release of kind.
func (t *Tracker) Free(kind string) {
	t.mu.Lock()
	t.live[kind]--
	t.mu.Unlock()
	liveObjects.WithLabelValues(kind).Dec()
}

// Live returns the number of live contexts of kind.
func (t *Tracker) Live(kind string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live[kind]
}

// Snapshot returns the live counts of every kind seen so far.
func (t *Tracker) Snapshot() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.live))
	for k, v := range t.live {
		out[k] = v
	}
	return out
}

// Leaked reports whether any kind has live contexts left.
func (t *Tracker) Leaked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, v := range t.live {
		if v != 0 {
			return true
		}
	}
	return false
}

// Package metrics exposes detection pipeline counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manuroe/gagne-ton-papa/models"
)

// Metrics holds all pipeline metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Scheduler counters
	CyclesStarted         atomic.Uint64
	CyclesSkippedInterval atomic.Uint64
	CyclesSkippedBusy     atomic.Uint64
	CyclesDiscarded       atomic.Uint64
	CyclesFailed          atomic.Uint64
	CyclesEmpty           atomic.Uint64

	// Session state
	OverlayDetections atomic.Int64
	ConfirmedPieces   atomic.Int64
	Handoffs          atomic.Uint64

	// Session pool
	PoolInUse           atomic.Int64
	PoolAcquired        atomic.Uint64
	PoolAcquireFailures atomic.Uint64

	stageDuration  *prometheus.HistogramVec
	poolWait       prometheus.Histogram
	requests       *prometheus.CounterVec
	terminalByKind *prometheus.CounterVec
	registry       *prometheus.Registry
}

var stages = []string{"preprocess", "inference", "decode", "suppress", "map", "total"}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pieces_cycle_stage_seconds",
				Help:    "Duration of each detection cycle stage",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"stage"},
		),
		poolWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pieces_pool_wait_seconds",
			Help:    "Time spent waiting for an engine from the pool",
			Buckets: prometheus.DefBuckets,
		}),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pieces_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		terminalByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pieces_session_terminal_errors_total",
				Help: "Sessions ended by a terminal error",
			},
			[]string{"kind"},
		),
	}

	m.registry.MustRegister(m.stageDuration, m.poolWait, m.requests, m.terminalByKind)
	m.registerGauges()
	return m
}

func (m *Metrics) registerGauges() {
	counters := []struct {
		name, help string
		load       func() float64
	}{
		{"pieces_cycles_started_total", "Detection cycles started", func() float64 { return float64(m.CyclesStarted.Load()) }},
		{"pieces_cycles_skipped_interval_total", "Ticks skipped because the detection interval had not elapsed", func() float64 { return float64(m.CyclesSkippedInterval.Load()) }},
		{"pieces_cycles_skipped_busy_total", "Ticks skipped because a cycle was in flight", func() float64 { return float64(m.CyclesSkippedBusy.Load()) }},
		{"pieces_cycles_discarded_total", "Cycle results discarded as stale", func() float64 { return float64(m.CyclesDiscarded.Load()) }},
		{"pieces_cycles_failed_total", "Cycles that ended without detections because of an error", func() float64 { return float64(m.CyclesFailed.Load()) }},
		{"pieces_cycles_empty_total", "Cycles that produced no mapped detection", func() float64 { return float64(m.CyclesEmpty.Load()) }},
		{"pieces_overlay_detections", "Detections in the current overlay", func() float64 { return float64(m.OverlayDetections.Load()) }},
		{"pieces_confirmed", "Pieces in the confirmed set", func() float64 { return float64(m.ConfirmedPieces.Load()) }},
		{"pieces_handoffs_total", "Confirmed sets handed to the solver", func() float64 { return float64(m.Handoffs.Load()) }},
		{"pieces_pool_in_use", "Engines currently checked out of the pool", func() float64 { return float64(m.PoolInUse.Load()) }},
		{"pieces_pool_acquired_total", "Engines acquired from the pool", func() float64 { return float64(m.PoolAcquired.Load()) }},
		{"pieces_pool_acquire_failures_total", "Pool acquisitions that timed out", func() float64 { return float64(m.PoolAcquireFailures.Load()) }},
	}
	for _, c := range counters {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: c.name, Help: c.help},
			c.load,
		))
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTimings records the stage durations of one cycle.
func (m *Metrics) ObserveTimings(t models.ProcessingTimings) {
	if m == nil {
		return
	}
	durations := []time.Duration{t.Preprocess, t.Inference, t.Decode, t.Suppress, t.Map, t.Total}
	for i, d := range durations {
		m.stageDuration.WithLabelValues(stages[i]).Observe(d.Seconds())
	}
}

func (m *Metrics) CycleStarted() {
	if m != nil {
		m.CyclesStarted.Add(1)
	}
}

func (m *Metrics) CycleSkipped(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.CyclesSkippedBusy.Add(1)
	} else {
		m.CyclesSkippedInterval.Add(1)
	}
}

func (m *Metrics) CycleDiscarded() {
	if m != nil {
		m.CyclesDiscarded.Add(1)
	}
}

func (m *Metrics) CycleFailed() {
	if m != nil {
		m.CyclesFailed.Add(1)
	}
}

func (m *Metrics) CycleEmpty() {
	if m != nil {
		m.CyclesEmpty.Add(1)
	}
}

func (m *Metrics) SetOverlay(n int) {
	if m != nil {
		m.OverlayDetections.Store(int64(n))
	}
}

func (m *Metrics) SetConfirmed(n int) {
	if m != nil {
		m.ConfirmedPieces.Store(int64(n))
	}
}

func (m *Metrics) Handoff() {
	if m != nil {
		m.Handoffs.Add(1)
	}
}

// TerminalError counts a session ended by kind ("camera", "model").
func (m *Metrics) TerminalError(kind string) {
	if m != nil {
		m.terminalByKind.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) PoolAcquire(wait time.Duration) {
	if m == nil {
		return
	}
	m.PoolInUse.Add(1)
	m.PoolAcquired.Add(1)
	m.poolWait.Observe(wait.Seconds())
}

func (m *Metrics) PoolRelease() {
	if m != nil {
		m.PoolInUse.Add(-1)
	}
}

func (m *Metrics) PoolAcquireFailed() {
	if m != nil {
		m.PoolAcquireFailures.Add(1)
	}
}

// ObserveRequest counts one HTTP response.
func (m *Metrics) ObserveRequest(route string, status int) {
	if m != nil {
		m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	}
}

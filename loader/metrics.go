package loader

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	wlerrors "github.com/wippyai/wasm-loader/errors"
)

// metrics holds the loader's Prometheus collectors.
type metrics struct {
	// Load metrics
	LoadsTotal   *prometheus.CounterVec
	LoadDuration *prometheus.HistogramVec

	// Compile cache metrics
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.Counter

	// Instances currently open
	InstancesOpen prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		LoadsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wasm_loader_loads_total",
				Help: "Total number of module loads by result",
			},
			[]string{"result"},
		),

		LoadDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wasm_loader_phase_duration_seconds",
				Help:    "Duration of each load phase in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),

		CacheHitsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "wasm_loader_compile_cache_hits_total",
				Help: "Total number of compiled module cache hits",
			},
		),

		CacheMissesTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "wasm_loader_compile_cache_misses_total",
				Help: "Total number of compiled module cache misses",
			},
		),

		CacheEvictionsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "wasm_loader_compile_cache_evictions_total",
				Help: "Total number of compiled modules released by the cache",
			},
		),

		InstancesOpen: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "wasm_loader_instances_open",
				Help: "Number of instances not yet closed",
			},
		),
	}
}

// RecordLoad counts a finished load under its result kind.
func (m *metrics) RecordLoad(err error) {
	result := "ok"
	if err != nil {
		result = string(wlerrors.KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	m.LoadsTotal.WithLabelValues(result).Inc()
}

// RecordPhase observes the duration of one load phase.
func (m *metrics) RecordPhase(phase wlerrors.Phase, d time.Duration) {
	m.LoadDuration.WithLabelValues(string(phase)).Observe(d.Seconds())
}

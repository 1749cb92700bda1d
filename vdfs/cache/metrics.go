package cache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the cache. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	listings          *prometheus.CounterVec
	resolves          *prometheus.CounterVec
	resolveDuration   prometheus.Histogram
	refreshes         *prometheus.CounterVec
	refreshesInFlight prometheus.Gauge
	nodes             prometheus.Gauge
}

// NewMetrics registers the cache collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		listings: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vdfs_cache_listings_total",
				Help: "Folder listings served, by source (cache or remote)",
			},
			[]string{"source"},
		),
		resolves: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vdfs_cache_resolves_total",
				Help: "Remote folder listings, by result",
			},
			[]string{"result"},
		),
		resolveDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vdfs_cache_resolve_duration_seconds",
				Help:    "Time spent listing a folder on the remote repository",
				Buckets: prometheus.DefBuckets,
			},
		),
		refreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vdfs_cache_refreshes_total",
				Help: "Background folder refreshes, by outcome",
			},
			[]string{"outcome"},
		),
		refreshesInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vdfs_cache_refreshes_in_flight",
				Help: "Background folder refreshes currently running",
			},
		),
		nodes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "vdfs_cache_nodes",
				Help: "Number of files and folders held in the cache",
			},
		),
	}
}

func (m *Metrics) listing(source string) {
	if m == nil {
		return
	}
	m.listings.WithLabelValues(source).Inc()
}

func (m *Metrics) resolved(start time.Time, err error) {
	if m == nil {
		return
	}
	m.resolveDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.resolves.WithLabelValues("error").Inc()
		return
	}
	m.resolves.WithLabelValues("success").Inc()
}

func (m *Metrics) refresh(outcome string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) refreshStarted() {
	if m == nil {
		return
	}
	m.refreshesInFlight.Inc()
}

func (m *Metrics) refreshFinished() {
	if m == nil {
		return
	}
	m.refreshesInFlight.Dec()
}

func (m *Metrics) setNodes(n int) {
	if m == nil {
		return
	}
	m.nodes.Set(float64(n))
}

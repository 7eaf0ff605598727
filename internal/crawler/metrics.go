package crawler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Asset outcomes recorded by the engine.
const (
	resultFetched = "fetched"
	resultCached  = "cached"
	resultFailed  = "failed"
)

// Metrics exposes crawl counters. A nil *Metrics records nothing.
type Metrics struct {
	assets        *prometheus.CounterVec
	retries       prometheus.Counter
	waves         prometheus.Counter
	inflight      prometheus.Gauge
	fetchDuration prometheus.Histogram
}

// NewMetrics registers the crawl collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		assets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bundlemirror",
			Name:      "assets_total",
			Help:      "Assets processed by the download engine, by result.",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bundlemirror",
			Name:      "fetch_retries_total",
			Help:      "Asset fetch attempts that were retried.",
		}),
		waves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bundlemirror",
			Name:      "waves_total",
			Help:      "Breadth-first waves completed.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bundlemirror",
			Name:      "fetches_in_flight",
			Help:      "Asset tasks currently running.",
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bundlemirror",
			Name:      "fetch_duration_seconds",
			Help:      "Latency of successful upstream asset fetches.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.assets, m.retries, m.waves, m.inflight, m.fetchDuration)
	}
	return m
}

func (m *Metrics) asset(result string) {
	if m != nil {
		m.assets.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) wave() {
	if m != nil {
		m.waves.Inc()
	}
}

func (m *Metrics) taskStarted() {
	if m != nil {
		m.inflight.Inc()
	}
}

func (m *Metrics) taskDone() {
	if m != nil {
		m.inflight.Dec()
	}
}

func (m *Metrics) fetched(d time.Duration) {
	if m != nil {
		m.fetchDuration.Observe(d.Seconds())
	}
}

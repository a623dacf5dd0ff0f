package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are shared by every worker version running in one host, so they
// are created once and passed in through Options.
type Metrics struct {
	fetches            *prometheus.CounterVec
	installAssets      *prometheus.CounterVec
	generationsDeleted prometheus.Counter
	responseBytes      prometheus.Histogram
}

// NewMetrics creates the worker collectors and registers them with reg when
// reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellcache",
			Subsystem: "worker",
			Name:      "fetch_total",
			Help:      "Intercepted requests by strategy and response source.",
		}, []string{"strategy", "source"}),
		installAssets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellcache",
			Subsystem: "worker",
			Name:      "install_assets_total",
			Help:      "Static assets fetched while priming the static cache.",
		}, []string{"result"}),
		generationsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shellcache",
			Subsystem: "worker",
			Name:      "generations_deleted_total",
			Help:      "Stale cache generations deleted on activation.",
		}),
		responseBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shellcache",
			Subsystem: "worker",
			Name:      "response_bytes",
			Help:      "Body size of responses answered by the worker.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.fetches, m.installAssets, m.generationsDeleted, m.responseBytes)
	}
	return m
}

func (m *Metrics) observeFetch(strategy Strategy, source Source, size int) {
	if m == nil {
		return
	}
	s := string(strategy)
	if s == "" {
		s = "none"
	}
	m.fetches.WithLabelValues(s, string(source)).Inc()
	if size >= 0 && source != SourcePassThrough {
		m.responseBytes.Observe(float64(size))
	}
}

func (m *Metrics) observeAsset(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.installAssets.WithLabelValues("cached").Inc()
		return
	}
	m.installAssets.WithLabelValues("failed").Inc()
}

func (m *Metrics) observeDeleted() {
	if m == nil {
		return
	}
	m.generationsDeleted.Inc()
}

package harvest

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"marketplace-harvest/adapters"
)

// Metrics holds the harvester's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  prometheus.Histogram
	pages    *prometheus.CounterVec
	retries  prometheus.Counter
	waves    *prometheus.CounterVec
	records  *prometheus.CounterVec
	inflight prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_http_requests_total",
			Help: "Listing requests by HTTP status code (0 = transport error).",
		}, []string{"code"}),
		latency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_http_latency_seconds",
			Help:    "Listing request latency.",
			Buckets: prometheus.ExponentialBuckets(0.025, 2, 10),
		}),
		pages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_pages_total",
			Help: "Page outcomes by status.",
		}, []string{"status"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Name: "harvest_retries_total",
			Help: "Page request retries.",
		}),
		waves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_waves_total",
			Help: "Completed waves by whether any page returned records.",
		}, []string{"empty"}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_records_total",
			Help: "Records by pipeline stage.",
		}, []string{"stage"}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_inflight_requests",
			Help: "Page requests currently in flight.",
		}),
	}
}

func (m *Metrics) observeRequest(meta adapters.FetchMeta) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(strconv.Itoa(meta.StatusCode)).Inc()
	m.latency.Observe(meta.Latency.Seconds())
}

func (m *Metrics) observePage(status PageStatus) {
	if m == nil {
		return
	}
	m.pages.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) observeWave(w Wave) {
	if m == nil {
		return
	}
	m.waves.WithLabelValues(strconv.FormatBool(w.Empty())).Inc()
}

func (m *Metrics) addRecords(stage string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.records.WithLabelValues(stage).Add(float64(n))
}

func (m *Metrics) inflightAdd(d float64) {
	if m == nil {
		return
	}
	m.inflight.Add(d)
}

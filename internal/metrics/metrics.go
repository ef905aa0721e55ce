package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the terminal's Prometheus registry. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry   *prometheus.Registry
	sales      *prometheus.CounterVec
	queueDepth prometheus.Gauge
	syncRuns   *prometheus.CounterVec
	scans      *prometheus.CounterVec
	shiftOpen  prometheus.Gauge
	requests   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sales: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pos",
			Name:      "sales_processed_total",
			Help:      "Sales processed at checkout by commit path and outcome.",
		}, []string{"path", "outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pos",
			Name:      "pending_sales",
			Help:      "Offline sales waiting to be synced.",
		}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pos",
			Name:      "sync_runs_total",
			Help:      "Offline queue drain attempts by result.",
		}, []string{"result"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pos",
			Name:      "scans_total",
			Help:      "Barcode lookups by outcome.",
		}, []string{"outcome"}),
		shiftOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pos",
			Name:      "shift_open",
			Help:      "1 while the till has an open shift.",
		}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pos",
			Name:      "http_request_duration_seconds",
			Help:      "Local API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		m.sales,
		m.queueDepth,
		m.syncRuns,
		m.scans,
		m.shiftOpen,
		m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SaleProcessed(path string, outcome string) {
	if m == nil {
		return
	}
	m.sales.WithLabelValues(path, outcome).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SyncRun(result string) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) Scan(outcome string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ShiftOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.shiftOpen.Set(1)
		return
	}
	m.shiftOpen.Set(0)
}

func (m *Metrics) ObserveRequest(method string, route string, status string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, status).Observe(seconds)
}

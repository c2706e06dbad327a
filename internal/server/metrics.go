package server

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// ───────────────────────────────────────────────────────────────────────────
// Metrics
// ───────────────────────────────────────────────────────────────────────────
//
// Counters live on a private registry and feed the stats request; no HTTP
// scrape endpoint is exposed by the core.

type metrics struct {
	registry    *prometheus.Registry
	connections prometheus.Counter
	activeConns prometheus.Gauge
	requests    *prometheus.CounterVec
	queries     prometheus.Counter
	errors      prometheus.Counter
	queryTime   prometheus.Histogram
}

func newMetrics() *metrics {
	m := &metrics{registry: prometheus.NewRegistry()}
	m.connections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sawitdb", Name: "connections_total",
		Help: "Accepted TCP connections.",
	})
	m.activeConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sawitdb", Name: "connections_active",
		Help: "Currently open connections.",
	})
	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sawitdb", Name: "requests_total",
		Help: "Requests by type.",
	}, []string{"type"})
	m.queries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sawitdb", Name: "queries_total",
		Help: "Query statements executed.",
	})
	m.errors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sawitdb", Name: "errors_total",
		Help: "Error responses sent.",
	})
	m.queryTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sawitdb", Name: "query_seconds",
		Help:    "Query wall time.",
		Buckets: prometheus.DefBuckets,
	})
	m.registry.MustRegister(m.connections, m.activeConns, m.requests, m.queries, m.errors, m.queryTime)
	return m
}

// snapshot flattens the registry into a JSON-friendly map for the stats
// response.
func (m *metrics) snapshot() map[string]any {
	out := make(map[string]any)
	families, err := m.registry.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		switch len(mf.GetMetric()) {
		case 0:
		case 1:
			metric := mf.GetMetric()[0]
			if len(metric.GetLabel()) == 0 {
				out[mf.GetName()] = metricValue(metric)
				continue
			}
			fallthrough
		default:
			byLabel := make(map[string]any)
			for _, metric := range mf.GetMetric() {
				key := ""
				for _, l := range metric.GetLabel() {
					if key != "" {
						key += ","
					}
					key += l.GetValue()
				}
				byLabel[key] = metricValue(metric)
			}
			out[mf.GetName()] = byLabel
		}
	}
	return out
}

func metricValue(m *dto.Metric) any {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetHistogram() != nil:
		h := m.GetHistogram()
		return map[string]any{
			"count": h.GetSampleCount(),
			"sum":   h.GetSampleSum(),
		}
	default:
		return nil
	}
}

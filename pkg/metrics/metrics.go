// Package metrics holds the Prometheus collectors exported by the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CartMetrics tracks cart mutations and persistence writes.
type CartMetrics struct {
	Mutations      *prometheus.CounterVec
	Writes         *prometheus.CounterVec
	WriteLatencyMS prometheus.Histogram
	Items          prometheus.Gauge
}

// NewCartMetrics creates the cart collectors and registers them on reg.
func NewCartMetrics(reg prometheus.Registerer) *CartMetrics {
	m := &CartMetrics{
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketplace",
			Subsystem: "cart",
			Name:      "mutations_total",
			Help:      "Cart mutations by operation and outcome.",
		}, []string{"op", "result"}),
		Writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketplace",
			Subsystem: "cart",
			Name:      "persist_writes_total",
			Help:      "Persistence write attempts by outcome.",
		}, []string{"result"}),
		WriteLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "marketplace",
			Subsystem: "cart",
			Name:      "persist_write_duration_ms",
			Help:      "Latency of a persisted cart write, retries included.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}),
		Items: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "marketplace",
			Subsystem: "cart",
			Name:      "items",
			Help:      "Distinct line items currently in the cart.",
		}),
	}

	reg.MustRegister(m.Mutations, m.Writes, m.WriteLatencyMS, m.Items)
	return m
}

// HTTPMetrics tracks API requests.
type HTTPMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
}

// NewHTTPMetrics creates the API collectors and registers them on reg.
func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marketplace",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "marketplace",
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
	}

	reg.MustRegister(m.Requests, m.LatencyMS)
	return m
}

// Handler exposes the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Package metrics holds the Prometheus series the manager exposes on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"socks-fleet/pkg/model"
)

// Gauges are the fleet gauges the reconciler refreshes.
type Gauges struct {
	ActiveProxies  *prometheus.GaugeVec
	AvailableNodes *prometheus.GaugeVec
}

// NewGauges creates the fleet gauges and registers them on reg.
func NewGauges(reg prometheus.Registerer) *Gauges {
	g := &Gauges{
		ActiveProxies: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tor_proxy_manager_active_proxies",
			Help: "Number of active Tor proxy containers",
		}, []string{"geo_category"}),
		AvailableNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tor_proxy_manager_available_exit_nodes",
			Help: "Number of available Tor exit nodes in the catalog",
		}, []string{"geo_category"}),
	}
	reg.MustRegister(g.ActiveProxies, g.AvailableNodes)
	return g
}

// SetActive sets every known category, zero when absent from counts.
func (g *Gauges) SetActive(counts map[model.GeoCategory]int) {
	for _, cat := range model.GeoCategories {
		g.ActiveProxies.WithLabelValues(string(cat)).Set(float64(counts[cat]))
	}
}

// SetAvailable zeroes every known category, then applies counts including unknown ones.
func (g *Gauges) SetAvailable(counts map[model.GeoCategory]int) {
	for _, cat := range model.GeoCategories {
		g.AvailableNodes.WithLabelValues(string(cat)).Set(0)
	}
	for cat, n := range counts {
		if cat == "" {
			continue
		}
		g.AvailableNodes.WithLabelValues(string(cat)).Set(float64(n))
	}
}

// HTTP instruments API handlers with request counts and latency.
type HTTP struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTP(reg prometheus.Registerer) *HTTP {
	h := &HTTP{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by handler, method and status code",
		}, []string{"handler", "method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by handler and method",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	reg.MustRegister(h.requests, h.duration)
	return h
}

// Wrap instruments next under the given handler label.
func (h *HTTP) Wrap(handler string, next http.Handler) http.Handler {
	labels := prometheus.Labels{"handler": handler}
	return promhttp.InstrumentHandlerDuration(h.duration.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(h.requests.MustCurryWith(labels), next))
}

// NewRegistry returns a private registry with the process and Go collectors attached.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

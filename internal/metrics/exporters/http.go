// Package exporters exposes the castnode metrics over HTTP: Prometheus
// scraping on /metrics and periodic progress events for the SSE endpoints.
package exporters

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPHandler serves every promauto-registered metric of the default
// registry. Scrapes are capped so a stuck client cannot pile up requests
// next to a live session.
func HTTPHandler() http.Handler {
	return HandlerFor(prometheus.DefaultGatherer)
}

// HandlerFor serves the metrics of g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		EnableOpenMetrics:   true,
		MaxRequestsInFlight: 4,
		Timeout:             10 * time.Second,
	})
}

// Package metrics exposes the Prometheus registry adbcore's other
// packages (mux, most notably) register their counters and gauges
// against, plus a small HTTP handler a caller can mount to scrape it.
// Grounded on the teacher's internal/metrics/web.go, which wires a
// prometheus.Registry through promhttp and the standard process/Go
// runtime collectors; trimmed here to just the registry and handler,
// since adbcore is a library, not a service with its own status page.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var startTime = time.Now()

// Handler returns an http.Handler serving the default Prometheus
// registry (the one promauto.New* calls in internal/mux/metrics.go
// register against) in the text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewRegistry builds a fresh, isolated registry pre-populated with the
// process and Go runtime collectors only. The mux instruments stay on
// prometheus.DefaultRegisterer (the registry Handler serves); they are
// not registered with the returned registry.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// Uptime reports how long this process's metrics have been live.
func Uptime() time.Duration {
	return time.Since(startTime)
}

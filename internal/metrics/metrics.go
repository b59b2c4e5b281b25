// Package metrics exports draw outcomes and stock lock waits to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder implements services.Recorder on its own registry.
type Recorder struct {
	registry *prometheus.Registry
	draws    *prometheus.CounterVec
	lockWait prometheus.Histogram
}

// NewRecorder creates a Recorder with Go runtime collectors registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		draws: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "giveaway",
			Name:      "draws_total",
			Help:      "Draw attempts by outcome.",
		}, []string{"outcome"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "giveaway",
			Name:      "stock_lock_wait_seconds",
			Help:      "Time winning draws waited for the stock lock.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}),
	}
	r.registry.MustRegister(r.draws, r.lockWait,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return r
}

func (r *Recorder) ObserveDraw(outcome string) {
	r.draws.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ObserveLockWait(d time.Duration) {
	r.lockWait.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

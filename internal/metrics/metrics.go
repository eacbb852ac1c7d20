package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Observation results used as the "result" label.
const (
	ResultProcessed  = "processed"
	ResultFired      = "fired"
	ResultInvalid    = "invalid"
	ResultNotFound   = "not_found"
	ResultStoreError = "store_error"
	ResultDuplicate  = "duplicate"
)

// Collectors is the set of process metrics. It is registered against its own
// registry so tests can build as many as they like.
type Collectors struct {
	registry *prometheus.Registry

	Observations     *prometheus.CounterVec
	EventsFired      prometheus.Counter
	DispatchFailures prometheus.Counter
	Conflicts        prometheus.Counter
	HandleDuration   prometheus.Histogram
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
}

func New() *Collectors {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collectors{
		registry: reg,
		Observations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "printerwatch_observations_total",
			Help: "Observations handled, by transport and result",
		}, []string{"source", "result"}),
		EventsFired: f.NewCounter(prometheus.CounterOpts{
			Name: "printerwatch_events_fired_total",
			Help: "Debounced anomaly events raised",
		}),
		DispatchFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "printerwatch_dispatch_failures_total",
			Help: "Events whose publish failed after retries",
		}),
		Conflicts: f.NewCounter(prometheus.CounterOpts{
			Name: "printerwatch_counter_conflicts_total",
			Help: "Compare-and-swap conflicts on profile counters",
		}),
		HandleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "printerwatch_handle_duration_seconds",
			Help:    "Time to handle one observation",
			Buckets: prometheus.DefBuckets,
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "printerwatch_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "printerwatch_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Observe records one handled observation. Safe on a nil receiver.
func (c *Collectors) Observe(source, result string, took time.Duration) {
	if c == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	c.Observations.WithLabelValues(source, result).Inc()
	c.HandleDuration.Observe(took.Seconds())
	if result == ResultFired {
		c.EventsFired.Inc()
	}
}

func (c *Collectors) Conflict() {
	if c == nil {
		return
	}
	c.Conflicts.Inc()
}

func (c *Collectors) DispatchFailed() {
	if c == nil {
		return
	}
	c.DispatchFailures.Inc()
}

func (c *Collectors) HTTP(method, route string, status int, took time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, http.StatusText(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

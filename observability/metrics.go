package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics

	offerMetricsOnce sync.Once
	offerRegistry    *OfferMetrics
)

// ModuleMetrics returns the lazily-initialised registry recording HTTP API
// activity per module and route.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "offerbook",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by module, route and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "offerbook",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by module, route and status code.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "offerbook",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "offerbook",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by throttling policies.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(
			moduleRegistry.requests,
			moduleRegistry.errors,
			moduleRegistry.latency,
			moduleRegistry.throttles,
		)
	})
	return moduleRegistry
}

// Observe records the outcome of a request. The status code should be the
// HTTP status that was ultimately written to the response writer.
func (m *moduleMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(module, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter. Reasons should be stable
// strings such as "rate_limit" so dashboards remain consistent.
func (m *moduleMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if module == "" {
		module = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(module, reason).Inc()
}

// OfferMetrics tracks the escrow lifecycle as seen through emitted events and
// the settlement worker.
type OfferMetrics struct {
	lifecycle *prometheus.CounterVec
	pending   prometheus.Gauge
	drained   prometheus.Counter
	drainErrs prometheus.Counter
	drainTime prometheus.Histogram
}

// Offers returns the singleton registry for escrow lifecycle metrics.
func Offers() *OfferMetrics {
	offerMetricsOnce.Do(func() {
		offerRegistry = &OfferMetrics{
			lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "offerbook",
				Subsystem: "offers",
				Name:      "lifecycle_events_total",
				Help:      "Count of offer lifecycle events segmented by event type.",
			}, []string{"event"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "offerbook",
				Subsystem: "settlement",
				Name:      "pending_promises",
				Help:      "Transfers dispatched but not yet executed.",
			}),
			drained: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "offerbook",
				Subsystem: "settlement",
				Name:      "promises_executed_total",
				Help:      "Transfers executed by the settlement worker.",
			}),
			drainErrs: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "offerbook",
				Subsystem: "settlement",
				Name:      "callback_errors_total",
				Help:      "Resolution callbacks that returned an error.",
			}),
			drainTime: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "offerbook",
				Subsystem: "settlement",
				Name:      "drain_duration_seconds",
				Help:      "Time spent executing queued transfers per worker tick.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			offerRegistry.lifecycle,
			offerRegistry.pending,
			offerRegistry.drained,
			offerRegistry.drainErrs,
			offerRegistry.drainTime,
		)
	})
	return offerRegistry
}

// RecordLifecycle increments the counter for an offer event type.
func (m *OfferMetrics) RecordLifecycle(eventType string) {
	if m == nil || eventType == "" {
		return
	}
	m.lifecycle.WithLabelValues(eventType).Inc()
}

// ObserveDrain records one settlement worker pass.
func (m *OfferMetrics) ObserveDrain(executed int, failed bool, pending int, duration time.Duration) {
	if m == nil {
		return
	}
	if executed > 0 {
		m.drained.Add(float64(executed))
	}
	if failed {
		m.drainErrs.Inc()
	}
	m.pending.Set(float64(pending))
	m.drainTime.Observe(duration.Seconds())
}

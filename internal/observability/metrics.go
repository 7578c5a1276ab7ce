package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	recalcPasses    *prometheus.CounterVec
	recalcCoalesced prometheus.Counter
	sagaSteps       *prometheus.HistogramVec
	sagaOutcomes    *prometheus.CounterVec
	rollbacks       *prometheus.CounterVec
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquida_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "liquida_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	recalcPasses := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquida_recalc_passes_total",
		Help: "Recalculation passes by outcome (persisted, unchanged, failed, discarded).",
	}, []string{"outcome"})
	recalcCoalesced := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "liquida_recalc_coalesced_total",
		Help: "Mutations absorbed by the debounce window without their own pass.",
	})
	sagaSteps := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "liquida_liquidation_step_duration_seconds",
		Help:    "Duration of each liquidation saga step.",
		Buckets: prometheus.DefBuckets,
	}, []string{"step"})
	sagaOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquida_liquidation_total",
		Help: "Liquidation transactions by terminal status.",
	}, []string{"status"})
	rollbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquida_liquidation_rollbacks_total",
		Help: "Compensating actions executed by step and result.",
	}, []string{"step", "result"})
	registry.MustRegister(requests, duration, recalcPasses, recalcCoalesced, sagaSteps, sagaOutcomes, rollbacks)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		recalcPasses:    recalcPasses,
		recalcCoalesced: recalcCoalesced,
		sagaSteps:       sagaSteps,
		sagaOutcomes:    sagaOutcomes,
		rollbacks:       rollbacks,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveRecalcPass counts one recalculation pass with the given outcome.
func (m *Metrics) ObserveRecalcPass(outcome string) {
	if m == nil {
		return
	}
	m.recalcPasses.WithLabelValues(outcome).Inc()
}

// ObserveCoalescedMutation counts a mutation absorbed by an open debounce window.
func (m *Metrics) ObserveCoalescedMutation() {
	if m == nil {
		return
	}
	m.recalcCoalesced.Inc()
}

// ObserveSagaStep records the duration of a saga step.
func (m *Metrics) ObserveSagaStep(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.sagaSteps.WithLabelValues(step).Observe(d.Seconds())
}

// ObserveSagaOutcome counts a terminal transaction status.
func (m *Metrics) ObserveSagaOutcome(status string) {
	if m == nil {
		return
	}
	m.sagaOutcomes.WithLabelValues(status).Inc()
}

// ObserveRollback counts one compensating action execution.
func (m *Metrics) ObserveRollback(step, result string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(step, result).Inc()
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

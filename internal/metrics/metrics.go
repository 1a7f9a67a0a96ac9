package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inkup",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inkup",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inkup",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)

	generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inkup",
			Subsystem: "tryon",
			Name:      "generations_total",
			Help:      "Try-on generations by final outcome.",
		},
		[]string{"outcome"},
	)

	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inkup",
			Subsystem: "tryon",
			Name:      "generation_duration_seconds",
			Help:      "Wall time from acceptance to final outcome.",
			Buckets:   prometheus.ExponentialBuckets(1, 1.6, 12),
		},
		[]string{"outcome"},
	)

	stageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inkup",
			Subsystem: "tryon",
			Name:      "stage_failures_total",
			Help:      "Pipeline failures by stage.",
		},
		[]string{"stage"},
	)

	inflightGenerations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "inkup",
			Subsystem: "tryon",
			Name:      "inflight_generations",
			Help:      "Generations currently being processed.",
		},
	)

	expiredJobs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "inkup",
			Subsystem: "tryon",
			Name:      "expired_jobs_total",
			Help:      "PENDING jobs failed by the expiry sweeper.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		generations,
		generationDuration,
		stageFailures,
		inflightGenerations,
		expiredJobs,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
// Routes are labelled by their chi pattern so ids do not explode cardinality.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := routePattern(r)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

// GenerationStarted tracks an accepted generation until the returned func runs.
func GenerationStarted() func() {
	inflightGenerations.Inc()
	return inflightGenerations.Dec
}

// RecordGeneration records the final outcome of one generation.
func RecordGeneration(outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	generations.WithLabelValues(outcome).Inc()
	generationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordStageFailure counts a failure in a pipeline stage.
func RecordStageFailure(stage string) {
	if stage == "" {
		stage = "unknown"
	}
	stageFailures.WithLabelValues(stage).Inc()
}

// RecordExpired counts jobs failed by the expiry sweeper.
func RecordExpired(n int) {
	expiredJobs.Add(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

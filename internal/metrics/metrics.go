package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pipelineCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecal_pipeline_cycles_total",
		Help: "Total number of pipeline cycles by final status.",
	}, []string{"status"})

	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecal_events_total",
		Help: "Calendar events handled by the insertion stage, by result.",
	}, []string{"result"})

	transcriptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecal_transcripts_total",
		Help: "Transcripts handled by the extraction stage, by result.",
	}, []string{"result"})

	digestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecal_digests_total",
		Help: "Daily summary digests by result.",
	}, []string{"result"})

	lastCycle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicecal_last_cycle_timestamp_seconds",
		Help: "Unix time at which the last pipeline cycle finished.",
	})

	dbLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicecal_db_latency_seconds",
		Help:    "Histogram of database operation latencies.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicecal_http_request_duration_seconds",
		Help:    "Histogram of latencies for status server requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// CycleFinished records the outcome of one pipeline cycle.
func CycleFinished(status string, at time.Time) {
	pipelineCycles.WithLabelValues(status).Inc()
	lastCycle.Set(float64(at.Unix()))
}

// EventHandled counts one event at the insertion stage. Results are
// "created", "invalid", "insert_failed" and "store_failed".
func EventHandled(result string) {
	eventsTotal.WithLabelValues(result).Inc()
}

// TranscriptHandled counts one transcript at the extraction stage.
func TranscriptHandled(result string) {
	transcriptsTotal.WithLabelValues(result).Inc()
}

// DigestSent counts one daily summary attempt.
func DigestSent(result string) {
	digestsTotal.WithLabelValues(result).Inc()
}

// ObserveDBLatency records database latency for a given operation.
func ObserveDBLatency(_ context.Context, operation string, start time.Time) {
	dbLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Middleware records request latency per route.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			httpRequestDuration.
				WithLabelValues(r.Method, routePattern(r), strconv.Itoa(ww.Status())).
				Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

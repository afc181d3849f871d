package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chime_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chime_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	remindersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chime_reminders_created_total",
			Help: "Reminders created by type and channel",
		},
		[]string{"type", "channel"},
	)

	remindersEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chime_reminders_enqueued_total",
			Help: "Delivery tasks enqueued by source (direct or trigger)",
		},
		[]string{"source"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chime_deliveries_total",
			Help: "Per-recipient delivery results by channel",
		},
		[]string{"channel", "result"},
	)

	attempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chime_attempts_total",
			Help: "Dispatch attempts by outcome (success, retry, dead, skipped)",
		},
		[]string{"outcome"},
	)

	dispatchLag = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chime_dispatch_lag_seconds",
			Help:    "Time from a reminder falling due to its dispatch",
			Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300, 900},
		},
		[]string{"channel"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chime_queue_depth",
			Help: "Delivery queue tasks by state",
		},
		[]string{"state"},
	)

	workersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chime_workers_busy",
			Help: "Dispatch workers currently processing a task",
		},
	)

	triggerClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chime_trigger_claimed_total",
			Help: "Due reminders claimed by the scheduling trigger",
		},
	)

	cleanupDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chime_cleanup_deleted_total",
			Help: "Terminal reminders removed by cleanup",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chime_circuit_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chime_idempotency_hits_total",
			Help: "Requests served from idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chime_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"owner_id"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chime_db_connections_active",
			Help: "Acquired database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chime_redis_connections_active",
			Help: "Open Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func RecordReminderCreated(typ, channel string) {
	remindersCreated.WithLabelValues(typ, channel).Inc()
}

// RecordEnqueued counts tasks put on the queue; source is "direct" or "trigger".
func RecordEnqueued(source string) {
	remindersEnqueued.WithLabelValues(source).Inc()
}

// RecordDelivery counts one recipient; result is "sent" or "failed".
func RecordDelivery(channel, result string) {
	deliveries.WithLabelValues(channel, result).Inc()
}

func RecordAttempt(outcome string) {
	attempts.WithLabelValues(outcome).Inc()
}

func RecordDispatchLag(channel string, lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	dispatchLag.WithLabelValues(channel).Observe(lag.Seconds())
}

func SetQueueDepth(delayed, ready, inFlight, dead int64) {
	queueDepth.WithLabelValues("delayed").Set(float64(delayed))
	queueDepth.WithLabelValues("ready").Set(float64(ready))
	queueDepth.WithLabelValues("in_flight").Set(float64(inFlight))
	queueDepth.WithLabelValues("dead").Set(float64(dead))
}

func WorkerBusy() { workersBusy.Inc() }
func WorkerIdle() { workersBusy.Dec() }

func RecordClaimed(n int) {
	triggerClaimed.Add(float64(n))
}

func RecordCleanup(n int64) {
	cleanupDeleted.Add(float64(n))
}

func SetBreakerState(provider string, state int) {
	breakerState.WithLabelValues(provider).Set(float64(state))
}

func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

func RecordRateLimitRejection(ownerID string) {
	rateLimitRejections.WithLabelValues(ownerID).Inc()
}

func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by chi route pattern, so
// reminder ids do not explode label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordDelivery(t *testing.T) {
	before := testutil.ToFloat64(deliveries.WithLabelValues("SMS", "failed"))
	RecordDelivery("SMS", "failed")
	RecordDelivery("SMS", "failed")
	if got := testutil.ToFloat64(deliveries.WithLabelValues("SMS", "failed")) - before; got != 2 {
		t.Errorf("expected 2 failed SMS deliveries, got %v", got)
	}
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth(4, 3, 2, 1)
	tests := map[string]float64{"delayed": 4, "ready": 3, "in_flight": 2, "dead": 1}
	for state, want := range tests {
		if got := testutil.ToFloat64(queueDepth.WithLabelValues(state)); got != want {
			t.Errorf("%s = %v, want %v", state, got, want)
		}
	}
}

func TestWorkerBusyIdle(t *testing.T) {
	before := testutil.ToFloat64(workersBusy)
	WorkerBusy()
	WorkerBusy()
	WorkerIdle()
	if got := testutil.ToFloat64(workersBusy) - before; got != 1 {
		t.Errorf("expected 1 busy worker, got %v", got)
	}
}

func TestRecordDispatchLag_ClampsNegative(t *testing.T) {
	RecordDispatchLag("EMAIL", -time.Second)
	RecordDispatchLag("EMAIL", 2*time.Second)
	if n := testutil.CollectAndCount(dispatchLag); n == 0 {
		t.Error("dispatch lag histogram has no series")
	}
}

func TestRecordersDoNotPanic(t *testing.T) {
	RecordReminderCreated("INSTANT", "EMAIL")
	RecordEnqueued("direct")
	RecordAttempt("success")
	RecordClaimed(3)
	RecordCleanup(2)
	SetBreakerState("ses", 1)
	RecordIdempotencyHit()
	RecordRateLimitRejection("owner-1")
	SetDBConnections(10)
	SetRedisConnections(5)
}

func TestHandler(t *testing.T) {
	RecordAttempt("dead")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "chime_attempts_total") {
		t.Error("metrics output should include chime_attempts_total")
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/reminders/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	counter := httpRequestsTotal.WithLabelValues("GET", "/v1/reminders/{id}", "201")
	before := testutil.ToFloat64(counter)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/reminders/0b7c1d", nil))

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("expected request labelled by route pattern, got delta %v", got)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}

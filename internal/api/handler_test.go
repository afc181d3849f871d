package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/chime/internal/db"
	"github.com/lalithlochan/chime/internal/queue"
	"github.com/lalithlochan/chime/internal/redis"
	"github.com/lalithlochan/chime/internal/service"
)

const testOwner = "00000000-0000-0000-0000-000000000001"

type fakeDead struct {
	tasks []*queue.Task
}

func (f *fakeDead) Dead(_ context.Context, limit int) ([]*queue.Task, error) {
	if limit < len(f.tasks) {
		return f.tasks[:limit], nil
	}
	return f.tasks, nil
}

func (f *fakeDead) Stats(context.Context) (queue.Stats, error) {
	return queue.Stats{Dead: int64(len(f.tasks))}, nil
}

type testServer struct {
	router http.Handler
	repo   *db.MemoryRepository
}

func newTestServer(t *testing.T, idem *redis.IdempotencyService, dead DeadLetters) *testServer {
	t.Helper()
	logger := zap.NewNop()
	repo := db.NewMemoryRepository()
	svc := service.New(repo, nil, service.Config{}, logger)
	h := NewHandler(logger, svc, idem, dead)

	r := chi.NewRouter()
	r.Route("/v1", h.Routes)
	return &testServer{router: r, repo: repo}
}

func newIdempotency(t *testing.T) *redis.IdempotencyService {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redis.NewIdempotencyService(redis.Wrap(rdb, zap.NewNop()), zap.NewNop())
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("failed to marshal request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

type reminderBody struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	Priority int    `json:"priority"`
	IsActive bool   `json:"is_active"`
	Message  string `json:"message"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func emailBody() map[string]any {
	return map[string]any{
		"owner_id": testOwner,
		"channel":  "email",
		"email":    "user@example.com",
		"message":  "Your invoice is due",
	}
}

func TestCreateReminder(t *testing.T) {
	future := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)
	start := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	with := func(extra map[string]any) map[string]any {
		b := emailBody()
		for k, v := range extra {
			b[k] = v
		}
		return b
	}

	tests := []struct {
		name           string
		path           string
		body           any
		expectedStatus int
		expectedType   string
	}{
		{"instant", "/v1/reminders/instant", emailBody(), http.StatusCreated, "INSTANT"},
		{"scheduled", "/v1/reminders/scheduled", with(map[string]any{"remind_at": future}), http.StatusCreated, "SCHEDULED"},
		{"recurring", "/v1/reminders/recurring", with(map[string]any{
			"recurrence_pattern": "daily",
			"start_date":         start,
		}), http.StatusCreated, "RECURRING"},
		{"event based", "/v1/reminders/event", with(map[string]any{
			"event_date":     future,
			"event_trigger":  "before",
			"trigger_offset": 30,
		}), http.StatusCreated, "EVENT_BASED"},
		{"scheduled without remind_at", "/v1/reminders/scheduled", emailBody(), http.StatusBadRequest, ""},
		{"recurring without start_date", "/v1/reminders/recurring", with(map[string]any{"recurrence_pattern": "daily"}), http.StatusBadRequest, ""},
		{"unknown pattern", "/v1/reminders/recurring", with(map[string]any{
			"recurrence_pattern": "fortnightly",
			"start_date":         start,
		}), http.StatusBadRequest, ""},
		{"invalid owner_id", "/v1/reminders/instant", with(map[string]any{"owner_id": "not-a-uuid"}), http.StatusBadRequest, ""},
		{"invalid channel", "/v1/reminders/instant", with(map[string]any{"channel": "telegram"}), http.StatusBadRequest, ""},
		{"invalid email", "/v1/reminders/instant", with(map[string]any{"email": "nope"}), http.StatusBadRequest, ""},
		{"invalid JSON body", "/v1/reminders/instant", "not valid json", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, nil, nil)
			rec := srv.do(t, http.MethodPost, tt.path, tt.body)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
			if tt.expectedStatus != http.StatusCreated {
				errResp := decode[ErrorResponse](t, rec)
				if errResp.Status != tt.expectedStatus || errResp.Title == "" {
					t.Errorf("unexpected problem body: %+v", errResp)
				}
				if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
					t.Errorf("expected problem+json, got %q", ct)
				}
				return
			}

			resp := decode[reminderBody](t, rec)
			if resp.Type != tt.expectedType {
				t.Errorf("expected type %s, got %s", tt.expectedType, resp.Type)
			}
			if resp.Status != "PENDING" {
				t.Errorf("expected PENDING, got %s", resp.Status)
			}
			if _, err := uuid.Parse(resp.ID); err != nil {
				t.Errorf("expected valid UUID, got: %s", resp.ID)
			}
		})
	}
}

func TestCreateReminder_InstantUsesTopPriority(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	body := emailBody()
	body["priority"] = 1

	rec := srv.do(t, http.MethodPost, "/v1/reminders/instant", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[reminderBody](t, rec).Priority; got != 10 {
		t.Errorf("expected priority 10, got %d", got)
	}
}

func TestCreateReminder_Idempotency(t *testing.T) {
	srv := newTestServer(t, newIdempotency(t), nil)

	first := srv.do(t, http.MethodPost, "/v1/reminders/instant", emailBody(), "Idempotency-Key", "abc")
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	created := decode[reminderBody](t, first)

	second := srv.do(t, http.MethodPost, "/v1/reminders/instant", emailBody(), "Idempotency-Key", "abc")
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected X-Idempotency-Replayed header")
	}
	if replayed := decode[reminderBody](t, second); replayed.ID != created.ID {
		t.Errorf("expected replay of %s, got %s", created.ID, replayed.ID)
	}

	all, err := srv.repo.ListForOwner(context.Background(), uuid.MustParse(testOwner))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected exactly one reminder, got %d", len(all))
	}
}

func TestCreateReminder_IdempotencyKeyReleasedOnFailure(t *testing.T) {
	srv := newTestServer(t, newIdempotency(t), nil)

	bad := emailBody()
	bad["email"] = "nope"
	if rec := srv.do(t, http.MethodPost, "/v1/reminders/instant", bad, "Idempotency-Key", "k1"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec := srv.do(t, http.MethodPost, "/v1/reminders/instant", emailBody(), "Idempotency-Key", "k1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected retry with same key to succeed, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Idempotency-Replayed") != "" {
		t.Error("failed request must not be replayed")
	}
}

func createScheduled(t *testing.T, srv *testServer) reminderBody {
	t.Helper()
	body := emailBody()
	body["remind_at"] = time.Now().Add(3 * time.Hour).UTC().Format(time.RFC3339)
	rec := srv.do(t, http.MethodPost, "/v1/reminders/scheduled", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decode[reminderBody](t, rec)
}

func TestGetReminder(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	created := createScheduled(t, srv)

	tests := []struct {
		name           string
		path           string
		owner          string
		expectedStatus int
	}{
		{"exists", "/v1/reminders/" + created.ID, "", http.StatusOK},
		{"exists for owner", "/v1/reminders/" + created.ID, testOwner, http.StatusOK},
		{"other owner", "/v1/reminders/" + created.ID, uuid.NewString(), http.StatusNotFound},
		{"unknown id", "/v1/reminders/" + uuid.NewString(), "", http.StatusNotFound},
		{"invalid id", "/v1/reminders/not-a-uuid", "", http.StatusBadRequest},
		{"invalid owner", "/v1/reminders/" + created.ID, "bad", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers []string
			if tt.owner != "" {
				headers = []string{"X-Owner-ID", tt.owner}
			}
			rec := srv.do(t, http.MethodGet, tt.path, nil, headers...)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
			if tt.expectedStatus == http.StatusOK {
				if got := decode[reminderBody](t, rec); got.ID != created.ID {
					t.Errorf("expected %s, got %s", created.ID, got.ID)
				}
			}
		})
	}
}

func TestUpdateReminder(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	created := createScheduled(t, srv)

	rec := srv.do(t, http.MethodPatch, "/v1/reminders/"+created.ID, map[string]any{"message": "Updated"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[reminderBody](t, rec).Message; got != "Updated" {
		t.Errorf("expected updated message, got %q", got)
	}

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	rec = srv.do(t, http.MethodPatch, "/v1/reminders/"+created.ID, map[string]any{"remind_at": past})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for past remind_at, got %d", rec.Code)
	}
}

func TestReminderLifecycle(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	created := createScheduled(t, srv)
	base := "/v1/reminders/" + created.ID

	if rec := srv.do(t, http.MethodPost, base+"/resume", nil); rec.Code != http.StatusConflict {
		t.Errorf("resume of active reminder: expected 409, got %d", rec.Code)
	}

	rec := srv.do(t, http.MethodPost, base+"/pause", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if decode[reminderBody](t, rec).IsActive {
		t.Error("expected paused reminder to be inactive")
	}

	rec = srv.do(t, http.MethodPost, base+"/resume", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !decode[reminderBody](t, rec).IsActive {
		t.Error("expected resumed reminder to be active")
	}

	rec = srv.do(t, http.MethodPost, base+"/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", rec.Code)
	}
	if got := decode[reminderBody](t, rec).Status; got != "CANCELLED" {
		t.Errorf("expected CANCELLED, got %s", got)
	}

	rec = srv.do(t, http.MethodPost, base+"/pause", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("pause of cancelled reminder: expected 409, got %d", rec.Code)
	}
	if errResp := decode[ErrorResponse](t, rec); errResp.Type != "invalid_state" {
		t.Errorf("expected invalid_state, got %s", errResp.Type)
	}

	if rec := srv.do(t, http.MethodDelete, base, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
	if rec := srv.do(t, http.MethodGet, base, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: expected 404, got %d", rec.Code)
	}
}

func TestListReminders(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	for i := 0; i < 3; i++ {
		createScheduled(t, srv)
	}
	if rec := srv.do(t, http.MethodPost, "/v1/reminders/instant", emailBody()); rec.Code != http.StatusCreated {
		t.Fatalf("create instant: %d", rec.Code)
	}

	tests := []struct {
		name           string
		query          string
		expectedStatus int
		expectedTotal  int
		expectedItems  int
	}{
		{"all", "owner_id=" + testOwner, http.StatusOK, 4, 4},
		{"by type", "owner_id=" + testOwner + "&type=scheduled", http.StatusOK, 3, 3},
		{"paged", "owner_id=" + testOwner + "&limit=2&page=2", http.StatusOK, 4, 2},
		{"other owner", "owner_id=" + uuid.NewString(), http.StatusOK, 0, 0},
		{"missing owner", "", http.StatusBadRequest, 0, 0},
		{"bad status", "owner_id=" + testOwner + "&status=lost", http.StatusBadRequest, 0, 0},
		{"bad limit", "owner_id=" + testOwner + "&limit=0", http.StatusBadRequest, 0, 0},
		{"bad from", "owner_id=" + testOwner + "&from=yesterday", http.StatusBadRequest, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(t, http.MethodGet, "/v1/reminders?"+tt.query, nil)
			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.expectedStatus, rec.Code, rec.Body.String())
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}
			resp := decode[struct {
				Data  []reminderBody `json:"data"`
				Total int            `json:"total"`
			}](t, rec)
			if resp.Total != tt.expectedTotal {
				t.Errorf("expected total %d, got %d", tt.expectedTotal, resp.Total)
			}
			if len(resp.Data) != tt.expectedItems {
				t.Errorf("expected %d items, got %d", tt.expectedItems, len(resp.Data))
			}
		})
	}
}

func TestGetAnalytics(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	createScheduled(t, srv)
	createScheduled(t, srv)

	rec := srv.do(t, http.MethodGet, "/v1/analytics", nil, "X-Owner-ID", testOwner)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[struct {
		Total  int            `json:"total"`
		Active int            `json:"active"`
		ByType map[string]int `json:"by_type"`
	}](t, rec)
	if resp.Total != 2 || resp.Active != 2 {
		t.Errorf("expected 2 total and active, got %+v", resp)
	}
	if resp.ByType["SCHEDULED"] != 2 {
		t.Errorf("expected 2 scheduled, got %v", resp.ByType)
	}

	if rec := srv.do(t, http.MethodGet, "/v1/analytics", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("missing owner: expected 400, got %d", rec.Code)
	}
}

func TestCleanup(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	rec := srv.do(t, http.MethodPost, "/v1/maintenance/cleanup?older_than_days=7", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode[map[string]int](t, rec)
	if resp["deleted"] != 0 || resp["older_than_days"] != 7 {
		t.Errorf("unexpected body: %v", resp)
	}

	if rec := srv.do(t, http.MethodPost, "/v1/maintenance/cleanup?older_than_days=-1", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("negative days: expected 400, got %d", rec.Code)
	}
}

func TestListDeadTasks(t *testing.T) {
	t.Run("no queue", func(t *testing.T) {
		srv := newTestServer(t, nil, nil)
		if rec := srv.do(t, http.MethodGet, "/v1/queue/dead", nil); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", rec.Code)
		}
	})

	t.Run("with dead tasks", func(t *testing.T) {
		dead := &fakeDead{tasks: []*queue.Task{
			{ID: uuid.New(), LastError: "smtp down"},
			{ID: uuid.New(), LastError: "timeout"},
		}}
		srv := newTestServer(t, nil, dead)

		rec := srv.do(t, http.MethodGet, "/v1/queue/dead?limit=1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		resp := decode[struct {
			Data  []queue.Task `json:"data"`
			Count int          `json:"count"`
			Queue queue.Stats  `json:"queue"`
		}](t, rec)
		if resp.Count != 1 || len(resp.Data) != 1 {
			t.Errorf("expected one task, got %d", resp.Count)
		}
		if resp.Queue.Dead != 2 {
			t.Errorf("expected dead depth 2, got %d", resp.Queue.Dead)
		}
	})
}

func TestCreateTemplate(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	body := map[string]any{
		"owner_id": testOwner,
		"name":     "invoice",
		"channel":  "EMAIL",
		"subject":  "Invoice {{.number}}",
		"body":     "Hi {{.name}}, your invoice is due.",
	}

	rec := srv.do(t, http.MethodPost, "/v1/templates", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = srv.do(t, http.MethodPost, "/v1/templates", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", rec.Code)
	}
	if errResp := decode[ErrorResponse](t, rec); errResp.Type != "duplicate_template" {
		t.Errorf("expected duplicate_template, got %s", errResp.Type)
	}

	body["name"] = "broken"
	body["body"] = "Hi {{.name"
	if rec := srv.do(t, http.MethodPost, "/v1/templates", body); rec.Code != http.StatusBadRequest {
		t.Errorf("unparseable body: expected 400, got %d", rec.Code)
	}
}

func TestCreateContact(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	rec := srv.do(t, http.MethodPost, "/v1/contacts", map[string]any{
		"owner_id": testOwner,
		"name":     "Ada",
		"email":    "Ada@Example.com",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "ada@example.com") {
		t.Errorf("expected normalized email in %s", rec.Body.String())
	}

	rec = srv.do(t, http.MethodPost, "/v1/contacts", map[string]any{"owner_id": testOwner, "name": "Nobody"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no email or phone: expected 400, got %d", rec.Code)
	}
}

func TestCreateReminder_IdempotencyKeyReusedWithDifferentBody(t *testing.T) {
	srv := newTestServer(t, newIdempotency(t), nil)

	if rec := srv.do(t, http.MethodPost, "/v1/reminders/instant", emailBody(), "Idempotency-Key", "k2"); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	other := emailBody()
	other["message"] = "Something else"
	rec := srv.do(t, http.MethodPost, "/v1/reminders/instant", other, "Idempotency-Key", "k2")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
	if errResp := decode[ErrorResponse](t, rec); errResp.Type != "idempotency_key_reused" {
		t.Errorf("expected idempotency_key_reused, got %s", errResp.Type)
	}
}

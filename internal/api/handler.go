package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/chime/internal/analytics"
	"github.com/lalithlochan/chime/internal/db"
	"github.com/lalithlochan/chime/internal/metrics"
	"github.com/lalithlochan/chime/internal/queue"
	"github.com/lalithlochan/chime/internal/redis"
	"github.com/lalithlochan/chime/internal/reminder"
	"github.com/lalithlochan/chime/internal/service"
)

// ReminderService is the reminder API the handlers call.
type ReminderService interface {
	SendInstant(ctx context.Context, p reminder.Params) (*reminder.Reminder, error)
	Schedule(ctx context.Context, p reminder.Params, remindAt time.Time) (*reminder.Reminder, error)
	CreateRecurring(ctx context.Context, p reminder.Params, rec reminder.Recurring) (*reminder.Reminder, error)
	CreateEventBased(ctx context.Context, p reminder.Params, ev reminder.Event) (*reminder.Reminder, error)

	Get(ctx context.Context, ownerID, id uuid.UUID) (*reminder.Reminder, error)
	Update(ctx context.Context, ownerID, id uuid.UUID, patch reminder.Patch) (*reminder.Reminder, error)
	Pause(ctx context.Context, ownerID, id uuid.UUID) (*reminder.Reminder, error)
	Resume(ctx context.Context, ownerID, id uuid.UUID) (*reminder.Reminder, error)
	Cancel(ctx context.Context, ownerID, id uuid.UUID) (*reminder.Reminder, error)
	Delete(ctx context.Context, ownerID, id uuid.UUID) error

	List(ctx context.Context, ownerID uuid.UUID, f db.Filter, p db.Page) (*service.ListResult, error)
	Analytics(ctx context.Context, ownerID uuid.UUID) (analytics.Summary, error)
	CleanupCompleted(ctx context.Context, olderThanDays int) (int64, error)

	CreateTemplate(ctx context.Context, p service.TemplateParams) (*db.Template, error)
	CreateContact(ctx context.Context, p service.ContactParams) (*db.Contact, error)
}

// DeadLetters exposes the queue's dead tasks and depth.
type DeadLetters interface {
	Dead(ctx context.Context, limit int) ([]*queue.Task, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	svc         ReminderService
	idempotency *redis.IdempotencyService // nil if Redis not configured
	dead        DeadLetters               // nil if no queue is configured
}

// NewHandler creates a new API handler. idempotency and dead may be nil.
func NewHandler(logger *zap.Logger, svc ReminderService, idempotency *redis.IdempotencyService, dead DeadLetters) *Handler {
	return &Handler{
		logger:      logger,
		svc:         svc,
		idempotency: idempotency,
		dead:        dead,
	}
}

// Routes mounts the /v1 API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/reminders", func(r chi.Router) {
		r.Post("/instant", h.createReminder(kindInstant))
		r.Post("/scheduled", h.createReminder(kindScheduled))
		r.Post("/recurring", h.createReminder(kindRecurring))
		r.Post("/event", h.createReminder(kindEvent))

		r.Get("/", h.ListReminders)
		r.Get("/{id}", h.GetReminder)
		r.Patch("/{id}", h.UpdateReminder)
		r.Delete("/{id}", h.DeleteReminder)
		r.Post("/{id}/pause", h.transition("pause", h.svc.Pause))
		r.Post("/{id}/resume", h.transition("resume", h.svc.Resume))
		r.Post("/{id}/cancel", h.transition("cancel", h.svc.Cancel))
	})

	r.Get("/analytics", h.GetAnalytics)
	r.Post("/maintenance/cleanup", h.Cleanup)
	r.Get("/queue/dead", h.ListDeadTasks)
	r.Post("/templates", h.CreateTemplate)
	r.Post("/contacts", h.CreateContact)
}

// maxBodyBytes caps create request bodies, which are read whole for the
// idempotency fingerprint.
const maxBodyBytes = 1 << 20

type createKind int

const (
	kindInstant createKind = iota
	kindScheduled
	kindRecurring
	kindEvent
)

func (h *Handler) create(ctx context.Context, kind createKind, req *CreateReminderRequest) (*reminder.Reminder, error) {
	p, err := req.Params()
	if err != nil {
		return nil, err
	}

	switch kind {
	case kindScheduled:
		if req.RemindAt == nil {
			return nil, invalid("remind_at is required")
		}
		return h.svc.Schedule(ctx, p, *req.RemindAt)
	case kindRecurring:
		rec, err := req.recurring()
		if err != nil {
			return nil, err
		}
		return h.svc.CreateRecurring(ctx, p, rec)
	case kindEvent:
		ev, err := req.event()
		if err != nil {
			return nil, err
		}
		return h.svc.CreateEventBased(ctx, p, ev)
	}
	return h.svc.SendInstant(ctx, p)
}

// createReminder handles POST /v1/reminders/{kind}.
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) createReminder(kind createKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		idempotencyKey := r.Header.Get("Idempotency-Key")

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
			return
		}
		var req CreateReminderRequest
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
		fingerprint := redis.Fingerprint(body)

		useIdempotency := idempotencyKey != "" && h.idempotency != nil && req.OwnerID != ""
		if useIdempotency {
			cached, err := h.idempotency.CheckOrReserve(ctx, req.OwnerID, idempotencyKey)
			if err != nil {
				if errors.Is(err, redis.ErrDuplicateRequest) {
					writeError(w, http.StatusConflict, "duplicate_request",
						"Request is already being processed",
						"Another request with this idempotency key is in progress")
					return
				}
				h.logger.Warn("idempotency check failed, proceeding",
					zap.Error(err),
					zap.String("idempotency_key", idempotencyKey),
				)
				useIdempotency = false
			} else if cached != nil {
				if !cached.Matches(fingerprint) {
					writeError(w, http.StatusUnprocessableEntity, "idempotency_key_reused",
						"Idempotency key reused",
						"The key was already used with a different request body")
					return
				}
				h.replay(w, r, cached)
				return
			}
		}

		rem, err := h.create(ctx, kind, &req)
		if err != nil {
			if useIdempotency {
				if rerr := h.idempotency.Release(ctx, req.OwnerID, idempotencyKey); rerr != nil {
					h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
				}
			}
			h.handleError(w, err, "Failed to create reminder")
			return
		}

		if useIdempotency {
			result := &redis.IdempotencyResult{
				ReminderID:  rem.ID.String(),
				StatusCode:  http.StatusCreated,
				Fingerprint: fingerprint,
			}
			if err := h.idempotency.Store(ctx, req.OwnerID, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
				h.logger.Warn("failed to store idempotency result",
					zap.Error(err),
					zap.String("idempotency_key", idempotencyKey),
				)
			}
		}

		writeJSON(w, http.StatusCreated, rem)
	}
}

// replay answers a repeated create with the reminder the first request made.
func (h *Handler) replay(w http.ResponseWriter, r *http.Request, cached *redis.IdempotencyResult) {
	metrics.RecordIdempotencyHit()
	w.Header().Set("X-Idempotency-Replayed", "true")

	id, err := uuid.Parse(cached.ReminderID)
	if err == nil {
		if rem, err := h.svc.Get(r.Context(), uuid.Nil, id); err == nil {
			writeJSON(w, cached.StatusCode, rem)
			return
		}
	}
	writeJSON(w, cached.StatusCode, map[string]string{"id": cached.ReminderID})
}

// GetReminder handles GET /v1/reminders/{id}
func (h *Handler) GetReminder(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.target(w, r)
	if !ok {
		return
	}
	rem, err := h.svc.Get(r.Context(), owner, id)
	if err != nil {
		h.handleError(w, err, "Failed to get reminder")
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

// UpdateReminder handles PATCH /v1/reminders/{id}
func (h *Handler) UpdateReminder(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var req UpdateReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	rem, err := h.svc.Update(r.Context(), owner, id, req.Patch())
	if err != nil {
		h.handleError(w, err, "Failed to update reminder")
		return
	}
	writeJSON(w, http.StatusOK, rem)
}

// DeleteReminder handles DELETE /v1/reminders/{id}
func (h *Handler) DeleteReminder(w http.ResponseWriter, r *http.Request) {
	owner, id, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), owner, id); err != nil {
		h.handleError(w, err, "Failed to delete reminder")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) transition(verb string, apply func(ctx context.Context, ownerID, id uuid.UUID) (*reminder.Reminder, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, id, ok := h.target(w, r)
		if !ok {
			return
		}
		rem, err := apply(r.Context(), owner, id)
		if err != nil {
			h.handleError(w, err, "Failed to "+verb+" reminder")
			return
		}
		writeJSON(w, http.StatusOK, rem)
	}
}

// target parses the optional owner and the {id} path parameter.
func (h *Handler) target(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid reminder ID", "ID must be a valid UUID")
		return uuid.Nil, uuid.Nil, false
	}
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid owner_id", "owner_id must be a valid UUID")
		return uuid.Nil, uuid.Nil, false
	}
	return owner, id, true
}

// requireOwner is target for routes that list an owner's data.
func requireOwner(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	owner, err := ownerID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid owner_id", "owner_id must be a valid UUID")
		return uuid.Nil, false
	}
	if owner == uuid.Nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Missing owner_id", "owner_id query parameter is required")
		return uuid.Nil, false
	}
	return owner, true
}

// ListReminders handles GET /v1/reminders?owner_id=xxx&status=&page=&limit=
func (h *Handler) ListReminders(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	f, p, err := listQuery(r)
	if err != nil {
		h.handleError(w, err, "Invalid query")
		return
	}
	res, err := h.svc.List(r.Context(), owner, f, p)
	if err != nil {
		h.handleError(w, err, "Failed to list reminders")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetAnalytics handles GET /v1/analytics?owner_id=xxx
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	summary, err := h.svc.Analytics(r.Context(), owner)
	if err != nil {
		h.handleError(w, err, "Failed to compute analytics")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Cleanup handles POST /v1/maintenance/cleanup?older_than_days=N
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	days := 30
	if s := r.URL.Query().Get("older_than_days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid older_than_days", "older_than_days must be a non-negative integer")
			return
		}
		days = n
	}
	deleted, err := h.svc.CleanupCompleted(r.Context(), days)
	if err != nil {
		h.handleError(w, err, "Failed to clean up reminders")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":         deleted,
		"older_than_days": days,
	})
}

// ListDeadTasks handles GET /v1/queue/dead?limit=50
func (h *Handler) ListDeadTasks(w http.ResponseWriter, r *http.Request) {
	if h.dead == nil {
		writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "Delivery queue not configured", "")
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	tasks, err := h.dead.Dead(r.Context(), limit)
	if err != nil {
		h.handleError(w, err, "Failed to list dead tasks")
		return
	}
	stats, err := h.dead.Stats(r.Context())
	if err != nil {
		h.logger.Warn("failed to read queue stats", zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":  tasks,
		"count": len(tasks),
		"queue": stats,
	})
}

// CreateTemplate handles POST /v1/templates
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req CreateTemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	owner, err := parseID("owner_id", req.OwnerID)
	if err != nil {
		h.handleError(w, err, "Invalid template")
		return
	}
	t, err := h.svc.CreateTemplate(r.Context(), service.TemplateParams{
		OwnerID: owner,
		Name:    req.Name,
		Channel: req.Channel,
		Subject: req.Subject,
		Body:    req.Body,
	})
	if err != nil {
		h.handleError(w, err, "Failed to create template")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// CreateContact handles POST /v1/contacts
func (h *Handler) CreateContact(w http.ResponseWriter, r *http.Request) {
	var req CreateContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	owner, err := parseID("owner_id", req.OwnerID)
	if err != nil {
		h.handleError(w, err, "Invalid contact")
		return
	}
	c, err := h.svc.CreateContact(r.Context(), service.ContactParams{
		OwnerID:    owner,
		Name:       req.Name,
		Email:      req.Email,
		Phone:      req.Phone,
		Attributes: req.Attributes,
	})
	if err != nil {
		h.handleError(w, err, "Failed to create contact")
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

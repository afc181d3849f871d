package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/chime/internal/db"
	"github.com/lalithlochan/chime/internal/recurrence"
	"github.com/lalithlochan/chime/internal/reminder"
)

// CreateReminderRequest is the body of every POST /v1/reminders/* route.
// Schedule fields that do not apply to the route are ignored.
type CreateReminderRequest struct {
	OwnerID string  `json:"owner_id"`
	FileID  *string `json:"file_id,omitempty"`
	Tag     string  `json:"tag,omitempty"`

	Channel string   `json:"channel"`
	Email   string   `json:"email,omitempty"`
	Emails  []string `json:"emails,omitempty"`
	Phone   string   `json:"phone,omitempty"`
	Phones  []string `json:"phones,omitempty"`
	IsBulk  bool     `json:"is_bulk"`

	Message      string         `json:"message"`
	Subject      string         `json:"subject,omitempty"`
	TemplateID   *string        `json:"template_id,omitempty"`
	TemplateName string         `json:"template_name,omitempty"`
	TemplateData map[string]any `json:"template_data,omitempty"`

	Timezone   string `json:"timezone,omitempty"`
	Priority   int    `json:"priority,omitempty"`
	MaxRetries *int   `json:"max_retries,omitempty"`

	RemindAt *time.Time `json:"remind_at,omitempty"`

	RecurrencePattern  string     `json:"recurrence_pattern,omitempty"`
	RecurrenceInterval int        `json:"recurrence_interval,omitempty"`
	StartDate          *time.Time `json:"start_date,omitempty"`
	EndDate            *time.Time `json:"end_date,omitempty"`
	MaxExecutions      *int       `json:"max_executions,omitempty"`
	CronExpression     string     `json:"cron_expression,omitempty"`

	EventDate     *time.Time `json:"event_date,omitempty"`
	EventTrigger  string     `json:"event_trigger,omitempty"`
	TriggerOffset int        `json:"trigger_offset,omitempty"`
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", reminder.ErrValidation, fmt.Sprintf(format, args...))
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, invalid("%s must be a valid UUID", field)
	}
	return id, nil
}

func parseOptionalID(field string, s *string) (*uuid.UUID, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	id, err := parseID(field, *s)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// Params converts the request into reminder creation parameters.
func (req *CreateReminderRequest) Params() (reminder.Params, error) {
	if req.OwnerID == "" {
		return reminder.Params{}, invalid("owner_id is required")
	}
	owner, err := parseID("owner_id", req.OwnerID)
	if err != nil {
		return reminder.Params{}, err
	}
	fileID, err := parseOptionalID("file_id", req.FileID)
	if err != nil {
		return reminder.Params{}, err
	}
	templateID, err := parseOptionalID("template_id", req.TemplateID)
	if err != nil {
		return reminder.Params{}, err
	}

	return reminder.Params{
		OwnerID: owner,
		FileID:  fileID,
		Tag:     req.Tag,
		Channel: reminder.Channel(strings.ToUpper(req.Channel)),
		Recipients: reminder.Recipients{
			Email:  req.Email,
			Emails: req.Emails,
			Phone:  req.Phone,
			Phones: req.Phones,
		},
		IsBulk:       req.IsBulk,
		Message:      req.Message,
		Subject:      req.Subject,
		TemplateID:   templateID,
		TemplateName: req.TemplateName,
		TemplateData: req.TemplateData,
		Timezone:     req.Timezone,
		Priority:     req.Priority,
		MaxRetries:   req.MaxRetries,
	}, nil
}

func (req *CreateReminderRequest) recurring() (reminder.Recurring, error) {
	if req.RecurrencePattern == "" {
		return reminder.Recurring{}, invalid("recurrence_pattern is required")
	}
	pattern, err := recurrence.ParsePattern(req.RecurrencePattern)
	if err != nil {
		return reminder.Recurring{}, fmt.Errorf("%w: %w", reminder.ErrValidation, err)
	}
	if req.StartDate == nil {
		return reminder.Recurring{}, invalid("start_date is required")
	}
	return reminder.Recurring{
		Pattern:       pattern,
		Interval:      req.RecurrenceInterval,
		StartDate:     *req.StartDate,
		EndDate:       req.EndDate,
		MaxExecutions: req.MaxExecutions,
		CronExpr:      req.CronExpression,
	}, nil
}

func (req *CreateReminderRequest) event() (reminder.Event, error) {
	if req.EventDate == nil {
		return reminder.Event{}, invalid("event_date is required")
	}
	trigger := reminder.EventTrigger(strings.ToUpper(req.EventTrigger))
	if trigger == "" {
		trigger = reminder.TriggerOn
	}
	return reminder.Event{
		EventDate:     *req.EventDate,
		Trigger:       trigger,
		OffsetMinutes: req.TriggerOffset,
	}, nil
}

// UpdateReminderRequest is the body of PATCH /v1/reminders/{id}.
type UpdateReminderRequest struct {
	Message       *string        `json:"message,omitempty"`
	Subject       *string        `json:"subject,omitempty"`
	Tag           *string        `json:"tag,omitempty"`
	Priority      *int           `json:"priority,omitempty"`
	MaxRetries    *int           `json:"max_retries,omitempty"`
	TemplateData  map[string]any `json:"template_data,omitempty"`
	RemindAt      *time.Time     `json:"remind_at,omitempty"`
	EventDate     *time.Time     `json:"event_date,omitempty"`
	TriggerOffset *int           `json:"trigger_offset,omitempty"`
	EndDate       *time.Time     `json:"end_date,omitempty"`
	MaxExecutions *int           `json:"max_executions,omitempty"`
}

func (req *UpdateReminderRequest) Patch() reminder.Patch {
	return reminder.Patch{
		Message:       req.Message,
		Subject:       req.Subject,
		Tag:           req.Tag,
		Priority:      req.Priority,
		MaxRetries:    req.MaxRetries,
		TemplateData:  req.TemplateData,
		RemindAt:      req.RemindAt,
		EventDate:     req.EventDate,
		OffsetMinutes: req.TriggerOffset,
		EndDate:       req.EndDate,
		MaxExecutions: req.MaxExecutions,
	}
}

type CreateTemplateRequest struct {
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
	Channel string `json:"channel,omitempty"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

type CreateContactRequest struct {
	OwnerID    string         `json:"owner_id"`
	Name       string         `json:"name,omitempty"`
	Email      string         `json:"email,omitempty"`
	Phone      string         `json:"phone,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ownerID reads the tenant from the X-Owner-ID header or the owner_id query
// parameter. It returns uuid.Nil when neither is present.
func ownerID(r *http.Request) (uuid.UUID, error) {
	s := r.Header.Get("X-Owner-ID")
	if s == "" {
		s = r.URL.Query().Get("owner_id")
	}
	if s == "" {
		return uuid.Nil, nil
	}
	return parseID("owner_id", s)
}

// listQuery parses filters and pagination from the query string.
func listQuery(r *http.Request) (db.Filter, db.Page, error) {
	q := r.URL.Query()
	f := db.Filter{
		Status:  reminder.Status(strings.ToUpper(q.Get("status"))),
		Type:    reminder.Type(strings.ToUpper(q.Get("type"))),
		Channel: reminder.Channel(strings.ToUpper(q.Get("channel"))),
		Tag:     q.Get("tag"),
	}
	switch f.Status {
	case "", reminder.StatusPending, reminder.StatusSent, reminder.StatusFailed, reminder.StatusCompleted, reminder.StatusCancelled:
	default:
		return db.Filter{}, db.Page{}, invalid("unknown status %q", f.Status)
	}
	switch f.Type {
	case "", reminder.TypeInstant, reminder.TypeScheduled, reminder.TypeRecurring, reminder.TypeEventBased:
	default:
		return db.Filter{}, db.Page{}, invalid("unknown type %q", f.Type)
	}
	if f.Channel != "" && !f.Channel.Valid() {
		return db.Filter{}, db.Page{}, invalid("unknown channel %q", f.Channel)
	}
	if s := q.Get("active"); s != "" {
		active, err := strconv.ParseBool(s)
		if err != nil {
			return db.Filter{}, db.Page{}, invalid("active must be true or false")
		}
		f.Active = &active
	}
	for field, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		s := q.Get(field)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return db.Filter{}, db.Page{}, invalid("%s must be an RFC 3339 timestamp", field)
		}
		*dst = &t
	}

	p := db.Page{SortBy: q.Get("sort_by"), SortOrder: q.Get("sort_order")}
	for field, dst := range map[string]*int{"page": &p.Page, "limit": &p.Limit} {
		s := q.Get(field)
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return db.Filter{}, db.Page{}, invalid("%s must be a positive integer", field)
		}
		*dst = n
	}
	return f, p, nil
}

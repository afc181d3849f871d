// Package reminder holds the reminder record, its schedule variants and the
// state transitions driven by the dispatch worker and by user actions.
package reminder

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/chime/internal/recurrence"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("reminder not found")
	ErrTerminal   = errors.New("reminder is in a terminal status")
	ErrNotPaused  = errors.New("reminder is not paused")
	ErrNotPending = errors.New("reminder is not pending")
	// ErrConflict is returned by a save whose Version no longer matches the
	// stored record.
	ErrConflict = errors.New("reminder was modified concurrently")
)

// Channel selects which dispatchers run.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
	ChannelBoth  Channel = "BOTH"
)

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS || c == ChannelBoth
}

// UsesEmail reports whether the email dispatcher runs for this channel.
func (c Channel) UsesEmail() bool { return c == ChannelEmail || c == ChannelBoth }

// UsesSMS reports whether the SMS dispatcher runs for this channel.
func (c Channel) UsesSMS() bool { return c == ChannelSMS || c == ChannelBoth }

// Type is derived from the schedule variant and never changes.
type Type string

const (
	TypeInstant    Type = "INSTANT"
	TypeScheduled  Type = "SCHEDULED"
	TypeRecurring  Type = "RECURRING"
	TypeEventBased Type = "EVENT_BASED"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusFailed    Status = "FAILED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further automatic processing happens.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusFailed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

const (
	DefaultPriority   = 5
	MinPriority       = 1
	MaxPriority       = 10
	DefaultMaxRetries = 3
	DefaultTimezone   = "UTC"
)

// Recipients holds the single or bulk identifiers for each channel.
type Recipients struct {
	Email  string   `json:"email,omitempty"`
	Emails []string `json:"emails,omitempty"`
	Phone  string   `json:"phone,omitempty"`
	Phones []string `json:"phones,omitempty"`
}

// Reminder is a persisted notification intent with its delivery state.
type Reminder struct {
	ID      uuid.UUID  `json:"id"`
	OwnerID uuid.UUID  `json:"owner_id"`
	FileID  *uuid.UUID `json:"file_id,omitempty"`
	Tag     string     `json:"tag,omitempty"`

	Channel    Channel    `json:"channel"`
	Recipients Recipients `json:"recipients"`
	IsBulk     bool       `json:"is_bulk"`

	Message      string         `json:"message"`
	Subject      string         `json:"subject,omitempty"`
	TemplateID   *uuid.UUID     `json:"template_id,omitempty"`
	TemplateName string         `json:"template_name,omitempty"`
	TemplateData map[string]any `json:"template_data,omitempty"`

	Schedule Schedule `json:"-"`

	Status          Status     `json:"status"`
	IsActive        bool       `json:"is_active"`
	NextExecution   *time.Time `json:"next_execution,omitempty"`
	LastExecution   *time.Time `json:"last_execution,omitempty"`
	ExecutionCount  int        `json:"execution_count"`
	SuccessCount    int        `json:"success_count"`
	FailureCount    int        `json:"failure_count"`
	RetryCount      int        `json:"retry_count"`
	OccurrenceCount int        `json:"occurrence_count"`
	MaxRetries      int        `json:"max_retries"`
	LastError       *string    `json:"last_error,omitempty"`

	Timezone     string     `json:"timezone"`
	Priority     int        `json:"priority"`
	ClaimedUntil *time.Time `json:"-"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	// Version increments on every write; saves are conditional on it.
	Version int64 `json:"version"`
}

// Type returns the reminder type implied by its schedule.
func (r *Reminder) Type() Type {
	if r.Schedule == nil {
		return ""
	}
	return r.Schedule.Type()
}

// Location resolves the reminder's timezone, falling back to UTC.
func (r *Reminder) Location() *time.Location {
	loc, err := recurrence.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Dispatchable reports whether a worker may send this reminder.
func (r *Reminder) Dispatchable() bool {
	return r.IsActive && r.Status == StatusPending
}

// Due reports whether the reminder is dispatchable and its next execution has passed.
func (r *Reminder) Due(now time.Time) bool {
	return r.Dispatchable() && r.NextExecution != nil && !r.NextExecution.After(now)
}

// Claimed reports whether a live claim lease is held at now.
func (r *Reminder) Claimed(now time.Time) bool {
	return r.ClaimedUntil != nil && r.ClaimedUntil.After(now)
}

// EmailTargets lists the email recipients, or nil when the channel has no email leg.
func (r *Reminder) EmailTargets() []string {
	if !r.Channel.UsesEmail() {
		return nil
	}
	if r.IsBulk {
		return r.Recipients.Emails
	}
	if r.Recipients.Email == "" {
		return nil
	}
	return []string{r.Recipients.Email}
}

// PhoneTargets lists the SMS recipients, or nil when the channel has no SMS leg.
func (r *Reminder) PhoneTargets() []string {
	if !r.Channel.UsesSMS() {
		return nil
	}
	if r.IsBulk {
		return r.Recipients.Phones
	}
	if r.Recipients.Phone == "" {
		return nil
	}
	return []string{r.Recipients.Phone}
}

// Clone returns a deep copy.
func (r *Reminder) Clone() *Reminder {
	c := *r
	c.FileID = cloneUUID(r.FileID)
	c.TemplateID = cloneUUID(r.TemplateID)
	c.Recipients.Emails = append([]string(nil), r.Recipients.Emails...)
	c.Recipients.Phones = append([]string(nil), r.Recipients.Phones...)
	if r.TemplateData != nil {
		c.TemplateData = make(map[string]any, len(r.TemplateData))
		for k, v := range r.TemplateData {
			c.TemplateData[k] = v
		}
	}
	c.Schedule = cloneSchedule(r.Schedule)
	c.NextExecution = cloneTime(r.NextExecution)
	c.LastExecution = cloneTime(r.LastExecution)
	c.ClaimedUntil = cloneTime(r.ClaimedUntil)
	if r.LastError != nil {
		s := *r.LastError
		c.LastError = &s
	}
	return &c
}

// MarshalJSON adds the type and schedule payload to the encoded record.
func (r *Reminder) MarshalJSON() ([]byte, error) {
	type plain Reminder
	sched, err := MarshalSchedule(r.Schedule)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		*plain
		Type     Type            `json:"type"`
		Schedule json.RawMessage `json:"schedule"`
	}{
		plain:    (*plain)(r),
		Type:     r.Type(),
		Schedule: sched,
	})
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(n *int) *int {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}

package reminder

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"

	"github.com/lalithlochan/chime/internal/recurrence"
)

// Params carries everything needed to create a reminder.
type Params struct {
	OwnerID uuid.UUID
	FileID  *uuid.UUID
	Tag     string

	Channel    Channel
	Recipients Recipients
	IsBulk     bool

	Message      string
	Subject      string
	TemplateID   *uuid.UUID
	TemplateName string
	TemplateData map[string]any

	Schedule   Schedule
	Timezone   string
	Priority   int  // 0 means DefaultPriority
	MaxRetries *int // nil means DefaultMaxRetries
}

// New validates p and builds a PENDING reminder with its initial next execution.
func New(p Params, now time.Time) (*Reminder, error) {
	if p.OwnerID == uuid.Nil {
		return nil, invalid("owner_id is required")
	}
	if !p.Channel.Valid() {
		return nil, invalid("channel must be EMAIL, SMS or BOTH, got %q", p.Channel)
	}
	if strings.TrimSpace(p.Message) == "" && p.TemplateID == nil && p.TemplateName == "" {
		return nil, invalid("message or template is required")
	}
	if p.Schedule == nil {
		return nil, invalid("schedule is required")
	}

	recipients, err := normalizeRecipients(p.Channel, p.Recipients, p.IsBulk)
	if err != nil {
		return nil, err
	}

	tz := p.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := recurrence.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	priority := p.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	priority = ClampPriority(priority)

	maxRetries := DefaultMaxRetries
	if p.MaxRetries != nil {
		if *p.MaxRetries < 0 {
			return nil, invalid("max_retries must not be negative")
		}
		maxRetries = *p.MaxRetries
	}

	next, err := initialExecution(p.Schedule, loc, now)
	if err != nil {
		return nil, err
	}

	r := &Reminder{
		ID:            uuid.New(),
		OwnerID:       p.OwnerID,
		FileID:        p.FileID,
		Tag:           strings.TrimSpace(p.Tag),
		Channel:       p.Channel,
		Recipients:    recipients,
		IsBulk:        p.IsBulk,
		Message:       p.Message,
		Subject:       p.Subject,
		TemplateID:    p.TemplateID,
		TemplateName:  p.TemplateName,
		TemplateData:  p.TemplateData,
		Schedule:      p.Schedule,
		Status:        StatusPending,
		IsActive:      true,
		NextExecution: &next,
		MaxRetries:    maxRetries,
		Timezone:      tz,
		Priority:      priority,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return r, nil
}

// ClampPriority forces n into [MinPriority, MaxPriority].
func ClampPriority(n int) int {
	if n < MinPriority {
		return MinPriority
	}
	if n > MaxPriority {
		return MaxPriority
	}
	return n
}

func initialExecution(s Schedule, loc *time.Location, now time.Time) (time.Time, error) {
	switch v := s.(type) {
	case Instant:
		return now, nil

	case OneShot:
		if v.RemindAt.IsZero() {
			return time.Time{}, invalid("remind_at is required")
		}
		if !v.RemindAt.After(now) {
			return time.Time{}, invalid("remind_at must be in the future")
		}
		return v.RemindAt, nil

	case Recurring:
		if v.StartDate.IsZero() {
			return time.Time{}, invalid("start_date is required")
		}
		if v.MaxExecutions != nil && *v.MaxExecutions < 1 {
			return time.Time{}, invalid("max_executions must be at least 1")
		}
		if v.EndDate != nil && !v.EndDate.After(v.StartDate) {
			return time.Time{}, invalid("end_date must be after start_date")
		}
		next, err := recurrence.Next(v.StartDate, v.Rule(loc), now)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		if v.EndDate != nil && next.After(*v.EndDate) {
			return time.Time{}, invalid("no occurrence before end_date")
		}
		return next, nil

	case Event:
		if v.EventDate.IsZero() {
			return time.Time{}, invalid("event_date is required")
		}
		switch v.Trigger {
		case TriggerBefore, TriggerAfter, TriggerOn:
		default:
			return time.Time{}, invalid("event trigger must be BEFORE, AFTER or ON, got %q", v.Trigger)
		}
		if v.OffsetMinutes < 0 {
			return time.Time{}, invalid("trigger offset must not be negative")
		}
		at := v.FireAt()
		if !at.After(now) {
			return time.Time{}, invalid("event trigger time %s is in the past", at.Format(time.RFC3339))
		}
		return at, nil
	}
	return time.Time{}, invalid("unsupported schedule %T", s)
}

func normalizeRecipients(ch Channel, in Recipients, bulk bool) (Recipients, error) {
	if !bulk && (len(in.Emails) > 0 || len(in.Phones) > 0) {
		return Recipients{}, invalid("is_bulk must be true when emails or phones are given")
	}

	var out Recipients
	if ch.UsesEmail() {
		if bulk {
			if in.Email != "" {
				return Recipients{}, invalid("bulk email reminders take emails, not email")
			}
			if len(in.Emails) == 0 {
				return Recipients{}, invalid("emails are required for bulk %s reminders", ch)
			}
			list, err := normalizeAll(in.Emails, NormalizeEmail)
			if err != nil {
				return Recipients{}, err
			}
			out.Emails = list
		} else {
			if in.Email == "" {
				return Recipients{}, invalid("email is required for %s reminders", ch)
			}
			addr, err := NormalizeEmail(in.Email)
			if err != nil {
				return Recipients{}, err
			}
			out.Email = addr
		}
	}

	if ch.UsesSMS() {
		if bulk {
			if in.Phone != "" {
				return Recipients{}, invalid("bulk SMS reminders take phones, not phone")
			}
			if len(in.Phones) == 0 {
				return Recipients{}, invalid("phones are required for bulk %s reminders", ch)
			}
			list, err := normalizeAll(in.Phones, NormalizePhone)
			if err != nil {
				return Recipients{}, err
			}
			out.Phones = list
		} else {
			if in.Phone == "" {
				return Recipients{}, invalid("phone is required for %s reminders", ch)
			}
			num, err := NormalizePhone(in.Phone)
			if err != nil {
				return Recipients{}, err
			}
			out.Phone = num
		}
	}
	return out, nil
}

// normalizeAll normalises every entry and drops duplicates, keeping order.
func normalizeAll(in []string, norm func(string) (string, error)) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		v, err := norm(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}

// NormalizeEmail validates a bare address and returns it without display name.
func NormalizeEmail(s string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(s))
	if err != nil {
		return "", invalid("invalid email %q", s)
	}
	return strings.ToLower(addr.Address), nil
}

// NormalizePhone validates an E.164 number and returns its canonical form.
func NormalizePhone(s string) (string, error) {
	num := strings.TrimSpace(s)
	if num == "" {
		return "", invalid("missing phone number")
	}
	if num[0] != '+' {
		return "", invalid("phone number %q must be in E.164 format with +", s)
	}
	parsed, err := phonenumbers.Parse(num, "")
	if err != nil || !phonenumbers.IsValidNumber(parsed) {
		return "", invalid("invalid phone number %q", s)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsValidation reports whether err is a caller-side validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

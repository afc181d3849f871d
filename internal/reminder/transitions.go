package reminder

import (
	"fmt"
	"time"

	"github.com/lalithlochan/chime/internal/recurrence"
)

// Outcome is the result of one dispatch attempt.
type Outcome struct {
	At      time.Time
	Success bool
	Err     string
	// Exhausted is set when the queue has no attempts left for this task.
	Exhausted bool
}

// Final reports whether the attempt ends the current occurrence.
func (o Outcome) Final() bool {
	return o.Success || o.Exhausted
}

// RecordAttempt updates the execution counters without touching status.
func (r *Reminder) RecordAttempt(o Outcome) {
	at := o.At
	r.ExecutionCount++
	r.LastExecution = &at
	if o.Success {
		r.SuccessCount++
	} else {
		r.FailureCount++
		r.RetryCount++
		if o.Err != "" {
			msg := o.Err
			r.LastError = &msg
		}
	}
	r.UpdatedAt = o.At
}

// ApplyOutcome records the attempt and moves the reminder through its
// lifecycle. A recurring reminder re-arms to its next occurrence once the
// current one is final; non-recurring reminders become terminal.
func (r *Reminder) ApplyOutcome(o Outcome) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, r.Status)
	}
	r.RecordAttempt(o)

	if !o.Final() {
		// The queue retries this occurrence with backoff.
		return nil
	}
	r.ClaimedUntil = nil

	rec, ok := r.Schedule.(Recurring)
	if !ok {
		if o.Success {
			r.Status = StatusSent
		} else {
			r.Status = StatusFailed
		}
		r.finish()
		return nil
	}

	r.OccurrenceCount++
	next, more := r.nextOccurrence(rec, o.At)
	if !more {
		r.Status = StatusCompleted
		r.finish()
		return nil
	}
	r.Status = StatusPending
	r.NextExecution = &next
	return nil
}

func (r *Reminder) finish() {
	r.IsActive = false
	r.NextExecution = nil
	r.ClaimedUntil = nil
}

// nextOccurrence computes the occurrence after the current one and whether
// the series continues. Occurrences are always derived from StartDate so
// month-end anchors do not drift.
func (r *Reminder) nextOccurrence(rec Recurring, now time.Time) (time.Time, bool) {
	if rec.MaxExecutions != nil && r.OccurrenceCount >= *rec.MaxExecutions {
		return time.Time{}, false
	}
	after := now
	if r.NextExecution != nil && r.NextExecution.After(after) {
		after = *r.NextExecution
	}
	next, err := recurrence.Next(rec.StartDate, rec.Rule(r.Location()), after)
	if err != nil {
		msg := err.Error()
		r.LastError = &msg
		return time.Time{}, false
	}
	if rec.EndDate != nil && next.After(*rec.EndDate) {
		return time.Time{}, false
	}
	return next, true
}

// Pause deactivates a pending reminder without changing its status.
func (r *Reminder) Pause(now time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, r.Status)
	}
	if !r.IsActive {
		return nil
	}
	r.IsActive = false
	r.UpdatedAt = now
	return nil
}

// Resume reactivates a paused reminder. Any claim is dropped so an elapsed
// next execution is picked up by the next trigger pass.
func (r *Reminder) Resume(now time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, r.Status)
	}
	if r.IsActive {
		return ErrNotPaused
	}
	r.IsActive = true
	r.ClaimedUntil = nil
	r.UpdatedAt = now
	return nil
}

// Cancel stops all further processing. Cancelling twice is a no-op.
func (r *Reminder) Cancel(now time.Time) error {
	if r.Status == StatusCancelled {
		return nil
	}
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, r.Status)
	}
	r.Status = StatusCancelled
	r.finish()
	r.UpdatedAt = now
	return nil
}

// Patch lists the fields a caller may change on a non-terminal reminder.
// Nil fields are left as they are.
type Patch struct {
	Message      *string
	Subject      *string
	Tag          *string
	Priority     *int
	MaxRetries   *int
	TemplateData map[string]any

	RemindAt *time.Time // SCHEDULED

	EventDate     *time.Time // EVENT_BASED
	OffsetMinutes *int       // EVENT_BASED

	EndDate       *time.Time // RECURRING
	MaxExecutions *int       // RECURRING
}

// ApplyPatch validates p against the reminder's type and applies it
// atomically: on error nothing changes. It reports whether the next
// execution moved.
func (r *Reminder) ApplyPatch(p Patch, now time.Time) (bool, error) {
	if r.Status.Terminal() {
		return false, fmt.Errorf("%w: %w: cannot update a %s reminder", ErrValidation, ErrTerminal, r.Status)
	}

	c := r.Clone()
	rescheduled := false

	if p.Message != nil {
		if *p.Message == "" && c.TemplateID == nil && c.TemplateName == "" {
			return false, invalid("message must not be empty")
		}
		c.Message = *p.Message
	}
	if p.Subject != nil {
		c.Subject = *p.Subject
	}
	if p.Tag != nil {
		c.Tag = *p.Tag
	}
	if p.Priority != nil {
		if *p.Priority < MinPriority || *p.Priority > MaxPriority {
			return false, invalid("priority must be between %d and %d", MinPriority, MaxPriority)
		}
		c.Priority = *p.Priority
	}
	if p.MaxRetries != nil {
		if *p.MaxRetries < 0 {
			return false, invalid("max_retries must not be negative")
		}
		c.MaxRetries = *p.MaxRetries
	}
	if p.TemplateData != nil {
		c.TemplateData = p.TemplateData
	}

	switch s := c.Schedule.(type) {
	case OneShot:
		if p.RemindAt != nil {
			if !p.RemindAt.After(now) {
				return false, invalid("remind_at must be in the future")
			}
			s.RemindAt = *p.RemindAt
			c.Schedule = s
			c.NextExecution = cloneTime(p.RemindAt)
			rescheduled = true
		}
	case Event:
		if p.EventDate != nil || p.OffsetMinutes != nil {
			if p.EventDate != nil {
				s.EventDate = *p.EventDate
			}
			if p.OffsetMinutes != nil {
				if *p.OffsetMinutes < 0 {
					return false, invalid("trigger offset must not be negative")
				}
				s.OffsetMinutes = *p.OffsetMinutes
			}
			at := s.FireAt()
			if !at.After(now) {
				return false, invalid("event trigger time %s is in the past", at.Format(time.RFC3339))
			}
			c.Schedule = s
			c.NextExecution = &at
			rescheduled = true
		}
	case Recurring:
		if p.EndDate != nil {
			if c.NextExecution != nil && p.EndDate.Before(*c.NextExecution) {
				return false, invalid("end_date is before the next execution")
			}
			s.EndDate = cloneTime(p.EndDate)
		}
		if p.MaxExecutions != nil {
			if *p.MaxExecutions <= c.OccurrenceCount {
				return false, invalid("max_executions must exceed the %d occurrences already run", c.OccurrenceCount)
			}
			s.MaxExecutions = cloneInt(p.MaxExecutions)
		}
		c.Schedule = s
	}

	if p.RemindAt != nil && c.Type() != TypeScheduled {
		return false, invalid("remind_at applies to SCHEDULED reminders only")
	}
	if (p.EventDate != nil || p.OffsetMinutes != nil) && c.Type() != TypeEventBased {
		return false, invalid("event fields apply to EVENT_BASED reminders only")
	}
	if (p.EndDate != nil || p.MaxExecutions != nil) && c.Type() != TypeRecurring {
		return false, invalid("recurrence limits apply to RECURRING reminders only")
	}

	if rescheduled {
		c.ClaimedUntil = nil
	}
	c.UpdatedAt = now
	*r = *c
	return rescheduled, nil
}

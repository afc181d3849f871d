package reminder

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lalithlochan/chime/internal/recurrence"
)

// Schedule is the per-type payload of a reminder. The variants are Instant,
// OneShot, Recurring and Event.
type Schedule interface {
	Type() Type
	sealed()
}

// Instant fires once, immediately.
type Instant struct{}

// OneShot fires once at RemindAt.
type OneShot struct {
	RemindAt time.Time `json:"remind_at"`
}

// Recurring fires repeatedly from StartDate until EndDate or MaxExecutions.
type Recurring struct {
	Pattern       recurrence.Pattern `json:"pattern"`
	Interval      int                `json:"interval,omitempty"`
	StartDate     time.Time          `json:"start_date"`
	EndDate       *time.Time         `json:"end_date,omitempty"`
	MaxExecutions *int               `json:"max_executions,omitempty"`
	CronExpr      string             `json:"cron_expr,omitempty"`
}

type EventTrigger string

const (
	TriggerBefore EventTrigger = "BEFORE"
	TriggerAfter  EventTrigger = "AFTER"
	TriggerOn     EventTrigger = "ON"
)

// Event fires once relative to EventDate.
type Event struct {
	EventDate     time.Time    `json:"event_date"`
	Trigger       EventTrigger `json:"trigger"`
	OffsetMinutes int          `json:"offset_minutes"`
}

func (Instant) Type() Type   { return TypeInstant }
func (OneShot) Type() Type   { return TypeScheduled }
func (Recurring) Type() Type { return TypeRecurring }
func (Event) Type() Type     { return TypeEventBased }

func (Instant) sealed()   {}
func (OneShot) sealed()   {}
func (Recurring) sealed() {}
func (Event) sealed()     {}

// FireAt returns the instant the event reminder is due.
func (e Event) FireAt() time.Time {
	offset := time.Duration(e.OffsetMinutes) * time.Minute
	switch e.Trigger {
	case TriggerBefore:
		return e.EventDate.Add(-offset)
	case TriggerAfter:
		return e.EventDate.Add(offset)
	}
	return e.EventDate
}

// Rule builds the recurrence rule evaluated in loc.
func (r Recurring) Rule(loc *time.Location) recurrence.Rule {
	return recurrence.Rule{
		Pattern:  r.Pattern,
		Interval: r.Interval,
		Location: loc,
		Expr:     r.CronExpr,
	}
}

// MarshalSchedule encodes the variant payload for storage.
func MarshalSchedule(s Schedule) ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal %s schedule: %w", s.Type(), err)
	}
	return b, nil
}

// UnmarshalSchedule decodes a stored payload into the variant for t.
func UnmarshalSchedule(t Type, data []byte) (Schedule, error) {
	var (
		s   Schedule
		err error
	)
	switch t {
	case TypeInstant:
		return Instant{}, nil
	case TypeScheduled:
		var v OneShot
		err = json.Unmarshal(data, &v)
		s = v
	case TypeRecurring:
		var v Recurring
		err = json.Unmarshal(data, &v)
		s = v
	case TypeEventBased:
		var v Event
		err = json.Unmarshal(data, &v)
		s = v
	default:
		return nil, fmt.Errorf("unknown reminder type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s schedule: %w", t, err)
	}
	return s, nil
}

func cloneSchedule(s Schedule) Schedule {
	if v, ok := s.(Recurring); ok {
		v.EndDate = cloneTime(v.EndDate)
		v.MaxExecutions = cloneInt(v.MaxExecutions)
		return v
	}
	return s
}

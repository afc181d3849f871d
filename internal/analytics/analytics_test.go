package analytics

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/chime/internal/reminder"
)

func record(typ reminder.Schedule, ch reminder.Channel, status reminder.Status, active bool, success, failure int, last *time.Time) *reminder.Reminder {
	return &reminder.Reminder{
		ID:             uuid.New(),
		Channel:        ch,
		Schedule:       typ,
		Status:         status,
		IsActive:       active,
		ExecutionCount: success + failure,
		SuccessCount:   success,
		FailureCount:   failure,
		LastExecution:  last,
	}
}

func at(t time.Time) *time.Time { return &t }

func TestCompute(t *testing.T) {
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
	yesterday := now.Add(-24 * time.Hour)
	longAgo := now.AddDate(0, 0, -45)

	records := []*reminder.Reminder{
		record(reminder.Instant{}, reminder.ChannelEmail, reminder.StatusSent, false, 1, 0, at(yesterday)),
		record(reminder.OneShot{}, reminder.ChannelSMS, reminder.StatusFailed, false, 0, 3, at(yesterday)),
		record(reminder.Recurring{}, reminder.ChannelBoth, reminder.StatusPending, true, 4, 1, at(now.Add(-time.Hour))),
		record(reminder.Recurring{}, reminder.ChannelEmail, reminder.StatusCompleted, false, 2, 0, at(longAgo)),
		record(reminder.Event{}, reminder.ChannelEmail, reminder.StatusPending, true, 0, 0, nil),
		record(reminder.OneShot{}, reminder.ChannelEmail, reminder.StatusPending, true, 0, 1, at(now.Add(-time.Minute))),
	}

	s := Compute(records, now)

	if s.Total != 6 || s.Active != 3 || s.Completed != 1 || s.Failed != 1 {
		t.Errorf("totals: %+v", s)
	}
	if s.ByStatus[reminder.StatusSent] != 1 {
		t.Errorf("sent reminders belong in by_status only: %v", s.ByStatus)
	}
	if s.ByType[reminder.TypeRecurring] != 2 || s.ByType[reminder.TypeScheduled] != 2 {
		t.Errorf("by type: %v", s.ByType)
	}
	if s.ByChannel[reminder.ChannelEmail] != 4 {
		t.Errorf("by channel: %v", s.ByChannel)
	}
	if s.ByStatus[reminder.StatusPending] != 3 {
		t.Errorf("by status: %v", s.ByStatus)
	}

	if s.Successes != 7 || s.Failures != 5 {
		t.Errorf("successes=%d failures=%d", s.Successes, s.Failures)
	}
	if want := 7.0 / 12.0; s.SuccessRate != want {
		t.Errorf("success rate = %v, want %v", s.SuccessRate, want)
	}

	if s.Recent.Sent != 2 || s.Recent.Failed != 1 {
		t.Errorf("recent: sent=%d failed=%d", s.Recent.Sent, s.Recent.Failed)
	}
	if len(s.Recent.Days) != 2 {
		t.Fatalf("expected 2 day buckets, got %+v", s.Recent.Days)
	}
	if s.Recent.Days[0].Date != "2024-06-29" || s.Recent.Days[0].Sent != 1 || s.Recent.Days[0].Failed != 1 {
		t.Errorf("unexpected first bucket %+v", s.Recent.Days[0])
	}
	if s.Recent.Days[1].Date != "2024-06-30" || s.Recent.Days[1].Sent != 1 {
		t.Errorf("unexpected second bucket %+v", s.Recent.Days[1])
	}
}

func TestCompute_Empty(t *testing.T) {
	s := Compute(nil, time.Now())
	if s.Total != 0 || s.SuccessRate != 0 {
		t.Errorf("unexpected summary %+v", s)
	}
	if s.Recent.Days == nil {
		t.Error("days should be an empty list, not nil")
	}
}

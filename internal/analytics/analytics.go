// Package analytics computes read-only rollups over an owner's reminders.
package analytics

import (
	"sort"
	"time"

	"github.com/lalithlochan/chime/internal/reminder"
)

// Window is the length of the recent activity rollup.
const Window = 30 * 24 * time.Hour

type Summary struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`

	ByType    map[reminder.Type]int    `json:"by_type"`
	ByChannel map[reminder.Channel]int `json:"by_channel"`
	ByStatus  map[reminder.Status]int  `json:"by_status"`

	Executions int `json:"executions"`
	Successes  int `json:"successes"`
	Failures   int `json:"failures"`
	// SuccessRate is successes / (successes + failures), 0 when nothing ran.
	SuccessRate float64 `json:"success_rate"`

	Recent Recent `json:"last_30_days"`
}

// Recent counts reminders whose last execution falls inside Window.
type Recent struct {
	Sent   int   `json:"sent"`
	Failed int   `json:"failed"`
	Days   []Day `json:"days"`
}

type Day struct {
	Date   string `json:"date"` // YYYY-MM-DD in UTC
	Sent   int    `json:"sent"`
	Failed int    `json:"failed"`
}

// Compute reduces records into a Summary. It does not modify them.
func Compute(records []*reminder.Reminder, now time.Time) Summary {
	s := Summary{
		ByType:    make(map[reminder.Type]int),
		ByChannel: make(map[reminder.Channel]int),
		ByStatus:  make(map[reminder.Status]int),
	}
	since := now.Add(-Window)
	days := make(map[string]*Day)

	for _, r := range records {
		s.Total++
		s.ByType[r.Type()]++
		s.ByChannel[r.Channel]++
		s.ByStatus[r.Status]++

		if r.IsActive {
			s.Active++
		}
		switch r.Status {
		case reminder.StatusCompleted:
			s.Completed++
		case reminder.StatusFailed:
			s.Failed++
		}

		s.Executions += r.ExecutionCount
		s.Successes += r.SuccessCount
		s.Failures += r.FailureCount

		if r.LastExecution == nil || r.LastExecution.Before(since) || r.LastExecution.After(now) {
			continue
		}
		failed := r.Status == reminder.StatusFailed
		if !failed && r.SuccessCount == 0 {
			// still retrying its first delivery
			continue
		}
		key := r.LastExecution.UTC().Format(time.DateOnly)
		d, ok := days[key]
		if !ok {
			d = &Day{Date: key}
			days[key] = d
		}
		if failed {
			s.Recent.Failed++
			d.Failed++
		} else {
			s.Recent.Sent++
			d.Sent++
		}
	}

	if n := s.Successes + s.Failures; n > 0 {
		s.SuccessRate = float64(s.Successes) / float64(n)
	}

	s.Recent.Days = make([]Day, 0, len(days))
	for _, d := range days {
		s.Recent.Days = append(s.Recent.Days, *d)
	}
	sort.Slice(s.Recent.Days, func(i, j int) bool {
		return s.Recent.Days[i].Date < s.Recent.Days[j].Date
	})
	return s
}

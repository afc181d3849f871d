// Package events publishes reminder usage events after each delivery
// attempt, to an SNS topic or to the log.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type names a usage event.
type Type string

const (
	TypeDispatched Type = "reminder.dispatched"
	TypeFailed     Type = "reminder.failed"
	TypeCompleted  Type = "reminder.completed"
)

// Event reports the result of one delivery attempt.
type Event struct {
	Type       Type      `json:"type"`
	ReminderID uuid.UUID `json:"reminder_id"`
	OwnerID    uuid.UUID `json:"owner_id"`
	Channel    string    `json:"channel"`
	Recipients int       `json:"recipients"`
	Delivered  int       `json:"delivered"`
	Attempt    int       `json:"attempt"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher is implemented by SNSPublisher and LogPublisher.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LogPublisher writes events to the log when no topic is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info("reminder event",
		zap.String("type", string(e.Type)),
		zap.String("reminder_id", e.ReminderID.String()),
		zap.String("owner_id", e.OwnerID.String()),
		zap.String("channel", e.Channel),
		zap.Int("recipients", e.Recipients),
		zap.Int("delivered", e.Delivered),
		zap.Int("attempt", e.Attempt),
		zap.String("error", e.Error),
	)
	return nil
}

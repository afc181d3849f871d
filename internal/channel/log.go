package channel

import (
	"context"

	"go.uber.org/zap"
)

// LogSender logs deliveries instead of sending them (development).
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendEmail(_ context.Context, msg EmailMessage) error {
	if err := msg.validate(); err != nil {
		return err
	}
	s.logger.Info("logging email (development mode)",
		zap.String("reminder_id", msg.ReminderID.String()),
		zap.String("owner_id", msg.OwnerID.String()),
		zap.String("to", msg.To),
		zap.String("subject", msg.subject()),
		zap.String("body", msg.Body),
	)
	return nil
}

func (s *LogSender) SendSMS(_ context.Context, msg SMSMessage) error {
	if err := msg.validate(); err != nil {
		return err
	}
	s.logger.Info("logging sms (development mode)",
		zap.String("reminder_id", msg.ReminderID.String()),
		zap.String("owner_id", msg.OwnerID.String()),
		zap.String("to", msg.To),
		zap.String("body", msg.Body),
	)
	return nil
}

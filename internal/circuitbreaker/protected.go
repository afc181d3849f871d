package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/chime/internal/channel"
)

// ProtectedEmail wraps an EmailSender with a CircuitBreaker. Malformed
// messages are the caller's fault and do not count against the provider.
type ProtectedEmail struct {
	sender  channel.EmailSender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedEmail(sender channel.EmailSender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedEmail {
	return &ProtectedEmail{sender: sender, breaker: breaker, logger: logger}
}

func (p *ProtectedEmail) SendEmail(ctx context.Context, msg channel.EmailMessage) error {
	return guard(p.breaker, p.logger, msg.ReminderID.String(), func() error {
		return p.sender.SendEmail(ctx, msg)
	})
}

func (p *ProtectedEmail) Breaker() *CircuitBreaker { return p.breaker }

// ProtectedSMS wraps an SMSSender with a CircuitBreaker.
type ProtectedSMS struct {
	sender  channel.SMSSender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSMS(sender channel.SMSSender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSMS {
	return &ProtectedSMS{sender: sender, breaker: breaker, logger: logger}
}

func (p *ProtectedSMS) SendSMS(ctx context.Context, msg channel.SMSMessage) error {
	return guard(p.breaker, p.logger, msg.ReminderID.String(), func() error {
		return p.sender.SendSMS(ctx, msg)
	})
}

func (p *ProtectedSMS) Breaker() *CircuitBreaker { return p.breaker }

func guard(cb *CircuitBreaker, logger *zap.Logger, reminderID string, send func() error) error {
	if !cb.Allow() {
		logger.Warn("circuit breaker rejected request - failing fast",
			zap.String("breaker", cb.config.Name),
			zap.String("reminder_id", reminderID),
			zap.String("state", cb.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, cb.config.Name)
	}

	err := send()
	switch {
	case err == nil:
		cb.RecordSuccess()
	case errors.Is(err, channel.ErrInvalidMessage):
		cb.Forget()
	default:
		cb.RecordFailure()
		logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", cb.config.Name),
			zap.Error(err),
		)
	}
	return err
}

package channel

import (
	"context"
	"fmt"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

// SendGridAPI is the part of the SendGrid client the sender uses.
type SendGridAPI interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// SendGridSender sends email through the SendGrid v3 API.
type SendGridSender struct {
	client SendGridAPI
	from   *mail.Email
	logger *zap.Logger
}

func NewSendGridSender(cfg SendGridConfig, logger *zap.Logger) *SendGridSender {
	return NewSendGridSenderWithClient(sendgrid.NewSendClient(cfg.APIKey), cfg, logger)
}

func NewSendGridSenderWithClient(client SendGridAPI, cfg SendGridConfig, logger *zap.Logger) *SendGridSender {
	name := cfg.FromName
	if name == "" {
		name = "Chime"
	}
	return &SendGridSender{
		client: client,
		from:   mail.NewEmail(name, cfg.FromEmail),
		logger: logger,
	}
}

func (s *SendGridSender) SendEmail(ctx context.Context, msg EmailMessage) error {
	if err := msg.validate(); err != nil {
		return err
	}

	var toName string
	if name, ok := msg.Context["name"].(string); ok {
		toName = name
	}
	message := mail.NewSingleEmail(s.from, msg.subject(), mail.NewEmail(toName, msg.To), msg.Body, "")

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("sendgrid send failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid send failed: status %d: %s", resp.StatusCode, resp.Body)
	}

	s.logger.Info("email sent via SendGrid",
		zap.String("reminder_id", msg.ReminderID.String()),
		zap.String("to", msg.To),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}

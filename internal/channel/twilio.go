package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// TwilioAPI is the part of the Twilio REST client the sender uses.
type TwilioAPI interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioSender sends SMS through the Twilio Messages API.
type TwilioSender struct {
	client TwilioAPI
	from   string
	logger *zap.Logger
}

func NewTwilioSender(cfg TwilioConfig, logger *zap.Logger) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return NewTwilioSenderWithClient(client.Api, cfg.FromNumber, logger)
}

func NewTwilioSenderWithClient(client TwilioAPI, from string, logger *zap.Logger) *TwilioSender {
	return &TwilioSender{client: client, from: from, logger: logger}
}

// SendSMS calls the Twilio API, which takes no context; ctx is only
// checked before the call.
func (s *TwilioSender) SendSMS(ctx context.Context, msg SMSMessage) error {
	if err := msg.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &api.CreateMessageParams{}
	params.SetBody(msg.Body)
	params.SetFrom(s.from)
	params.SetTo(msg.To)

	resp, err := s.client.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("twilio send failed: %w", err)
	}
	if resp.Sid == nil {
		return errors.New("twilio send failed: no SID returned")
	}

	s.logger.Info("SMS sent via Twilio",
		zap.String("reminder_id", msg.ReminderID.String()),
		zap.String("to", msg.To),
		zap.String("sid", *resp.Sid),
	)
	return nil
}

// Package channel delivers rendered reminders to a single recipient over
// email or SMS.
package channel

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrInvalidMessage is returned for a message a provider cannot deliver as-is.
var ErrInvalidMessage = errors.New("invalid message")

// EmailMessage is one rendered email to one address.
type EmailMessage struct {
	ReminderID   uuid.UUID
	OwnerID      uuid.UUID
	To           string
	Subject      string
	Body         string
	TemplateID   string
	TemplateName string
	Context      map[string]any
}

// SMSMessage is one rendered text to one E.164 number.
type SMSMessage struct {
	ReminderID   uuid.UUID
	OwnerID      uuid.UUID
	To           string
	Body         string
	TemplateID   string
	TemplateName string
	Context      map[string]any
}

// EmailSender is implemented by SES, SendGrid and Log.
type EmailSender interface {
	SendEmail(ctx context.Context, msg EmailMessage) error
}

// SMSSender is implemented by SNS, Twilio and Log.
type SMSSender interface {
	SendSMS(ctx context.Context, msg SMSMessage) error
}

const defaultSubject = "Reminder"

func (m EmailMessage) validate() error {
	if m.To == "" {
		return errors.Join(ErrInvalidMessage, errors.New("email message missing recipient"))
	}
	if m.Body == "" {
		return errors.Join(ErrInvalidMessage, errors.New("email message missing body"))
	}
	return nil
}

func (m EmailMessage) subject() string {
	if m.Subject == "" {
		return defaultSubject
	}
	return m.Subject
}

func (m SMSMessage) validate() error {
	if m.To == "" {
		return errors.Join(ErrInvalidMessage, errors.New("sms message missing phone number"))
	}
	if m.Body == "" {
		return errors.Join(ErrInvalidMessage, errors.New("sms message missing body"))
	}
	return nil
}

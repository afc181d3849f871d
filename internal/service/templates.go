package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/chime/internal/channel"
	"github.com/lalithlochan/chime/internal/db"
	"github.com/lalithlochan/chime/internal/reminder"
)

// TemplateParams describes a new message template.
type TemplateParams struct {
	OwnerID uuid.UUID
	Name    string
	Channel string // EMAIL, SMS or empty for both
	Subject string
	Body    string
}

func (s *Service) CreateTemplate(ctx context.Context, p TemplateParams) (*db.Template, error) {
	if p.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("%w: owner_id is required", reminder.ErrValidation)
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", reminder.ErrValidation)
	}
	switch reminder.Channel(p.Channel) {
	case "", reminder.ChannelEmail, reminder.ChannelSMS:
	default:
		return nil, fmt.Errorf("%w: template channel must be EMAIL, SMS or empty, got %q", reminder.ErrValidation, p.Channel)
	}
	if strings.TrimSpace(p.Body) == "" {
		return nil, fmt.Errorf("%w: body is required", reminder.ErrValidation)
	}
	for _, src := range []string{p.Subject, p.Body} {
		if err := channel.Validate(src); err != nil {
			return nil, fmt.Errorf("%w: %w", reminder.ErrValidation, err)
		}
	}

	t := &db.Template{
		ID:      uuid.New(),
		OwnerID: p.OwnerID,
		Name:    name,
		Channel: p.Channel,
		Subject: p.Subject,
		Body:    p.Body,
	}
	if err := s.repo.CreateTemplate(ctx, t); err != nil {
		return nil, err
	}
	s.logger.Info("template created",
		zap.String("template_id", t.ID.String()),
		zap.String("owner_id", t.OwnerID.String()),
		zap.String("name", t.Name),
	)
	return t, nil
}

// ContactParams describes a recipient whose fields feed template data.
type ContactParams struct {
	OwnerID    uuid.UUID
	Name       string
	Email      string
	Phone      string
	Attributes map[string]any
}

func (s *Service) CreateContact(ctx context.Context, p ContactParams) (*db.Contact, error) {
	if p.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("%w: owner_id is required", reminder.ErrValidation)
	}
	if p.Email == "" && p.Phone == "" {
		return nil, fmt.Errorf("%w: email or phone is required", reminder.ErrValidation)
	}

	c := &db.Contact{
		ID:         uuid.New(),
		OwnerID:    p.OwnerID,
		Name:       strings.TrimSpace(p.Name),
		Attributes: p.Attributes,
	}
	if p.Email != "" {
		addr, err := reminder.NormalizeEmail(p.Email)
		if err != nil {
			return nil, err
		}
		c.Email = addr
	}
	if p.Phone != "" {
		num, err := reminder.NormalizePhone(p.Phone)
		if err != nil {
			return nil, err
		}
		c.Phone = num
	}

	if err := s.repo.CreateContact(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("contact created",
		zap.String("contact_id", c.ID.String()),
		zap.String("owner_id", c.OwnerID.String()),
	)
	return c, nil
}

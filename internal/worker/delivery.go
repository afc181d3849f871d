package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/chime/internal/channel"
	"github.com/lalithlochan/chime/internal/db"
	"github.com/lalithlochan/chime/internal/metrics"
	"github.com/lalithlochan/chime/internal/reminder"
)

// leg is the fan-out over one channel.
type leg struct {
	channel    reminder.Channel
	recipients int
	delivered  int
	lastErr    error
}

// ok holds when at least one recipient of the leg was delivered.
func (l leg) ok() bool {
	return l.delivered > 0
}

type result struct {
	legs     []leg
	panicked error
}

// success requires every channel leg to reach at least one recipient.
func (r result) success() bool {
	if r.panicked != nil || len(r.legs) == 0 {
		return false
	}
	for _, l := range r.legs {
		if !l.ok() {
			return false
		}
	}
	return true
}

func (r result) err() error {
	if r.panicked != nil {
		return r.panicked
	}
	if len(r.legs) == 0 {
		return errors.New("reminder has no recipients")
	}
	var errs []error
	for _, l := range r.legs {
		if !l.ok() {
			if l.lastErr == nil {
				l.lastErr = errors.New("no recipient delivered")
			}
			errs = append(errs, fmt.Errorf("%s: %w", l.channel, l.lastErr))
		}
	}
	return errors.Join(errs...)
}

func (r result) recipients() int {
	n := 0
	for _, l := range r.legs {
		n += l.recipients
	}
	return n
}

func (r result) delivered() int {
	n := 0
	for _, l := range r.legs {
		n += l.delivered
	}
	return n
}

// content is the unrendered subject and body for one channel.
type content struct {
	subject      string
	body         string
	templateID   string
	templateName string
}

// resolveContent picks the template by id, then by name, then falls back to
// the reminder's own message.
func (w *Worker) resolveContent(ctx context.Context, rem *reminder.Reminder, ch reminder.Channel, log *zap.Logger) content {
	c := content{subject: rem.Subject, body: rem.Message, templateName: rem.TemplateName}
	if rem.TemplateID != nil {
		c.templateID = rem.TemplateID.String()
	}

	var tpl *db.Template
	var err error
	if rem.TemplateID != nil {
		tpl, err = w.repo.GetTemplate(ctx, rem.OwnerID, *rem.TemplateID)
		if err != nil && !errors.Is(err, db.ErrTemplateNotFound) {
			log.Warn("failed to load template by id", zap.Error(err))
		}
	}
	if tpl == nil && rem.TemplateName != "" {
		tpl, err = w.repo.GetTemplateByName(ctx, rem.OwnerID, rem.TemplateName, string(ch))
		if err != nil && !errors.Is(err, db.ErrTemplateNotFound) {
			log.Warn("failed to load template by name", zap.Error(err))
		}
	}
	if tpl == nil {
		return c
	}

	c.body = tpl.Body
	if tpl.Subject != "" {
		c.subject = tpl.Subject
	}
	c.templateID = tpl.ID.String()
	c.templateName = tpl.Name
	return c
}

// render merges contact fields over the reminder's template data and
// executes subject and body.
func (w *Worker) render(ctx context.Context, rem *reminder.Reminder, c content, to string, log *zap.Logger) (subject, body string, data map[string]any, err error) {
	var fields map[string]any
	contact, cerr := w.repo.FindContact(ctx, rem.OwnerID, to)
	if cerr != nil {
		log.Warn("failed to load contact", zap.Error(cerr))
	} else if contact != nil {
		fields = contact.Fields()
	}
	data = channel.MergeData(rem.TemplateData, fields)

	if subject, err = w.renderer.Render(c.subject, data); err != nil {
		return "", "", nil, err
	}
	if body, err = w.renderer.Render(c.body, data); err != nil {
		return "", "", nil, err
	}
	return subject, body, data, nil
}

func (w *Worker) sendEmails(ctx context.Context, rem *reminder.Reminder, targets []string, log *zap.Logger) leg {
	l := leg{channel: reminder.ChannelEmail, recipients: len(targets)}
	c := w.resolveContent(ctx, rem, reminder.ChannelEmail, log)

	for _, to := range targets {
		if err := ctx.Err(); err != nil {
			l.lastErr = err
			break
		}
		subject, body, data, err := w.render(ctx, rem, c, to, log)
		if err == nil {
			err = w.email.SendEmail(ctx, channel.EmailMessage{
				ReminderID:   rem.ID,
				OwnerID:      rem.OwnerID,
				To:           to,
				Subject:      subject,
				Body:         body,
				TemplateID:   c.templateID,
				TemplateName: c.templateName,
				Context:      data,
			})
		}
		l.record(err, to, log)
	}
	return l
}

func (w *Worker) sendSMS(ctx context.Context, rem *reminder.Reminder, targets []string, log *zap.Logger) leg {
	l := leg{channel: reminder.ChannelSMS, recipients: len(targets)}
	c := w.resolveContent(ctx, rem, reminder.ChannelSMS, log)

	for _, to := range targets {
		if err := ctx.Err(); err != nil {
			l.lastErr = err
			break
		}
		_, body, data, err := w.render(ctx, rem, c, to, log)
		if err == nil {
			err = w.sms.SendSMS(ctx, channel.SMSMessage{
				ReminderID:   rem.ID,
				OwnerID:      rem.OwnerID,
				To:           to,
				Body:         body,
				TemplateID:   c.templateID,
				TemplateName: c.templateName,
				Context:      data,
			})
		}
		l.record(err, to, log)
	}
	return l
}

func (l *leg) record(err error, to string, log *zap.Logger) {
	if err != nil {
		l.lastErr = err
		metrics.RecordDelivery(string(l.channel), "failed")
		log.Warn("delivery to recipient failed",
			zap.String("channel", string(l.channel)),
			zap.String("to", to),
			zap.Error(err),
		)
		return
	}
	l.delivered++
	metrics.RecordDelivery(string(l.channel), "sent")
}

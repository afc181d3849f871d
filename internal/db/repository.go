package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/lalithlochan/chime/internal/reminder"
)

// Repository handles database operations for reminders, templates and contacts
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new reminder repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const reminderColumns = `
	id, owner_id, file_id, tag, channel, type, recipients, is_bulk,
	message, subject, template_id, template_name, template_data, schedule,
	status, is_active, next_execution, last_execution,
	execution_count, success_count, failure_count, retry_count, occurrence_count,
	max_retries, last_error, timezone, priority, claimed_until, created_at, updated_at, version`

// CreateReminder inserts a new reminder
func (r *Repository) CreateReminder(ctx context.Context, rem *reminder.Reminder) error {
	recipients, templateData, schedule, err := encodeReminder(rem)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO reminders (
			id, owner_id, file_id, tag, channel, type, recipients, is_bulk,
			message, subject, template_id, template_name, template_data, schedule,
			status, is_active, next_execution, last_execution,
			execution_count, success_count, failure_count, retry_count, occurrence_count,
			max_retries, last_error, timezone, priority, claimed_until
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28
		)
		RETURNING created_at, updated_at, version
	`

	err = r.db.Pool().QueryRow(ctx, query,
		rem.ID, rem.OwnerID, rem.FileID, rem.Tag, rem.Channel, rem.Type(), recipients, rem.IsBulk,
		rem.Message, rem.Subject, rem.TemplateID, rem.TemplateName, templateData, schedule,
		rem.Status, rem.IsActive, rem.NextExecution, rem.LastExecution,
		rem.ExecutionCount, rem.SuccessCount, rem.FailureCount, rem.RetryCount, rem.OccurrenceCount,
		rem.MaxRetries, rem.LastError, rem.Timezone, rem.Priority, rem.ClaimedUntil,
	).Scan(&rem.CreatedAt, &rem.UpdatedAt, &rem.Version)
	if err != nil {
		r.logger.Error("failed to create reminder",
			zap.Error(err),
			zap.String("reminder_id", rem.ID.String()),
		)
		return fmt.Errorf("insert reminder: %w", err)
	}

	r.logger.Info("reminder created",
		zap.String("reminder_id", rem.ID.String()),
		zap.String("owner_id", rem.OwnerID.String()),
		zap.String("type", string(rem.Type())),
		zap.String("channel", string(rem.Channel)),
	)
	return nil
}

// GetReminder retrieves a reminder by ID
func (r *Repository) GetReminder(ctx context.Context, id uuid.UUID) (*reminder.Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders WHERE id = $1`

	rem, err := scanReminder(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", reminder.ErrNotFound, id)
	}
	if err != nil {
		r.logger.Error("failed to get reminder",
			zap.Error(err),
			zap.String("reminder_id", id.String()),
		)
		return nil, fmt.Errorf("query reminder: %w", err)
	}
	return rem, nil
}

// SaveReminder writes every mutable column of rem, provided the stored
// version still matches rem.Version. A stale rem fails with ErrConflict.
func (r *Repository) SaveReminder(ctx context.Context, rem *reminder.Reminder) error {
	_, templateData, schedule, err := encodeReminder(rem)
	if err != nil {
		return err
	}

	query := `
		UPDATE reminders SET
			tag = $2, message = $3, subject = $4, template_data = $5, schedule = $6,
			status = $7, is_active = $8, next_execution = $9, last_execution = $10,
			execution_count = $11, success_count = $12, failure_count = $13,
			retry_count = $14, occurrence_count = $15, max_retries = $16,
			last_error = $17, priority = $18, claimed_until = $19,
			version = version + 1
		WHERE id = $1 AND version = $20
		RETURNING updated_at, version
	`

	err = r.db.Pool().QueryRow(ctx, query,
		rem.ID, rem.Tag, rem.Message, rem.Subject, templateData, schedule,
		rem.Status, rem.IsActive, rem.NextExecution, rem.LastExecution,
		rem.ExecutionCount, rem.SuccessCount, rem.FailureCount,
		rem.RetryCount, rem.OccurrenceCount, rem.MaxRetries,
		rem.LastError, rem.Priority, rem.ClaimedUntil, rem.Version,
	).Scan(&rem.UpdatedAt, &rem.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := r.db.Pool().QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reminders WHERE id = $1)`, rem.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check reminder: %w", err)
		}
		if exists {
			return fmt.Errorf("%w: %s", reminder.ErrConflict, rem.ID)
		}
		return fmt.Errorf("%w: %s", reminder.ErrNotFound, rem.ID)
	}
	if err != nil {
		r.logger.Error("failed to save reminder",
			zap.Error(err),
			zap.String("reminder_id", rem.ID.String()),
		)
		return fmt.Errorf("update reminder: %w", err)
	}
	return nil
}

// DeleteReminder hard-deletes a reminder
func (r *Repository) DeleteReminder(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM reminders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", reminder.ErrNotFound, id)
	}

	r.logger.Info("reminder deleted", zap.String("reminder_id", id.String()))
	return nil
}

// ListReminders returns one page of an owner's reminders plus the total match count
func (r *Repository) ListReminders(ctx context.Context, ownerID uuid.UUID, f Filter, p Page) ([]*reminder.Reminder, int, error) {
	p = p.Normalize()
	where, args := filterClause(ownerID, f)

	var total int
	if err := r.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM reminders WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reminders: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM reminders WHERE %s ORDER BY %s %s NULLS LAST, id LIMIT $%d OFFSET $%d`,
		reminderColumns, where, sortColumns[p.SortBy], strings.ToUpper(p.SortOrder), len(args)+1, len(args)+2)
	args = append(args, p.Limit, p.Offset())

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query reminders: %w", err)
	}
	items, err := collectReminders(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListForOwner returns every reminder of an owner, used for analytics
func (r *Repository) ListForOwner(ctx context.Context, ownerID uuid.UUID) ([]*reminder.Reminder, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE owner_id = $1`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query owner reminders: %w", err)
	}
	return collectReminders(rows)
}

// ClaimDue atomically claims up to limit due reminders until now+ttl.
// Rows locked by a concurrent trigger are skipped.
func (r *Repository) ClaimDue(ctx context.Context, now time.Time, limit int, ttl time.Duration) ([]*reminder.Reminder, error) {
	query := `
		UPDATE reminders SET claimed_until = $2, version = version + 1
		WHERE id IN (
			SELECT id FROM reminders
			WHERE status = 'PENDING'
			  AND is_active
			  AND next_execution <= $1
			  AND (claimed_until IS NULL OR claimed_until <= $1)
			ORDER BY priority DESC, next_execution ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + reminderColumns

	rows, err := r.db.Pool().Query(ctx, query, now, now.Add(ttl), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due reminders: %w", err)
	}
	return collectReminders(rows)
}

// ReleaseClaim drops the claim so the trigger can pick the reminder up again
func (r *Repository) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.Pool().Exec(ctx, `UPDATE reminders SET claimed_until = NULL, version = version + 1 WHERE id = $1`, id); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// DeleteTerminalBefore removes inactive terminal reminders last touched before cutoff
func (r *Repository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `
		DELETE FROM reminders
		WHERE status IN ('SENT', 'FAILED', 'COMPLETED', 'CANCELLED')
		  AND NOT is_active
		  AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal reminders: %w", err)
	}

	n := result.RowsAffected()
	r.logger.Info("terminal reminders cleaned up",
		zap.Int64("deleted", n),
		zap.Time("cutoff", cutoff),
	)
	return n, nil
}

// CreateTemplate inserts a message template
func (r *Repository) CreateTemplate(ctx context.Context, t *Template) error {
	err := r.db.Pool().QueryRow(ctx, `
		INSERT INTO message_templates (id, owner_id, name, channel, subject, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at, version
	`, t.ID, t.OwnerID, t.Name, t.Channel, t.Subject, t.Body).Scan(&t.CreatedAt, &t.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %q", ErrTemplateExists, t.Name)
	}
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// GetTemplate loads an owner's template by id
func (r *Repository) GetTemplate(ctx context.Context, ownerID, id uuid.UUID) (*Template, error) {
	return r.queryTemplate(ctx, `
		SELECT id, owner_id, name, channel, subject, body, created_at, updated_at
		FROM message_templates
		WHERE owner_id = $1 AND id = $2
	`, ownerID, id)
}

// GetTemplateByName loads an owner's template by name, preferring a
// channel-specific template over a channel-agnostic one
func (r *Repository) GetTemplateByName(ctx context.Context, ownerID uuid.UUID, name, channel string) (*Template, error) {
	return r.queryTemplate(ctx, `
		SELECT id, owner_id, name, channel, subject, body, created_at, updated_at
		FROM message_templates
		WHERE owner_id = $1 AND name = $2 AND channel IN ($3, '')
		ORDER BY channel DESC
		LIMIT 1
	`, ownerID, name, channel)
}

func (r *Repository) queryTemplate(ctx context.Context, query string, args ...any) (*Template, error) {
	var t Template
	err := r.db.Pool().QueryRow(ctx, query, args...).Scan(
		&t.ID, &t.OwnerID, &t.Name, &t.Channel, &t.Subject, &t.Body, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return &t, nil
}

// CreateContact inserts a contact
func (r *Repository) CreateContact(ctx context.Context, c *Contact) error {
	attrs, err := json.Marshal(c.Attributes)
	if err != nil {
		return fmt.Errorf("marshal contact attributes: %w", err)
	}
	err = r.db.Pool().QueryRow(ctx, `
		INSERT INTO contacts (id, owner_id, name, email, phone, attributes)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at, version
	`, c.ID, c.OwnerID, c.Name, c.Email, c.Phone, attrs).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert contact: %w", err)
	}
	return nil
}

// FindContact matches a recipient email or phone to an owner's contact.
// It returns nil, nil when there is no match.
func (r *Repository) FindContact(ctx context.Context, ownerID uuid.UUID, identifier string) (*Contact, error) {
	var (
		c     Contact
		attrs []byte
	)
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, owner_id, name, email, phone, attributes, created_at, updated_at
		FROM contacts
		WHERE owner_id = $1 AND (lower(email) = lower($2) OR phone = $2)
		ORDER BY updated_at DESC
		LIMIT 1
	`, ownerID, identifier).Scan(
		&c.ID, &c.OwnerID, &c.Name, &c.Email, &c.Phone, &attrs, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query contact: %w", err)
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &c.Attributes); err != nil {
			return nil, fmt.Errorf("unmarshal contact attributes: %w", err)
		}
	}
	return &c, nil
}

func filterClause(ownerID uuid.UUID, f Filter) (string, []any) {
	conds := []string{"owner_id = $1"}
	args := []any{ownerID}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.Type != "" {
		add("type = $%d", f.Type)
	}
	if f.Channel != "" {
		add("channel = $%d", f.Channel)
	}
	if f.Tag != "" {
		add("tag ILIKE $%d", "%"+escapeLike(f.Tag)+"%")
	}
	if f.Active != nil {
		add("is_active = $%d", *f.Active)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	return strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func encodeReminder(rem *reminder.Reminder) (recipients, templateData, schedule []byte, err error) {
	if recipients, err = json.Marshal(rem.Recipients); err != nil {
		return nil, nil, nil, fmt.Errorf("marshal recipients: %w", err)
	}
	if rem.TemplateData != nil {
		if templateData, err = json.Marshal(rem.TemplateData); err != nil {
			return nil, nil, nil, fmt.Errorf("marshal template data: %w", err)
		}
	}
	if schedule, err = reminder.MarshalSchedule(rem.Schedule); err != nil {
		return nil, nil, nil, err
	}
	return recipients, templateData, schedule, nil
}

func scanReminder(row pgx.Row) (*reminder.Reminder, error) {
	var (
		rem          reminder.Reminder
		typ          reminder.Type
		recipients   []byte
		templateData []byte
		schedule     []byte
	)
	err := row.Scan(
		&rem.ID, &rem.OwnerID, &rem.FileID, &rem.Tag, &rem.Channel, &typ, &recipients, &rem.IsBulk,
		&rem.Message, &rem.Subject, &rem.TemplateID, &rem.TemplateName, &templateData, &schedule,
		&rem.Status, &rem.IsActive, &rem.NextExecution, &rem.LastExecution,
		&rem.ExecutionCount, &rem.SuccessCount, &rem.FailureCount, &rem.RetryCount, &rem.OccurrenceCount,
		&rem.MaxRetries, &rem.LastError, &rem.Timezone, &rem.Priority, &rem.ClaimedUntil,
		&rem.CreatedAt, &rem.UpdatedAt, &rem.Version,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(recipients, &rem.Recipients); err != nil {
		return nil, fmt.Errorf("unmarshal recipients: %w", err)
	}
	if len(templateData) > 0 {
		if err := json.Unmarshal(templateData, &rem.TemplateData); err != nil {
			return nil, fmt.Errorf("unmarshal template data: %w", err)
		}
	}
	if rem.Schedule, err = reminder.UnmarshalSchedule(typ, schedule); err != nil {
		return nil, err
	}
	return &rem, nil
}

func collectReminders(rows pgx.Rows) ([]*reminder.Reminder, error) {
	defer rows.Close()

	var items []*reminder.Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		items = append(items, rem)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return items, nil
}

package db

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/chime/internal/reminder"
)

var (
	// ErrTemplateNotFound is returned when no template matches the lookup
	ErrTemplateNotFound = errors.New("template not found")
	// ErrTemplateExists is returned when the owner already has a template
	// with the same name and channel
	ErrTemplateExists = errors.New("template already exists")
)

// Template is a stored message body rendered with text/template.
// An empty Channel applies to both email and SMS.
type Template struct {
	ID        uuid.UUID `json:"id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	Name      string    `json:"name"`
	Channel   string    `json:"channel,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contact is per-recipient context merged into template data
type Contact struct {
	ID         uuid.UUID      `json:"id"`
	OwnerID    uuid.UUID      `json:"owner_id"`
	Name       string         `json:"name,omitempty"`
	Email      string         `json:"email,omitempty"`
	Phone      string         `json:"phone,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Fields flattens the contact into template variables.
func (c *Contact) Fields() map[string]any {
	out := make(map[string]any, len(c.Attributes)+3)
	for k, v := range c.Attributes {
		out[k] = v
	}
	if c.Name != "" {
		out["name"] = c.Name
	}
	if c.Email != "" {
		out["email"] = c.Email
	}
	if c.Phone != "" {
		out["phone"] = c.Phone
	}
	return out
}

// Filter narrows a reminder listing. Zero values match everything.
// From and To bound created_at.
type Filter struct {
	Status  reminder.Status
	Type    reminder.Type
	Channel reminder.Channel
	Tag     string // substring, case-insensitive
	Active  *bool
	From    *time.Time
	To      *time.Time
}

// Match reports whether r passes the filter.
func (f Filter) Match(r *reminder.Reminder) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Type != "" && r.Type() != f.Type {
		return false
	}
	if f.Channel != "" && r.Channel != f.Channel {
		return false
	}
	if f.Tag != "" && !strings.Contains(strings.ToLower(r.Tag), strings.ToLower(f.Tag)) {
		return false
	}
	if f.Active != nil && r.IsActive != *f.Active {
		return false
	}
	if f.From != nil && r.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && r.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// sortColumns whitelists the sortable columns.
var sortColumns = map[string]string{
	"created_at":     "created_at",
	"updated_at":     "updated_at",
	"next_execution": "next_execution",
	"last_execution": "last_execution",
	"priority":       "priority",
	"status":         "status",
	"tag":            "tag",
}

// Page is 1-based pagination with sorting
type Page struct {
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
}

// Normalize fills defaults and clamps the limit.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if _, ok := sortColumns[p.SortBy]; !ok {
		p.SortBy = "created_at"
	}
	if strings.EqualFold(p.SortOrder, "asc") {
		p.SortOrder = "asc"
	} else {
		p.SortOrder = "desc"
	}
	return p
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int {
	return (p.Page - 1) * p.Limit
}

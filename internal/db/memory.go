package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/chime/internal/reminder"
)

// MemoryRepository is an in-process store with the same semantics as
// Repository. It backs STORE=memory and the tests of the packages above db.
type MemoryRepository struct {
	mu        sync.Mutex
	reminders map[uuid.UUID]*reminder.Reminder
	templates map[uuid.UUID]*Template
	contacts  map[uuid.UUID]*Contact
	now       func() time.Time
}

// NewMemoryRepository creates an empty store
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		reminders: make(map[uuid.UUID]*reminder.Reminder),
		templates: make(map[uuid.UUID]*Template),
		contacts:  make(map[uuid.UUID]*Contact),
		now:       time.Now,
	}
}

// SetClock replaces the clock used for created_at and updated_at.
func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryRepository) CreateReminder(_ context.Context, rem *reminder.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.reminders[rem.ID]; exists {
		return fmt.Errorf("insert reminder: duplicate id %s", rem.ID)
	}
	now := m.now()
	if rem.CreatedAt.IsZero() {
		rem.CreatedAt = now
	}
	rem.UpdatedAt = now
	m.reminders[rem.ID] = rem.Clone()
	return nil
}

func (m *MemoryRepository) GetReminder(_ context.Context, id uuid.UUID) (*reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rem, ok := m.reminders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", reminder.ErrNotFound, id)
	}
	return rem.Clone(), nil
}

func (m *MemoryRepository) SaveReminder(_ context.Context, rem *reminder.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.reminders[rem.ID]
	if !ok {
		return fmt.Errorf("%w: %s", reminder.ErrNotFound, rem.ID)
	}
	if cur.Version != rem.Version {
		return fmt.Errorf("%w: %s", reminder.ErrConflict, rem.ID)
	}
	rem.Version++
	rem.UpdatedAt = m.now()
	m.reminders[rem.ID] = rem.Clone()
	return nil
}

func (m *MemoryRepository) DeleteReminder(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reminders[id]; !ok {
		return fmt.Errorf("%w: %s", reminder.ErrNotFound, id)
	}
	delete(m.reminders, id)
	return nil
}

func (m *MemoryRepository) ListReminders(_ context.Context, ownerID uuid.UUID, f Filter, p Page) ([]*reminder.Reminder, int, error) {
	p = p.Normalize()

	m.mu.Lock()
	var matched []*reminder.Reminder
	for _, rem := range m.reminders {
		if rem.OwnerID == ownerID && f.Match(rem) {
			matched = append(matched, rem.Clone())
		}
	}
	m.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		c := compareBy(p.SortBy, matched[i], matched[j])
		if c == 0 {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		if p.SortOrder == "asc" {
			return c < 0
		}
		return c > 0
	})

	total := len(matched)
	start := p.Offset()
	if start >= total {
		return []*reminder.Reminder{}, total, nil
	}
	end := start + p.Limit
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (m *MemoryRepository) ListForOwner(_ context.Context, ownerID uuid.UUID) ([]*reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*reminder.Reminder
	for _, rem := range m.reminders {
		if rem.OwnerID == ownerID {
			out = append(out, rem.Clone())
		}
	}
	return out, nil
}

func (m *MemoryRepository) ClaimDue(_ context.Context, now time.Time, limit int, ttl time.Duration) ([]*reminder.Reminder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*reminder.Reminder
	for _, rem := range m.reminders {
		if rem.Due(now) && !rem.Claimed(now) {
			due = append(due, rem)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].NextExecution.Before(*due[j].NextExecution)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	until := now.Add(ttl)
	out := make([]*reminder.Reminder, 0, len(due))
	for _, rem := range due {
		claim := until
		rem.ClaimedUntil = &claim
		rem.Version++
		out = append(out, rem.Clone())
	}
	return out, nil
}

func (m *MemoryRepository) ReleaseClaim(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rem, ok := m.reminders[id]; ok {
		rem.ClaimedUntil = nil
		rem.Version++
	}
	return nil
}

func (m *MemoryRepository) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, rem := range m.reminders {
		if rem.Status.Terminal() && !rem.IsActive && rem.UpdatedAt.Before(cutoff) {
			delete(m.reminders, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) CreateTemplate(_ context.Context, t *Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.templates {
		if existing.OwnerID == t.OwnerID && existing.Name == t.Name && existing.Channel == t.Channel {
			return fmt.Errorf("%w: %q", ErrTemplateExists, t.Name)
		}
	}
	now := m.now()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := *t
	m.templates[t.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetTemplate(_ context.Context, ownerID, id uuid.UUID) (*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[id]
	if !ok || t.OwnerID != ownerID {
		return nil, ErrTemplateNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryRepository) GetTemplateByName(_ context.Context, ownerID uuid.UUID, name, channel string) (*Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var generic *Template
	for _, t := range m.templates {
		if t.OwnerID != ownerID || t.Name != name {
			continue
		}
		if t.Channel == channel {
			cp := *t
			return &cp, nil
		}
		if t.Channel == "" {
			generic = t
		}
	}
	if generic == nil {
		return nil, ErrTemplateNotFound
	}
	cp := *generic
	return &cp, nil
}

func (m *MemoryRepository) CreateContact(_ context.Context, c *Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	m.contacts[c.ID] = &cp
	return nil
}

func (m *MemoryRepository) FindContact(_ context.Context, ownerID uuid.UUID, identifier string) (*Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.contacts {
		if c.OwnerID != ownerID {
			continue
		}
		if strings.EqualFold(c.Email, identifier) || (c.Phone != "" && c.Phone == identifier) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func compareBy(field string, a, b *reminder.Reminder) int {
	switch field {
	case "updated_at":
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case "next_execution":
		return compareTimePtr(a.NextExecution, b.NextExecution)
	case "last_execution":
		return compareTimePtr(a.LastExecution, b.LastExecution)
	case "priority":
		return a.Priority - b.Priority
	case "status":
		return strings.Compare(string(a.Status), string(b.Status))
	case "tag":
		return strings.Compare(a.Tag, b.Tag)
	}
	return a.CreatedAt.Compare(b.CreatedAt)
}

func compareTimePtr(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	}
	return a.Compare(*b)
}

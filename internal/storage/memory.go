package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phonerescue/phonerescue-server/internal/models"
)

// MemoryStore implements Store with in-process maps. It backs tests and
// standalone deployments without a database.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.Session
	users    map[uuid.UUID]*models.User
	devices  map[uuid.UUID]*models.Device
	events   []*models.EventLog
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[uuid.UUID]*models.Session),
		users:    make(map[uuid.UUID]*models.User),
		devices:  make(map[uuid.UUID]*models.Device),
		events:   make([]*models.EventLog, 0, 128),
	}
}

// Close implements Store
func (m *MemoryStore) Close() error { return nil }

// ========== Session Methods ==========

// CreateSession creates a session record
func (m *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if _, ok := m.sessions[session.ID]; ok {
		return ErrDuplicateKey
	}

	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	m.sessions[session.ID] = copySession(session)
	return nil
}

// GetSession gets a session by id
func (m *MemoryStore) GetSession(_ context.Context, id uuid.UUID) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(session), nil
}

// UpdateSession applies the mutator under the store lock, so updates to the
// same session never interleave.
func (m *MemoryStore) UpdateSession(_ context.Context, id uuid.UUID, mutate SessionMutator) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}

	updated := copySession(session)
	if err := mutate(updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now()

	m.sessions[id] = updated
	return copySession(updated), nil
}

// ListSessions lists sessions for an owner with optional filters
func (m *MemoryStore) ListSessions(_ context.Context, ownerID uuid.UUID, filters SessionFilters, limit, offset int) ([]*models.Session, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*models.Session
	for _, session := range m.sessions {
		if session.OwnerID != ownerID {
			continue
		}
		if filters.Kind != nil && session.Kind != *filters.Kind {
			continue
		}
		if filters.Status != nil && session.Status != *filters.Status {
			continue
		}
		if filters.DeviceID != nil && session.DeviceID != *filters.DeviceID {
			continue
		}
		matched = append(matched, session)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]*models.Session, 0, len(matched))
	for _, session := range matched {
		out = append(out, copySession(session))
	}
	return out, total, nil
}

// ========== User Methods ==========

// CreateUser creates a user
func (m *MemoryStore) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	for _, existing := range m.users {
		if existing.Email == user.Email {
			return ErrDuplicateKey
		}
	}

	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	copied := *user
	m.users[user.ID] = &copied
	return nil
}

// GetUser gets a user by id
func (m *MemoryStore) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *user
	return &copied, nil
}

// GetUserByEmail gets a user by email
func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, user := range m.users {
		if user.Email == email {
			copied := *user
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateUser updates a user
func (m *MemoryStore) UpdateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[user.ID]; !ok {
		return ErrNotFound
	}

	user.UpdatedAt = time.Now()
	copied := *user
	m.users[user.ID] = &copied
	return nil
}

// ========== Device Methods ==========

// CreateDevice creates a device
func (m *MemoryStore) CreateDevice(_ context.Context, device *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}
	if _, ok := m.devices[device.ID]; ok {
		return ErrDuplicateKey
	}

	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	copied := *device
	m.devices[device.ID] = &copied
	return nil
}

// GetDevice gets a device by id
func (m *MemoryStore) GetDevice(_ context.Context, id uuid.UUID) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *device
	return &copied, nil
}

// UpdateDevice updates a device
func (m *MemoryStore) UpdateDevice(_ context.Context, device *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[device.ID]; !ok {
		return ErrNotFound
	}

	device.UpdatedAt = time.Now()
	copied := *device
	m.devices[device.ID] = &copied
	return nil
}

// DeleteDevice deletes a device
func (m *MemoryStore) DeleteDevice(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[id]; !ok {
		return ErrNotFound
	}
	delete(m.devices, id)
	return nil
}

// ListDevices lists devices for an owner
func (m *MemoryStore) ListDevices(_ context.Context, ownerID uuid.UUID, limit, offset int) ([]*models.Device, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*models.Device
	for _, device := range m.devices {
		if device.OwnerID == ownerID {
			matched = append(matched, device)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]*models.Device, 0, len(matched))
	for _, device := range matched {
		copied := *device
		out = append(out, &copied)
	}
	return out, total, nil
}

// ========== Event Log Methods ==========

// CreateEventLog creates an event log entry
func (m *MemoryStore) CreateEventLog(_ context.Context, event *models.EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	copied := *event
	m.events = append(m.events, &copied)
	return nil
}

// ListEventLogs lists event logs with filters
func (m *MemoryStore) ListEventLogs(_ context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*models.EventLog
	for _, event := range m.events {
		if filters.OwnerID != nil && (event.OwnerID == nil || *event.OwnerID != *filters.OwnerID) {
			continue
		}
		if filters.DeviceID != nil && (event.DeviceID == nil || *event.DeviceID != *filters.DeviceID) {
			continue
		}
		if filters.SessionID != nil && (event.SessionID == nil || *event.SessionID != *filters.SessionID) {
			continue
		}
		if filters.Type != nil && event.Type != *filters.Type {
			continue
		}
		if filters.Level != nil && event.Level != *filters.Level {
			continue
		}
		if filters.StartTime != nil && event.CreatedAt.Before(*filters.StartTime) {
			continue
		}
		if filters.EndTime != nil && event.CreatedAt.After(*filters.EndTime) {
			continue
		}
		matched = append(matched, event)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := int64(len(matched))
	if offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	out := make([]*models.EventLog, 0, len(matched))
	for _, event := range matched {
		copied := *event
		out = append(out, &copied)
	}
	return out, total, nil
}

func copySession(s *models.Session) *models.Session {
	copied := *s

	if s.Options != nil {
		copied.Options = make(models.Variables, len(s.Options))
		for k, v := range s.Options {
			copied.Options[k] = v
		}
	}
	if s.Counters != nil {
		copied.Counters = make(models.Counters, len(s.Counters))
		for k, v := range s.Counters {
			copied.Counters[k] = v
		}
	}
	if s.ResultSummary != nil {
		copied.ResultSummary = make(models.Variables, len(s.ResultSummary))
		for k, v := range s.ResultSummary {
			copied.ResultSummary[k] = v
		}
	}
	if s.ErrorInfo != nil {
		info := *s.ErrorInfo
		copied.ErrorInfo = &info
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		copied.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		copied.EndedAt = &t
	}

	return &copied
}

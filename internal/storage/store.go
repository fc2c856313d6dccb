package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/phonerescue/phonerescue-server/internal/models"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
	ErrInvalidData  = errors.New("invalid data")
)

// SessionMutator applies an in-place change to a session inside an atomic
// read-modify-write. Returning an error aborts the update without writing.
type SessionMutator func(*models.Session) error

// SessionFilters narrows session listings
type SessionFilters struct {
	Kind     *models.SessionKind
	Status   *models.SessionStatus
	DeviceID *uuid.UUID
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	OwnerID   *uuid.UUID
	DeviceID  *uuid.UUID
	SessionID *uuid.UUID
	Type      *models.EventType
	Level     *models.EventLevel
	StartTime *time.Time
	EndTime   *time.Time
}

// Store defines the storage interface
type Store interface {
	// Session methods. UpdateSession is serialized per session id: the
	// mutator runs against the current row and the write is atomic, so
	// concurrent progress reports and command calls never lose updates.
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	UpdateSession(ctx context.Context, id uuid.UUID, mutate SessionMutator) (*models.Session, error)
	ListSessions(ctx context.Context, ownerID uuid.UUID, filters SessionFilters, limit, offset int) ([]*models.Session, int64, error)

	// User methods
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error

	// Device methods
	CreateDevice(ctx context.Context, device *models.Device) error
	GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error)
	UpdateDevice(ctx context.Context, device *models.Device) error
	DeleteDevice(ctx context.Context, id uuid.UUID) error
	ListDevices(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*models.Device, int64, error)

	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Close the store
	Close() error
}

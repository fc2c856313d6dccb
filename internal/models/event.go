package models

import (
	"time"

	"github.com/google/uuid"
)

// ProgressEvent is the transient message pushed to session subscribers.
// Only its latest value is folded into the Session record.
type ProgressEvent struct {
	SessionID       uuid.UUID     `json:"sessionId"`
	Type            EventType     `json:"type"`
	Status          SessionStatus `json:"status"`
	ProgressPercent int           `json:"progressPercent"`
	Phase           string        `json:"phase,omitempty"`
	Counters        Counters      `json:"counters,omitempty"`
	ErrorInfo       *ErrorInfo    `json:"errorInfo,omitempty"`
	Snapshot        bool          `json:"snapshot,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}

// EventLog represents an audit log entry for a session transition
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	OwnerID   *uuid.UUID `json:"ownerId,omitempty" db:"owner_id"`
	DeviceID  *uuid.UUID `json:"deviceId,omitempty" db:"device_id"`
	SessionID *uuid.UUID `json:"sessionId,omitempty" db:"session_id"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	// Session lifecycle events
	EventTypeSessionCreated EventType = "SESSION_CREATED"
	EventTypeProgress       EventType = "PROGRESS"
	EventTypeStatusChange   EventType = "STATUS_CHANGE"
	EventTypeSessionEnded   EventType = "SESSION_ENDED"

	// Engine events
	EventTypeWatchdog EventType = "WATCHDOG"
	EventTypeError    EventType = "ERROR"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

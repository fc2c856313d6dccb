package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionKind identifies the type of device operation a session runs
type SessionKind string

const (
	KindRecovery     SessionKind = "recovery"
	KindTransfer     SessionKind = "transfer"
	KindScreenUnlock SessionKind = "screen_unlock"
	KindSystemRepair SessionKind = "system_repair"
	KindDataEraser   SessionKind = "data_eraser"
	KindFRPBypass    SessionKind = "frp_bypass"
	KindICloudBypass SessionKind = "icloud_bypass"
)

// Valid reports whether the kind is one of the supported operation types
func (k SessionKind) Valid() bool {
	switch k {
	case KindRecovery, KindTransfer, KindScreenUnlock, KindSystemRepair,
		KindDataEraser, KindFRPBypass, KindICloudBypass:
		return true
	}
	return false
}

// SessionStatus represents the lifecycle state of a session
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusRunning   SessionStatus = "running"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the session holds its device lock
func (s SessionStatus) IsActive() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused:
		return true
	}
	return false
}

// CanTransitionTo validates a status transition against the state machine:
// pending -> running <-> paused -> {completed|failed|cancelled}, with
// cancelled reachable from every non-terminal state.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	case StatusRunning:
		return next == StatusPaused || next == StatusCompleted ||
			next == StatusFailed || next == StatusCancelled
	case StatusPaused:
		return next == StatusRunning || next == StatusCompleted ||
			next == StatusFailed || next == StatusCancelled
	}
	return false
}

// Counters holds kind-specific progress counts, e.g. itemsTotal/itemsDone
// for recovery and transfer, passDone/passTotal for the eraser.
type Counters map[string]int64

// ErrorInfo describes why a session reached the failed status
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Session represents one device operation with its own lifecycle
type Session struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`

	// Immutable after creation
	OwnerID  uuid.UUID   `json:"ownerId" db:"owner_id"`
	DeviceID uuid.UUID   `json:"deviceId" db:"device_id"`
	Kind     SessionKind `json:"kind" db:"kind"`
	Options  Variables   `json:"options" db:"options"`

	// Mutated only by the session controller
	Status          SessionStatus `json:"status" db:"status"`
	ProgressPercent int           `json:"progressPercent" db:"progress_percent"`
	Phase           string        `json:"phase,omitempty" db:"phase"`
	Counters        Counters      `json:"counters" db:"counters"`

	ResultSummary Variables  `json:"resultSummary,omitempty" db:"result_summary"`
	ErrorInfo     *ErrorInfo `json:"errorInfo,omitempty" db:"error_info"`

	StartedAt *time.Time `json:"startedAt,omitempty" db:"started_at"`
	EndedAt   *time.Time `json:"endedAt,omitempty" db:"ended_at"`
}

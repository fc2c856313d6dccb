package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Command errors returned synchronously to callers
var (
	// ErrForbidden means the caller does not own the target device
	ErrForbidden = errors.New("forbidden")

	// ErrLockLost means the session's device lock is no longer held, so
	// the command could not be honored.
	ErrLockLost = errors.New("device lock lost")

	// ErrInvalidKind means the requested operation kind is not supported
	ErrInvalidKind = errors.New("invalid session kind")
)

// ConflictError reports a command rejected by the state machine or by the
// device lock. ConflictingSessionID names the session holding the device
// when the conflict is a lock collision.
type ConflictError struct {
	Reason               string
	ConflictingSessionID uuid.UUID
}

func (e *ConflictError) Error() string {
	if e.ConflictingSessionID != uuid.Nil {
		return fmt.Sprintf("%s (session %s)", e.Reason, e.ConflictingSessionID)
	}
	return e.Reason
}

// AsConflict reports whether err is a ConflictError
func AsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}

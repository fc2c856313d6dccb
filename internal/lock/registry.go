package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Common errors
var (
	// ErrNotOwner is returned when releasing a lock held by another session
	// or not held at all. Duplicate releases on terminal paths are expected,
	// so callers treat it as a no-op, not a failure.
	ErrNotOwner = errors.New("lock not owned")
)

// AlreadyLockedError reports that a device is reserved by another session.
// It names the holder so the caller can offer "view existing session".
type AlreadyLockedError struct {
	DeviceID  uuid.UUID
	SessionID uuid.UUID
}

func (e *AlreadyLockedError) Error() string {
	return fmt.Sprintf("device %s locked by session %s", e.DeviceID, e.SessionID)
}

// IsAlreadyLocked reports whether err is an AlreadyLockedError and returns
// the owning session id.
func IsAlreadyLocked(err error) (uuid.UUID, bool) {
	var locked *AlreadyLockedError
	if errors.As(err, &locked) {
		return locked.SessionID, true
	}
	return uuid.Nil, false
}

// Registry enforces at-most-one-active-session-per-device. Acquire is a
// compare-and-swap on the device key; Release only succeeds for the holder.
type Registry interface {
	Acquire(ctx context.Context, deviceID, sessionID uuid.UUID) error
	Release(ctx context.Context, deviceID, sessionID uuid.UUID) error
	Holder(ctx context.Context, deviceID uuid.UUID) (uuid.UUID, error)
}

// MemoryRegistry implements Registry with an in-process map. Locks do not
// survive process restart; the watchdog re-fails any session left behind.
type MemoryRegistry struct {
	mu    sync.Mutex
	locks map[uuid.UUID]uuid.UUID
}

// NewMemoryRegistry creates an empty in-memory registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		locks: make(map[uuid.UUID]uuid.UUID),
	}
}

// Acquire reserves the device for the session
func (r *MemoryRegistry) Acquire(_ context.Context, deviceID, sessionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if holder, ok := r.locks[deviceID]; ok {
		if holder == sessionID {
			return nil
		}
		return &AlreadyLockedError{DeviceID: deviceID, SessionID: holder}
	}

	r.locks[deviceID] = sessionID
	return nil
}

// Release frees the device if the session holds it
func (r *MemoryRegistry) Release(_ context.Context, deviceID, sessionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	holder, ok := r.locks[deviceID]
	if !ok || holder != sessionID {
		return ErrNotOwner
	}

	delete(r.locks, deviceID)
	return nil
}

// Holder returns the session currently holding the device, or uuid.Nil
func (r *MemoryRegistry) Holder(_ context.Context, deviceID uuid.UUID) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locks[deviceID], nil
}

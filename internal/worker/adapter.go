package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/phonerescue/phonerescue-server/internal/models"
)

// FoundItem is one recoverable/transferable item discovered on a device
type FoundItem struct {
	ID        string `json:"id"`
	Category  string `json:"category"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"sizeBytes"`
}

// Step is one opaque unit of an advanced operation (unlock, repair, erase,
// bypass). The technique behind it is the adapter's concern.
type Step struct {
	Kind  models.SessionKind
	Phase string
	Index int
	Total int
}

// TransientError marks a recoverable device communication failure. Workers
// retry these a bounded number of times before failing the session.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient adapter error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// Adapter is the device communication capability consumed by workers.
// Implementations talk to the attached phone; everything beyond this
// contract is out of the engine's hands.
type Adapter interface {
	// Scan streams items found on the device. The channel is closed when
	// the scan finishes or ctx is cancelled.
	Scan(ctx context.Context, deviceID uuid.UUID, options models.Variables) (<-chan FoundItem, error)

	// Copy moves one item to the given target (local export or a second
	// device, depending on the operation).
	Copy(ctx context.Context, deviceID uuid.UUID, item FoundItem, target string) error

	// Exec performs one step of an advanced operation
	Exec(ctx context.Context, deviceID uuid.UUID, step Step) error
}

// retryTransient runs fn, retrying transient adapter failures up to
// maxAttempts. Non-transient errors and context cancellation abort
// immediately.
func retryTransient(ctx context.Context, maxAttempts int, fn func() error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/phonerescue/phonerescue-server/internal/models"
)

// SimAdapter is a stand-in device adapter for deployments without a real
// device bridge attached. It produces a deterministic item set and paces
// steps with a fixed delay so sessions behave like real long-running work.
type SimAdapter struct {
	ItemCount int
	StepDelay time.Duration
}

// NewSimAdapter creates a simulated adapter with sensible pacing
func NewSimAdapter() *SimAdapter {
	return &SimAdapter{
		ItemCount: 120,
		StepDelay: 250 * time.Millisecond,
	}
}

var simCategories = []string{"photos", "messages", "contacts", "videos", "documents"}

// Scan implements Adapter
func (a *SimAdapter) Scan(ctx context.Context, deviceID uuid.UUID, _ models.Variables) (<-chan FoundItem, error) {
	ch := make(chan FoundItem)

	go func() {
		defer close(ch)
		for i := 0; i < a.ItemCount; i++ {
			item := FoundItem{
				ID:        fmt.Sprintf("%s-item-%04d", deviceID.String()[:8], i),
				Category:  simCategories[i%len(simCategories)],
				Name:      fmt.Sprintf("item_%04d", i),
				SizeBytes: int64(1024 * (i%64 + 1)),
			}

			select {
			case ch <- item:
			case <-ctx.Done():
				return
			}

			select {
			case <-time.After(a.StepDelay / 10):
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// Copy implements Adapter
func (a *SimAdapter) Copy(ctx context.Context, _ uuid.UUID, _ FoundItem, _ string) error {
	select {
	case <-time.After(a.StepDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exec implements Adapter
func (a *SimAdapter) Exec(ctx context.Context, _ uuid.UUID, _ Step) error {
	select {
	case <-time.After(a.StepDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/phonerescue/phonerescue-server/internal/storage"
)

// Gate confirms device ownership before the engine honors a command
type Gate interface {
	OwnsDevice(ctx context.Context, userID, deviceID uuid.UUID) (bool, error)
}

// StoreGate resolves ownership from the device registry
type StoreGate struct {
	store storage.Store
}

// NewStoreGate creates a store-backed gate
func NewStoreGate(store storage.Store) *StoreGate {
	return &StoreGate{store: store}
}

// OwnsDevice implements Gate. An unknown device is simply not owned.
func (g *StoreGate) OwnsDevice(ctx context.Context, userID, deviceID uuid.UUID) (bool, error) {
	device, err := g.store.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return device.OwnerID == userID, nil
}

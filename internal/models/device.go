package models

import (
	"time"

	"github.com/google/uuid"
)

// DevicePlatform represents the device operating system
type DevicePlatform string

const (
	PlatformIOS     DevicePlatform = "ios"
	PlatformAndroid DevicePlatform = "android"
)

// Device represents a phone registered by a user
type Device struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`

	OwnerID uuid.UUID `json:"ownerId" db:"owner_id"`

	Name         string         `json:"name" db:"name"`
	Platform     DevicePlatform `json:"platform" db:"platform"`
	Model        string         `json:"model" db:"model"`
	SerialNumber string         `json:"serialNumber" db:"serial_number"`
	OSVersion    string         `json:"osVersion" db:"os_version"`

	LastSeenAt *time.Time `json:"lastSeenAt,omitempty" db:"last_seen_at"`
}

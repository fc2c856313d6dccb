package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/phonerescue/phonerescue-server/internal/models"
)

// ========== Device Methods ==========

// CreateDevice creates a device
func (s *PostgresStore) CreateDevice(ctx context.Context, device *models.Device) error {
	if device.ID == uuid.Nil {
		device.ID = uuid.New()
	}

	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	query := `
		INSERT INTO devices (
			id, created_at, updated_at, owner_id, name, platform,
			model, serial_number, os_version, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.CreatedAt, device.UpdatedAt, device.OwnerID,
		device.Name, device.Platform, device.Model, device.SerialNumber,
		device.OSVersion, device.LastSeenAt,
	)

	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetDevice gets a device by id
func (s *PostgresStore) GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	query := `
		SELECT id, created_at, updated_at, owner_id, name, platform,
		       model, serial_number, os_version, last_seen_at
		FROM devices WHERE id = $1`

	device := &models.Device{}
	err := s.getDB().QueryRowContext(ctx, query, id).Scan(
		&device.ID, &device.CreatedAt, &device.UpdatedAt, &device.OwnerID,
		&device.Name, &device.Platform, &device.Model, &device.SerialNumber,
		&device.OSVersion, &device.LastSeenAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return device, nil
}

// UpdateDevice updates a device
func (s *PostgresStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	device.UpdatedAt = time.Now()

	query := `
		UPDATE devices SET
			updated_at = $2, name = $3, platform = $4, model = $5,
			serial_number = $6, os_version = $7, last_seen_at = $8
		WHERE id = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		device.ID, device.UpdatedAt, device.Name, device.Platform,
		device.Model, device.SerialNumber, device.OSVersion, device.LastSeenAt,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteDevice deletes a device
func (s *PostgresStore) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	result, err := s.getDB().ExecContext(ctx, "DELETE FROM devices WHERE id = $1", id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListDevices lists devices for an owner
func (s *PostgresStore) ListDevices(ctx context.Context, ownerID uuid.UUID, limit, offset int) ([]*models.Device, int64, error) {
	var count int64
	err := s.getDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM devices WHERE owner_id = $1", ownerID).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, created_at, updated_at, owner_id, name, platform,
		       model, serial_number, os_version, last_seen_at
		FROM devices WHERE owner_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := s.getDB().QueryContext(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		device := &models.Device{}
		err := rows.Scan(
			&device.ID, &device.CreatedAt, &device.UpdatedAt, &device.OwnerID,
			&device.Name, &device.Platform, &device.Model, &device.SerialNumber,
			&device.OSVersion, &device.LastSeenAt,
		)
		if err != nil {
			return nil, 0, err
		}
		devices = append(devices, device)
	}

	return devices, count, nil
}

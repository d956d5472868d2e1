package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/chargesync/devicesync/internal/models"
)

// DeviceRepository implements DeviceRepo for PostgreSQL/SQLite
type DeviceRepository struct {
	db *sql.DB
}

// NewDeviceRepository creates a new DeviceRepository
func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

const deviceColumns = `id, fingerprint, device_type, browser, os, is_active, registered_at, last_seen_at`

func scanDevice(row scanner) (*models.DeviceRecord, error) {
	var device models.DeviceRecord
	err := row.Scan(&device.ID, &device.Fingerprint, &device.DeviceType, &device.Browser,
		&device.OS, &device.IsActive, &device.RegisteredAt, &device.LastSeenAt)
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *DeviceRepository) GetByID(ctx context.Context, id string) (*models.DeviceRecord, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return device, err
}

func (r *DeviceRepository) GetByFingerprint(ctx context.Context, fingerprint string) (*models.DeviceRecord, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE fingerprint = $1`

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, fingerprint))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return device, err
}

// Upsert registers the device or refreshes an existing row with the same
// fingerprint. The stored id is returned either way.
func (r *DeviceRepository) Upsert(ctx context.Context, device *models.DeviceRecord) (string, error) {
	query := `INSERT INTO devices (` + deviceColumns + `)
			  VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			  ON CONFLICT (fingerprint) DO UPDATE SET
				device_type = excluded.device_type,
				browser = excluded.browser,
				os = excluded.os,
				is_active = excluded.is_active,
				last_seen_at = excluded.last_seen_at
			  RETURNING id`

	var id string
	err := r.db.QueryRowContext(ctx, query,
		device.ID, device.Fingerprint, device.DeviceType, device.Browser,
		device.OS, device.IsActive, device.RegisteredAt.UTC(), device.LastSeenAt.UTC(),
	).Scan(&id)
	return id, err
}

func (r *DeviceRepository) UpdateLastSeen(ctx context.Context, id string) error {
	query := `UPDATE devices SET last_seen_at = $1 WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, time.Now().UTC(), id)
	return err
}

func (r *DeviceRepository) GetCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&count)
	return count, err
}

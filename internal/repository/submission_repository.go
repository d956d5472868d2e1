package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/chargesync/devicesync/internal/models"
)

// SubmissionRepository stores battery readings and reward claims keyed by
// their client ids, so replays are no-ops.
type SubmissionRepository struct {
	db *sql.DB
}

// NewSubmissionRepository creates a new SubmissionRepository
func NewSubmissionRepository(db *sql.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

// AddReading stores a reading; false means the id was already stored
func (r *SubmissionRepository) AddReading(ctx context.Context, reading *models.BatteryReading) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO battery_readings (id, device_id, session_id, level, is_charging, recorded_at, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		reading.ID, reading.DeviceID, reading.SessionID, reading.Level, reading.IsCharging,
		reading.RecordedAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

// AddClaim stores a claim; false means the id was already stored
func (r *SubmissionRepository) AddClaim(ctx context.Context, claim *models.RewardClaim) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO reward_claims (id, device_id, session_id, amount, reason, claimed_at, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		claim.ID, claim.DeviceID, claim.SessionID, claim.Amount, claim.Reason,
		claim.ClaimedAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

// ReadingsForDevice returns readings oldest first
func (r *SubmissionRepository) ReadingsForDevice(ctx context.Context, deviceID string, skip, take int) ([]*models.BatteryReading, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, session_id, level, is_charging, recorded_at
		 FROM battery_readings WHERE device_id = $1 ORDER BY recorded_at, id LIMIT $2 OFFSET $3`,
		deviceID, take, skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []*models.BatteryReading
	for rows.Next() {
		var reading models.BatteryReading
		if err := rows.Scan(&reading.ID, &reading.DeviceID, &reading.SessionID, &reading.Level,
			&reading.IsCharging, &reading.RecordedAt); err != nil {
			return nil, err
		}
		reading.RecordedAt = reading.RecordedAt.UTC()
		readings = append(readings, &reading)
	}
	return readings, rows.Err()
}

// ClaimsTotal sums the claimed amount for a device
func (r *SubmissionRepository) ClaimsTotal(ctx context.Context, deviceID string) (float64, int, error) {
	var (
		total sql.NullFloat64
		count int
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0), COUNT(*) FROM reward_claims WHERE device_id = $1`,
		deviceID).Scan(&total, &count)
	return total.Float64, count, err
}

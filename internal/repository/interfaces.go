package repository

import (
	"context"
	"time"

	"github.com/chargesync/devicesync/internal/models"
)

// DeviceRepo defines the interface for device persistence operations
type DeviceRepo interface {
	GetByID(ctx context.Context, id string) (*models.DeviceRecord, error)
	GetByFingerprint(ctx context.Context, fingerprint string) (*models.DeviceRecord, error)
	Upsert(ctx context.Context, device *models.DeviceRecord) (string, error)
	UpdateLastSeen(ctx context.Context, id string) error
	GetCount(ctx context.Context) (int, error)
}

// SessionRepo defines the interface for device session persistence operations
type SessionRepo interface {
	GetByID(ctx context.Context, id string) (*models.SessionRecord, error)
	GetActive(ctx context.Context, deviceID, sessionKey string) (*models.SessionRecord, error)
	Create(ctx context.Context, session *models.SessionRecord) ([]*models.SessionRecord, error)
	Heartbeat(ctx context.Context, deviceID, sessionKey string, at time.Time) (bool, error)
	Disconnect(ctx context.Context, deviceID, sessionKey string, at time.Time) (*models.SessionRecord, error)
	MarkStale(ctx context.Context, cutoff, at time.Time) ([]*models.SessionRecord, error)
	ListForDevice(ctx context.Context, deviceID string, limit int) ([]*models.SessionRecord, error)
	GetActiveCount(ctx context.Context) (int, error)
}

// ActivityRepo defines the interface for activity log persistence operations
type ActivityRepo interface {
	Append(ctx context.Context, deviceID, sessionID string, entry *models.ActivityLogEntry) (bool, error)
	ListForSession(ctx context.Context, sessionID string) ([]*models.ActivityLogEntry, error)
}

// SubmissionRepo defines the interface for reading and claim persistence operations
type SubmissionRepo interface {
	AddReading(ctx context.Context, reading *models.BatteryReading) (bool, error)
	AddClaim(ctx context.Context, claim *models.RewardClaim) (bool, error)
	ReadingsForDevice(ctx context.Context, deviceID string, skip, take int) ([]*models.BatteryReading, error)
	ClaimsTotal(ctx context.Context, deviceID string) (float64, int, error)
}

var (
	_ DeviceRepo     = (*DeviceRepository)(nil)
	_ SessionRepo    = (*SessionRepository)(nil)
	_ ActivityRepo   = (*ActivityRepository)(nil)
	_ SubmissionRepo = (*SubmissionRepository)(nil)
)

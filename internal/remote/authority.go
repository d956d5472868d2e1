// Package remote talks to the session authority: device registration,
// session lifecycle, activity logs and queued submissions.
package remote

import (
	"context"

	"github.com/chargesync/devicesync/internal/models"
)

// Authority is the remote session authority as the device sees it.
// Every method is safe to call more than once with the same arguments.
type Authority interface {
	// UpsertDevice registers a device by fingerprint and returns its id
	UpsertDevice(ctx context.Context, info models.DeviceInfo) (string, error)
	// FindActiveSession returns nil when no active session matches
	FindActiveSession(ctx context.Context, deviceID, sessionKey string) (*models.ActiveSession, error)
	// CreateSession closes any other active session of the device
	CreateSession(ctx context.Context, deviceID, sessionKey string, info models.DeviceInfo) (*models.ActiveSession, error)
	Heartbeat(ctx context.Context, deviceID, sessionKey string) error
	Disconnect(ctx context.Context, deviceID, sessionKey string) error
	AppendActivityLog(ctx context.Context, deviceID, sessionID string, entry *models.ActivityLogEntry) error
	SubmitBatteryReading(ctx context.Context, reading *models.BatteryReading) error
	SubmitRewardClaim(ctx context.Context, claim *models.RewardClaim) error
}

// Pinger reports whether the authority answers at all
type Pinger interface {
	Ping(ctx context.Context) error
}

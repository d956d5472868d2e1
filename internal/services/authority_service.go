package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/chargesync/devicesync/internal/models"
	"github.com/chargesync/devicesync/internal/observability"
	"github.com/chargesync/devicesync/internal/remote"
	"github.com/chargesync/devicesync/internal/repository"
)

// AuthorityService implements the session authority: device registration,
// one active session per device, heartbeats and idempotent submissions.
type AuthorityService struct {
	devices     repository.DeviceRepo
	sessions    repository.SessionRepo
	activity    repository.ActivityRepo
	submissions repository.SubmissionRepo
	hub         *SessionHub
	deviceIDs   *lru.Cache[string, string] // fingerprint -> device id
	staleAfter  time.Duration
	now         func() time.Time
	logger      *observability.Logger
}

// NewAuthorityService creates a new AuthorityService. hub may be nil.
func NewAuthorityService(
	devices repository.DeviceRepo,
	sessions repository.SessionRepo,
	activity repository.ActivityRepo,
	submissions repository.SubmissionRepo,
	hub *SessionHub,
	staleAfter time.Duration,
) (*AuthorityService, error) {
	cache, err := lru.New[string, string](4096)
	if err != nil {
		return nil, err
	}
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &AuthorityService{
		devices:     devices,
		sessions:    sessions,
		activity:    activity,
		submissions: submissions,
		hub:         hub,
		deviceIDs:   cache,
		staleAfter:  staleAfter,
		now:         time.Now,
		logger:      observability.WithField("component", "authority"),
	}, nil
}

// RegisterDevice upserts by fingerprint and reports whether a new row was created
func (s *AuthorityService) RegisterDevice(ctx context.Context, info models.DeviceInfo) (string, bool, error) {
	fp := strings.TrimSpace(info.Fingerprint)
	if fp == "" {
		return "", false, models.ErrEmptyFingerprint
	}

	if id, ok := s.deviceIDs.Get(fp); ok {
		if err := s.devices.UpdateLastSeen(ctx, id); err != nil {
			return "", false, err
		}
		return id, false, nil
	}

	device, err := models.NewDeviceRecord(fp, info.DeviceType, info.Browser, info.OS)
	if err != nil {
		return "", false, err
	}
	id, err := s.devices.Upsert(ctx, device)
	if err != nil {
		return "", false, fmt.Errorf("upsert device: %w", err)
	}
	s.deviceIDs.Add(fp, id)

	created := id == device.ID
	if created {
		s.logger.WithFields(map[string]interface{}{
			"device_id":   id,
			"device_type": device.DeviceType,
		}).Info("Device registered")
	}
	return id, created, nil
}

func (s *AuthorityService) UpsertDevice(ctx context.Context, info models.DeviceInfo) (string, error) {
	id, _, err := s.RegisterDevice(ctx, info)
	return id, err
}

func (s *AuthorityService) FindActiveSession(ctx context.Context, deviceID, sessionKey string) (*models.ActiveSession, error) {
	session, err := s.sessions.GetActive(ctx, deviceID, sessionKey)
	if err != nil || session == nil {
		return nil, err
	}
	active := session.Active()
	return &active, nil
}

// OpenSession creates a session and closes the device's other active sessions
func (s *AuthorityService) OpenSession(ctx context.Context, deviceID, sessionKey string, info models.DeviceInfo) (*models.SessionRecord, int, error) {
	device, err := s.devices.GetByID(ctx, deviceID)
	if err != nil {
		return nil, 0, err
	}
	if device == nil {
		return nil, 0, models.ErrDeviceNotFound
	}

	if info.DeviceType == "" && info.Browser == "" && info.OS == "" {
		info = device.Info()
	}
	session, err := models.NewSessionRecord(deviceID, sessionKey, info)
	if err != nil {
		return nil, 0, err
	}
	now := s.now().UTC()
	session.ConnectedAt, session.LastHeartbeatAt, session.SessionStartTime = now, now, now

	closed, err := s.sessions.Create(ctx, session)
	if err != nil {
		return nil, 0, fmt.Errorf("create session: %w", err)
	}

	for _, c := range closed {
		s.publish(WSTypeSessionClosed, c)
	}
	s.publish(WSTypeSessionCreated, session)

	s.logger.WithSession(deviceID, session.ID).WithField("replaced", len(closed)).Info("Session created")
	return session, len(closed), nil
}

func (s *AuthorityService) CreateSession(ctx context.Context, deviceID, sessionKey string, info models.DeviceInfo) (*models.ActiveSession, error) {
	session, _, err := s.OpenSession(ctx, deviceID, sessionKey, info)
	if err != nil {
		return nil, err
	}
	active := session.Active()
	return &active, nil
}

// Heartbeat fails with ErrSessionNotFound when the session is no longer active
func (s *AuthorityService) Heartbeat(ctx context.Context, deviceID, sessionKey string) error {
	ok, err := s.sessions.Heartbeat(ctx, deviceID, sessionKey, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrSessionNotFound
	}
	return nil
}

// Disconnect is idempotent
func (s *AuthorityService) Disconnect(ctx context.Context, deviceID, sessionKey string) error {
	ended, err := s.sessions.Disconnect(ctx, deviceID, sessionKey, s.now())
	if err != nil {
		return err
	}
	if ended != nil {
		s.publish(WSTypeSessionClosed, ended)
		s.logger.WithFields(map[string]interface{}{
			"session_id":       ended.ID,
			"duration_seconds": ended.DurationSeconds,
		}).Info("Session disconnected")
	}
	return nil
}

func (s *AuthorityService) AppendActivityLog(ctx context.Context, deviceID, sessionID string, entry *models.ActivityLogEntry) error {
	if entry == nil || strings.TrimSpace(entry.ID) == "" {
		return models.ErrEmptySubmissionID
	}
	if strings.TrimSpace(entry.ActivityType) == "" {
		return models.ErrEmptyActivityType
	}
	entry.Severity = models.ParseSeverity(string(entry.Severity))
	_, err := s.activity.Append(ctx, deviceID, sessionID, entry)
	return err
}

func (s *AuthorityService) SubmitBatteryReading(ctx context.Context, reading *models.BatteryReading) error {
	if err := reading.Validate(); err != nil {
		return err
	}
	inserted, err := s.submissions.AddReading(ctx, reading)
	if err != nil {
		return err
	}
	if !inserted {
		s.logger.WithField("reading_id", reading.ID).Debug("Duplicate battery reading ignored")
	}
	return nil
}

func (s *AuthorityService) SubmitRewardClaim(ctx context.Context, claim *models.RewardClaim) error {
	if err := claim.Validate(); err != nil {
		return err
	}
	inserted, err := s.submissions.AddClaim(ctx, claim)
	if err != nil {
		return err
	}
	if !inserted {
		s.logger.WithField("claim_id", claim.ID).Debug("Duplicate reward claim ignored")
	}
	return nil
}

// DeviceSummary collects a device's recent sessions and submissions
func (s *AuthorityService) DeviceSummary(ctx context.Context, deviceID string, limit int) (*models.DeviceSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	device, err := s.devices.GetByID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, models.ErrDeviceNotFound
	}

	sessions, err := s.sessions.ListForDevice(ctx, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	readings, err := s.submissions.ReadingsForDevice(ctx, deviceID, 0, limit)
	if err != nil {
		return nil, fmt.Errorf("list readings: %w", err)
	}
	total, count, err := s.submissions.ClaimsTotal(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("sum claims: %w", err)
	}

	return &models.DeviceSummary{
		Device:      device,
		Sessions:    sessions,
		Readings:    readings,
		ClaimsCount: count,
		ClaimsTotal: total,
	}, nil
}

// SessionActivity returns a session's activity log in occurrence order
func (s *AuthorityService) SessionActivity(ctx context.Context, sessionID string) ([]*models.ActivityLogEntry, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, models.ErrSessionNotFound
	}
	return s.activity.ListForSession(ctx, sessionID)
}

func (s *AuthorityService) Counts(ctx context.Context) (models.AuthorityCounts, error) {
	var counts models.AuthorityCounts
	var err error
	if counts.Devices, err = s.devices.GetCount(ctx); err != nil {
		return counts, err
	}
	counts.ActiveSessions, err = s.sessions.GetActiveCount(ctx)
	return counts, err
}

// SweepStale closes sessions with no heartbeat within the stale window
func (s *AuthorityService) SweepStale(ctx context.Context) (int, error) {
	now := s.now().UTC()
	stale, err := s.sessions.MarkStale(ctx, now.Add(-s.staleAfter), now)
	if err != nil {
		return 0, err
	}
	for _, session := range stale {
		s.publish(WSTypeSessionStale, session)
	}
	return len(stale), nil
}

func (s *AuthorityService) publish(eventType string, session *models.SessionRecord) {
	if s.hub == nil {
		return
	}
	at := session.ConnectedAt
	if session.DisconnectedAt != nil {
		at = *session.DisconnectedAt
	}
	s.hub.Publish(session.DeviceID, WSMessage{
		Type: eventType,
		Payload: models.SessionEvent{
			Type:      eventType,
			DeviceID:  session.DeviceID,
			SessionID: session.ID,
			At:        at,
		},
	})
}

var _ remote.Authority = (*AuthorityService)(nil)

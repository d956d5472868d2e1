package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionRecord is one device session as tracked by the authority and mirrored locally
type SessionRecord struct {
	ID               string     `json:"sessionId"`
	DeviceID         string     `json:"deviceId"`
	SessionKey       string     `json:"sessionKey"`
	DeviceInfo       DeviceInfo `json:"deviceInfo"`
	ConnectedAt      time.Time  `json:"connectedAt"`
	LastHeartbeatAt  time.Time  `json:"lastHeartbeatAt"`
	DisconnectedAt   *time.Time `json:"disconnectedAt,omitempty"`
	DurationSeconds  int64      `json:"durationSeconds"`
	IsActive         bool       `json:"isActive"`
	SessionStartTime time.Time  `json:"sessionStartTime"`
}

// ActiveSession is the authority's answer to an active-session lookup
type ActiveSession struct {
	SessionID       string    `json:"sessionId"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

// NewSessionRecord creates a new active session for a device
func NewSessionRecord(deviceID, sessionKey string, info DeviceInfo) (*SessionRecord, error) {
	deviceID = strings.TrimSpace(deviceID)
	sessionKey = strings.TrimSpace(sessionKey)

	if deviceID == "" {
		return nil, ErrEmptyDeviceID
	}
	if sessionKey == "" {
		return nil, ErrEmptySessionKey
	}

	now := time.Now().UTC()
	return &SessionRecord{
		ID:               uuid.New().String(),
		DeviceID:         deviceID,
		SessionKey:       sessionKey,
		DeviceInfo:       info,
		ConnectedAt:      now,
		LastHeartbeatAt:  now,
		IsActive:         true,
		SessionStartTime: now,
	}, nil
}

// NewSessionKey generates a locally owned session key
func NewSessionKey() string {
	return uuid.New().String()
}

// IsFresh reports whether the session is active and heard from within window
func (s *SessionRecord) IsFresh(now time.Time, window time.Duration) bool {
	return s.IsActive && now.Sub(s.LastHeartbeatAt) <= window
}

// Touch records a heartbeat
func (s *SessionRecord) Touch(now time.Time) {
	s.LastHeartbeatAt = now.UTC()
}

// Close marks the session inactive and stores its duration
func (s *SessionRecord) Close(now time.Time) {
	now = now.UTC()
	s.IsActive = false
	s.DisconnectedAt = &now
	s.DurationSeconds = int64(now.Sub(s.ConnectedAt).Seconds())
}

// Active converts the record to the lookup response shape
func (s *SessionRecord) Active() ActiveSession {
	return ActiveSession{
		SessionID:       s.ID,
		ConnectedAt:     s.ConnectedAt,
		LastHeartbeatAt: s.LastHeartbeatAt,
	}
}

// IsFresh reports whether a looked-up session was heard from within window
func (a *ActiveSession) IsFresh(now time.Time, window time.Duration) bool {
	return now.Sub(a.LastHeartbeatAt) <= window
}

// Session errors
var (
	ErrEmptySessionKey = SessionError{"session key cannot be empty"}
	ErrSessionNotFound = SessionError{"session not found"}
	ErrSessionInactive = SessionError{"session is no longer active"}
)

type SessionError struct {
	Message string
}

func (e SessionError) Error() string {
	return e.Message
}

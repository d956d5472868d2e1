package models

import "time"

// UpsertDeviceRequest registers (or finds) a device by fingerprint
type UpsertDeviceRequest struct {
	Fingerprint string `json:"fingerprint"`
	DeviceType  string `json:"deviceType"`
	Browser     string `json:"browser"`
	OS          string `json:"os"`
}

// UpsertDeviceResponse is returned after a device upsert
type UpsertDeviceResponse struct {
	DeviceID string `json:"deviceId"`
	Created  bool   `json:"created"`
}

// CreateSessionRequest opens a new session for a device
type CreateSessionRequest struct {
	DeviceID   string     `json:"deviceId"`
	SessionKey string     `json:"sessionKey"`
	DeviceInfo DeviceInfo `json:"deviceInfo"`
}

// CreateSessionResponse is returned after a session is created
type CreateSessionResponse struct {
	SessionID   string    `json:"sessionId"`
	ConnectedAt time.Time `json:"connectedAt"`
	Closed      int       `json:"closed"`
}

// SessionKeyRequest identifies a session by its device and local key (heartbeat, disconnect)
type SessionKeyRequest struct {
	DeviceID   string `json:"deviceId"`
	SessionKey string `json:"sessionKey"`
}

// AppendActivityRequest appends an entry to a session's audit log
type AppendActivityRequest struct {
	DeviceID  string           `json:"deviceId"`
	SessionID string           `json:"sessionId"`
	Entry     ActivityLogEntry `json:"entry"`
}

// AckResponse acknowledges an idempotent operation
type AckResponse struct {
	OK        bool `json:"ok"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// SessionEvent is pushed to websocket subscribers of a device
type SessionEvent struct {
	Type      string    `json:"type"`
	DeviceID  string    `json:"deviceId"`
	SessionID string    `json:"sessionId"`
	At        time.Time `json:"at"`
}

// HealthResponse is returned by health check
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// RecordReadingRequest is the agent API body for a battery sample
type RecordReadingRequest struct {
	Level      int  `json:"level"`
	IsCharging bool `json:"isCharging"`
}

// ClaimRewardRequest is the agent API body for a reward claim
type ClaimRewardRequest struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

// LogActivityRequest is the agent API body for an activity log entry
type LogActivityRequest struct {
	ActivityType string         `json:"activityType"`
	Category     string         `json:"category"`
	Description  string         `json:"description"`
	Details      map[string]any `json:"details,omitempty"`
	Severity     string         `json:"severity"`
}

// DeviceSummary is the authority's view of one device and its submissions
type DeviceSummary struct {
	Device      *DeviceRecord     `json:"device"`
	Sessions    []*SessionRecord  `json:"sessions"`
	Readings    []*BatteryReading `json:"readings"`
	ClaimsCount int               `json:"claimsCount"`
	ClaimsTotal float64           `json:"claimsTotal"`
}

// AuthorityCounts are the headline numbers of the authority
type AuthorityCounts struct {
	Devices        int `json:"devices"`
	ActiveSessions int `json:"activeSessions"`
}

package models

import "time"

// CachedDeviceState is the local snapshot used when the authority is unreachable at startup
type CachedDeviceState struct {
	DeviceID        string    `json:"deviceId"`
	SessionID       string    `json:"sessionId"`
	SessionKey      string    `json:"sessionKey"`
	Fingerprint     string    `json:"fingerprint"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	LastSync        time.Time `json:"lastSync"`
}

// NewCachedDeviceState snapshots a session for offline resume
func NewCachedDeviceState(fingerprint string, session *SessionRecord) *CachedDeviceState {
	return &CachedDeviceState{
		DeviceID:        session.DeviceID,
		SessionID:       session.ID,
		SessionKey:      session.SessionKey,
		Fingerprint:     fingerprint,
		ConnectedAt:     session.ConnectedAt,
		LastHeartbeatAt: session.LastHeartbeatAt,
		LastSync:        time.Now().UTC(),
	}
}

// Session rebuilds an optimistic session from the snapshot
func (c *CachedDeviceState) Session(info DeviceInfo) *SessionRecord {
	return &SessionRecord{
		ID:               c.SessionID,
		DeviceID:         c.DeviceID,
		SessionKey:       c.SessionKey,
		DeviceInfo:       info,
		ConnectedAt:      c.ConnectedAt,
		LastHeartbeatAt:  c.LastHeartbeatAt,
		IsActive:         true,
		SessionStartTime: time.Now().UTC(),
	}
}

package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity of an activity log entry
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalizes s, falling back to info
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityWarning:
		return SeverityWarning
	case SeverityError:
		return SeverityError
	case SeverityCritical:
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// ActivityLogEntry is one audit-log line scoped to a session
type ActivityLogEntry struct {
	ID           string         `json:"id"`
	ActivityType string         `json:"activityType"`
	Category     string         `json:"category"`
	Description  string         `json:"description"`
	Details      map[string]any `json:"details,omitempty"`
	Severity     Severity       `json:"severity"`
	OccurredAt   time.Time      `json:"occurredAt"`
}

// NewActivityLogEntry creates an entry with a fresh id
func NewActivityLogEntry(activityType, category, description string, details map[string]any, severity Severity) *ActivityLogEntry {
	if severity == "" {
		severity = SeverityInfo
	}
	return &ActivityLogEntry{
		ID:           uuid.New().String(),
		ActivityType: strings.TrimSpace(activityType),
		Category:     strings.TrimSpace(category),
		Description:  description,
		Details:      details,
		Severity:     severity,
		OccurredAt:   time.Now().UTC(),
	}
}

// Session lifecycle activity types
const (
	ActivitySessionConnected    = "session_connected"
	ActivitySessionResumed      = "session_resumed"
	ActivitySessionOffline      = "session_offline_resume"
	ActivitySessionDisconnected = "session_disconnected"
	CategorySession             = "session"
)

// QueuedActivity is the payload of activity-log and session-event queue items
type QueuedActivity struct {
	DeviceID  string           `json:"deviceId"`
	SessionID string           `json:"sessionId"`
	Entry     ActivityLogEntry `json:"entry"`
}

package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeviceRecord represents a physical device+browser install registered with the authority
type DeviceRecord struct {
	ID           string    `json:"id"`
	Fingerprint  string    `json:"fingerprint"`
	DeviceType   string    `json:"deviceType"`
	Browser      string    `json:"browser"`
	OS           string    `json:"os"`
	IsActive     bool      `json:"isActive"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

// DeviceInfo describes the device a session was opened from
type DeviceInfo struct {
	DeviceType  string `json:"deviceType"`
	Browser     string `json:"browser"`
	OS          string `json:"os"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// NewDeviceRecord creates a new device registration keyed by fingerprint
func NewDeviceRecord(fingerprint, deviceType, browser, os string) (*DeviceRecord, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return nil, ErrEmptyFingerprint
	}

	deviceType = strings.TrimSpace(strings.ToLower(deviceType))
	if deviceType == "" {
		deviceType = DeviceTypeUnknown
	}

	now := time.Now().UTC()
	return &DeviceRecord{
		ID:           uuid.New().String(),
		Fingerprint:  fingerprint,
		DeviceType:   deviceType,
		Browser:      strings.TrimSpace(browser),
		OS:           strings.TrimSpace(os),
		IsActive:     true,
		RegisteredAt: now,
		LastSeenAt:   now,
	}, nil
}

// Info returns the session-facing description of the device
func (d *DeviceRecord) Info() DeviceInfo {
	return DeviceInfo{
		DeviceType:  d.DeviceType,
		Browser:     d.Browser,
		OS:          d.OS,
		Fingerprint: d.Fingerprint,
	}
}

// Device types reported by clients
const (
	DeviceTypeDesktop = "desktop"
	DeviceTypeMobile  = "mobile"
	DeviceTypeTablet  = "tablet"
	DeviceTypeKiosk   = "kiosk"
	DeviceTypeUnknown = "unknown"
)

// Device errors
var (
	ErrEmptyFingerprint = DeviceError{"device fingerprint cannot be empty"}
	ErrEmptyDeviceID    = DeviceError{"device id cannot be empty"}
	ErrDeviceNotFound   = DeviceError{"device not found"}
)

type DeviceError struct {
	Message string
}

func (e DeviceError) Error() string {
	return e.Message
}

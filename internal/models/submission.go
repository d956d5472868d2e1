package models

import (
	"strings"
	"time"
)

// BatteryReading is one battery sample submitted through the sync queue.
// ID doubles as the idempotency key at the authority.
type BatteryReading struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"deviceId"`
	SessionID  string    `json:"sessionId,omitempty"`
	Level      int       `json:"level"`
	IsCharging bool      `json:"isCharging"`
	RecordedAt time.Time `json:"recordedAt"`
}

// RewardClaim is a reward claim submitted through the sync queue
type RewardClaim struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"deviceId"`
	SessionID string    `json:"sessionId,omitempty"`
	Amount    float64   `json:"amount"`
	Reason    string    `json:"reason"`
	ClaimedAt time.Time `json:"claimedAt"`
}

// MiningStats is a locally cached snapshot of mining statistics
type MiningStats struct {
	DeviceID       string    `json:"deviceId"`
	HashRate       float64   `json:"hashRate"`
	SharesAccepted int64     `json:"sharesAccepted"`
	SharesRejected int64     `json:"sharesRejected"`
	Earnings       float64   `json:"earnings"`
	CapturedAt     time.Time `json:"capturedAt"`
}

// Validate checks reading bounds
func (r *BatteryReading) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return ErrEmptySubmissionID
	}
	if r.Level < 0 || r.Level > 100 {
		return ErrInvalidBatteryLevel
	}
	return nil
}

// Validate checks claim fields
func (c *RewardClaim) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return ErrEmptySubmissionID
	}
	if c.Amount <= 0 {
		return ErrInvalidRewardAmount
	}
	return nil
}

// Submission errors
var (
	ErrEmptySubmissionID   = SubmissionError{"submission id cannot be empty"}
	ErrInvalidBatteryLevel = SubmissionError{"battery level must be between 0 and 100"}
	ErrInvalidRewardAmount = SubmissionError{"reward amount must be positive"}
	ErrEmptyActivityType   = SubmissionError{"activity type cannot be empty"}
)

type SubmissionError struct {
	Message string
}

func (e SubmissionError) Error() string {
	return e.Message
}

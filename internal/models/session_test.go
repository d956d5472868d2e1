package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionRecord(t *testing.T) {
	t.Run("creates active session", func(t *testing.T) {
		s, err := NewSessionRecord("dev-1", "key-1", DeviceInfo{DeviceType: "desktop"})

		require.NoError(t, err)
		assert.NotEmpty(t, s.ID)
		assert.True(t, s.IsActive)
		assert.Equal(t, "dev-1", s.DeviceID)
		assert.Equal(t, "key-1", s.SessionKey)
		assert.WithinDuration(t, time.Now().UTC(), s.ConnectedAt, 5*time.Second)
		assert.Equal(t, s.ConnectedAt, s.LastHeartbeatAt)
	})

	t.Run("rejects empty device id", func(t *testing.T) {
		_, err := NewSessionRecord("  ", "key", DeviceInfo{})
		assert.ErrorIs(t, err, ErrEmptyDeviceID)
	})

	t.Run("rejects empty session key", func(t *testing.T) {
		_, err := NewSessionRecord("dev", "", DeviceInfo{})
		assert.ErrorIs(t, err, ErrEmptySessionKey)
	})
}

func TestSessionRecord_IsFresh(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	window := 5 * time.Minute

	tests := []struct {
		name     string
		age      time.Duration
		active   bool
		expected bool
	}{
		{"two minutes old", 2 * time.Minute, true, true},
		{"exactly at window", 5 * time.Minute, true, true},
		{"ten minutes old", 10 * time.Minute, true, false},
		{"fresh but inactive", time.Second, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &SessionRecord{IsActive: tt.active, LastHeartbeatAt: now.Add(-tt.age)}
			assert.Equal(t, tt.expected, s.IsFresh(now, window))
		})
	}
}

func TestSessionRecord_Close(t *testing.T) {
	connected := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	s := &SessionRecord{ConnectedAt: connected, IsActive: true}

	s.Close(connected.Add(90 * time.Second))

	assert.False(t, s.IsActive)
	require.NotNil(t, s.DisconnectedAt)
	assert.Equal(t, int64(90), s.DurationSeconds)
}

func TestNewSyncQueueItem(t *testing.T) {
	now := time.Now()

	t.Run("encodes payload", func(t *testing.T) {
		item, err := NewSyncQueueItem("1", ItemBatteryReading, map[string]int{"level": 42}, now)
		require.NoError(t, err)

		var decoded map[string]int
		require.NoError(t, item.Decode(&decoded))
		assert.Equal(t, 42, decoded["level"])
		assert.Equal(t, 0, item.RetryCount)
		assert.True(t, item.DueAt(now))
	})

	t.Run("accepts raw json", func(t *testing.T) {
		item, err := NewSyncQueueItem("2", ItemRewardClaim, json.RawMessage(`{"amount":1}`), now)
		require.NoError(t, err)
		assert.JSONEq(t, `{"amount":1}`, string(item.Payload))
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		_, err := NewSyncQueueItem("3", ItemType("mining"), nil, now)
		assert.ErrorIs(t, err, ErrInvalidItemType)
	})

	t.Run("rejects invalid raw payload", func(t *testing.T) {
		_, err := NewSyncQueueItem("4", ItemActivityLog, []byte("{nope"), now)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("not due before next attempt", func(t *testing.T) {
		item := &SyncQueueItem{NextAttemptAt: now.Add(time.Minute)}
		assert.False(t, item.DueAt(now))
		assert.True(t, item.DueAt(now.Add(time.Minute)))
	})
}

func TestBatteryReading_Validate(t *testing.T) {
	tests := []struct {
		name    string
		reading BatteryReading
		err     error
	}{
		{"valid", BatteryReading{ID: "r1", Level: 42}, nil},
		{"empty level is valid", BatteryReading{ID: "r1", Level: 0}, nil},
		{"missing id", BatteryReading{Level: 10}, ErrEmptySubmissionID},
		{"over 100", BatteryReading{ID: "r1", Level: 101}, ErrInvalidBatteryLevel},
		{"negative", BatteryReading{ID: "r1", Level: -1}, ErrInvalidBatteryLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.reading.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}
}

func TestParseSeverity(t *testing.T) {
	assert.Equal(t, SeverityWarning, ParseSeverity("WARNING"))
	assert.Equal(t, SeverityCritical, ParseSeverity(" critical "))
	assert.Equal(t, SeverityInfo, ParseSeverity("bogus"))
}

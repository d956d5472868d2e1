package models

import (
	"encoding/json"
	"time"
)

// ItemType is the closed set of operations the sync queue can carry
type ItemType string

const (
	ItemBatteryReading ItemType = "battery-reading"
	ItemRewardClaim    ItemType = "reward-claim"
	ItemSessionEvent   ItemType = "session-event"
	ItemActivityLog    ItemType = "activity-log"
)

// ItemTypes returns every queue item type in a stable order
func ItemTypes() []ItemType {
	return []ItemType{ItemBatteryReading, ItemRewardClaim, ItemSessionEvent, ItemActivityLog}
}

// Valid reports whether t belongs to the closed set
func (t ItemType) Valid() bool {
	switch t {
	case ItemBatteryReading, ItemRewardClaim, ItemSessionEvent, ItemActivityLog:
		return true
	}
	return false
}

// SyncQueueItem is one pending remote operation
type SyncQueueItem struct {
	ID            string          `json:"id"`
	Type          ItemType        `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	RetryCount    int             `json:"retryCount"`
	NextAttemptAt time.Time       `json:"nextAttemptAt,omitzero"`
	LastError     string          `json:"lastError,omitempty"`
}

// NewSyncQueueItem builds a queue item, encoding payload as JSON
func NewSyncQueueItem(id string, itemType ItemType, payload any, now time.Time) (*SyncQueueItem, error) {
	if !itemType.Valid() {
		return nil, ErrInvalidItemType
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = json.RawMessage(p)
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if len(raw) == 0 || !json.Valid(raw) {
		return nil, ErrInvalidPayload
	}

	return &SyncQueueItem{
		ID:         id,
		Type:       itemType,
		Payload:    raw,
		EnqueuedAt: now.UTC(),
	}, nil
}

// Decode unmarshals the payload into v
func (i *SyncQueueItem) Decode(v any) error {
	return json.Unmarshal(i.Payload, v)
}

// DueAt reports whether the item may be attempted at now
func (i *SyncQueueItem) DueAt(now time.Time) bool {
	return i.NextAttemptAt.IsZero() || !now.Before(i.NextAttemptAt)
}

// Queue errors
var (
	ErrInvalidItemType = QueueError{"unknown sync queue item type"}
	ErrInvalidPayload  = QueueError{"sync queue payload must be valid JSON"}
)

type QueueError struct {
	Message string
}

func (e QueueError) Error() string {
	return e.Message
}

// Package localstore is the device-local durable store: named record
// collections indexed by key, natural key and timestamp, plus a small
// preferences namespace.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"
)

var (
	// ErrStorageUnavailable means the backing storage cannot be used (disk full,
	// permissions, corruption, closed). Callers degrade to memory instead of failing.
	ErrStorageUnavailable = errors.New("local storage unavailable")
	ErrNotInitialized     = errors.New("local store not initialized")
	ErrNotFound           = errors.New("record not found")
	ErrSchemaTooNew       = errors.New("local store schema is newer than this binary")
	ErrUnknownCollection  = errors.New("unknown collection")
	ErrInvalidRecord      = errors.New("invalid record")
)

// Collection names a group of records
type Collection string

const (
	Readings     Collection = "readings"
	Sessions     Collection = "sessions"
	DeviceState  Collection = "device-state"
	RewardClaims Collection = "reward-claims"
	MiningStats  Collection = "mining-stats"
	SyncQueue    Collection = "sync-queue"
)

// Collections returns every collection created by Initialize
func Collections() []Collection {
	return []Collection{Readings, Sessions, DeviceState, RewardClaims, MiningStats, SyncQueue}
}

// Valid reports whether c is a known collection
func (c Collection) Valid() bool {
	for _, known := range Collections() {
		if c == known {
			return true
		}
	}
	return false
}

// Record is one stored entry. Data holds the JSON-encoded value.
type Record struct {
	Collection Collection
	Key        string
	NaturalKey string
	Timestamp  time.Time
	Data       json.RawMessage
}

// NewRecord encodes v into a record
func NewRecord(c Collection, key, naturalKey string, ts time.Time, v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, fmt.Errorf("%w: encode %s/%s: %v", ErrInvalidRecord, c, key, err)
	}
	return Record{
		Collection: c,
		Key:        key,
		NaturalKey: naturalKey,
		Timestamp:  ts.UTC(),
		Data:       data,
	}, nil
}

// Decode unmarshals the record data into v
func (r Record) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

func (r Record) validate() error {
	if !r.Collection.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, r.Collection)
	}
	if r.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidRecord)
	}
	if len(r.Data) == 0 || !json.Valid(r.Data) {
		return fmt.Errorf("%w: %s/%s data is not JSON", ErrInvalidRecord, r.Collection, r.Key)
	}
	return nil
}

// Store is a transactional collection store
type Store interface {
	// Initialize creates collections, indexes and migrations; safe to call again
	Initialize(ctx context.Context) error

	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, c Collection, key string) (Record, error)
	// Delete is a no-op for a missing key
	Delete(ctx context.Context, c Collection, key string) error
	// QueryByIndex returns a lazy sequence; ranging over it again re-runs the query
	QueryByIndex(ctx context.Context, c Collection, r Range) iter.Seq2[Record, error]
	Count(ctx context.Context, c Collection) (int, error)

	// Update runs fn in one transaction. fn must only use tx.
	Update(ctx context.Context, fn func(tx Tx) error) error

	GetPref(ctx context.Context, key string) (string, bool, error)
	SetPref(ctx context.Context, key, value string) error
	DeletePref(ctx context.Context, key string) error

	Close() error
}

// Tx is the write view inside Update
type Tx interface {
	Put(rec Record) error
	Get(c Collection, key string) (Record, error)
	Delete(c Collection, key string) error
	SetPref(key, value string) error
	DeletePref(key string) error
}

// Collect drains seq into a slice, stopping at the first error
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var out []Record
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

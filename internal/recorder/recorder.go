// Package recorder turns application events into local records and the
// queue items that carry them to the authority.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chargesync/devicesync/internal/localstore"
	"github.com/chargesync/devicesync/internal/models"
	"github.com/chargesync/devicesync/internal/observability"
	"github.com/chargesync/devicesync/internal/session"
)

// SessionSource reports the current session
type SessionSource interface {
	Status() session.Status
}

// TxEnqueuer appends queue items inside a store transaction
type TxEnqueuer interface {
	EnqueueTx(tx localstore.Tx, itemType models.ItemType, payload any) (*models.SyncQueueItem, error)
}

// Recorder writes domain records and their sync items atomically
type Recorder struct {
	store    localstore.Store
	queue    TxEnqueuer
	sessions SessionSource
	now      func() time.Time
}

// New creates a recorder
func New(store localstore.Store, queue TxEnqueuer, sessions SessionSource) *Recorder {
	return &Recorder{store: store, queue: queue, sessions: sessions, now: time.Now}
}

// current returns the ids of a usable session, cached or live
func (r *Recorder) current() (deviceID, sessionID string, err error) {
	st := r.sessions.Status()
	if !st.HasSession() {
		return "", "", session.ErrNoSession
	}
	return st.DeviceID, st.SessionID, nil
}

// RecordBatteryReading stores a reading and queues it for submission
func (r *Recorder) RecordBatteryReading(ctx context.Context, level int, charging bool) (*models.BatteryReading, error) {
	deviceID, sessionID, err := r.current()
	if err != nil {
		return nil, err
	}

	reading := &models.BatteryReading{
		ID:         uuid.New().String(),
		DeviceID:   deviceID,
		SessionID:  sessionID,
		Level:      level,
		IsCharging: charging,
		RecordedAt: r.now().UTC(),
	}
	if err := reading.Validate(); err != nil {
		return nil, err
	}

	rec, err := localstore.NewRecord(localstore.Readings, reading.ID, deviceID, reading.RecordedAt, reading)
	if err != nil {
		return nil, err
	}
	if err := r.write(ctx, rec, models.ItemBatteryReading, reading); err != nil {
		return nil, fmt.Errorf("record battery reading: %w", err)
	}

	observability.WithFields(map[string]interface{}{
		"device_id": deviceID,
		"level":     level,
		"charging":  charging,
	}).Debug("Recorded battery reading")
	return reading, nil
}

// ClaimReward stores a claim and queues it for submission
func (r *Recorder) ClaimReward(ctx context.Context, amount float64, reason string) (*models.RewardClaim, error) {
	deviceID, sessionID, err := r.current()
	if err != nil {
		return nil, err
	}

	claim := &models.RewardClaim{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		SessionID: sessionID,
		Amount:    amount,
		Reason:    strings.TrimSpace(reason),
		ClaimedAt: r.now().UTC(),
	}
	if err := claim.Validate(); err != nil {
		return nil, err
	}

	rec, err := localstore.NewRecord(localstore.RewardClaims, claim.ID, deviceID, claim.ClaimedAt, claim)
	if err != nil {
		return nil, err
	}
	if err := r.write(ctx, rec, models.ItemRewardClaim, claim); err != nil {
		return nil, fmt.Errorf("claim reward: %w", err)
	}

	observability.WithFields(map[string]interface{}{
		"device_id": deviceID,
		"amount":    amount,
	}).Info("Reward claimed")
	return claim, nil
}

func (r *Recorder) write(ctx context.Context, rec localstore.Record, itemType models.ItemType, payload any) error {
	return r.store.Update(ctx, func(tx localstore.Tx) error {
		if err := tx.Put(rec); err != nil {
			return err
		}
		_, err := r.queue.EnqueueTx(tx, itemType, payload)
		return err
	})
}

// SaveMiningStats caches a snapshot locally. It is never synced.
func (r *Recorder) SaveMiningStats(ctx context.Context, stats models.MiningStats) error {
	if stats.DeviceID == "" {
		deviceID, _, err := r.current()
		if err != nil {
			return err
		}
		stats.DeviceID = deviceID
	}
	if stats.CapturedAt.IsZero() {
		stats.CapturedAt = r.now().UTC()
	}

	key := fmt.Sprintf("%s:%020d", stats.DeviceID, stats.CapturedAt.UnixNano())
	rec, err := localstore.NewRecord(localstore.MiningStats, key, stats.DeviceID, stats.CapturedAt, stats)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, rec)
}

// LatestMiningStats returns the newest snapshot, or nil if there is none
func (r *Recorder) LatestMiningStats(ctx context.Context) (*models.MiningStats, error) {
	for rec, err := range r.store.QueryByIndex(ctx, localstore.MiningStats, localstore.TimeRange(time.Time{}, time.Time{}).Descending().WithLimit(1)) {
		if err != nil {
			return nil, err
		}
		var stats models.MiningStats
		if err := rec.Decode(&stats); err != nil {
			return nil, fmt.Errorf("decode mining stats: %w", err)
		}
		return &stats, nil
	}
	return nil, nil
}

// Readings lazily lists readings recorded at or after since, oldest first
func (r *Recorder) Readings(ctx context.Context, since time.Time) iter.Seq2[*models.BatteryReading, error] {
	return func(yield func(*models.BatteryReading, error) bool) {
		for rec, err := range r.store.QueryByIndex(ctx, localstore.Readings, localstore.TimeRange(since, time.Time{})) {
			if err != nil {
				yield(nil, err)
				return
			}
			var reading models.BatteryReading
			if err := rec.Decode(&reading); err != nil {
				if !yield(nil, errors.Join(localstore.ErrInvalidRecord, err)) {
					return
				}
				continue
			}
			if !yield(&reading, nil) {
				return
			}
		}
	}
}

package recorder

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargesync/devicesync/internal/localstore"
	"github.com/chargesync/devicesync/internal/models"
	"github.com/chargesync/devicesync/internal/session"
	"github.com/chargesync/devicesync/internal/syncqueue"
)

type staticSession struct {
	status session.Status
}

func (s staticSession) Status() session.Status { return s.status }

var activeSession = staticSession{session.Status{
	State:     session.StateActive,
	DeviceID:  "device-1",
	SessionID: "session-1",
}}

type failingEnqueuer struct{}

func (failingEnqueuer) EnqueueTx(localstore.Tx, models.ItemType, any) (*models.SyncQueueItem, error) {
	return nil, errors.New("queue full")
}

func newRecorder(t *testing.T, sessions SessionSource) (*Recorder, localstore.Store, *syncqueue.Queue) {
	t.Helper()
	store := localstore.NewSQLiteStore(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, store.Initialize(context.Background()))
	t.Cleanup(func() { store.Close() })

	queue, err := syncqueue.New(store, syncqueue.Options{})
	require.NoError(t, err)
	return New(store, queue, sessions), store, queue
}

func TestRecorder_RecordBatteryReading(t *testing.T) {
	ctx := context.Background()

	t.Run("stores and queues atomically", func(t *testing.T) {
		rec, store, queue := newRecorder(t, activeSession)

		reading, err := rec.RecordBatteryReading(ctx, 42, true)
		require.NoError(t, err)
		assert.Equal(t, "device-1", reading.DeviceID)
		assert.Equal(t, "session-1", reading.SessionID)

		_, err = store.Get(ctx, localstore.Readings, reading.ID)
		require.NoError(t, err)

		items, err := queue.Pending(ctx, models.ItemBatteryReading)
		require.NoError(t, err)
		require.Len(t, items, 1)
		var queued models.BatteryReading
		require.NoError(t, items[0].Decode(&queued))
		assert.Equal(t, reading.ID, queued.ID)
		assert.Equal(t, 42, queued.Level)
	})

	t.Run("rejects out of range levels", func(t *testing.T) {
		rec, _, queue := newRecorder(t, activeSession)

		_, err := rec.RecordBatteryReading(ctx, 101, false)
		assert.ErrorIs(t, err, models.ErrInvalidBatteryLevel)

		depth, err := queue.Depth(ctx)
		require.NoError(t, err)
		assert.Zero(t, depth)
	})

	t.Run("requires a session", func(t *testing.T) {
		rec, _, _ := newRecorder(t, staticSession{})

		_, err := rec.RecordBatteryReading(ctx, 50, false)
		assert.ErrorIs(t, err, session.ErrNoSession)
	})

	t.Run("works on an offline session", func(t *testing.T) {
		offline := activeSession
		offline.status.IsConnected = false
		rec, _, _ := newRecorder(t, offline)

		_, err := rec.RecordBatteryReading(ctx, 50, false)
		assert.NoError(t, err)
	})

	t.Run("rolls back when the queue write fails", func(t *testing.T) {
		store := localstore.NewMemoryStore()
		require.NoError(t, store.Initialize(ctx))
		rec := New(store, failingEnqueuer{}, activeSession)

		_, err := rec.RecordBatteryReading(ctx, 50, false)
		require.Error(t, err)

		n, err := store.Count(ctx, localstore.Readings)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestRecorder_ClaimReward(t *testing.T) {
	ctx := context.Background()
	rec, store, queue := newRecorder(t, activeSession)

	claim, err := rec.ClaimReward(ctx, 12.5, "  daily bonus ")
	require.NoError(t, err)
	assert.Equal(t, "daily bonus", claim.Reason)

	_, err = store.Get(ctx, localstore.RewardClaims, claim.ID)
	require.NoError(t, err)

	items, err := queue.Pending(ctx, models.ItemRewardClaim)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	_, err = rec.ClaimReward(ctx, 0, "nothing")
	assert.ErrorIs(t, err, models.ErrInvalidRewardAmount)
}

func TestRecorder_MiningStats(t *testing.T) {
	ctx := context.Background()
	rec, _, queue := newRecorder(t, activeSession)

	latest, err := rec.LatestMiningStats(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for i, rate := range []float64{10, 30, 20} {
		require.NoError(t, rec.SaveMiningStats(ctx, models.MiningStats{
			HashRate:   rate,
			CapturedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	latest, err = rec.LatestMiningStats(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 20.0, latest.HashRate)
	assert.Equal(t, "device-1", latest.DeviceID)

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRecorder_Readings(t *testing.T) {
	ctx := context.Background()
	rec, _, _ := newRecorder(t, activeSession)

	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := base
	rec.now = func() time.Time { return clock }

	for _, level := range []int{90, 80, 70} {
		_, err := rec.RecordBatteryReading(ctx, level, false)
		require.NoError(t, err)
		clock = clock.Add(time.Hour)
	}

	var levels []int
	for reading, err := range rec.Readings(ctx, base.Add(time.Hour)) {
		require.NoError(t, err)
		levels = append(levels, reading.Level)
	}
	assert.Equal(t, []int{80, 70}, levels)

	// Early stop
	var first []int
	for reading, err := range rec.Readings(ctx, time.Time{}) {
		require.NoError(t, err)
		first = append(first, reading.Level)
		break
	}
	assert.Equal(t, []int{90}, first)
}

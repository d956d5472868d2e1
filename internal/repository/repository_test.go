package repository

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargesync/devicesync/internal/models"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "authority.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func registerDevice(t *testing.T, db *sql.DB, fingerprint string) string {
	t.Helper()
	device, err := models.NewDeviceRecord(fingerprint, "desktop", "agent", "linux/amd64")
	require.NoError(t, err)
	id, err := NewDeviceRepository(db).Upsert(context.Background(), device)
	require.NoError(t, err)
	return id
}

func TestDeviceRepository_Upsert(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewDeviceRepository(db)

	first, err := models.NewDeviceRecord("fp-1", "desktop", "agent/1", "linux/amd64")
	require.NoError(t, err)
	id, err := repo.Upsert(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, first.ID, id)

	again, err := models.NewDeviceRecord("fp-1", "desktop", "agent/2", "linux/arm64")
	require.NoError(t, err)
	id2, err := repo.Upsert(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	stored, err := repo.GetByFingerprint(ctx, "fp-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "agent/2", stored.Browser)
	assert.Equal(t, "linux/arm64", stored.OS)

	count, err := repo.GetCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	missing, err := repo.GetByID(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSessionRepository(t *testing.T) {
	ctx := context.Background()

	newSession := func(t *testing.T, deviceID, key string, at time.Time) *models.SessionRecord {
		t.Helper()
		s, err := models.NewSessionRecord(deviceID, key, models.DeviceInfo{DeviceType: "desktop"})
		require.NoError(t, err)
		s.ConnectedAt = at
		s.LastHeartbeatAt = at
		return s
	}

	t.Run("create closes other active sessions", func(t *testing.T) {
		db := newTestDB(t)
		repo := NewSessionRepository(db)
		deviceID := registerDevice(t, db, "fp-1")
		start := time.Now().UTC().Add(-time.Hour)

		first := newSession(t, deviceID, "key-1", start)
		closed, err := repo.Create(ctx, first)
		require.NoError(t, err)
		assert.Empty(t, closed)

		second := newSession(t, deviceID, "key-2", start.Add(30*time.Minute))
		closed, err = repo.Create(ctx, second)
		require.NoError(t, err)
		require.Len(t, closed, 1)
		assert.Equal(t, first.ID, closed[0].ID)

		old, err := repo.GetByID(ctx, first.ID)
		require.NoError(t, err)
		assert.False(t, old.IsActive)
		require.NotNil(t, old.DisconnectedAt)
		assert.Equal(t, int64(1800), old.DurationSeconds)

		count, err := repo.GetActiveCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("get active by device and key", func(t *testing.T) {
		db := newTestDB(t)
		repo := NewSessionRepository(db)
		deviceID := registerDevice(t, db, "fp-1")

		s := newSession(t, deviceID, "key-1", time.Now().UTC())
		_, err := repo.Create(ctx, s)
		require.NoError(t, err)

		found, err := repo.GetActive(ctx, deviceID, "key-1")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, s.ID, found.ID)
		assert.True(t, found.IsActive)

		none, err := repo.GetActive(ctx, deviceID, "other-key")
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("heartbeat and disconnect", func(t *testing.T) {
		db := newTestDB(t)
		repo := NewSessionRepository(db)
		deviceID := registerDevice(t, db, "fp-1")
		start := time.Now().UTC().Add(-10 * time.Minute)

		s := newSession(t, deviceID, "key-1", start)
		_, err := repo.Create(ctx, s)
		require.NoError(t, err)

		beat := start.Add(5 * time.Minute)
		ok, err := repo.Heartbeat(ctx, deviceID, "key-1", beat)
		require.NoError(t, err)
		assert.True(t, ok)

		stored, err := repo.GetByID(ctx, s.ID)
		require.NoError(t, err)
		assert.WithinDuration(t, beat, stored.LastHeartbeatAt, time.Millisecond)

		ended, err := repo.Disconnect(ctx, deviceID, "key-1", start.Add(10*time.Minute))
		require.NoError(t, err)
		require.NotNil(t, ended)
		assert.Equal(t, int64(600), ended.DurationSeconds)

		again, err := repo.Disconnect(ctx, deviceID, "key-1", time.Now())
		require.NoError(t, err)
		assert.Nil(t, again)

		ok, err = repo.Heartbeat(ctx, deviceID, "key-1", time.Now())
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("mark stale", func(t *testing.T) {
		db := newTestDB(t)
		repo := NewSessionRepository(db)
		now := time.Now().UTC()

		fresh := newSession(t, registerDevice(t, db, "fp-fresh"), "k1", now.Add(-time.Minute))
		stale := newSession(t, registerDevice(t, db, "fp-stale"), "k2", now.Add(-10*time.Minute))
		for _, s := range []*models.SessionRecord{fresh, stale} {
			_, err := repo.Create(ctx, s)
			require.NoError(t, err)
		}

		swept, err := repo.MarkStale(ctx, now.Add(-5*time.Minute), now)
		require.NoError(t, err)
		require.Len(t, swept, 1)
		assert.Equal(t, stale.ID, swept[0].ID)

		list, err := repo.ListForDevice(ctx, fresh.DeviceID, 0)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.True(t, list[0].IsActive)
	})
}

func TestActivityRepository_Append(t *testing.T) {
	ctx := context.Background()
	repo := NewActivityRepository(newTestDB(t))

	entry := models.NewActivityLogEntry("reward_claimed", "rewards", "claimed", map[string]any{"amount": 5.0}, models.SeverityWarning)

	inserted, err := repo.Append(ctx, "device-1", "session-1", entry)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Append(ctx, "device-1", "session-1", entry)
	require.NoError(t, err)
	assert.False(t, inserted)

	entries, err := repo.ListForSession(ctx, "session-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.SeverityWarning, entries[0].Severity)
	assert.Equal(t, 5.0, entries[0].Details["amount"])
}

func TestSubmissionRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewSubmissionRepository(newTestDB(t))

	reading := &models.BatteryReading{ID: "r1", DeviceID: "device-1", Level: 42, IsCharging: true, RecordedAt: time.Now()}
	inserted, err := repo.AddReading(ctx, reading)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.AddReading(ctx, reading)
	require.NoError(t, err)
	assert.False(t, inserted)

	readings, err := repo.ReadingsForDevice(ctx, "device-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, 42, readings[0].Level)
	assert.True(t, readings[0].IsCharging)

	for _, c := range []*models.RewardClaim{
		{ID: "c1", DeviceID: "device-1", Amount: 2.5, ClaimedAt: time.Now()},
		{ID: "c2", DeviceID: "device-1", Amount: 1.5, ClaimedAt: time.Now()},
		{ID: "c1", DeviceID: "device-1", Amount: 2.5, ClaimedAt: time.Now()},
	} {
		_, err := repo.AddClaim(ctx, c)
		require.NoError(t, err)
	}

	total, count, err := repo.ClaimsTotal(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, 4.0, total)
	assert.Equal(t, 2, count)
}

func TestSessionRepository_PersistsUpdates(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewSessionRepository(db)
	deviceID := registerDevice(t, db, "fp-rows")
	start := time.Now().UTC().Add(-time.Hour)

	rawRow := func(t *testing.T, id string) (bool, sql.NullTime, int64) {
		t.Helper()
		var active bool
		var disconnectedAt sql.NullTime
		var duration int64
		err := db.QueryRowContext(ctx,
			`SELECT is_active, disconnected_at, duration_seconds FROM device_sessions WHERE id = $1`, id,
		).Scan(&active, &disconnectedAt, &duration)
		require.NoError(t, err)
		return active, disconnectedAt, duration
	}

	t.Run("replaced session row is closed", func(t *testing.T) {
		first, err := models.NewSessionRecord(deviceID, "key-a", models.DeviceInfo{})
		require.NoError(t, err)
		first.ConnectedAt, first.LastHeartbeatAt = start, start
		_, err = repo.Create(ctx, first)
		require.NoError(t, err)

		second, err := models.NewSessionRecord(deviceID, "key-b", models.DeviceInfo{})
		require.NoError(t, err)
		second.ConnectedAt, second.LastHeartbeatAt = start.Add(time.Minute), start.Add(time.Minute)
		_, err = repo.Create(ctx, second)
		require.NoError(t, err)

		active, disconnectedAt, duration := rawRow(t, first.ID)
		assert.False(t, active)
		assert.True(t, disconnectedAt.Valid)
		assert.Equal(t, int64(60), duration)

		gone, err := repo.GetActive(ctx, deviceID, "key-a")
		require.NoError(t, err)
		assert.Nil(t, gone)
	})

	t.Run("heartbeat and disconnect reach the row", func(t *testing.T) {
		ok, err := repo.Heartbeat(ctx, deviceID, "key-b", start.Add(2*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)

		ended, err := repo.Disconnect(ctx, deviceID, "key-b", start.Add(3*time.Minute))
		require.NoError(t, err)
		require.NotNil(t, ended)

		active, disconnectedAt, duration := rawRow(t, ended.ID)
		assert.False(t, active)
		assert.True(t, disconnectedAt.Valid)
		assert.Equal(t, int64(120), duration)

		count, err := repo.GetActiveCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestDeviceRepository_UpdateLastSeen(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewDeviceRepository(db)

	device, err := models.NewDeviceRecord("fp-seen", "desktop", "agent", "linux/amd64")
	require.NoError(t, err)
	device.LastSeenAt = time.Now().UTC().Add(-24 * time.Hour)
	id, err := repo.Upsert(ctx, device)
	require.NoError(t, err)

	require.NoError(t, repo.UpdateLastSeen(ctx, id))

	stored, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.WithinDuration(t, time.Now(), stored.LastSeenAt, time.Minute)
}

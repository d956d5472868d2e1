package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reading struct {
	Level int `json:"level"`
}

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s := NewSQLiteStore(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestMemory(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

func mustRecord(t *testing.T, c Collection, key, natural string, ts time.Time, level int) Record {
	t.Helper()
	rec, err := NewRecord(c, key, natural, ts, reading{Level: level})
	require.NoError(t, err)
	return rec
}

// eachStore runs fn against every Store implementation
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestSQLite(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, newTestMemory(t)) })
	t.Run("resilient", func(t *testing.T) {
		s := NewResilient(NewSQLiteStore(filepath.Join(t.TempDir(), "device.db")))
		require.NoError(t, s.Initialize(context.Background()))
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	eachStore(t, func(t *testing.T, s Store) {
		ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, s.Put(ctx, mustRecord(t, Readings, "r1", "dev-1", ts, 42)))

		got, err := s.Get(ctx, Readings, "r1")
		require.NoError(t, err)
		assert.Equal(t, "dev-1", got.NaturalKey)
		assert.True(t, ts.Equal(got.Timestamp))

		var r reading
		require.NoError(t, got.Decode(&r))
		assert.Equal(t, 42, r.Level)

		// Put replaces
		require.NoError(t, s.Put(ctx, mustRecord(t, Readings, "r1", "dev-1", ts, 43)))
		got, err = s.Get(ctx, Readings, "r1")
		require.NoError(t, err)
		require.NoError(t, got.Decode(&r))
		assert.Equal(t, 43, r.Level)

		require.NoError(t, s.Delete(ctx, Readings, "r1"))
		_, err = s.Get(ctx, Readings, "r1")
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting again is fine
		assert.NoError(t, s.Delete(ctx, Readings, "r1"))
	})
}

func TestStore_RejectsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	eachStore(t, func(t *testing.T, s Store) {
		err := s.Put(ctx, Record{Collection: "bogus", Key: "k", Data: []byte(`{}`)})
		assert.ErrorIs(t, err, ErrUnknownCollection)

		err = s.Put(ctx, Record{Collection: Readings, Data: []byte(`{}`)})
		assert.ErrorIs(t, err, ErrInvalidRecord)

		err = s.Put(ctx, Record{Collection: Readings, Key: "k", Data: []byte(`{`)})
		assert.ErrorIs(t, err, ErrInvalidRecord)
	})
}

func TestStore_QueryByIndex(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	eachStore(t, func(t *testing.T, s Store) {
		for i := 0; i < 5; i++ {
			natural := "battery-reading"
			if i%2 == 1 {
				natural = "reward-claim"
			}
			key := fmt.Sprintf("k%02d", i)
			require.NoError(t, s.Put(ctx, mustRecord(t, SyncQueue, key, natural, base.Add(time.Duration(4-i)*time.Hour), i)))
		}
		require.NoError(t, s.Put(ctx, mustRecord(t, Readings, "other", "battery-reading", base, 0)))

		keys := func(r Range) []string {
			recs, err := Collect(s.QueryByIndex(ctx, SyncQueue, r))
			require.NoError(t, err)
			out := make([]string, 0, len(recs))
			for _, rec := range recs {
				out = append(out, rec.Key)
			}
			return out
		}

		assert.Equal(t, []string{"k00", "k01", "k02", "k03", "k04"}, keys(All()))
		assert.Equal(t, []string{"k01", "k02", "k03"}, keys(KeyRange("k01", "k03")))
		assert.Equal(t, []string{"k00", "k02", "k04"}, keys(NaturalKey("battery-reading")))
		assert.Equal(t, []string{"k00", "k02"}, keys(NaturalKey("battery-reading").WithLimit(2)))
		assert.Equal(t, []string{"k04", "k03", "k02", "k01", "k00"}, keys(TimeRange(time.Time{}, time.Time{})))
		assert.Equal(t, []string{"k03", "k02"}, keys(TimeRange(base.Add(time.Hour), base.Add(3*time.Hour))))
		assert.Equal(t, []string{"k00", "k01"}, keys(TimeRange(base, time.Time{}).Descending().WithLimit(2)))
		assert.Empty(t, keys(NaturalKey("session-event")))
	})
}

func TestStore_QueryIsRestartable(t *testing.T) {
	ctx := context.Background()
	eachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Put(ctx, mustRecord(t, Readings, "a", "", time.Now(), 1)))
		seq := s.QueryByIndex(ctx, Readings, All())

		first, err := Collect(seq)
		require.NoError(t, err)
		require.Len(t, first, 1)

		require.NoError(t, s.Put(ctx, mustRecord(t, Readings, "b", "", time.Now(), 2)))

		second, err := Collect(seq)
		require.NoError(t, err)
		assert.Len(t, second, 2)
	})
}

func TestStore_QueryStopsEarly(t *testing.T) {
	ctx := context.Background()
	eachStore(t, func(t *testing.T, s Store) {
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Put(ctx, mustRecord(t, Readings, fmt.Sprintf("k%d", i), "", time.Now(), i)))
		}

		seen := 0
		for _, err := range s.QueryByIndex(ctx, Readings, All()) {
			require.NoError(t, err)
			seen++
			break
		}
		assert.Equal(t, 1, seen)

		// The store is still usable after an abandoned iteration
		assert.NoError(t, s.Delete(ctx, Readings, "k0"))
	})
}

func TestStore_UpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	eachStore(t, func(t *testing.T, s Store) {
		boom := errors.New("boom")

		err := s.Update(ctx, func(tx Tx) error {
			if err := tx.Put(mustRecord(t, Readings, "r1", "", time.Now(), 1)); err != nil {
				return err
			}
			if err := tx.Put(mustRecord(t, SyncQueue, "q1", "battery-reading", time.Now(), 1)); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		n, err := s.Count(ctx, Readings)
		require.NoError(t, err)
		assert.Zero(t, n)
		n, err = s.Count(ctx, SyncQueue)
		require.NoError(t, err)
		assert.Zero(t, n)

		err = s.Update(ctx, func(tx Tx) error {
			if err := tx.Put(mustRecord(t, Readings, "r1", "", time.Now(), 1)); err != nil {
				return err
			}
			if _, err := tx.Get(Readings, "r1"); err != nil {
				return err
			}
			return tx.Put(mustRecord(t, SyncQueue, "q1", "battery-reading", time.Now(), 1))
		})
		require.NoError(t, err)

		n, err = s.Count(ctx, SyncQueue)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestStore_Prefs(t *testing.T) {
	ctx := context.Background()
	eachStore(t, func(t *testing.T, s Store) {
		prefs := NewPrefs(s)

		_, ok, err := prefs.SessionKey(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, prefs.SetSessionKey(ctx, "key-1"))
		require.NoError(t, prefs.SetDeviceID(ctx, "fp", "dev-1"))

		key, ok, err := prefs.SessionKey(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "key-1", key)

		require.NoError(t, prefs.ClearSessionKey(ctx))
		_, ok, err = prefs.SessionKey(ctx)
		require.NoError(t, err)
		assert.False(t, ok)

		id, ok, err := prefs.DeviceID(ctx, "fp")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "dev-1", id)

		assert.Error(t, prefs.SetSessionKey(ctx, ""))
	})
}

func TestStore_RequiresInitialize(t *testing.T) {
	ctx := context.Background()
	stores := map[string]Store{
		"sqlite": NewSQLiteStore(filepath.Join(t.TempDir(), "device.db")),
		"memory": NewMemoryStore(),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(ctx, Readings, "k")
			assert.ErrorIs(t, err, ErrNotInitialized)

			_, err = Collect(s.QueryByIndex(ctx, Readings, All()))
			assert.ErrorIs(t, err, ErrNotInitialized)
		})
	}
}

func TestSQLiteStore_Persistence(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "device.db")

	s := NewSQLiteStore(path)
	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Initialize(ctx))
	require.NoError(t, s.Put(ctx, mustRecord(t, DeviceState, "fp", "fp", time.Now(), 7)))
	require.NoError(t, s.SetPref(ctx, PrefSessionKey, "persisted"))
	require.NoError(t, s.Close())

	reopened := NewSQLiteStore(path)
	require.NoError(t, reopened.Initialize(ctx))
	defer reopened.Close()

	_, err := reopened.Get(ctx, DeviceState, "fp")
	assert.NoError(t, err)

	v, ok, err := reopened.GetPref(ctx, PrefSessionKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "persisted", v)
}

func TestSQLiteStore_Migrations(t *testing.T) {
	ctx := context.Background()

	t.Run("records every version once", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "device.db")
		s := NewSQLiteStore(path)
		require.NoError(t, s.Initialize(ctx))
		require.NoError(t, s.Close())

		db, err := sql.Open("sqlite3", path)
		require.NoError(t, err)
		defer db.Close()

		var count, max int
		require.NoError(t, db.QueryRow("SELECT COUNT(*), MAX(version) FROM schema_version").Scan(&count, &max))
		assert.Equal(t, currentSchemaVersion, count)
		assert.Equal(t, currentSchemaVersion, max)
	})

	t.Run("refuses a newer schema", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "device.db")
		s := NewSQLiteStore(path)
		require.NoError(t, s.Initialize(ctx))
		require.NoError(t, s.Close())

		db, err := sql.Open("sqlite3", path)
		require.NoError(t, err)
		_, err = db.Exec("INSERT INTO schema_version (version, applied_at) VALUES ($1, $2)",
			currentSchemaVersion+1, time.Now().Format(time.RFC3339))
		require.NoError(t, err)
		require.NoError(t, db.Close())

		err = NewSQLiteStore(path).Initialize(ctx)
		assert.ErrorIs(t, err, ErrSchemaTooNew)
	})
}

func TestSQLiteStore_UnavailableAfterClose(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	require.NoError(t, s.Close())

	err := s.Put(ctx, mustRecord(t, Readings, "r", "", time.Now(), 1))
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	_, err = s.Count(ctx, Readings)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestSQLiteStore_UnopenablePath(t *testing.T) {
	s := NewSQLiteStore(filepath.Join(t.TempDir(), "missing", "dir", "device.db"))

	err := s.Initialize(context.Background())
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestResilient_DegradesToMemory(t *testing.T) {
	ctx := context.Background()

	t.Run("when the primary cannot open", func(t *testing.T) {
		r := NewResilient(NewSQLiteStore(filepath.Join(t.TempDir(), "missing", "device.db")))

		require.NoError(t, r.Initialize(ctx))
		assert.True(t, r.Degraded())
		assert.ErrorIs(t, r.DegradedReason(), ErrStorageUnavailable)

		require.NoError(t, r.Put(ctx, mustRecord(t, Readings, "r", "", time.Now(), 1)))
		n, err := r.Count(ctx, Readings)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("when the primary fails mid-session", func(t *testing.T) {
		primary := newTestSQLite(t)
		r := NewResilient(primary)
		require.NoError(t, r.Initialize(ctx))
		require.NoError(t, r.SetPref(ctx, PrefSessionKey, "before"))
		assert.False(t, r.Degraded())

		require.NoError(t, primary.Close())

		require.NoError(t, r.SetPref(ctx, PrefSessionKey, "after"))
		assert.True(t, r.Degraded())

		v, ok, err := r.GetPref(ctx, PrefSessionKey)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "after", v)

		recs, err := Collect(r.QueryByIndex(ctx, Readings, All()))
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("does not degrade on ordinary errors", func(t *testing.T) {
		r := NewResilient(newTestSQLite(t))
		require.NoError(t, r.Initialize(ctx))

		_, err := r.Get(ctx, Readings, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.False(t, r.Degraded())
	})
}

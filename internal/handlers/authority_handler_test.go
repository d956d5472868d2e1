package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargesync/devicesync/internal/localstore"
	"github.com/chargesync/devicesync/internal/middleware"
	"github.com/chargesync/devicesync/internal/models"
	"github.com/chargesync/devicesync/internal/netstatus"
	"github.com/chargesync/devicesync/internal/recorder"
	"github.com/chargesync/devicesync/internal/remote"
	"github.com/chargesync/devicesync/internal/repository"
	"github.com/chargesync/devicesync/internal/services"
	"github.com/chargesync/devicesync/internal/session"
	"github.com/chargesync/devicesync/internal/syncengine"
	"github.com/chargesync/devicesync/internal/syncqueue"
)

const testAPIKey = "test-api-key-0123456789abcdef0123456789"

var testInfo = models.DeviceInfo{
	DeviceType:  models.DeviceTypeDesktop,
	Browser:     "devicesync-agent/test",
	OS:          "linux/amd64",
	Fingerprint: "9a8b7c6d5e4f3a2b1c0d9e8f7a6b5c4d3e2f1a0b9c8d7e6f5a4b3c2d1e0f9a8b",
}

type authorityServer struct {
	*httptest.Server
	submissions *repository.SubmissionRepository
	sessions    *repository.SessionRepository
}

func newAuthorityServer(t *testing.T) *authorityServer {
	t.Helper()
	db, err := repository.NewSQLiteDB(filepath.Join(t.TempDir(), "authority.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sessions := repository.NewSessionRepository(db)
	submissions := repository.NewSubmissionRepository(db)
	authority, err := services.NewAuthorityService(
		repository.NewDeviceRepository(db),
		sessions,
		repository.NewActivityRepository(db),
		submissions,
		nil,
		5*time.Minute,
	)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(middleware.APIKeyAuth(testAPIKey, "X-API-Key"))
	r.Get("/api/health", NewHealthHandler().HealthCheck)
	r.Route("/api", func(r chi.Router) {
		NewAuthorityHandler(authority).Routes(r)
		r.Get("/stats", NewStatsHandler(authority, nil, nil).GetStats)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &authorityServer{Server: srv, submissions: submissions, sessions: sessions}
}

func (s *authorityServer) client() *remote.Client {
	return remote.NewClient(remote.ClientOptions{
		BaseURL: s.URL,
		APIKey:  testAPIKey,
		Timeout: 2 * time.Second,
	})
}

func (s *authorityServer) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, s.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAuthorityHandler_Contracts(t *testing.T) {
	ctx := context.Background()
	srv := newAuthorityServer(t)
	client := srv.client()

	t.Run("upsert is idempotent", func(t *testing.T) {
		first, err := client.UpsertDevice(ctx, testInfo)
		require.NoError(t, err)
		second, err := client.UpsertDevice(ctx, testInfo)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	deviceID, err := client.UpsertDevice(ctx, testInfo)
	require.NoError(t, err)

	t.Run("unknown session is not found", func(t *testing.T) {
		active, err := client.FindActiveSession(ctx, deviceID, "no-such-key")
		require.NoError(t, err)
		assert.Nil(t, active)
	})

	t.Run("session lifecycle", func(t *testing.T) {
		created, err := client.CreateSession(ctx, deviceID, "key-1", testInfo)
		require.NoError(t, err)
		require.NotEmpty(t, created.SessionID)

		active, err := client.FindActiveSession(ctx, deviceID, "key-1")
		require.NoError(t, err)
		require.NotNil(t, active)
		assert.Equal(t, created.SessionID, active.SessionID)

		require.NoError(t, client.Heartbeat(ctx, deviceID, "key-1"))

		// A second session replaces the first
		_, err = client.CreateSession(ctx, deviceID, "key-2", testInfo)
		require.NoError(t, err)
		err = client.Heartbeat(ctx, deviceID, "key-1")
		assert.True(t, remote.IsRejected(err))

		require.NoError(t, client.Disconnect(ctx, deviceID, "key-2"))
		require.NoError(t, client.Disconnect(ctx, deviceID, "key-2"))
		assert.True(t, remote.IsRejected(client.Heartbeat(ctx, deviceID, "key-2")))
	})

	t.Run("create session for unknown device", func(t *testing.T) {
		_, err := client.CreateSession(ctx, "missing-device", "key", testInfo)
		require.Error(t, err)
		assert.True(t, remote.IsRejected(err))
	})

	t.Run("submissions are idempotent", func(t *testing.T) {
		reading := &models.BatteryReading{ID: "reading-1", DeviceID: deviceID, Level: 42, RecordedAt: time.Now().UTC()}
		require.NoError(t, client.SubmitBatteryReading(ctx, reading))
		require.NoError(t, client.SubmitBatteryReading(ctx, reading))

		stored, err := srv.submissions.ReadingsForDevice(ctx, deviceID, 0, 10)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, 42, stored[0].Level)

		claim := &models.RewardClaim{ID: "claim-1", DeviceID: deviceID, Amount: 2.5, Reason: "charge", ClaimedAt: time.Now().UTC()}
		require.NoError(t, client.SubmitRewardClaim(ctx, claim))
		require.NoError(t, client.SubmitRewardClaim(ctx, claim))
		total, count, err := srv.submissions.ClaimsTotal(ctx, deviceID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		assert.InDelta(t, 2.5, total, 0.0001)
	})

	t.Run("invalid reading is rejected", func(t *testing.T) {
		err := client.SubmitBatteryReading(ctx, &models.BatteryReading{ID: "reading-bad", DeviceID: deviceID, Level: 150})
		require.Error(t, err)
		assert.True(t, remote.IsRejected(err))
	})

	t.Run("activity entry requires a type", func(t *testing.T) {
		entry := models.NewActivityLogEntry("", models.CategorySession, "no type", nil, models.SeverityInfo)
		err := client.AppendActivityLog(ctx, deviceID, "session", entry)
		assert.True(t, remote.IsRejected(err))
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, client.Ping(ctx))
	})
}

func TestAuthorityHandler_HTTP(t *testing.T) {
	srv := newAuthorityServer(t)

	t.Run("malformed body", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/devices/upsert", bytes.NewBufferString("{"))
		require.NoError(t, err)
		req.Header.Set("X-API-Key", testAPIKey)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing api key", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/readings", "application/json", bytes.NewBufferString("{}"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("new device is created", func(t *testing.T) {
		resp := srv.post(t, "/api/devices/upsert", models.UpsertDeviceRequest{Fingerprint: "fresh", DeviceType: "desktop"})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		var body models.UpsertDeviceResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.True(t, body.Created)
		assert.NotEmpty(t, body.DeviceID)

		again := srv.post(t, "/api/devices/upsert", models.UpsertDeviceRequest{Fingerprint: "fresh", DeviceType: "desktop"})
		assert.Equal(t, http.StatusOK, again.StatusCode)
	})

	t.Run("heartbeat for unknown session", func(t *testing.T) {
		resp := srv.post(t, "/api/sessions/heartbeat", models.SessionKeyRequest{DeviceID: "d", SessionKey: "k"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("reading id falls back to the idempotency key", func(t *testing.T) {
		data, err := json.Marshal(models.BatteryReading{DeviceID: "d", Level: 10})
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/readings", bytes.NewReader(data))
		require.NoError(t, err)
		req.Header.Set("X-API-Key", testAPIKey)
		req.Header.Set(remote.IdempotencyHeader, "header-id")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func (s *authorityServer) get(t *testing.T, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestAuthorityHandler_ReadSurface(t *testing.T) {
	ctx := context.Background()
	srv := newAuthorityServer(t)
	client := srv.client()

	deviceID, err := client.UpsertDevice(ctx, testInfo)
	require.NoError(t, err)
	created, err := client.CreateSession(ctx, deviceID, "key-1", testInfo)
	require.NoError(t, err)

	entry := models.NewActivityLogEntry(models.ActivitySessionDisconnected, models.CategorySession, "bye", nil, models.SeverityInfo)
	require.NoError(t, client.AppendActivityLog(ctx, deviceID, created.SessionID, entry))
	require.NoError(t, client.SubmitBatteryReading(ctx, &models.BatteryReading{ID: "r-1", DeviceID: deviceID, Level: 55, RecordedAt: time.Now().UTC()}))
	require.NoError(t, client.SubmitRewardClaim(ctx, &models.RewardClaim{ID: "c-1", DeviceID: deviceID, Amount: 3, ClaimedAt: time.Now().UTC()}))

	t.Run("device summary", func(t *testing.T) {
		var summary models.DeviceSummary
		require.Equal(t, http.StatusOK, srv.get(t, "/api/devices/"+deviceID, &summary))
		assert.Equal(t, testInfo.Fingerprint, summary.Device.Fingerprint)
		require.Len(t, summary.Sessions, 1)
		assert.Equal(t, created.SessionID, summary.Sessions[0].ID)
		require.Len(t, summary.Readings, 1)
		assert.Equal(t, 1, summary.ClaimsCount)
		assert.InDelta(t, 3.0, summary.ClaimsTotal, 0.0001)

		assert.Equal(t, http.StatusNotFound, srv.get(t, "/api/devices/unknown", nil))
		assert.Equal(t, http.StatusBadRequest, srv.get(t, "/api/devices/"+deviceID+"?limit=-1", nil))
	})

	t.Run("session activity", func(t *testing.T) {
		var entries []models.ActivityLogEntry
		require.Equal(t, http.StatusOK, srv.get(t, "/api/sessions/"+created.SessionID+"/activity", &entries))
		require.Len(t, entries, 1)
		assert.Equal(t, entry.ID, entries[0].ID)

		assert.Equal(t, http.StatusNotFound, srv.get(t, "/api/sessions/unknown/activity", nil))
	})

	t.Run("stats", func(t *testing.T) {
		var stats StatsResponse
		require.Equal(t, http.StatusOK, srv.get(t, "/api/stats", &stats))
		assert.Equal(t, 1, stats.Devices)
		assert.Equal(t, 1, stats.ActiveSessions)
		assert.Nil(t, stats.Sweeper)
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{models.ErrSessionNotFound, http.StatusNotFound},
		{models.ErrDeviceNotFound, http.StatusNotFound},
		{models.ErrEmptyFingerprint, http.StatusBadRequest},
		{models.ErrInvalidBatteryLevel, http.StatusBadRequest},
		{models.ErrEmptySessionKey, http.StatusBadRequest},
		{session.ErrNoSession, http.StatusConflict},
		{session.ErrOffline, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, statusFor(tt.err))
		})
	}
}

// TestEndToEnd drives the agent core against the HTTP authority: connect,
// record while offline, then drain once connectivity returns.
func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	srv := newAuthorityServer(t)
	client := srv.client()

	store := localstore.NewSQLiteStore(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, store.Initialize(ctx))
	t.Cleanup(func() { store.Close() })

	queue, err := syncqueue.New(store, syncqueue.Options{})
	require.NoError(t, err)
	monitor := netstatus.NewMonitor(nil, 0, true)

	manager, err := session.NewManager(client, store, queue, monitor, session.Options{
		Info:              testInfo,
		HeartbeatInterval: time.Hour,
		RequestTimeout:    2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close(context.Background()) })

	engine := syncengine.New(queue, client, monitor, syncengine.Options{})
	rec := recorder.New(store, queue, manager)

	sess, err := manager.Connect(ctx)
	require.NoError(t, err)

	stored, err := srv.sessions.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.IsActive)

	monitor.SetOnline(false)
	reading, err := rec.RecordBatteryReading(ctx, 42, true)
	require.NoError(t, err)
	_, err = rec.ClaimReward(ctx, 1.25, "charging streak")
	require.NoError(t, err)

	report := engine.Drain(ctx)
	assert.True(t, report.Skipped)

	monitor.SetOnline(true)
	report = engine.Drain(ctx)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Types[models.ItemBatteryReading].Delivered)
	assert.Equal(t, 1, report.Types[models.ItemRewardClaim].Delivered)
	assert.Empty(t, report.Dropped)

	readings, err := srv.submissions.ReadingsForDevice(ctx, sess.DeviceID, 0, 10)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, reading.ID, readings[0].ID)

	require.NoError(t, manager.Disconnect(ctx))
	stored, err = srv.sessions.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
}

func TestEndToEnd_ReRegistersUnknownDevice(t *testing.T) {
	ctx := context.Background()
	srv := newAuthorityServer(t)

	store := localstore.NewMemoryStore()
	require.NoError(t, store.Initialize(ctx))
	prefs := localstore.NewPrefs(store)
	require.NoError(t, prefs.SetDeviceID(ctx, testInfo.Fingerprint, "device-from-old-authority"))

	queue, err := syncqueue.New(store, syncqueue.Options{})
	require.NoError(t, err)
	manager, err := session.NewManager(srv.client(), store, queue, netstatus.NewMonitor(nil, 0, true), session.Options{
		Info:              testInfo,
		HeartbeatInterval: time.Hour,
		RequestTimeout:    2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close(context.Background()) })

	sess, err := manager.Connect(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, "device-from-old-authority", sess.DeviceID)

	cachedID, ok, err := prefs.DeviceID(ctx, testInfo.Fingerprint)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sess.DeviceID, cachedID)

	stored, err := srv.sessions.GetByID(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.IsActive)
	assert.Equal(t, sess.DeviceID, stored.DeviceID)
}

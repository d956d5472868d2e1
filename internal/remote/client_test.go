package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargesync/devicesync/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return NewClient(ClientOptions{
		BaseURL:         server.URL,
		APIKey:          "test-key",
		Timeout:         time.Second,
		BreakerFailures: 2,
		BreakerCooldown: time.Minute,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestClient_UpsertDevice(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/devices/upsert", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))

		var req models.UpsertDeviceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "fp-1", req.Fingerprint)

		writeJSON(w, http.StatusOK, models.UpsertDeviceResponse{DeviceID: "dev-1", Created: true})
	})

	id, err := client.UpsertDevice(context.Background(), models.DeviceInfo{Fingerprint: "fp-1", DeviceType: "desktop"})
	require.NoError(t, err)
	assert.Equal(t, "dev-1", id)
}

func TestClient_FindActiveSession(t *testing.T) {
	heartbeat := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sessionKey") == "known" {
			writeJSON(w, http.StatusOK, models.ActiveSession{SessionID: "s-1", LastHeartbeatAt: heartbeat})
			return
		}
		writeJSON(w, http.StatusNotFound, models.ErrorResponse{Error: "no active session"})
	})

	t.Run("returns the session", func(t *testing.T) {
		s, err := client.FindActiveSession(context.Background(), "dev-1", "known")
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, "s-1", s.SessionID)
		assert.True(t, heartbeat.Equal(s.LastHeartbeatAt))
	})

	t.Run("returns nil when none is active", func(t *testing.T) {
		s, err := client.FindActiveSession(context.Background(), "dev-1", "other")
		require.NoError(t, err)
		assert.Nil(t, s)
	})
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		unreachable bool
	}{
		{"bad request", http.StatusBadRequest, false},
		{"conflict", http.StatusConflict, false},
		{"request timeout", http.StatusRequestTimeout, true},
		{"too many requests", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, models.ErrorResponse{Error: "nope"})
			})

			err := client.SubmitBatteryReading(context.Background(), &models.BatteryReading{ID: "r-1", Level: 42})
			require.Error(t, err)
			assert.Equal(t, tt.unreachable, IsUnreachable(err))
			assert.Equal(t, !tt.unreachable, IsRejected(err))

			var remoteErr *Error
			require.ErrorAs(t, err, &remoteErr)
			assert.Equal(t, tt.status, remoteErr.Status)
			assert.Equal(t, "nope", remoteErr.Message)
			assert.Equal(t, "submitBatteryReading", remoteErr.Op)
		})
	}

	t.Run("network failure is unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		server.Close()
		client := NewClient(ClientOptions{BaseURL: server.URL, Timeout: time.Second})

		err := client.Heartbeat(context.Background(), "dev-1", "key")
		assert.True(t, IsUnreachable(err))
	})

	t.Run("timeout is unreachable", func(t *testing.T) {
		// The handler never sees the client give up on an unread POST body,
		// so it waits for release, which runs before server.Close.
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		t.Cleanup(server.Close)
		t.Cleanup(func() { close(release) })
		client := NewClient(ClientOptions{BaseURL: server.URL, Timeout: 50 * time.Millisecond})

		start := time.Now()
		err := client.Heartbeat(context.Background(), "dev-1", "key")
		assert.True(t, IsUnreachable(err))
		assert.Less(t, time.Since(start), 2*time.Second)
	})
}

func TestClient_SendsIdempotencyKey(t *testing.T) {
	var got string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(IdempotencyHeader)
		writeJSON(w, http.StatusOK, models.AckResponse{OK: true})
	})

	err := client.SubmitRewardClaim(context.Background(), &models.RewardClaim{ID: "claim-7", Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, "claim-7", got)
}

func TestClient_CircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusServiceUnavailable, models.ErrorResponse{Error: "down"})
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.True(t, IsUnreachable(client.Heartbeat(ctx, "dev-1", "key")))
	}
	require.Equal(t, int32(2), calls.Load())

	// Breaker is open: the call fails without reaching the server
	err := client.Heartbeat(ctx, "dev-1", "key")
	assert.True(t, IsUnreachable(err))
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_RejectionsDoNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "invalid"})
	})

	for i := 0; i < 5; i++ {
		assert.True(t, IsRejected(client.Heartbeat(context.Background(), "dev-1", "key")))
	}
	assert.Equal(t, int32(5), calls.Load())
}

func TestClient_Ping(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		writeJSON(w, http.StatusOK, models.HealthResponse{Status: "healthy"})
	})

	assert.NoError(t, client.Ping(context.Background()))
}

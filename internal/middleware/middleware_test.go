package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chargesync/devicesync/internal/remote"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestAPIKeyAuth(t *testing.T) {
	handler := APIKeyAuth("secret-key", "X-API-Key")(ok)

	tests := []struct {
		name   string
		path   string
		key    string
		status int
	}{
		{"health is open", "/api/health", "", http.StatusNoContent},
		{"missing key", "/api/sessions", "", http.StatusUnauthorized},
		{"wrong key", "/api/sessions", "nope", http.StatusUnauthorized},
		{"valid key", "/api/sessions", "secret-key", http.StatusNoContent},
		{"non api path", "/metrics", "", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}

	t.Run("websocket upgrade may pass the key in the query", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/ws?deviceId=d1&apiKey=secret-key", nil)
		req.Header.Set("Upgrade", "websocket")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestDeviceRateLimiter(t *testing.T) {
	limiter := NewDeviceRateLimiter(1, 2)
	handler := limiter.Middleware(ok)

	send := func(deviceID string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/sessions/heartbeat", nil)
		req.Header.Set(remote.DeviceIDHeader, deviceID)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, send("a"))
	assert.Equal(t, http.StatusNoContent, send("a"))
	assert.Equal(t, http.StatusTooManyRequests, send("a"))

	// Other devices have their own bucket
	assert.Equal(t, http.StatusNoContent, send("b"))

	t.Run("disabled when rps is zero", func(t *testing.T) {
		h := NewDeviceRateLimiter(0, 0).Middleware(ok)
		for i := 0; i < 5; i++ {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
			assert.Equal(t, http.StatusNoContent, rec.Code)
		}
	})
}

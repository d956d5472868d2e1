package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chargesync/devicesync/internal/models"
	"github.com/chargesync/devicesync/internal/services"
)

func TestWebSocketHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := services.NewSessionHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(NewWebSocketHandler(hub).HandleConnection))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	t.Run("requires a device id", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, 400, resp.StatusCode)
	})

	t.Run("streams the device's session events", func(t *testing.T) {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?deviceId=device-1", nil)
		require.NoError(t, err)
		defer conn.Close()

		topic := services.DeviceTopic("device-1")
		require.Eventually(t, func() bool {
			return hub.GetTopicSubscriberCount(topic) == 1
		}, time.Second, 10*time.Millisecond)

		hub.Publish("device-2", services.WSMessage{Type: services.WSTypeSessionCreated})
		hub.Publish("device-1", services.WSMessage{
			Type:    services.WSTypeSessionClosed,
			Payload: models.SessionEvent{Type: services.WSTypeSessionClosed, DeviceID: "device-1", SessionID: "s-1"},
		})

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg struct {
			Type    string              `json:"type"`
			Payload models.SessionEvent `json:"payload"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, services.WSTypeSessionClosed, msg.Type)
		assert.Equal(t, "s-1", msg.Payload.SessionID)
	})
}

package ws_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vitalwatch/internal/config"
	"vitalwatch/internal/models"
	wsHub "vitalwatch/internal/ws"
)

// startHub serves the hub from a test server and returns its ws:// URL.
func startHub(t *testing.T) (string, *wsHub.Hub) {
	t.Helper()

	hub := wsHub.New(config.WebSocketConfig{SendBuffer: 16, WriteTimeout: time.Second})
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), hub
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readAlert(t *testing.T, conn *websocket.Conn) wsHub.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var m wsHub.Message
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func waitClients(t *testing.T, hub *wsHub.Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Count() == n }, 2*time.Second, 5*time.Millisecond)
}

func alert(patient string, tr models.Transition) *models.Envelope {
	return models.NewEnvelope(&models.AlertEvent{
		AlertID:    "a-" + patient,
		PatientID:  patient,
		Kind:       models.KindBradycardia,
		Severity:   models.SeverityHigh,
		Transition: tr,
		Timestamp:  time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}, "test")
}

func TestHubDeliversAlerts(t *testing.T) {
	wsURL, hub := startHub(t)
	a := dial(t, wsURL)
	b := dial(t, wsURL)
	waitClients(t, hub, 2)

	require.NoError(t, hub.Publish(context.Background(), alert("P001", models.TransitionRaised)))

	for _, conn := range []*websocket.Conn{a, b} {
		m := readAlert(t, conn)
		assert.Equal(t, "alert", m.Event)
		require.NotNil(t, m.Data)
		assert.Equal(t, "P001", m.Data.PatientID)
		assert.Equal(t, models.TransitionRaised, m.Data.Transition)
	}
}

func TestHubPatientSubscription(t *testing.T) {
	wsURL, hub := startHub(t)
	conn := dial(t, wsURL+"?patient_id=P002")
	waitClients(t, hub, 1)

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, alert("P001", models.TransitionRaised)))
	require.NoError(t, hub.Publish(ctx, alert("P002", models.TransitionResolved)))

	m := readAlert(t, conn)
	assert.Equal(t, "P002", m.Data.PatientID)
	assert.Equal(t, models.TransitionResolved, m.Data.Transition)
}

func TestHubCountDecreasesOnDisconnect(t *testing.T) {
	wsURL, hub := startHub(t)
	conn := dial(t, wsURL)
	waitClients(t, hub, 1)

	conn.Close()
	waitClients(t, hub, 0)
}

func TestHubCloseDisconnectsClients(t *testing.T) {
	wsURL, hub := startHub(t)
	conn := dial(t, wsURL)
	waitClients(t, hub, 1)

	require.NoError(t, hub.Close())
	assert.Equal(t, 0, hub.Count())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	assert.Equal(t, "websocket", hub.Name())
	assert.NoError(t, hub.Ping(context.Background()))
}

package websocket

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
	"go.uber.org/zap"

	"github.com/raaihank/edge-sentinel/internal/alerts"
	"github.com/raaihank/edge-sentinel/internal/detector"
)

func startHub(t *testing.T, cfg HubConfig) (*Hub, string) {
	t.Helper()
	hub := NewHub(cfg, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string, header http.Header) *websocket.Conn {
	t.Helper()
	before := hub.GetStats().TotalConnections
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.GetStats().TotalConnections > before }, time.Second, 5*time.Millisecond)
	return conn
}

func authHeader(user, pass string) http.Header {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth(user, pass)
	return req.Header
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev map[string]any
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func testConfig() HubConfig {
	cfg := DefaultHubConfig()
	cfg.Username, cfg.Password = "ops", "s3cret"
	cfg.BroadcastDetections = true
	return cfg
}

func TestHandleWebSocketAuth(t *testing.T) {
	hub, url := startHub(t, testConfig())

	t.Run("MissingCredentials", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(url, authHeader("ops", "nope"))
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Valid", func(t *testing.T) {
		dial(t, hub, url, authHeader("ops", "s3cret"))
	})
}

func TestBroadcast(t *testing.T) {
	hub, url := startHub(t, testConfig())
	conn := dial(t, hub, url, authHeader("ops", "s3cret"))

	t.Run("Detection", func(t *testing.T) {
		hub.PublishDetection(detector.DetectionResult{
			PredictedLabel: "DDoS",
			Severity:       detector.SeverityHigh,
			Score:          0.25,
			IsAnomalous:    true,
			Diagnostics:    map[string]any{"path": "classified"},
		}, "req-1", "fhir")

		ev := readEvent(t, conn)
		assert.Equal(t, "detection", ev["type"])
		data := ev["data"].(map[string]any)
		assert.Equal(t, "DDoS", data["pred"])
		assert.Equal(t, "HIGH", data["sev"])
		assert.Equal(t, "classified", data["path"])
	})

	t.Run("AlertSink", func(t *testing.T) {
		a := alerts.Alert{ID: "a-1", Label: "ScanPort", Severity: "MEDIUM", Timestamp: time.Now()}
		require.NoError(t, hub.Write(context.Background(), a))

		ev := readEvent(t, conn)
		assert.Equal(t, "alert", ev["type"])
		assert.Equal(t, "a-1", ev["data"].(map[string]any)["id"])
	})

	t.Run("Status", func(t *testing.T) {
		hub.PublishStatus(detector.Status{ClassifierReady: true}, time.Now().Add(-time.Minute))

		ev := readEvent(t, conn)
		assert.Equal(t, "system_status", ev["type"])
		data := ev["data"].(map[string]any)
		assert.Equal(t, "degraded", data["status"])
		assert.Equal(t, float64(1), data["connected_clients"])
	})

	t.Run("Ping", func(t *testing.T) {
		require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping"}))
		ev := readEvent(t, conn)
		assert.Equal(t, "pong", ev["type"])
	})
}

func TestBroadcastDisabledType(t *testing.T) {
	cfg := testConfig()
	cfg.BroadcastDetections = false
	hub := NewHub(cfg, zap.NewNop())

	hub.PublishDetection(detector.DetectionResult{PredictedLabel: "Normal", Severity: detector.SeverityLow}, "", "")
	assert.Len(t, hub.broadcast, 0)
}

func TestShouldSendToClient(t *testing.T) {
	high := Event{Type: EventTypeDetection, Data: DetectionEvent{Label: "DDoS", Severity: "HIGH", IsAnomalous: true}}
	low := Event{Type: EventTypeDetection, Data: DetectionEvent{Label: "Normal", Severity: "LOW"}}
	alert := Event{Type: EventTypeAlert, Data: alerts.Alert{Label: "ScanPort", Severity: "MEDIUM"}}

	client := &Client{}
	assert.True(t, shouldSendToClient(client, low), "no subscription receives everything")

	client.setSubscription(&SubscriptionRequest{Events: []EventType{EventTypeAlert}})
	assert.False(t, shouldSendToClient(client, high))
	assert.True(t, shouldSendToClient(client, alert))

	client.setSubscription(&SubscriptionRequest{Filter: &EventFilter{MinSeverity: "medium"}})
	assert.True(t, shouldSendToClient(client, high))
	assert.True(t, shouldSendToClient(client, alert))
	assert.False(t, shouldSendToClient(client, low))

	client.setSubscription(&SubscriptionRequest{Filter: &EventFilter{Labels: []string{"DDoS"}}})
	assert.True(t, shouldSendToClient(client, high))
	assert.False(t, shouldSendToClient(client, alert))

	client.setSubscription(&SubscriptionRequest{Filter: &EventFilter{AnomalousOnly: true}})
	assert.False(t, shouldSendToClient(client, low))
	assert.True(t, shouldSendToClient(client, high))
}

func TestCheckOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://soc.example.org"}
	hub := NewHub(cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://soc.example.org")
	assert.True(t, hub.checkOrigin(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, hub.checkOrigin(req))
}

// Package websocket streams detection events to dashboard subscribers.
package websocket

import (
	"context"
	"crypto/subtle"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raaihank/edge-sentinel/internal/alerts"
	"github.com/raaihank/edge-sentinel/internal/detector"
	"github.com/raaihank/edge-sentinel/internal/metrics"
	"github.com/raaihank/edge-sentinel/internal/security"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

// HubConfig contains configuration for the WebSocket hub
type HubConfig struct {
	Enabled              bool     `yaml:"enabled" mapstructure:"enabled"`
	Username             string   `yaml:"username" mapstructure:"username"`
	Password             string   `yaml:"password" mapstructure:"password"`
	BroadcastDetections  bool     `yaml:"broadcast_detections" mapstructure:"broadcast_detections"`
	BroadcastAlerts      bool     `yaml:"broadcast_alerts" mapstructure:"broadcast_alerts"`
	BroadcastSystem      bool     `yaml:"broadcast_system" mapstructure:"broadcast_system"`
	BroadcastConnections bool     `yaml:"broadcast_connections" mapstructure:"broadcast_connections"`
	AllowedOrigins       []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	SendBuffer           int      `yaml:"send_buffer" mapstructure:"send_buffer"`
}

// DefaultHubConfig streams alerts only.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Enabled:              true,
		Username:             "admin",
		Password:             "",
		BroadcastDetections:  false,
		BroadcastAlerts:      true,
		BroadcastSystem:      true,
		BroadcastConnections: false,
		SendBuffer:           256,
	}
}

// Hub maintains the set of active clients and broadcasts messages to the clients.
// The client set is owned by the Run goroutine.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	direct     chan directEvent
	done       chan struct{}
	stopOnce   sync.Once

	config   HubConfig
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu    sync.RWMutex
	stats HubStats
}

// HubStats tracks WebSocket hub statistics
type HubStats struct {
	TotalConnections   int64     `json:"total_connections"`
	ActiveConnections  int64     `json:"active_connections"`
	TotalMessages      int64     `json:"total_messages"`
	TotalBroadcasts    int64     `json:"total_broadcasts"`
	Dropped            int64     `json:"dropped"`
	LastConnectionTime time.Time `json:"last_connection_time"`
	LastBroadcastTime  time.Time `json:"last_broadcast_time"`
}

// NewHub creates a new WebSocket hub
func NewHub(config HubConfig, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		direct:     make(chan directEvent),
		done:       make(chan struct{}),
		config:     config,
		logger:     logger.With(zap.String("component", "websocket")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	if config.Username == "" || config.Password == "" {
		h.logger.Warn("WebSocket basic auth is not configured; /ws accepts anonymous subscribers")
	}
	return h
}

// Run handles client registration/unregistration and broadcasting until ctx
// is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket hub")
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case event := <-h.broadcast:
			h.broadcastEvent(event, nil)
		case d := <-h.direct:
			h.deliverDirect(d)
		}
	}
}

func (h *Hub) shutdown() {
	h.stopOnce.Do(func() { close(h.done) })
	for client := range h.clients {
		h.removeClient(client)
	}
	h.logger.Info("WebSocket hub stopped")
}

func (h *Hub) registerClient(client *Client) {
	h.clients[client] = struct{}{}

	h.mu.Lock()
	h.stats.TotalConnections++
	h.stats.ActiveConnections = int64(len(h.clients))
	h.stats.LastConnectionTime = time.Now()
	h.mu.Unlock()
	metrics.WebsocketClients.Set(float64(len(h.clients)))

	h.logger.Info("Client connected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int("active_connections", len(h.clients)),
	)

	if h.config.BroadcastConnections {
		h.broadcastEvent(connectionEvent("connected", client), client)
	}
}

func (h *Hub) unregisterClient(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	h.removeClient(client)

	h.logger.Info("Client disconnected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int("active_connections", len(h.clients)),
	)

	if h.config.BroadcastConnections {
		h.broadcastEvent(connectionEvent("disconnected", client), nil)
	}
}

func (h *Hub) removeClient(client *Client) {
	delete(h.clients, client)
	close(client.Send)

	h.mu.Lock()
	h.stats.ActiveConnections = int64(len(h.clients))
	h.mu.Unlock()
	metrics.WebsocketClients.Set(float64(len(h.clients)))
}

func connectionEvent(action string, client *Client) Event {
	return Event{
		Type:      EventTypeConnection,
		Timestamp: time.Now(),
		Data: ConnectionEvent{
			Action:    action,
			ClientID:  client.ID,
			ClientIP:  client.IP,
			UserAgent: client.UserAgent,
		},
	}
}

// broadcastEvent delivers event to every subscribed client except skip.
// Slow clients whose buffer is full are disconnected.
func (h *Hub) broadcastEvent(event Event, skip *Client) {
	var sent, dropped int64
	for client := range h.clients {
		if client == skip || !shouldSendToClient(client, event) {
			continue
		}
		select {
		case client.Send <- event:
			sent++
		default:
			h.logger.Warn("Client send channel full, closing connection", zap.String("client_id", client.ID))
			h.removeClient(client)
			dropped++
		}
	}

	h.mu.Lock()
	h.stats.TotalBroadcasts++
	h.stats.TotalMessages += sent
	h.stats.Dropped += dropped
	h.stats.LastBroadcastTime = time.Now()
	h.mu.Unlock()
}

// shouldSendToClient applies the client's subscription. Clients without one
// receive everything the hub broadcasts.
func shouldSendToClient(client *Client, event Event) bool {
	sub := client.getSubscription()
	if sub == nil {
		return true
	}
	if len(sub.Events) > 0 && !slices.Contains(sub.Events, event.Type) {
		return false
	}
	if sub.Filter == nil {
		return true
	}
	return applyEventFilter(sub.Filter, event)
}

func applyEventFilter(filter *EventFilter, event Event) bool {
	var label, severity string
	anomalous := true
	switch d := event.Data.(type) {
	case DetectionEvent:
		label, severity, anomalous = d.Label, d.Severity, d.IsAnomalous
	case alerts.Alert:
		label, severity = d.Label, d.Severity
	default:
		return true
	}

	if filter.AnomalousOnly && !anomalous {
		return false
	}
	if len(filter.Labels) > 0 && !slices.Contains(filter.Labels, label) {
		return false
	}
	if filter.MinSeverity != "" {
		floor, err := detector.ParseSeverity(filter.MinSeverity)
		if err == nil && detector.Severity(severity).Rank() < floor.Rank() {
			return false
		}
	}
	return true
}

// BroadcastEvent queues an event for all connected clients when its type is
// enabled. Events are dropped rather than blocking the caller.
func (h *Hub) BroadcastEvent(event Event) {
	if !h.shouldBroadcastEvent(event.Type) {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case h.broadcast <- event:
	default:
		h.mu.Lock()
		h.stats.Dropped++
		h.mu.Unlock()
		h.logger.Warn("Broadcast channel full, dropping event", zap.String("event_type", string(event.Type)))
	}
}

// PublishDetection broadcasts a detection result.
func (h *Hub) PublishDetection(res detector.DetectionResult, requestID, source string) {
	if h == nil {
		return
	}
	path, _ := res.Diagnostics["path"].(string)
	cached, _ := res.Diagnostics["cache.hit"].(bool)
	h.BroadcastEvent(Event{
		Type:      EventTypeDetection,
		RequestID: requestID,
		Data: DetectionEvent{
			RequestID:   requestID,
			Source:      source,
			Label:       res.PredictedLabel,
			Severity:    string(res.Severity),
			Score:       res.Score,
			IsAnomalous: res.IsAnomalous,
			Path:        path,
			Cached:      cached,
		},
	})
}

// PublishStatus broadcasts a periodic health snapshot.
func (h *Hub) PublishStatus(model detector.Status, started time.Time) {
	if h == nil {
		return
	}
	status := "ok"
	if !model.ClassifierReady && !model.AnomalyReady {
		status = "unavailable"
	} else if !model.ClassifierReady || !model.AnomalyReady {
		status = "degraded"
	}
	h.BroadcastEvent(Event{
		Type: EventTypeSystemStatus,
		Data: SystemStatusEvent{
			Status:           status,
			Uptime:           time.Since(started).Round(time.Second).String(),
			Model:            model,
			ConnectedClients: int(h.GetStats().ActiveConnections),
		},
	})
}

func (h *Hub) shouldBroadcastEvent(eventType EventType) bool {
	switch eventType {
	case EventTypeDetection:
		return h.config.BroadcastDetections
	case EventTypeAlert:
		return h.config.BroadcastAlerts
	case EventTypeSystemStatus:
		return h.config.BroadcastSystem
	case EventTypeConnection:
		return h.config.BroadcastConnections
	default:
		return false
	}
}

// Name, Write and Close make the hub an alert sink.
func (h *Hub) Name() string { return "websocket" }

func (h *Hub) Write(_ context.Context, a alerts.Alert) error {
	h.BroadcastEvent(Event{Type: EventTypeAlert, Timestamp: a.Timestamp, RequestID: a.RequestID, Data: a})
	return nil
}

// Close stops Run; connected clients are closed by it.
func (h *Hub) Close() error {
	h.stopOnce.Do(func() { close(h.done) })
	return nil
}

// HandleWebSocket authenticates and upgrades a subscriber connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="edge-sentinel"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.NewString(),
		Send:        make(chan Event, h.config.SendBuffer),
		ConnectedAt: time.Now(),
		IP:          security.ClientIP(r, false),
		UserAgent:   r.UserAgent(),
		conn:        conn,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.config.Username == "" || h.config.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.config.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.config.Password)) == 1
	return userOK && passOK
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.config.AllowedOrigins, origin) || slices.Contains(h.config.AllowedOrigins, "*")
}

// writePump owns all writes to the connection.
func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.Send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(event); err != nil {
				h.logger.Debug("Failed to write WebSocket message", zap.String("client_id", client.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump handles subscription messages and pongs.
func (h *Hub) readPump(client *Client) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg ClientMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", zap.String("client_id", client.ID), zap.Error(err))
			}
			return
		}
		h.handleClientMessage(client, msg)
	}
}

func (h *Hub) handleClientMessage(client *Client, msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		sub := msg.Data
		client.setSubscription(&sub)
		h.logger.Info("Client subscription updated",
			zap.String("client_id", client.ID),
			zap.Any("subscription", sub),
		)
	case "ping":
		h.sendDirect(client, Event{Type: EventTypePong, Timestamp: time.Now(), Data: map[string]string{"message": "pong"}})
	}
}

// sendDirect replies to one client through the Run goroutine so Send is never
// written after it has been closed.
func (h *Hub) sendDirect(client *Client, event Event) {
	select {
	case h.direct <- directEvent{to: client, event: event}:
	case <-h.done:
	}
}

type directEvent struct {
	to    *Client
	event Event
}

func (h *Hub) deliverDirect(d directEvent) {
	if _, ok := h.clients[d.to]; !ok {
		return
	}
	select {
	case d.to.Send <- d.event:
	default:
	}
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

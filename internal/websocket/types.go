package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raaihank/edge-sentinel/internal/detector"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeDetection is emitted for every scored event
	EventTypeDetection EventType = "detection"
	// EventTypeAlert is emitted for every recorded alert
	EventTypeAlert EventType = "alert"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	EventTypePong       EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	RequestID string    `json:"request_id,omitempty"`
}

// DetectionEvent summarises one inference result.
type DetectionEvent struct {
	RequestID   string         `json:"request_id"`
	Source      string         `json:"source"`
	Label       string         `json:"pred"`
	Severity    string         `json:"sev"`
	Score       float64        `json:"score"`
	IsAnomalous bool           `json:"anom"`
	Path        string         `json:"path,omitempty"`
	Cached      bool           `json:"cached,omitempty"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string          `json:"status"`
	Uptime           string          `json:"uptime"`
	Model            detector.Status `json:"model"`
	ConnectedClients int             `json:"connected_clients"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string              `json:"type"`
	Data SubscriptionRequest `json:"data"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType  `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter narrows detection and alert events.
type EventFilter struct {
	MinSeverity   string   `json:"min_severity,omitempty"`
	Labels        []string `json:"labels,omitempty"`
	AnomalousOnly bool     `json:"anomalous_only,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Send        chan Event
	ConnectedAt time.Time
	IP          string
	UserAgent   string

	conn         *websocket.Conn
	mu           sync.Mutex
	subscription *SubscriptionRequest
}

func (c *Client) setSubscription(s *SubscriptionRequest) {
	c.mu.Lock()
	c.subscription = s
	c.mu.Unlock()
}

func (c *Client) getSubscription() *SubscriptionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscription
}

package websocket

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/raaihank/result-sentinel/internal/privacy"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeMaskingSummary carries the audit summary of one sanitized page
	EventTypeMaskingSummary EventType = "masking_summary"
	// EventTypeRuleReload is sent when the rule source was reloaded
	EventTypeRuleReload EventType = "rule_reload"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// RuleReloadEvent reports a reloaded rule source
type RuleReloadEvent struct {
	Source string `json:"source"`
	Rules  int    `json:"rules"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType  `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter narrows masking summaries sent to a client
type EventFilter struct {
	AgentIDs       []string `json:"agent_ids,omitempty"`
	MinMaskedCells int      `json:"min_masked_cells,omitempty"`
	MinLevel       string   `json:"min_level,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID           string
	Conn         *websocket.Conn
	Send         chan Event
	Subscription *SubscriptionRequest
	ConnectedAt  time.Time
	LastPing     time.Time
	IP           string
	UserAgent    string
}

// summaryOf extracts the audit summary carried by a masking event
func summaryOf(event Event) (privacy.AuditSummary, bool) {
	s, ok := event.Data.(privacy.AuditSummary)
	return s, ok
}

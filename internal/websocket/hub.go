package websocket

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raaihank/result-sentinel/internal/privacy"
	"github.com/raaihank/result-sentinel/internal/rules"
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

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// clients authenticate with basic auth instead
		return true
	},
}

// HubConfig contains configuration for the WebSocket hub
type HubConfig struct {
	BroadcastSummaries   bool
	BroadcastReloads     bool
	BroadcastConnections bool
	Username             string
	Password             string
}

// Hub fans audit events out to connected clients. It never sees row values:
// masking events carry only privacy.AuditSummary.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Event
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	config *HubConfig
	logger *zap.Logger

	mu    sync.RWMutex
	stats *HubStats

	onClientCount func(int)
}

var _ privacy.AuditSink = (*Hub)(nil)

// HubStats tracks WebSocket hub statistics
type HubStats struct {
	TotalConnections   int64     `json:"total_connections"`
	ActiveConnections  int64     `json:"active_connections"`
	TotalMessages      int64     `json:"total_messages"`
	TotalBroadcasts    int64     `json:"total_broadcasts"`
	DroppedEvents      int64     `json:"dropped_events"`
	LastConnectionTime time.Time `json:"last_connection_time"`
	LastDisconnectTime time.Time `json:"last_disconnect_time"`
	LastBroadcastTime  time.Time `json:"last_broadcast_time"`
}

// NewHub creates a new WebSocket hub
func NewHub(config *HubConfig, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		config:     config,
		logger:     logger.With(zap.String("component", "websocket")),
		stats:      &HubStats{},
	}
}

// OnClientCount registers fn to receive the client count after every change.
// It must be called before Run.
func (h *Hub) OnClientCount(fn func(int)) {
	h.onClientCount = fn
}

// Run handles registration and broadcasting until ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket hub")

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event, nil)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.stats.TotalConnections++
	h.stats.LastConnectionTime = time.Now()
	active := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("Client connected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int("active_connections", active),
	)
	h.reportClientCount(active)

	if h.shouldBroadcastEvent(EventTypeConnection) {
		h.broadcastEvent(connectionEvent("connected", client), client)
	}
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.Send)
		h.stats.LastDisconnectTime = time.Now()
	}
	active := len(h.clients)
	h.mu.Unlock()

	if !ok {
		return
	}

	h.logger.Info("Client disconnected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int("active_connections", active),
	)
	h.reportClientCount(active)

	if h.shouldBroadcastEvent(EventTypeConnection) {
		h.broadcastEvent(connectionEvent("disconnected", client), nil)
	}
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
			Message:   fmt.Sprintf("Client %s %s", client.ID, action),
		},
	}
}

// broadcastEvent sends event to every subscribed client except exclude.
// Clients whose send buffer is full are dropped.
func (h *Hub) broadcastEvent(event Event, exclude *Client) {
	h.mu.Lock()
	h.stats.TotalBroadcasts++
	h.stats.LastBroadcastTime = time.Now()

	dropped := 0
	for client := range h.clients {
		if client == exclude || !shouldSendToClient(client, event) {
			continue
		}
		select {
		case client.Send <- event:
			h.stats.TotalMessages++
		default:
			h.logger.Warn("Client send channel full, closing connection", zap.String("client_id", client.ID))
			delete(h.clients, client)
			close(client.Send)
			dropped++
		}
	}
	active := len(h.clients)
	h.mu.Unlock()

	if dropped > 0 {
		h.reportClientCount(active)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.Send)
	}
}

func (h *Hub) reportClientCount(n int) {
	if h.onClientCount != nil {
		h.onClientCount(n)
	}
}

// shouldSendToClient applies the client's subscription to event
func shouldSendToClient(client *Client, event Event) bool {
	if event.Type == EventTypePong {
		return false
	}
	if client.Subscription == nil {
		return true
	}

	subscribed := false
	for _, eventType := range client.Subscription.Events {
		if eventType == event.Type {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return false
	}

	if client.Subscription.Filter != nil {
		return applyEventFilter(client.Subscription.Filter, event)
	}
	return true
}

// applyEventFilter narrows masking summaries; other events always pass
func applyEventFilter(filter *EventFilter, event Event) bool {
	summary, ok := summaryOf(event)
	if !ok {
		return true
	}

	if len(filter.AgentIDs) > 0 {
		found := false
		for _, id := range filter.AgentIDs {
			if id == summary.AgentID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if summary.MaskedCellCount < filter.MinMaskedCells {
		return false
	}

	if filter.MinLevel != "" {
		floor, err := rules.ParseLevel(filter.MinLevel)
		if err != nil {
			return true
		}
		for name, count := range summary.RuleHitSummary.ByLevel {
			if level, err := rules.ParseLevel(name); err == nil && level >= floor && count > 0 {
				return true
			}
		}
		return false
	}

	return true
}

// BroadcastEvent queues an event for all clients if its type is enabled
func (h *Hub) BroadcastEvent(event Event) {
	if !h.shouldBroadcastEvent(event.Type) {
		return
	}

	select {
	case h.broadcast <- event:
	default:
		h.mu.Lock()
		h.stats.DroppedEvents++
		h.mu.Unlock()
		h.logger.Warn("Broadcast channel full, dropping event", zap.String("event_type", string(event.Type)))
	}
}

// PublishSummary implements privacy.AuditSink
func (h *Hub) PublishSummary(ctx context.Context, summary privacy.AuditSummary) {
	h.BroadcastEvent(Event{
		Type:      EventTypeMaskingSummary,
		Timestamp: time.Now(),
		Data:      summary,
		RequestID: summary.RequestID,
	})
}

// PublishReload announces that source was reloaded with ruleCount rules
func (h *Hub) PublishReload(source string, ruleCount int) {
	h.BroadcastEvent(Event{
		Type:      EventTypeRuleReload,
		Timestamp: time.Now(),
		Data:      RuleReloadEvent{Source: source, Rules: ruleCount},
	})
}

func (h *Hub) shouldBroadcastEvent(eventType EventType) bool {
	if h.config == nil {
		return false
	}

	switch eventType {
	case EventTypeMaskingSummary:
		return h.config.BroadcastSummaries
	case EventTypeRuleReload:
		return h.config.BroadcastReloads
	case EventTypeConnection:
		return h.config.BroadcastConnections
	default:
		return false
	}
}

// HandleWebSocket authenticates and upgrades a client connection
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="sentinel"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.NewString(),
		Conn:        conn,
		Send:        make(chan Event, 256),
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
		IP:          getClientIP(r),
		UserAgent:   r.UserAgent(),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go h.handleClientWrite(client)
	go h.handleClientRead(client)
}

func (h *Hub) authorized(r *http.Request) bool {
	if h.config == nil || h.config.Username == "" {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.config.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.config.Password)) == 1
	return userOK && passOK
}

func (h *Hub) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteJSON(event); err != nil {
				h.logger.Error("Failed to write WebSocket message",
					zap.String("client_id", client.ID),
					zap.Error(err),
				)
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleClientRead(client *Client) {
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
		client.Conn.Close()
	}()

	conn := client.Conn
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket error", zap.String("client_id", client.ID), zap.Error(err))
			}
			return
		}
		h.handleClientMessage(client, msg)
	}
}

// handleClientMessage handles subscribe and ping messages from clients
func (h *Hub) handleClientMessage(client *Client, msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		raw, err := json.Marshal(msg.Data)
		if err != nil {
			return
		}
		var subscription SubscriptionRequest
		if err := json.Unmarshal(raw, &subscription); err != nil {
			h.logger.Debug("Ignoring malformed subscription", zap.String("client_id", client.ID), zap.Error(err))
			return
		}
		h.mu.Lock()
		client.Subscription = &subscription
		h.mu.Unlock()
		h.logger.Info("Client subscription updated",
			zap.String("client_id", client.ID),
			zap.Any("subscription", subscription),
		)

	case "ping":
		h.mu.RLock()
		defer h.mu.RUnlock()
		if !h.clients[client] {
			return
		}
		select {
		case client.Send <- Event{Type: EventTypePong, Timestamp: time.Now(), Data: map[string]string{"message": "pong"}}:
		default:
		}
	}
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := *h.stats
	stats.ActiveConnections = int64(len(h.clients))
	return stats
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

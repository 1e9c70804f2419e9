package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dtmesh/dtmsgd/internal/engine"
	"github.com/dtmesh/dtmsgd/internal/store"
	"github.com/dtmesh/dtmsgd/internal/transport"
	"github.com/dtmesh/dtmsgd/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventType names a WebSocket event, mirroring the Engine events of §6.
type EventType string

const (
	EventPeerConnected      EventType = "peer_connected"
	EventPeerDisconnected   EventType = "peer_disconnected"
	EventMessageReceived    EventType = "message_received"
	EventDelivered          EventType = "delivered"
	EventForwarded          EventType = "forwarded"
	EventDuplicateFiltered  EventType = "duplicate_filtered"
	EventFailed             EventType = "failed"
	EventMaxRetriesExceeded EventType = "max_retries_exceeded"
	EventRetryScheduled     EventType = "retry_scheduled"
	EventRetrySucceeded     EventType = "retry_succeeded"
	EventRetryFailed        EventType = "retry_failed"
	EventStats              EventType = "stats"

	// EventMessagesSnapshot and EventConversationSnapshot carry the
	// live query results of the observe_messages/observe_conversation
	// commands (§6), pushed only to the requesting client.
	EventMessagesSnapshot     EventType = "messages_snapshot"
	EventConversationSnapshot EventType = "conversation_snapshot"
)

// WSEvent is a single WebSocket event message.
type WSEvent struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// WSSubscription is a client's command: either a plain event
// subscribe/unsubscribe, or an observe_messages/observe_conversation/
// stop_observe live-query request (§6).
type WSSubscription struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
	UserA  string   `json:"userA"`
	UserB  string   `json:"userB"`
}

// WSClient is a single connected WebSocket client.
type WSClient struct {
	id            string
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[EventType]bool
	mu            sync.RWMutex
	hub           *WSHub

	store *store.Store

	observeMu     sync.Mutex
	observeCancel context.CancelFunc
}

// sendEvent pushes an event to this client only, bypassing the hub's
// subscription-fan-out (used for the per-client observe_* streams).
func (c *WSClient) sendEvent(eventType EventType, data interface{}) {
	payload, err := json.Marshal(WSEvent{Type: eventType, Data: data, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		c.hub.log.Error("failed to marshal client event", "error", err)
		return
	}
	select {
	case c.send <- payload:
	default:
		c.hub.log.Warn("client send buffer full, dropping observe update", "client", c.id)
	}
}

// startObserve cancels any previous observe_* stream on this client and
// launches a new goroutine bound to the client's connection lifetime
// (ctx is cancelled when the client disconnects).
func (c *WSClient) startObserve(ctx context.Context, run func(context.Context)) {
	c.observeMu.Lock()
	if c.observeCancel != nil {
		c.observeCancel()
	}
	observeCtx, cancel := context.WithCancel(ctx)
	c.observeCancel = cancel
	c.observeMu.Unlock()

	go run(observeCtx)
}

func (c *WSClient) stopObserve() {
	c.observeMu.Lock()
	if c.observeCancel != nil {
		c.observeCancel()
		c.observeCancel = nil
	}
	c.observeMu.Unlock()
}

// WSHub fans out WSEvents to every subscribed WSClient, following the
// teacher's register/unregister/broadcast channel pattern
// (internal/rpc/websocket.go).
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan *WSEvent
	register   chan *WSClient
	unregister chan *WSClient
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub creates a WSHub. Run must be started (as a goroutine)
// before any event reaches subscribed clients.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan *WSEvent, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		log:        logging.GetDefault().Component("api-ws"),
	}
}

// Run drives the hub's event loop until the process exits; the hub
// has no Stop since it owns no external resource beyond goroutines
// and channels that die with the process.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Debug("client disconnected", "clients", len(h.clients))

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error("failed to marshal event", "error", err)
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				client.mu.RLock()
				subscribed := client.subscriptions[event.Type] || len(client.subscriptions) == 0
				client.mu.RUnlock()
				if !subscribed {
					continue
				}
				select {
				case client.send <- data:
				default:
					h.log.Warn("client send buffer full, dropping event", "client", client.id)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast publishes an event to every subscribed client.
func (h *WSHub) Broadcast(eventType EventType, data interface{}) {
	event := &WSEvent{Type: eventType, Data: data, Timestamp: time.Now().UnixMilli()}
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("broadcast channel full, dropping event", "type", eventType)
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// EngineEvents builds the engine.UpstreamEvents value that broadcasts
// every Engine event of §6 through this hub. Pass the result to
// engine.New before the Server wrapping both exists.
func (h *WSHub) EngineEvents() engine.UpstreamEvents {
	return engine.UpstreamEvents{
		OnPeerConnected: func(id transport.EndpointID) {
			h.Broadcast(EventPeerConnected, map[string]string{"endpointId": string(id)})
		},
		OnPeerDisconnected: func(id transport.EndpointID) {
			h.Broadcast(EventPeerDisconnected, map[string]string{"endpointId": string(id)})
		},
		OnMessageReceived: func(messageID, senderID string) {
			h.Broadcast(EventMessageReceived, map[string]string{"messageId": messageID, "senderId": senderID})
		},
		OnDelivered: func(messageID, senderID string) {
			h.Broadcast(EventDelivered, map[string]string{"messageId": messageID, "senderId": senderID})
		},
		OnForwarded: func(messageID string, peerCount int) {
			h.Broadcast(EventForwarded, map[string]interface{}{"messageId": messageID, "peerCount": peerCount})
		},
		OnDuplicateFiltered: func(messageID string) {
			h.Broadcast(EventDuplicateFiltered, map[string]string{"messageId": messageID})
		},
		OnFailed: func(messageID, reason string) {
			h.Broadcast(EventFailed, map[string]string{"messageId": messageID, "reason": reason})
		},
		OnMaxRetriesExceeded: func(messageID string) {
			h.Broadcast(EventMaxRetriesExceeded, map[string]string{"messageId": messageID})
		},
		OnRetryScheduled: func(messageID string) {
			h.Broadcast(EventRetryScheduled, map[string]string{"messageId": messageID})
		},
		OnRetrySucceeded: func(messageID string) {
			h.Broadcast(EventRetrySucceeded, map[string]string{"messageId": messageID})
		},
		OnRetryFailed: func(messageID string) {
			h.Broadcast(EventRetryFailed, map[string]string{"messageId": messageID})
		},
		OnStats: func(s engine.Stats) {
			h.Broadcast(EventStats, s)
		},
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		id:            uuid.NewString(),
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[EventType]bool),
		hub:           s.wsHub,
		store:         s.engine.Store,
	}
	s.wsHub.register <- client

	clientCtx, cancel := context.WithCancel(context.Background())
	go client.writePump()
	go client.readPump(clientCtx, cancel)
}

func (c *WSClient) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer func() {
		cancel()
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", "error", err)
			}
			return
		}

		var sub WSSubscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.handleSubscription(ctx, &sub)
		}
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleSubscription(ctx context.Context, sub *WSSubscription) {
	switch sub.Action {
	case "subscribe", "unsubscribe":
		c.mu.Lock()
		for _, eventStr := range sub.Events {
			eventType := EventType(eventStr)
			if sub.Action == "subscribe" {
				c.subscriptions[eventType] = true
			} else {
				delete(c.subscriptions, eventType)
			}
		}
		c.mu.Unlock()

	case "observe_messages":
		c.startObserve(ctx, func(observeCtx context.Context) {
			for rows := range c.store.ObserveMessages(observeCtx) {
				c.sendEvent(EventMessagesSnapshot, rows)
			}
		})

	case "observe_conversation":
		userA, userB := sub.UserA, sub.UserB
		c.startObserve(ctx, func(observeCtx context.Context) {
			for rows := range c.store.ObserveConversation(observeCtx, userA, userB) {
				c.sendEvent(EventConversationSnapshot, rows)
			}
		})

	case "stop_observe":
		c.stopObserve()
	}
}

// Package hub provides connection management for WebSocket clients.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parleyhq/parley/internal/domain"
)

// Connection represents a single WebSocket connection. A connection can watch
// any number of conversations at once.
type Connection struct {
	ID        string
	Principal domain.Principal
	Conn      *websocket.Conn
	Send      chan []byte
	// done is closed on unregister. Send itself is never closed: stream-task
	// goroutines may still hold the connection and send to it after the hub
	// has dropped it, and those sends must degrade to no-ops, not panics.
	done chan struct{}
	hub  *Hub
	mu   sync.Mutex
}

// Done is closed when the hub unregisters the connection.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Hub manages all WebSocket connections and their conversation watch sets.
type Hub struct {
	connections map[string]*Connection

	// watchers maps conversation ID to the set of watching connection IDs.
	watchers map[string]map[string]bool

	// watched is the reverse index, connection ID to watched conversations.
	watched map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *conversationMessage

	log zerolog.Logger
	mu  sync.RWMutex
}

type conversationMessage struct {
	ConversationID string
	Data           []byte
}

// NewHub creates a new Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		watchers:    make(map[string]map[string]bool),
		watched:     make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *conversationMessage, 256),
		log:         log.With().Str("component", "hub").Logger(),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			h.mu.Unlock()
			h.log.Debug().Str("conn_id", conn.ID).Str("subject", conn.Principal.Subject).Msg("connection registered")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				for convID := range h.watched[conn.ID] {
					delete(h.watchers[convID], conn.ID)
					if len(h.watchers[convID]) == 0 {
						delete(h.watchers, convID)
					}
				}
				delete(h.watched, conn.ID)
				close(conn.done)
			}
			h.mu.Unlock()
			h.log.Debug().Str("conn_id", conn.ID).Msg("connection unregistered")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for connID := range h.watchers[msg.ConversationID] {
				conn, exists := h.connections[connID]
				if !exists {
					continue
				}
				select {
				case conn.Send <- msg.Data:
				default:
					// Buffer full, drop the connection rather than block
					// every other watcher.
					h.log.Warn().Str("conn_id", connID).Msg("send buffer full, closing connection")
					go h.Unregister(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// NewConnection wraps a raw websocket in a hub connection.
func (h *Hub) NewConnection(ws *websocket.Conn, p domain.Principal) *Connection {
	return &Connection{
		ID:        "conn_" + uuid.NewString()[:8],
		Principal: p,
		Conn:      ws,
		Send:      make(chan []byte, 256),
		done:      make(chan struct{}),
		hub:       h,
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) {
	h.register <- conn
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	h.unregister <- conn
}

// Watch adds the connection to a conversation's watcher set. Watching the
// same conversation twice is a no-op.
func (h *Hub) Watch(conn *Connection, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.watchers[conversationID] == nil {
		h.watchers[conversationID] = make(map[string]bool)
	}
	h.watchers[conversationID][conn.ID] = true

	if h.watched[conn.ID] == nil {
		h.watched[conn.ID] = make(map[string]bool)
	}
	h.watched[conn.ID][conversationID] = true
}

// Unwatch removes the connection from a conversation's watcher set.
func (h *Hub) Unwatch(conn *Connection, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.watchers[conversationID] != nil {
		delete(h.watchers[conversationID], conn.ID)
		if len(h.watchers[conversationID]) == 0 {
			delete(h.watchers, conversationID)
		}
	}
	if h.watched[conn.ID] != nil {
		delete(h.watched[conn.ID], conversationID)
	}
}

// Watching reports whether the connection watches the conversation.
func (h *Hub) Watching(conn *Connection, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.watched[conn.ID][conversationID]
}

// Broadcast sends a message to every watcher of a conversation.
func (h *Hub) Broadcast(conversationID string, data []byte) {
	h.broadcast <- &conversationMessage{ConversationID: conversationID, Data: data}
}

// BroadcastJSON sends a JSON message to every watcher of a conversation.
func (h *Hub) BroadcastJSON(conversationID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(conversationID, data)
	return nil
}

// SendToConnection sends a message to a specific connection.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendJSONToConnection sends a JSON message to a specific connection.
func (h *Hub) SendJSONToConnection(conn *Connection, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.SendToConnection(conn, data)
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// WatchedConversationCount returns the number of conversations with at least
// one watcher.
func (h *Hub) WatchedConversationCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying websocket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ErrBufferFull is returned when a connection's send buffer is full.
var ErrBufferFull = &BufferFullError{}

// BufferFullError represents a full send buffer.
type BufferFullError struct{}

func (e *BufferFullError) Error() string {
	return "send buffer full"
}

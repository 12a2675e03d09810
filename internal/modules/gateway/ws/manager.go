package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/frankieli/game_tables/internal/config"
	"github.com/frankieli/game_tables/pkg/logger"
)

type CloseReason string

const (
	ReasonWriteError CloseReason = "write_error"
	ReasonPingError  CloseReason = "ping_error"
	ReasonReadError  CloseReason = "read_error"
	ReasonReplaced   CloseReason = "replaced_by_new_connection"
	ReasonShutdown   CloseReason = "server_shutdown"
	ReasonBufferFull CloseReason = "buffer_full"
	ReasonTimeout    CloseReason = "timeout"
)

const sendBuffer = 256

// Connection represents a WebSocket connection
type Connection struct {
	UserID    string
	Conn      *websocket.Conn
	Send      chan []byte
	ctx       context.Context
	manager   *Manager
	closeOnce sync.Once
}

// Manager manages all WebSocket connections, one per user
type Manager struct {
	cfg        config.WebSocketConfig
	clients    map[string]*Connection
	register   chan *Connection
	unregister chan *Connection
	done       chan struct{}
	mu         sync.RWMutex
}

// NewManager creates a new connection manager
func NewManager(cfg config.WebSocketConfig) *Manager {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 54 * time.Second
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval * 10 / 9
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 512
	}
	return &Manager{
		cfg:        cfg,
		clients:    make(map[string]*Connection),
		register:   make(chan *Connection),
		unregister: make(chan *Connection),
		done:       make(chan struct{}),
	}
}

// Register registers a new connection; after shutdown it is closed at once
func (m *Manager) Register(ctx context.Context, conn *websocket.Conn, userID string) *Connection {
	c := &Connection{
		UserID:  userID,
		Conn:    conn,
		Send:    make(chan []byte, sendBuffer),
		ctx:     ctx,
		manager: m,
	}
	select {
	case m.register <- c:
	case <-m.done:
		c.CloseWithReason(ReasonShutdown, nil)
	}
	return c
}

// Run starts the manager loop and returns when ctx is done
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case client := <-m.register:
			m.mu.Lock()
			// If user already connected, close old connection
			if old, ok := m.clients[client.UserID]; ok {
				old.CloseWithReason(ReasonReplaced, nil)
			}
			m.clients[client.UserID] = client
			m.mu.Unlock()

		case client := <-m.unregister:
			m.mu.Lock()
			// a replaced connection must not evict its successor
			if current, ok := m.clients[client.UserID]; ok && current == client {
				delete(m.clients, client.UserID)
			}
			m.mu.Unlock()

		case <-ctx.Done():
			close(m.done)
			m.Shutdown()
			return
		}
	}
}

// Count returns the number of connected users
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Broadcast sends a message to all connected local clients
func (m *Manager) Broadcast(message []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, client := range m.clients {
		select {
		case client.Send <- message:
		default:
			// Buffer full, drop client; ReadPump unregisters it
			client.CloseWithReason(ReasonBufferFull, nil)
		}
	}
}

// SendToUser sends a message to a specific user and reports whether it was queued
func (m *Manager) SendToUser(userID string, message []byte) bool {
	m.mu.RLock()
	client, ok := m.clients[userID]
	m.mu.RUnlock()
	if !ok {
		return false
	}

	select {
	case client.Send <- message:
		return true
	default:
	}

	select {
	case client.Send <- message:
		return true
	case <-time.After(m.cfg.WriteWait):
		// too slow; closing keeps the caller from blocking again
		client.CloseWithReason(ReasonTimeout, nil)
		return false
	}
}

// Shutdown closes all connections
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, client := range m.clients {
		client.CloseWithReason(ReasonShutdown, nil)
		delete(m.clients, id)
	}
}

// CloseWithReason closes the connection with a reason
func (c *Connection) CloseWithReason(r CloseReason, err error) {
	c.closeOnce.Do(func() {
		event := logger.Info(c.ctx)
		if err != nil {
			event = logger.Warn(c.ctx).Err(err)
		}
		event.
			Str("user_id", c.UserID).
			Str("reason", string(r)).
			Msg("ws connection closed")
		c.Conn.Close()
	})
}

// WritePump pumps messages from the hub to the websocket connection
func (c *Connection) WritePump() {
	ticker := time.NewTicker(c.manager.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.cfg.WriteWait))
			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.CloseWithReason(ReasonWriteError, err)
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				c.CloseWithReason(ReasonWriteError, err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.manager.cfg.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.CloseWithReason(ReasonPingError, err)
				return
			}
		}
	}
}

// ReadPump pumps messages from the websocket connection to handleMessage
func (c *Connection) ReadPump(handleMessage func(string, []byte)) {
	var readErr error
	defer func() {
		select {
		case c.manager.unregister <- c:
		case <-c.manager.done:
		}
		c.CloseWithReason(ReasonReadError, readErr)
	}()

	c.Conn.SetReadLimit(c.manager.cfg.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.manager.cfg.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.manager.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				readErr = err
			}
			break
		}
		handleMessage(c.UserID, message)
	}
}

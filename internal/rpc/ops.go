package rpc

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/solace-custody/musig-signerd/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventType identifies a session lifecycle event broadcast over the ops
// WebSocket. Strictly observational: nothing a client sends back through
// this connection has any effect on a session.
type EventType string

const (
	EventSessionCreated       EventType = "session_created"
	EventSessionStep2         EventType = "session_step2"
	EventSessionCombined      EventType = "session_combined"
	EventSessionSecurityAlert EventType = "session_security_alert"
)

// Event is one ops event frame. Data never carries private scalars, nonces,
// or signatures — only session_id, node_id, and an error kind where relevant.
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
}

// WSHub fans session lifecycle events out to connected operators. It carries
// no control surface: there is nothing a connected client can do but watch.
type WSHub struct {
	clients    map[*wsClient]bool
	broadcast  chan *Event
	register   chan *wsClient
	unregister chan *wsClient
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewWSHub creates an ops event hub. Callers must run Run in a goroutine.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		log:        logging.GetDefault().Component("ops-ws"),
	}
}

// Run drives the hub's event loop until ctx stop is signalled by closing
// stop; intended to run as a single long-lived goroutine for the process.
func (h *WSHub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error("failed to marshal ops event", "error", err)
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					h.log.Warn("ops client buffer full, dropping event for client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues an event for delivery to all connected clients. Never
// blocks: a full queue drops the event rather than stall a signing request.
func (h *WSHub) Broadcast(eventType EventType, data interface{}) {
	event := &Event{Type: eventType, Data: data, Timestamp: time.Now().Unix()}
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("ops broadcast channel full, dropping event", "type", eventType)
	}
}

func (s *Server) handleOpsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("ops websocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 256), hub: s.wsHub}
	s.wsHub.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
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
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
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

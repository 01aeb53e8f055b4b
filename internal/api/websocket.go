package api

import (
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

// Event types broadcast to WebSocket clients.
const (
	EventTunnelState = "tunnel.state"
)

// Hub fans events out to connected WebSocket clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stop       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
}

// NewHub creates a hub. Run must be called before clients connect.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			var dead []*websocket.Conn
			for client := range h.clients {
				if _, err := client.Write(message); err != nil {
					dead = append(dead, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range dead {
				h.mu.Lock()
				if _, ok := h.clients[client]; ok {
					delete(h.clients, client)
					client.Close()
				}
				h.mu.Unlock()
			}
		}
	}
}

// Stop shuts the hub down and closes every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast sends an event to all connected clients. Drops the event when
// the hub's queue is full.
func (h *Hub) Broadcast(eventType string, data interface{}) {
	msg := map[string]interface{}{
		"type":      eventType,
		"timestamp": time.Now().Format(time.RFC3339),
		"data":      data,
	}
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- jsonData:
	default:
	}
}

// ServeWS handles one WebSocket client.
func (h *Hub) ServeWS(ws *websocket.Conn) {
	select {
	case h.register <- ws:
	case <-h.stop:
		ws.Close()
		return
	}
	defer func() {
		select {
		case h.unregister <- ws:
		case <-h.stop:
		}
	}()

	for {
		var msg string
		if err := websocket.Message.Receive(ws, &msg); err != nil {
			break
		}
		if msg == "ping" {
			websocket.Message.Send(ws, "pong")
		}
	}
}

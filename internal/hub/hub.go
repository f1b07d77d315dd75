// Package hub fans lifecycle events out to connected realtime clients.
// Broadcasts go to every client; a client that cannot keep up has messages
// dropped rather than slowing the rest.
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

type Client struct {
	ID   string
	Send chan []byte
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type Envelope struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish implements the dispatcher's publisher contract: marshal an
// envelope and broadcast it. Marshal failures are logged, never returned.
func (h *Hub) Publish(event string, payload any) {
	raw, err := json.Marshal(Envelope{
		Type:      event,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("hub marshal error: %v", err)
		return
	}
	h.broadcast(raw)
}

func (h *Hub) broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.Send <- payload:
		default:
			log.Printf("drop message for client %s", client.ID)
		}
	}
}

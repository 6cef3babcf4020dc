package ws

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"energymeter/backend/services/meter-agent/internal/models"
)

// Hub tracks live-feed subscribers and fans readings out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

// NewHub builds an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

// Add registers new subscriber.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID()] = c
}

// Remove drops a subscriber.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, id)
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends the reading to every subscriber without blocking.
func (h *Hub) Broadcast(r models.Reading) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}

	data, err := json.Marshal(r)
	if err != nil {
		h.logger.Warn("failed to encode live reading", zap.Error(err))
		return
	}
	for _, c := range h.clients {
		c.Send(data)
	}
}

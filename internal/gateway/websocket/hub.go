package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/durahub/durahub/internal/common/logger"
	ws "github.com/durahub/durahub/pkg/websocket"
)

// ConnHub tracks active WebSocket connections.
type ConnHub struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	dispatcher *ws.Dispatcher
	logger     *logger.Logger
}

func NewConnHub(dispatcher *ws.Dispatcher, log *logger.Logger) *ConnHub {
	return &ConnHub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "gateway")),
	}
}

// Run processes register/unregister requests until ctx is canceled,
// then closes every remaining connection.
func (h *ConnHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Client connected",
				zap.String("client_id", client.ID),
				zap.Int("total", count))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
			}
			count := len(h.clients)
			h.mu.Unlock()
			client.markClosed()
			h.logger.Info("Client disconnected",
				zap.String("client_id", client.ID),
				zap.Int("total", count))
		}
	}
}

// Register adds a client to the hub.
func (h *ConnHub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.markClosed()
	}
}

// Unregister removes a client from the hub.
func (h *ConnHub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast sends a message to every connected management client. Worker
// connections carry only work items and completions. Slow clients that
// cannot keep up are skipped rather than blocking the caller.
func (h *ConnHub) Broadcast(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.worker {
			continue
		}
		select {
		case client.send <- data:
		case <-client.closed:
		default:
			h.logger.Warn("Dropping broadcast for slow client",
				zap.String("client_id", client.ID))
		}
	}
}

func (h *ConnHub) closeAllClients() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.markClosed()
	}
}

// ClientCount returns the number of connected clients.
func (h *ConnHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

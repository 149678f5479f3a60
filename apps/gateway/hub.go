package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/mahaj/teamchat/pkg/chat"
	"github.com/mahaj/teamchat/pkg/lifecycle"
)

// Hub tracks the websocket clients of this gateway. Identity, presence and
// subscriptions live on each client's lifecycle connection; the hub only
// knows who is attached so it can drop everyone on shutdown.
type Hub struct {
	manager *lifecycle.Manager
	service *chat.Service
	log     *zap.Logger

	clients    map[*Client]bool
	userCounts map[string]int
	register   chan *Client
	unregister chan *Client
	quit       chan struct{}
}

func NewHub(manager *lifecycle.Manager, service *chat.Service, log *zap.Logger) *Hub {
	return &Hub{
		manager:    manager,
		service:    service,
		log:        log,
		clients:    make(map[*Client]bool),
		userCounts: make(map[string]int),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
	}
}

// Run owns the client registry until ctx is done, then disconnects every
// remaining client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.quit)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.userCounts[client.userID]++
			h.log.Info("Client registered",
				zap.String("conn_id", client.session.ID),
				zap.String("user_id", client.userID),
				zap.Int("user_conns", h.userCounts[client.userID]))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; !ok {
				continue
			}
			delete(h.clients, client)
			if h.userCounts[client.userID]--; h.userCounts[client.userID] <= 0 {
				delete(h.userCounts, client.userID)
			}
			h.log.Info("Client unregistered",
				zap.String("conn_id", client.session.ID),
				zap.String("user_id", client.userID))

		case <-ctx.Done():
			h.log.Info("Disconnecting clients", zap.Int("count", len(h.clients)))
			for client := range h.clients {
				client.stop()
			}
			return
		}
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.quit:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

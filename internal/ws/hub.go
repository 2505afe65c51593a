// Package ws broadcasts produced signals to connected WebSocket clients and
// mirrors them onto the Redis signals channel for sibling instances.
package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Publisher mirrors broadcasts onto a pub/sub channel. The Redis cache
// service satisfies this; a nil publisher disables mirroring.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Hub maintains the set of active clients and fans broadcasts out to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	publisher Publisher
	channel   string
	logger    zerolog.Logger
}

// NewHub creates a hub. Run must be started on its own goroutine.
func NewHub(publisher Publisher, channel string, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publisher:  publisher,
		channel:    channel,
		logger:     logger.With().Str("component", "ws_hub").Logger(),
	}
}

// Run processes register, unregister and broadcast events until the context
// is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug().Int("clients", len(h.clients)).Msg("client connected")
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Debug().Int("clients", len(h.clients)).Msg("client disconnected")
			}
		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow consumer, drop it.
					delete(h.clients, client)
					close(client.send)
				}
			}
		}
	}
}

// BroadcastSignal serializes a signal payload, fans it out to connected
// clients and mirrors it to the pub/sub channel.
func (h *Hub) BroadcastSignal(payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal broadcast payload")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn().Msg("broadcast channel full, dropping message")
	}

	if h.publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.publisher.Publish(ctx, h.channel, data); err != nil {
			h.logger.Warn().Err(err).Msg("failed to mirror broadcast to pub/sub")
		}
	}
}

package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"ginger/server/internal/vibe"
)

// Hub maintains the set of active clients and routes flow events to them
type Hub struct {
	// Registered clients mapped by user ID
	Clients map[string]*Client

	// Register requests from clients
	Register chan *Client

	// Unregister requests from clients
	Unregister chan *Client

	// onDisconnect runs when a user's current connection goes away
	onDisconnect func(userID string)

	log zerolog.Logger

	// Mutex for thread-safe operations
	mu sync.RWMutex
}

var _ vibe.Sink = (*Hub)(nil)

// NewHub creates a new WebSocket hub. onDisconnect may be nil.
func NewHub(log zerolog.Logger, onDisconnect func(userID string)) *Hub {
	return &Hub{
		Clients:      make(map[string]*Client),
		Register:     make(chan *Client),
		Unregister:   make(chan *Client),
		onDisconnect: onDisconnect,
		log:          log.With().Str("module", "realtime.hub").Logger(),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.Register:
			h.registerClient(client)
		case client := <-h.Unregister:
			h.unregisterClient(client)
		}
	}
}

// registerClient adds a client to the hub
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// If user already has a connection, close the old one
	if existing, ok := h.Clients[client.ID]; ok && existing != client {
		existing.close()
	}
	h.Clients[client.ID] = client

	h.log.Info().Str("user_id", client.ID).Msg("client connected")
}

// unregisterClient removes a client from the hub
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	current, ok := h.Clients[client.ID]
	last := ok && current == client
	if last {
		delete(h.Clients, client.ID)
	}
	h.mu.Unlock()

	client.close()
	if !last {
		// Replaced by a newer connection of the same user.
		return
	}

	h.log.Info().Str("user_id", client.ID).Msg("client disconnected")
	if h.onDisconnect != nil {
		go h.onDisconnect(client.ID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.Clients {
		c.close()
		delete(h.Clients, id)
	}
}

// Deliver forwards a flow event to the user's connection
func (h *Hub) Deliver(userID string, ev vibe.Event) {
	h.BroadcastToUser(userID, newMessage(EventType(ev.Type), ev.Payload))
}

// BroadcastToUser sends a message to a specific user
func (h *Hub) BroadcastToUser(userID string, message WSMessage) bool {
	h.mu.RLock()
	client, ok := h.Clients[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	data, err := json.Marshal(message)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(message.Type)).Msg("failed to marshal message")
		return false
	}
	return client.send(data)
}

// IsUserOnline checks if a user is currently connected
func (h *Hub) IsUserOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.Clients[userID]
	return ok
}

// GetOnlineUsers returns a list of currently online user IDs
func (h *Hub) GetOnlineUsers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	userIDs := make([]string, 0, len(h.Clients))
	for userID := range h.Clients {
		userIDs = append(userIDs, userID)
	}
	return userIDs
}

// GetOnlineCount returns the number of currently connected clients
func (h *Hub) GetOnlineCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.Clients)
}

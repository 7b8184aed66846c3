package handlers

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"ginger/server/internal/realtime"
)

// WebSocketUpgrade checks if the request should be upgraded to WebSocket
func (h *Handler) WebSocketUpgrade(c *fiber.Ctx) error {
	// Check if this is a WebSocket upgrade request
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}

	return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
		"success": false,
		"error":   "WebSocket upgrade required",
	})
}

// WebSocketHandler handles WebSocket connections
func (h *Handler) WebSocketHandler(c *websocket.Conn) {
	// Get user info from context (set by auth middleware)
	userID, _ := c.Locals("userID").(string)
	if userID == "" {
		c.Close()
		return
	}

	// Create new client
	client := realtime.NewClient(userID, c, h.hub, h.media, h.commands)

	// Register client
	h.hub.Register <- client

	// Resume a flow that survived a reconnect
	if f, ok := h.manager.Lookup(userID); ok {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if snap, err := f.Snapshot(ctx); err == nil {
				client.SendMessage(realtime.WSMessage{
					Type:      realtime.EventStateChanged,
					Payload:   snap,
					Timestamp: time.Now(),
				})
			}
		}()
	}

	// Start read and write pumps in separate goroutines
	go client.WritePump()
	client.ReadPump() // This blocks until connection closes
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"onlineUsers": h.hub.GetOnlineCount(),
			"userIds":     h.hub.GetOnlineUsers(),
			"flows":       h.manager.Len(),
		},
	})
}

package routes

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"ginger/server/internal/handlers"
	"ginger/server/internal/middleware"
	"ginger/server/internal/utils"
)

// SetupRoutes configures all application routes
func SetupRoutes(app *fiber.App, h *handlers.Handler, tokens *utils.Tokens) {
	auth := middleware.Auth(tokens)

	// API v1 group
	api := app.Group("/api/v1")

	// Health check (public)
	api.Get("/health", h.Health)

	// Vibe routes (protected)
	vibe := api.Group("/vibe", auth)
	vibe.Get("/state", middleware.RelaxedRateLimiter(), h.GetState)
	vibe.Post("/search", middleware.SearchRateLimiter(), h.StartSearch)
	vibe.Post("/cancel", middleware.ModerateRateLimiter(), h.CancelSearch)
	vibe.Post("/end", middleware.ModerateRateLimiter(), h.EndCall)
	vibe.Post("/decision", middleware.ModerateRateLimiter(), h.Decide)
	vibe.Post("/find-another", middleware.SearchRateLimiter(), h.FindAnother)
	vibe.Post("/exit", middleware.ModerateRateLimiter(), h.Exit)
	vibe.Post("/media/:kind/toggle", middleware.ModerateRateLimiter(), h.ToggleMedia)
	vibe.Post("/signal", middleware.SignalRateLimiter(), h.Signal)
	vibe.Get("/ice-servers", middleware.RelaxedRateLimiter(), h.GetICEServers)

	// Match routes (protected)
	api.Get("/matches", auth, middleware.RelaxedRateLimiter(), h.GetMatches)

	// WebSocket route (protected)
	api.Get("/ws", auth, h.WebSocketUpgrade, websocket.New(h.WebSocketHandler))

	// WebSocket stats (protected, for debugging)
	api.Get("/ws/stats", auth, h.GetWebSocketStats)
}

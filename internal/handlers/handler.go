package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"ginger/server/internal/realtime"
	"ginger/server/internal/vibe"
)

// Handler serves the vibe HTTP and WebSocket API
type Handler struct {
	manager    *vibe.Manager
	relay      *vibe.Relay
	profiles   *vibe.Profiles
	matches    vibe.MatchStore
	hub        *realtime.Hub
	media      *realtime.RemoteMedia
	commands   realtime.Dispatcher
	iceServers []webrtc.ICEServer
	log        zerolog.Logger
}

// Deps are the collaborators of Handler
type Deps struct {
	Manager    *vibe.Manager
	Relay      *vibe.Relay
	Profiles   *vibe.Profiles
	Matches    vibe.MatchStore
	Hub        *realtime.Hub
	Media      *realtime.RemoteMedia
	Commands   realtime.Dispatcher
	ICEServers []webrtc.ICEServer
	Log        zerolog.Logger
}

// New creates the API handler
func New(d Deps) *Handler {
	return &Handler{
		manager:    d.Manager,
		relay:      d.Relay,
		profiles:   d.Profiles,
		matches:    d.Matches,
		hub:        d.Hub,
		media:      d.Media,
		commands:   d.Commands,
		iceServers: d.ICEServers,
		log:        d.Log.With().Str("module", "handlers").Logger(),
	}
}

// statusOf maps an error code from vibe.Describe to an HTTP status
func statusOf(code string) int {
	switch code {
	case "invalid_state", "cooldown_active", "already_decided", "session_closed":
		return fiber.StatusConflict
	case "invalid_decision", "unknown_track", "malformed_signal":
		return fiber.StatusBadRequest
	case "not_participant":
		return fiber.StatusForbidden
	case "media":
		return fiber.StatusFailedDependency
	case "unavailable", "flow_closed":
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

// respondError writes the error envelope. Only media errors carry their
// own message; everything else uses the fixed text of its code.
func (h *Handler) respondError(c *fiber.Ctx, err error) error {
	code, message := vibe.Describe(err)
	status := statusOf(code)
	if status >= fiber.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	var se *vibe.StoreError
	if errors.As(err, &se) {
		h.log.Warn().Err(err).Str("path", c.Path()).Msg("store unavailable")
	}
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   message,
		"code":    code,
	})
}

// Health reports liveness
func (h *Handler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"flows":       h.manager.Len(),
			"onlineUsers": h.hub.GetOnlineCount(),
		},
	})
}

package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"ginger/server/internal/middleware"
	"ginger/server/internal/models"
	"ginger/server/internal/vibe"
)

// DecisionRequest is the body of POST /vibe/decision
type DecisionRequest struct {
	Decision string `json:"decision"`
}

// GetState returns the caller's flow snapshot. Users without a flow are
// idle.
func (h *Handler) GetState(c *fiber.Ctx) error {
	f, ok := h.manager.Lookup(middleware.GetUserID(c))
	if !ok {
		return c.JSON(fiber.Map{"success": true, "data": vibe.IdleSnapshot()})
	}
	snap, err := f.Snapshot(c.UserContext())
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "data": snap})
}

// command runs op on the caller's existing flow and answers with the new
// snapshot. Without a flow the caller is idle, where op is not allowed.
func (h *Handler) command(c *fiber.Ctx, op func(f *vibe.Flow) error) error {
	f, ok := h.manager.Lookup(middleware.GetUserID(c))
	if !ok {
		return h.respondError(c, vibe.ErrInvalidState)
	}
	return h.run(c, f, op)
}

func (h *Handler) run(c *fiber.Ctx, f *vibe.Flow, op func(f *vibe.Flow) error) error {
	defer h.settle(c, f.UserID())
	if err := op(f); err != nil {
		return h.respondError(c, err)
	}
	snap, err := f.Snapshot(c.UserContext())
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "data": snap})
}

// settle releases the idle flow of a user with no realtime connection;
// only a disconnect would release it otherwise.
func (h *Handler) settle(c *fiber.Ctx, userID string) {
	if !h.hub.IsUserOnline(userID) {
		h.manager.ReleaseIdle(c.UserContext(), userID)
	}
}

// StartSearch acquires media and joins the queue
func (h *Handler) StartSearch(c *fiber.Ctx) error {
	f := h.manager.Flow(middleware.GetUserID(c))
	return h.run(c, f, func(f *vibe.Flow) error { return f.Start(c.UserContext()) })
}

// CancelSearch leaves the queue
func (h *Handler) CancelSearch(c *fiber.Ctx) error {
	return h.command(c, func(f *vibe.Flow) error { return f.Cancel(c.UserContext()) })
}

// EndCall ends the current call once the cooldown elapsed
func (h *Handler) EndCall(c *fiber.Ctx) error {
	return h.command(c, func(f *vibe.Flow) error { return f.EndCall(c.UserContext()) })
}

// Decide records the caller's decision on the finished call
func (h *Handler) Decide(c *fiber.Ctx) error {
	var req DecisionRequest
	if err := c.BodyParser(&req); err != nil {
		return h.respondError(c, vibe.ErrInvalidDecision)
	}
	return h.command(c, func(f *vibe.Flow) error {
		return f.Decide(c.UserContext(), models.Decision(req.Decision))
	})
}

// FindAnother starts a new search after an outcome
func (h *Handler) FindAnother(c *fiber.Ctx) error {
	return h.command(c, func(f *vibe.Flow) error { return f.FindAnother(c.UserContext()) })
}

// Exit leaves the vibe flow from any state
func (h *Handler) Exit(c *fiber.Ctx) error {
	f, ok := h.manager.Lookup(middleware.GetUserID(c))
	if !ok {
		return c.JSON(fiber.Map{"success": true, "data": vibe.IdleSnapshot()})
	}
	return h.run(c, f, func(f *vibe.Flow) error { return f.Exit(c.UserContext()) })
}

// ToggleMedia flips one local track
func (h *Handler) ToggleMedia(c *fiber.Ctx) error {
	kind := vibe.TrackKind(c.Params("kind"))
	if !kind.Valid() {
		return h.respondError(c, vibe.ErrUnknownTrack)
	}
	userID := middleware.GetUserID(c)
	f, ok := h.manager.Lookup(userID)
	if !ok {
		return h.respondError(c, vibe.ErrInvalidState)
	}
	defer h.settle(c, userID)

	enabled, err := f.ToggleTrack(c.UserContext(), kind)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"data":    fiber.Map{"kind": kind, "enabled": enabled},
	})
}

// Signal relays an offer, answer or ICE candidate. Signals that fail
// validation are dropped without telling the sender.
func (h *Handler) Signal(c *fiber.Ctx) error {
	var sig vibe.Signal
	if err := c.BodyParser(&sig); err != nil {
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true})
	}
	sig.From = middleware.GetUserID(c)

	err := h.relay.Send(c.UserContext(), sig)
	switch {
	case err == nil:
	case errors.Is(err, vibe.ErrMalformedSignal), errors.Is(err, vibe.ErrNotParticipant),
		errors.Is(err, vibe.ErrSessionClosed), errors.Is(err, vibe.ErrSessionNotFound):
		h.log.Debug().Err(err).Str("user_id", sig.From).Msg("dropping signal")
	default:
		return h.respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true})
}

// GetICEServers returns the STUN servers peers should use
func (h *Handler) GetICEServers(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"success": true,
		"data":    fiber.Map{"iceServers": h.iceServers},
	})
}

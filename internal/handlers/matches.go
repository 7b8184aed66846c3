package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"ginger/server/internal/middleware"
	"ginger/server/internal/models"
	"ginger/server/internal/vibe"
)

// GetMatches returns the caller's matches, newest first, with the
// partner's profile and presence
func (h *Handler) GetMatches(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	ctx := c.UserContext()

	records, err := h.matches.ListMatches(ctx, userID)
	if err != nil {
		return h.respondError(c, &vibe.StoreError{Op: "list matches", Err: err})
	}

	items := make([]models.MatchWithPartner, 0, len(records))
	for _, m := range records {
		partnerID := m.Partner(userID)
		partner, err := h.profiles.Get(ctx, partnerID)
		if errors.Is(err, vibe.ErrProfileNotFound) {
			partner = models.Profile{ID: partnerID}
		} else if err != nil {
			return h.respondError(c, err)
		}

		items = append(items, models.MatchWithPartner{
			ID:        m.ID,
			SessionID: m.SessionID,
			Partner:   partner,
			IsOnline:  h.hub.IsUserOnline(partnerID),
			MatchedAt: m.MatchedAt,
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    items,
	})
}

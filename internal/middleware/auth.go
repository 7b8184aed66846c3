package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"ginger/server/internal/utils"
)

// Auth validates the JWT from the "token" cookie, a bearer header or, for
// WebSocket upgrades where browsers cannot set headers, the "token" query
// parameter.
func Auth(tokens *utils.Tokens) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := tokenFrom(c)
		if tokenString == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Unauthorized - No token provided",
			})
		}

		// Validate token
		claims, err := tokens.ValidateToken(tokenString)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Unauthorized - Invalid token",
			})
		}

		// Store user info in context
		c.Locals("userID", claims.User())

		return c.Next()
	}
}

func tokenFrom(c *fiber.Ctx) string {
	if token := c.Cookies("token"); token != "" {
		return token
	}
	if header := c.Get(fiber.HeaderAuthorization); len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return c.Query("token")
}

// GetUserID gets user ID from context
func GetUserID(c *fiber.Ctx) string {
	userID, ok := c.Locals("userID").(string)
	if !ok {
		return ""
	}
	return userID
}

package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimiter creates a rate limiting middleware
func RateLimiter(max int, expiration time.Duration) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: expiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			// Use user ID if authenticated, otherwise use IP
			if userID := GetUserID(c); userID != "" {
				return userID
			}
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success": false,
				"error":   "Too many requests, please try again later",
			})
		},
	})
}

// SearchRateLimiter for starting searches
func SearchRateLimiter() fiber.Handler {
	return RateLimiter(20, 1*time.Minute) // 20 searches per minute
}

// ModerateRateLimiter for regular API calls
func ModerateRateLimiter() fiber.Handler {
	return RateLimiter(60, 1*time.Minute) // 60 requests per minute
}

// RelaxedRateLimiter for read-only endpoints
func RelaxedRateLimiter() fiber.Handler {
	return RateLimiter(120, 1*time.Minute) // 120 requests per minute
}

// SignalRateLimiter for signaling, which bursts ICE candidates
func SignalRateLimiter() fiber.Handler {
	return RateLimiter(600, 1*time.Minute) // 600 signals per minute
}

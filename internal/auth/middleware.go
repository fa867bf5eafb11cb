package auth

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// UserIDKey is the fiber locals key carrying the authenticated user ID.
const UserIDKey = "userID"

// NewAuthMiddleware returns a fiber handler that requires a valid bearer
// token and stores the caller's user ID in locals.
func NewAuthMiddleware(tm *TokenManager) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			return unauthorized(c, "Missing bearer token")
		}

		claims, err := tm.ParseToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			return unauthorized(c, "Invalid or expired token")
		}

		c.Locals(UserIDKey, claims.Subject)
		return c.Next()
	}
}

func unauthorized(c *fiber.Ctx, message string) error {
	return c.Status(http.StatusUnauthorized).JSON(fiber.Map{
		"error": fiber.Map{"code": "UNAUTHORIZED", "message": message},
	})
}

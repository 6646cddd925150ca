package auth

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"objectflow/internal/api"
	"objectflow/internal/pipeline"
)

// Middleware validates the bearer token and sets the pipeline session on
// the request.
func Middleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return api.UnauthorizedError("Missing auth token")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return api.UnauthorizedError("Invalid auth header format")
		}

		claims, err := ParseAccessToken(parts[1], secret)
		if err != nil {
			return api.UnauthorizedError("Invalid or expired token")
		}

		c.Locals(api.SessionKey, &pipeline.Session{
			UserID:  claims.Subject,
			SpaceID: claims.SpaceID,
			Roles:   claims.Roles,
		})
		return c.Next()
	}
}

// RequireRole rejects requests whose session lacks the named role.
func RequireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sess := api.GetSession(c)
		if sess == nil {
			return api.UnauthorizedError("Missing auth token")
		}
		if !sess.HasRole(role) {
			return api.ForbiddenError(role + " access required")
		}
		return c.Next()
	}
}

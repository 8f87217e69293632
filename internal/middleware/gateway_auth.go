package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/visualmatrix/api/internal/auth"
	"github.com/visualmatrix/api/pkg/response"
)

// GatewayAuthMiddleware reads user identity from X-User-* headers
// set by the ForwardAuth gateway and populates Fiber context locals.
// X-User-Roles is a comma separated role list.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		c.Locals("userId", userID)
		c.Locals("email", c.Get("X-User-Email"))
		c.Locals("name", c.Get("X-User-Name"))
		for _, role := range strings.Split(c.Get("X-User-Roles"), ",") {
			if strings.TrimSpace(role) == auth.RoleAdmin {
				c.Locals(roleLocal, auth.RoleAdmin)
			}
		}

		return c.Next()
	}
}

package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/visualmatrix/api/internal/auth"
	"github.com/visualmatrix/api/pkg/response"
)

const roleLocal = "role"

// AuthMiddleware handles JWT authentication
type AuthMiddleware struct {
	verifier  auth.TokenVerifier
	jwtSecret string // fallback for legacy tokens
}

// NewAuthMiddlewareWithFallback accepts OIDC tokens and, when jwtSecret is
// set, legacy HMAC tokens.
func NewAuthMiddlewareWithFallback(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

// NewLegacyAuthMiddleware creates auth middleware using only HMAC signing (for testing/dev)
func NewLegacyAuthMiddleware(jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{
		jwtSecret: jwtSecret,
	}
}

// Authenticate validates the bearer token from the Authorization header.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return response.Unauthorized(c, "Invalid authorization header format")
		}
		return m.authenticate(c, parts[1])
	}
}

// AuthenticateQuery reads the token from the "token" query parameter.
// Browsers cannot set headers on websocket upgrades.
func (m *AuthMiddleware) AuthenticateQuery() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := c.Query("token")
		if token == "" {
			return response.Unauthorized(c, "Missing token")
		}
		return m.authenticate(c, token)
	}
}

func (m *AuthMiddleware) authenticate(c *fiber.Ctx, tokenString string) error {
	if m.verifier != nil {
		claims, err := m.verifier.Validate(tokenString)
		if err == nil {
			c.Locals("userId", claims.UserID)
			c.Locals("email", claims.Email)
			if claims.IsAdmin() {
				c.Locals(roleLocal, auth.RoleAdmin)
			}
			return c.Next()
		}
		if m.jwtSecret == "" {
			return response.Unauthorized(c, "Invalid or expired token")
		}
	}

	if m.jwtSecret != "" {
		claims, err := auth.ValidateLegacyToken(tokenString, m.jwtSecret)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}
		c.Locals("userId", claims.UserID)
		c.Locals("email", claims.Email)
		c.Locals(roleLocal, claims.Role)
		return c.Next()
	}

	return response.Unauthorized(c, "Authentication not configured")
}

// AdminOnly rejects callers without the admin role. Mount after Authenticate.
func AdminOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !IsAdmin(c) {
			return response.Forbidden(c, "Admin role required")
		}
		return c.Next()
	}
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

func IsAdmin(c *fiber.Ctx) bool {
	role, _ := c.Locals(roleLocal).(string)
	return role == auth.RoleAdmin
}

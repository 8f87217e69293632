package handler

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/visualmatrix/api/internal/auth"
)

// AuthHandler answers the gateway's ForwardAuth subrequests.
type AuthHandler struct {
	verifier  auth.TokenVerifier
	jwtSecret string
}

func NewAuthHandler(verifier auth.TokenVerifier, jwtSecret string) *AuthHandler {
	return &AuthHandler{
		verifier:  verifier,
		jwtSecret: jwtSecret,
	}
}

type identity struct {
	userID string
	email  string
	roles  []string
}

// Verify handles GET /auth/verify.
// On success it returns 200 with X-User-Id, X-User-Email and X-User-Roles
// for the gateway to forward; any other outcome is a bare 401.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	scheme, token, ok := strings.Cut(c.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	id, ok := h.identify(token)
	if !ok {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	c.Set("X-User-Id", id.userID)
	c.Set("X-User-Email", id.email)
	c.Set("X-User-Roles", strings.Join(id.roles, ","))
	return c.SendStatus(fiber.StatusOK)
}

// identify tries the OIDC verifier first, then the legacy HMAC secret.
func (h *AuthHandler) identify(token string) (identity, bool) {
	if h.verifier != nil {
		if claims, err := h.verifier.Validate(token); err == nil {
			return identity{userID: claims.UserID, email: claims.Email, roles: claims.RoleList()}, true
		}
	}
	if h.jwtSecret == "" {
		return identity{}, false
	}
	claims, err := auth.ValidateLegacyToken(token, h.jwtSecret)
	if err != nil {
		return identity{}, false
	}
	id := identity{userID: claims.UserID, email: claims.Email}
	if claims.Role != "" {
		id.roles = []string{claims.Role}
	}
	return id, true
}

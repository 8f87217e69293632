package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	ws "github.com/visualmatrix/api/internal/websocket"
)

// UpgradeOnly rejects plain HTTP requests on websocket routes.
func UpgradeOnly() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// NewWSHandler joins the authenticated user's session to the hub.
func NewWSHandler(hub *ws.Hub) fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		userID, _ := c.Locals("userId").(string)
		if userID == "" {
			_ = c.Close()
			return
		}
		hub.HandleConnection(c, userID)
	})
}

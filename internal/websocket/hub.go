package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"

	"github.com/visualmatrix/api/internal/model"
)

const (
	sendBuffer   = 64
	pingInterval = 30 * time.Second
)

// Session is one live connection of a user.
type Session struct {
	UserID string
	Send   chan []byte
}

func NewSession(userID string) *Session {
	return &Session{UserID: userID, Send: make(chan []byte, sendBuffer)}
}

// Hub is the session registry. Events for a user go to every session the
// user has open; users with no session simply miss them.
type Hub struct {
	sessions map[string]map[*Session]struct{}
	mu       sync.RWMutex
	log      zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]map[*Session]struct{}),
		log:      log.With().Str("component", "notifier").Logger(),
	}
}

// Join adds s to its user's room.
func (h *Hub) Join(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[s.UserID] == nil {
		h.sessions[s.UserID] = make(map[*Session]struct{})
	}
	h.sessions[s.UserID][s] = struct{}{}
	h.log.Debug().Str("user_id", s.UserID).Int("sessions", len(h.sessions[s.UserID])).Msg("session joined")
}

// Leave removes s and closes its send channel. Calling it twice is a no-op.
func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *Hub) removeLocked(s *Session) {
	room, ok := h.sessions[s.UserID]
	if !ok {
		return
	}
	if _, ok := room[s]; !ok {
		return
	}
	delete(room, s)
	close(s.Send)
	if len(room) == 0 {
		delete(h.sessions, s.UserID)
	}
	h.log.Debug().Str("user_id", s.UserID).Msg("session left")
}

// SessionCount returns how many sessions a user has open.
func (h *Hub) SessionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID])
}

// EmitToUser delivers an event to every session of userID without
// blocking. A session whose buffer is full is dropped.
func (h *Hub) EmitToUser(userID, event string, payload interface{}) {
	data, err := json.Marshal(model.WSMessage{Type: event, Data: payload})
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("failed to marshal event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.sessions[userID] {
		select {
		case s.Send <- data:
		default:
			h.log.Warn().Str("user_id", userID).Msg("session send buffer full, dropping session")
			h.removeLocked(s)
		}
	}
}

// send queues data on one session if it is still registered.
func (h *Hub) send(s *Session, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[s.UserID][s]; !ok {
		return
	}
	select {
	case s.Send <- data:
	default:
	}
}

// HandleConnection serves one websocket connection for userID until the
// client goes away.
func (h *Hub) HandleConnection(c *websocket.Conn, userID string) {
	s := NewSession(userID)
	h.Join(s)
	defer h.Leave(s)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-s.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}
			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Str("user_id", userID).Msg("websocket read failed")
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			data, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			h.send(s, data)
		}
	}
}

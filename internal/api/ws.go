// ABOUTME: WebSocket endpoint for typing presence on an open conversation
// ABOUTME: Inbound frames are typing pings; outbound frames are the peer's events

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/majeeddane/masar-messaging/internal/auth"
	"github.com/majeeddane/masar-messaging/internal/presence"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The marketplace front door enforces origin; this service trusts it
		return true
	},
}

// typingFrame is the outbound JSON shape for a typing state change. Type is
// "typing" when the peer's window opens or restarts, "stopped" when it decays.
type typingFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// handleTyping handles GET /api/conversations/{id}/typing. The socket is
// scoped to one open conversation: any text frame from the client counts as a
// typing ping (debounced server-side), and the peer's typing state streams
// back. Closing the socket is the detach; a client switching conversations
// opens a new one.
func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request, conversationID string) {
	id := auth.MustFromContext(r.Context())

	if _, err := s.service.Conversation(r.Context(), conversationID, id.UserID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, subID := s.typing.Subscribe(ctx, conversationID, id.UserID)
	defer s.typing.Unsubscribe(conversationID, subID)

	debounceKey := conversationID + "/" + id.UserID
	defer s.debounce.Forget(debounceKey)

	go s.typingWritePump(conn, conversationID, events, cancel)
	s.typingReadPump(conn, conversationID, id.UserID, debounceKey)
}

// typingReadPump consumes inbound frames until the socket dies. Every frame
// is a typing ping; the debouncer collapses keystroke bursts so a fast typist
// does not flood the conversation.
func (s *Server) typingReadPump(conn *websocket.Conn, conversationID, userID, debounceKey string) {
	defer conn.Close()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug("typing socket read error", "error", err)
			}
			return
		}

		if s.debounce.Allow(debounceKey) {
			s.typing.Announce(conversationID, userID)
		}
	}
}

// typingWritePump tracks the peer's typing windows and streams state changes
// to the client. Each event restarts that user's window ("typing"); a window
// that decays with no further event produces a "stopped" frame, so the client
// never has to run its own expiry clock.
func (s *Server) typingWritePump(conn *websocket.Conn, conversationID string, events <-chan presence.TypingEvent, cancel context.CancelFunc) {
	defer cancel()
	defer conn.Close()

	ttl := s.typingTTL
	if ttl <= 0 {
		ttl = presence.DefaultTypingTTL
	}
	indicator := presence.NewIndicator(ttl)

	interval := ttl / 4
	if interval <= 0 {
		interval = time.Millisecond
	}
	sweep := time.NewTicker(interval)
	defer sweep.Stop()

	showing := make(map[string]bool)

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			indicator.Observe(event.UserID)
			showing[event.UserID] = true
			frame := typingFrame{
				Type:           "typing",
				ConversationID: event.ConversationID,
				UserID:         event.UserID,
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		case <-sweep.C:
			for userID := range showing {
				if indicator.Typing(userID) {
					continue
				}
				delete(showing, userID)
				frame := typingFrame{
					Type:           "stopped",
					ConversationID: conversationID,
					UserID:         userID,
				}
				if err := conn.WriteJSON(frame); err != nil {
					return
				}
			}
		}
	}
}

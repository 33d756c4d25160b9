// ABOUTME: Server-Sent Events streaming for conversation and inbox live feeds
// ABOUTME: Subscriptions attach per request and detach when the request context dies

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/majeeddane/masar-messaging/internal/auth"
	"github.com/majeeddane/masar-messaging/internal/messaging"
)

// keepaliveInterval is how often an SSE comment line goes out to stop
// intermediaries from timing out an idle stream.
const keepaliveInterval = 30 * time.Second

// handleConversationEvents handles GET /api/conversations/{id}/events. The
// stream carries "message" events with the full message payload; read-state
// changes travel on the inbox feed, not here. The subscription lives exactly
// as long as the request: closing the stream is the detach.
func (s *Server) handleConversationEvents(w http.ResponseWriter, r *http.Request, conversationID string) {
	id := auth.MustFromContext(r.Context())

	if _, err := s.service.Conversation(r.Context(), conversationID, id.UserID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := s.service.SubscribeConversation(r.Context(), conversationID)
	defer sub.Close()

	s.streamEvents(w, r, flusher, sub)
}

// handleInboxEvents handles GET /api/inbox/events: a user-scoped feed that
// fires whenever anything would change the inbox or the badge. Events are a
// signal to re-fetch, not a delta.
func (s *Server) handleInboxEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := auth.MustFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub := s.service.SubscribeInbox(r.Context(), id.UserID)
	defer sub.Close()

	s.streamEvents(w, r, flusher, sub)
}

// streamEvents pumps a feed subscription out as SSE until the client goes
// away or the subscription closes.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, flusher http.Flusher, sub *messaging.Subscription) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			s.writeSSEEvent(w, string(event.Kind), eventPayload(event))
			flusher.Flush()
		}
	}
}

// eventPayload picks the JSON body for a feed event. Message appends carry
// the full message; read-state changes carry only the conversation ID.
func eventPayload(event *messaging.Event) any {
	if event.Kind == messaging.EventMessageAppended && event.Message != nil {
		return toMessageResponse(event.Message)
	}
	return map[string]string{"conversation_id": event.ConversationID}
}

// writeSSEEvent writes a single SSE event with JSON data.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// ABOUTME: HTTP handlers for conversation resolution, sending, history, and inbox
// ABOUTME: Maps service errors to status codes; failed sends report retryable

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/majeeddane/masar-messaging/internal/auth"
	"github.com/majeeddane/masar-messaging/internal/messaging"
	"github.com/majeeddane/masar-messaging/internal/store"
)

// ResolveConversationRequest is the JSON request body for POST /api/conversations.
type ResolveConversationRequest struct {
	PeerID string `json:"peer_id"`
	JobID  string `json:"job_id,omitempty"`
}

// ConversationResponse is the JSON shape of a conversation.
type ConversationResponse struct {
	ID           string `json:"id"`
	ParticipantA string `json:"participant_a"`
	ParticipantB string `json:"participant_b"`
	JobID        string `json:"job_id,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// SendMessageRequest is the JSON request body for POST /api/conversations/{id}/messages.
type SendMessageRequest struct {
	Content string `json:"content"`
}

// MessageResponse is the JSON shape of a message.
type MessageResponse struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at"`
	Read           bool   `json:"read"`
}

// HistoryResponse is the JSON response for GET /api/conversations/{id}/messages.
type HistoryResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []MessageResponse `json:"messages"`
}

// InboxEntryResponse is one row of GET /api/inbox.
type InboxEntryResponse struct {
	ConversationID string           `json:"conversation_id"`
	JobID          string           `json:"job_id,omitempty"`
	PeerID         string           `json:"peer_id"`
	PeerName       string           `json:"peer_name"`
	PeerAvatarURL  string           `json:"peer_avatar_url,omitempty"`
	LastMessage    *MessageResponse `json:"last_message,omitempty"`
	Unread         int              `json:"unread"`
}

func toConversationResponse(conv *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:           conv.ID,
		ParticipantA: conv.ParticipantA,
		ParticipantB: conv.ParticipantB,
		JobID:        conv.JobID,
		CreatedAt:    conv.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toMessageResponse(msg *store.Message) MessageResponse {
	return MessageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt.UTC().Format(time.RFC3339),
		Read:           msg.Read,
	}
}

// handleResolveConversation handles POST /api/conversations. Find-or-create:
// posting the same peer and job twice returns the same conversation.
func (s *Server) handleResolveConversation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := auth.MustFromContext(r.Context())

	req, err := parseResolveRequest(r.Body)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := s.service.Resolve(r.Context(), id.UserID, req.PeerID, req.JobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

// parseResolveRequest parses and validates a ResolveConversationRequest.
func parseResolveRequest(r io.Reader) (*ResolveConversationRequest, error) {
	var req ResolveConversationRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	if req.PeerID == "" {
		return nil, errors.New("peer_id is required")
	}

	return &req, nil
}

// handleConversationRoutes dispatches /api/conversations/{id}/... paths.
// The std mux predates pattern routing here, so the suffix is parsed by hand.
func (s *Server) handleConversationRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")
	conversationID, action, _ := strings.Cut(rest, "/")
	if conversationID == "" {
		s.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	switch action {
	case "messages":
		switch r.Method {
		case http.MethodGet:
			s.handleHistory(w, r, conversationID)
		case http.MethodPost:
			s.handleSendMessage(w, r, conversationID)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "read":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleMarkRead(w, r, conversationID)
	case "unread":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleUnreadCount(w, r, conversationID)
	case "events":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleConversationEvents(w, r, conversationID)
	case "typing":
		s.handleTyping(w, r, conversationID)
	default:
		s.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleSendMessage handles POST /api/conversations/{id}/messages. On storage
// failure the message is not persisted and the response says so explicitly:
// the client keeps the draft and may retry.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, conversationID string) {
	id := auth.MustFromContext(r.Context())

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, err := s.service.Send(r.Context(), conversationID, id.UserID, req.Content)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

// handleHistory handles GET /api/conversations/{id}/messages?limit=N.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, conversationID string) {
	id := auth.MustFromContext(r.Context())

	limit := s.cfg.Messaging.HistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	messages, err := s.service.History(r.Context(), conversationID, id.UserID, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	resp := HistoryResponse{
		ConversationID: conversationID,
		Messages:       make([]MessageResponse, 0, len(messages)),
	}
	for _, msg := range messages {
		resp.Messages = append(resp.Messages, toMessageResponse(msg))
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleMarkRead handles POST /api/conversations/{id}/read. Idempotent.
func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, conversationID string) {
	id := auth.MustFromContext(r.Context())

	if err := s.service.MarkRead(r.Context(), conversationID, id.UserID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUnreadCount handles GET /api/conversations/{id}/unread.
func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request, conversationID string) {
	id := auth.MustFromContext(r.Context())

	count, err := s.service.UnreadCount(r.Context(), conversationID, id.UserID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"unread": count})
}

// handleInbox handles GET /api/inbox.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := auth.MustFromContext(r.Context())

	entries, err := s.service.Inbox(r.Context(), id.UserID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	resp := make([]InboxEntryResponse, 0, len(entries))
	for _, entry := range entries {
		row := InboxEntryResponse{
			ConversationID: entry.ConversationID,
			JobID:          entry.JobID,
			PeerID:         entry.PeerID,
			PeerName:       entry.PeerName,
			PeerAvatarURL:  entry.PeerAvatarURL,
			Unread:         entry.Unread,
		}
		if entry.LastMessage != nil {
			msg := toMessageResponse(entry.LastMessage)
			row.LastMessage = &msg
		}
		resp = append(resp, row)
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": resp})
}

// handleTotalUnread handles GET /api/inbox/unread, the badge count.
func (s *Server) handleTotalUnread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id := auth.MustFromContext(r.Context())

	count, err := s.service.TotalUnread(r.Context(), id.UserID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"unread": count})
}

// writeServiceError maps service errors to HTTP responses. Unavailable
// storage is the one case that advertises a retry: nothing was persisted, so
// the client keeps its draft.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, messaging.ErrConversationNotFound):
		s.sendJSONError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, messaging.ErrUnknownUser):
		s.sendJSONError(w, http.StatusNotFound, "unknown user")
	case errors.Is(err, messaging.ErrNotParticipant):
		s.sendJSONError(w, http.StatusForbidden, "not a participant")
	case errors.Is(err, messaging.ErrSelfConversation):
		s.sendJSONError(w, http.StatusBadRequest, "cannot start a conversation with yourself")
	case errors.Is(err, messaging.ErrEmptyContent):
		s.sendJSONError(w, http.StatusBadRequest, "content must not be empty")
	case errors.Is(err, messaging.ErrStoreUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":     "storage unavailable",
			"retryable": true,
		})
	default:
		s.logger.Error("unhandled service error", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

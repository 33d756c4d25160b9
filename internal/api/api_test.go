// ABOUTME: HTTP API tests covering resolution, send/history, read state, and inbox
// ABOUTME: Runs against a real handler tree with an in-memory SQLite store

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majeeddane/masar-messaging/internal/auth"
	"github.com/majeeddane/masar-messaging/internal/config"
	"github.com/majeeddane/masar-messaging/internal/messaging"
	"github.com/majeeddane/masar-messaging/internal/presence"
	"github.com/majeeddane/masar-messaging/internal/store"
)

const testSecret = "test-secret"

type testEnv struct {
	server   *Server
	handler  http.Handler
	verifier *auth.JWTVerifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: ":0"},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Auth:     config.AuthConfig{JWTSecret: testSecret},
		Messaging: config.MessagingConfig{
			HistoryLimit: 50,
			SendRetries:  1,
			RetryBackoff: time.Millisecond,
		},
		Presence: config.PresenceConfig{
			TypingDebounce: time.Millisecond,
			TypingTTL:      200 * time.Millisecond,
		},
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := messaging.New(st, nil, messaging.Options{
		SendRetries:  cfg.Messaging.SendRetries,
		RetryBackoff: cfg.Messaging.RetryBackoff,
	})
	t.Cleanup(svc.Close)

	srv := &Server{
		cfg:       cfg,
		logger:    testLogger(),
		store:     st,
		service:   svc,
		typing:    presence.NewBroadcaster(nil),
		debounce:  presence.NewDebouncer(cfg.Presence.TypingDebounce),
		typingTTL: cfg.Presence.TypingTTL,
	}
	t.Cleanup(srv.typing.Close)

	verifier := auth.NewJWTVerifier([]byte(testSecret))

	env := &testEnv{
		server:   srv,
		handler:  srv.routes(verifier),
		verifier: verifier,
	}

	for _, u := range []struct{ id, name string }{
		{"alice", "Alice"},
		{"bob", "Bob"},
		{"carol", "Carol"},
	} {
		require.NoError(t, st.CreateUser(t.Context(), &store.User{
			ID:          u.id,
			DisplayName: u.name,
			CreatedAt:   time.Now().UTC(),
		}))
	}

	return env
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.verifier.Generate(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, userID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	req := httptest.NewRequest(method, path, reqBody)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) resolve(t *testing.T, userID, peerID, jobID string) ConversationResponse {
	t.Helper()
	rec := e.do(t, userID, http.MethodPost, "/api/conversations",
		ResolveConversationRequest{PeerID: peerID, JobID: jobID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var conv ConversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	return conv
}

func (e *testEnv) send(t *testing.T, userID, conversationID, content string) MessageResponse {
	t.Helper()
	rec := e.do(t, userID, http.MethodPost,
		fmt.Sprintf("/api/conversations/%s/messages", conversationID),
		SendMessageRequest{Content: content})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var msg MessageResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	return msg
}

func TestResolveConversationFindOrCreate(t *testing.T) {
	env := newTestEnv(t)

	first := env.resolve(t, "alice", "bob", "")
	second := env.resolve(t, "bob", "alice", "")
	assert.Equal(t, first.ID, second.ID, "both directions resolve to the same conversation")

	// A job-scoped conversation between the same pair is a different channel
	scoped := env.resolve(t, "alice", "bob", "job-9")
	assert.NotEqual(t, first.ID, scoped.ID)
	assert.Equal(t, "job-9", scoped.JobID)
}

func TestResolveUnknownPeer(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "alice", http.MethodPost, "/api/conversations",
		ResolveConversationRequest{PeerID: "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveSelf(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "alice", http.MethodPost, "/api/conversations",
		ResolveConversationRequest{PeerID: "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveMissingPeerID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "alice", http.MethodPost, "/api/conversations",
		ResolveConversationRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "peer_id")
}

func TestSendAndHistory(t *testing.T) {
	env := newTestEnv(t)
	conv := env.resolve(t, "alice", "bob", "")

	env.send(t, "alice", conv.ID, "hello bob")
	env.send(t, "bob", conv.ID, "hi alice")

	rec := env.do(t, "alice", http.MethodGet,
		fmt.Sprintf("/api/conversations/%s/messages", conv.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HistoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "hello bob", resp.Messages[0].Content)
	assert.Equal(t, "hi alice", resp.Messages[1].Content)
}

func TestSendEmptyContent(t *testing.T) {
	env := newTestEnv(t)
	conv := env.resolve(t, "alice", "bob", "")

	rec := env.do(t, "alice", http.MethodPost,
		fmt.Sprintf("/api/conversations/%s/messages", conv.ID),
		SendMessageRequest{Content: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendAsNonParticipant(t *testing.T) {
	env := newTestEnv(t)
	conv := env.resolve(t, "alice", "bob", "")

	rec := env.do(t, "carol", http.MethodPost,
		fmt.Sprintf("/api/conversations/%s/messages", conv.ID),
		SendMessageRequest{Content: "let me in"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSendToUnknownConversation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "alice", http.MethodPost,
		"/api/conversations/nope/messages",
		SendMessageRequest{Content: "hello"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHistoryBadLimit(t *testing.T) {
	env := newTestEnv(t)
	conv := env.resolve(t, "alice", "bob", "")

	rec := env.do(t, "alice", http.MethodGet,
		fmt.Sprintf("/api/conversations/%s/messages?limit=banana", conv.ID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarkReadAndUnreadCounts(t *testing.T) {
	env := newTestEnv(t)
	conv := env.resolve(t, "alice", "bob", "")

	env.send(t, "alice", conv.ID, "one")
	env.send(t, "alice", conv.ID, "two")

	rec := env.do(t, "bob", http.MethodGet,
		fmt.Sprintf("/api/conversations/%s/unread", conv.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"unread": 2}`, rec.Body.String())

	// The sender's own messages never count against them
	rec = env.do(t, "alice", http.MethodGet,
		fmt.Sprintf("/api/conversations/%s/unread", conv.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"unread": 0}`, rec.Body.String())

	rec = env.do(t, "bob", http.MethodPost,
		fmt.Sprintf("/api/conversations/%s/read", conv.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, "bob", http.MethodGet,
		fmt.Sprintf("/api/conversations/%s/unread", conv.ID), nil)
	assert.JSONEq(t, `{"unread": 0}`, rec.Body.String())

	// Idempotent
	rec = env.do(t, "bob", http.MethodPost,
		fmt.Sprintf("/api/conversations/%s/read", conv.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInboxAndBadge(t *testing.T) {
	env := newTestEnv(t)

	convBob := env.resolve(t, "alice", "bob", "")
	convCarol := env.resolve(t, "alice", "carol", "job-1")

	env.send(t, "bob", convBob.ID, "from bob")
	env.send(t, "carol", convCarol.ID, "from carol, later")

	rec := env.do(t, "alice", http.MethodGet, "/api/inbox", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Entries []InboxEntryResponse `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 2)

	// Most recent activity first
	assert.Equal(t, "carol", resp.Entries[0].PeerID)
	assert.Equal(t, "Carol", resp.Entries[0].PeerName)
	assert.Equal(t, "job-1", resp.Entries[0].JobID)
	require.NotNil(t, resp.Entries[0].LastMessage)
	assert.Equal(t, "from carol, later", resp.Entries[0].LastMessage.Content)
	assert.Equal(t, 1, resp.Entries[0].Unread)

	assert.Equal(t, "bob", resp.Entries[1].PeerID)
	assert.Equal(t, 1, resp.Entries[1].Unread)

	rec = env.do(t, "alice", http.MethodGet, "/api/inbox/unread", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"unread": 2}`, rec.Body.String())
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/inbox", "/api/inbox/unread", "/api/conversations/x/messages"} {
		rec := env.do(t, "", http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestHealthEndpointNeedsNoAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestReadinessEndpointNeedsNoAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ready"}`, rec.Body.String())
}

func TestReadinessFailsWhenStoreIsDown(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.server.store.Close())

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status": "not_ready"}`, rec.Body.String())
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "alice", http.MethodDelete, "/api/inbox", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = env.do(t, "alice", http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestUnknownConversationAction(t *testing.T) {
	env := newTestEnv(t)
	conv := env.resolve(t, "alice", "bob", "")

	rec := env.do(t, "alice", http.MethodGet,
		fmt.Sprintf("/api/conversations/%s/archive", conv.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

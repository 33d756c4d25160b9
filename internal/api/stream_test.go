// ABOUTME: Live-stream tests: SSE conversation/inbox feeds and the typing WebSocket
// ABOUTME: Runs a real HTTP listener so flushing and upgrades behave as in production

package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// openSSE starts an SSE request and returns a channel of stream lines. One
// goroutine pumps the body for the lifetime of the stream so repeated
// nextSSEEvent calls never race on the reader.
func openSSE(t *testing.T, ts *httptest.Server, token, path string) <-chan string {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, ts.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// nextSSEEvent reads lines until one event (name + data) has been assembled.
func nextSSEEvent(t *testing.T, lines <-chan string) (string, string) {
	t.Helper()

	var event, data string
	deadline := time.After(5 * time.Second)

	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for SSE event")
		case line, ok := <-lines:
			if !ok {
				t.Fatal("SSE stream closed before an event arrived")
			}
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && event != "":
				return event, data
			}
		}
	}
}

func TestConversationEventStream(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	conv := env.resolve(t, "alice", "bob", "")

	stream := openSSE(t, ts, env.token(t, "bob"),
		fmt.Sprintf("/api/conversations/%s/events", conv.ID))

	sent := env.send(t, "alice", conv.ID, "streamed hello")

	event, data := nextSSEEvent(t, stream)
	assert.Equal(t, "message", event)

	var msg MessageResponse
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	assert.Equal(t, sent.ID, msg.ID)
	assert.Equal(t, "streamed hello", msg.Content)
	assert.Equal(t, "alice", msg.SenderID)
}

func TestConversationEventStreamRequiresParticipant(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	conv := env.resolve(t, "alice", "bob", "")

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet,
		ts.URL+fmt.Sprintf("/api/conversations/%s/events", conv.ID), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "carol"))

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestInboxEventStream(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	conv := env.resolve(t, "alice", "bob", "")

	stream := openSSE(t, ts, env.token(t, "bob"), "/api/inbox/events")

	// A message from alice lands in bob's inbox feed
	env.send(t, "alice", conv.ID, "inbox trigger")

	event, data := nextSSEEvent(t, stream)
	assert.Equal(t, "message", event)

	var msg MessageResponse
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	assert.Equal(t, conv.ID, msg.ConversationID)

	// Reading from another session fires a read event on the same feed
	rec := env.do(t, "bob", http.MethodPost,
		fmt.Sprintf("/api/conversations/%s/read", conv.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	event, data = nextSSEEvent(t, stream)
	assert.Equal(t, "read", event)
	assert.JSONEq(t, fmt.Sprintf(`{"conversation_id": %q}`, conv.ID), data)
}

func dialTyping(t *testing.T, ts *httptest.Server, token, conversationID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") +
		fmt.Sprintf("/api/conversations/%s/typing?token=%s", conversationID, token)

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestTypingIndicatorFlow(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	conv := env.resolve(t, "alice", "bob", "")

	aliceConn := dialTyping(t, ts, env.token(t, "alice"), conv.ID)
	bobConn := dialTyping(t, ts, env.token(t, "bob"), conv.ID)

	// Subscription registration races the first ping without this
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, aliceConn.WriteMessage(websocket.TextMessage, []byte("typing")))

	bobConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame typingFrame
	require.NoError(t, bobConn.ReadJSON(&frame))
	assert.Equal(t, "typing", frame.Type)
	assert.Equal(t, conv.ID, frame.ConversationID)
	assert.Equal(t, "alice", frame.UserID)

	// Alice must not get her own indicator back
	aliceConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var echo typingFrame
	err := aliceConn.ReadJSON(&echo)
	assert.Error(t, err, "expected read timeout, got frame: %+v", echo)
}

func TestTypingIndicatorDecays(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	conv := env.resolve(t, "alice", "bob", "")

	aliceConn := dialTyping(t, ts, env.token(t, "alice"), conv.ID)
	bobConn := dialTyping(t, ts, env.token(t, "bob"), conv.ID)

	// Subscription registration races the first ping without this
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, aliceConn.WriteMessage(websocket.TextMessage, []byte("typing")))

	bobConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame typingFrame
	require.NoError(t, bobConn.ReadJSON(&frame))
	require.Equal(t, "typing", frame.Type)

	// With no further pings the window expires and the server announces it
	var stopped typingFrame
	require.NoError(t, bobConn.ReadJSON(&stopped))
	assert.Equal(t, "stopped", stopped.Type)
	assert.Equal(t, conv.ID, stopped.ConversationID)
	assert.Equal(t, "alice", stopped.UserID)
}

func TestTypingRejectsNonParticipant(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	conv := env.resolve(t, "alice", "bob", "")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") +
		fmt.Sprintf("/api/conversations/%s/typing?token=%s", conv.ID, env.token(t, "carol"))

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

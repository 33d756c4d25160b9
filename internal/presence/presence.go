// ABOUTME: Best-effort typing presence broadcaster scoped per conversation
// ABOUTME: Ephemeral fan-out with no persistence, acknowledgment, or ordering guarantee

package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is deliberately small: typing events are only
	// meaningful while fresh, so backlog is worthless.
	subscriberBufferSize = 8
)

// TypingEvent is the ephemeral signal that a user is composing in a
// conversation. It is never persisted and only reaches currently attached
// listeners.
type TypingEvent struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	At             time.Time `json:"at"`
}

type subscriber struct {
	userID string
	ch     chan TypingEvent
}

// Broadcaster fans typing events out to the listeners attached to a
// conversation. The publishing user's own sessions are skipped, so a user
// never sees their own indicator. Delivery is best-effort: full subscriber
// buffers drop events, and there is no retry.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]subscriber // conversationID -> subID -> sub
	logger      *slog.Logger
}

// NewBroadcaster creates a presence broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]subscriber),
		logger:      logger.With("component", "presence"),
	}
}

// Subscribe attaches a listener for typing events in one conversation on
// behalf of the given user. Listeners must detach (via the returned sub ID or
// ctx cancellation) before attaching to a different conversation, otherwise
// indicators bleed across views.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID, userID string) (<-chan TypingEvent, string) {
	subID := uuid.New().String()
	ch := make(chan TypingEvent, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]subscriber)
	}
	b.subscribers[conversationID][subID] = subscriber{userID: userID, ch: ch}
	b.mu.Unlock()

	b.logger.Debug("typing listener attached",
		"conversation_id", conversationID,
		"user_id", userID,
		"sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, subID)
	}()

	return ch, subID
}

// Announce publishes a typing event to every listener of the conversation
// except the publisher's own sessions. No acknowledgment: if nobody is
// listening or a buffer is full, the event is simply gone.
func (b *Broadcaster) Announce(conversationID, userID string) {
	event := TypingEvent{
		ConversationID: conversationID,
		UserID:         userID,
		At:             time.Now(),
	}

	b.mu.RLock()
	subs, ok := b.subscribers[conversationID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	targets := make([]chan TypingEvent, 0, len(subs))
	for _, sub := range subs {
		if sub.userID == userID {
			continue
		}
		targets = append(targets, sub.ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			// Stale typing events are worthless; drop instead of blocking
		}
	}
}

// Unsubscribe detaches a listener and closes its channel.
func (b *Broadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}

	sub, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(sub.ch)

	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("typing listener detached",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// Close shuts down the broadcaster and closes all listener channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.subscribers {
		for subID, sub := range subs {
			close(sub.ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}
}

// ABOUTME: Service is the central layer for direct messaging between two users
// ABOUTME: Resolves conversations, appends/reads messages, tracks read state, feeds the inbox

package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/majeeddane/masar-messaging/internal/store"
)

// Validation and authorization errors. These are surfaced to the caller
// immediately and never retried.
var (
	// ErrUnknownUser means a user ID could not be resolved to a real user
	ErrUnknownUser = errors.New("unknown user")

	// ErrSelfConversation means both sides of a conversation are the same user
	ErrSelfConversation = errors.New("cannot start a conversation with yourself")

	// ErrConversationNotFound means the conversation ID does not exist
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrNotParticipant means the acting user is not part of the conversation
	ErrNotParticipant = errors.New("not a participant of this conversation")

	// ErrEmptyContent means the message content is empty after trimming
	ErrEmptyContent = errors.New("message content is empty")

	// ErrStoreUnavailable wraps transient storage failures that survived the
	// internal retries. Callers may retry with backoff; for sends the drafted
	// content must be preserved and re-offered, never discarded.
	ErrStoreUnavailable = errors.New("store unavailable")
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	defaultSendRetries  = 3
	defaultRetryBackoff = 100 * time.Millisecond
)

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)

	CreateConversation(ctx context.Context, conv *store.Conversation) error
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetConversationByParticipants(ctx context.Context, userA, userB, jobID string) (*store.Conversation, error)

	AppendMessage(ctx context.Context, msg *store.Message) error
	GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)

	MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error)
	UnreadCount(ctx context.Context, conversationID, readerID string) (int, error)
	TotalUnread(ctx context.Context, userID string) (int, error)
	InboxEntries(ctx context.Context, userID string) ([]*store.InboxEntry, error)
}

// Service coordinates conversation resolution, message persistence, read
// state, and the live feeds that keep open inbox views current.
type Service struct {
	store    ConversationStore
	convFeed *Broadcaster // topic: conversation ID, new messages
	userFeed *Broadcaster // topic: user ID, inbox-affecting changes
	logger   *slog.Logger

	retries int
	backoff time.Duration
}

// Options tunes retry behavior. Zero values take defaults.
type Options struct {
	SendRetries  int
	RetryBackoff time.Duration
}

// New creates a messaging service backed by the given store.
func New(st ConversationStore, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SendRetries <= 0 {
		opts.SendRetries = defaultSendRetries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	return &Service{
		store:    st,
		convFeed: NewBroadcaster(logger.With("feed", "conversation")),
		userFeed: NewBroadcaster(logger.With("feed", "inbox")),
		logger:   logger.With("component", "messaging"),
		retries:  opts.SendRetries,
		backoff:  opts.RetryBackoff,
	}
}

// Close shuts down the live feeds.
func (s *Service) Close() {
	s.convFeed.Close()
	s.userFeed.Close()
}

// Resolve maps an unordered user pair plus optional job context to exactly
// one conversation, creating it on first contact. Idempotent: subsequent
// calls (from either side) return the same conversation. Concurrent first
// contact is resolved by treating the UNIQUE violation as "someone else just
// created it" and re-reading.
func (s *Service) Resolve(ctx context.Context, userA, userB, jobID string) (*store.Conversation, error) {
	if userA == "" || userB == "" {
		return nil, ErrUnknownUser
	}
	if userA == userB {
		return nil, ErrSelfConversation
	}

	for _, id := range []string{userA, userB} {
		if err := s.checkUserExists(ctx, id); err != nil {
			return nil, err
		}
	}

	a, b := store.CanonicalPair(userA, userB)

	var conv *store.Conversation
	err := s.withRetry(ctx, "resolve lookup", func() error {
		var err error
		conv, err = s.store.GetConversationByParticipants(ctx, a, b, jobID)
		return err
	})
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	conv = &store.Conversation{
		ID:           uuid.New().String(),
		ParticipantA: a,
		ParticipantB: b,
		JobID:        jobID,
		CreatedAt:    time.Now().UTC(),
	}
	err = s.withRetry(ctx, "resolve create", func() error {
		return s.store.CreateConversation(ctx, conv)
	})
	if errors.Is(err, store.ErrDuplicateConversation) {
		// Lost the first-contact race; the winner's row is the conversation
		s.logger.Debug("conversation creation hit duplicate, retrying lookup",
			"participant_a", a,
			"participant_b", b,
			"job_id", jobID)
		var lookupErr error
		err = s.withRetry(ctx, "resolve re-read", func() error {
			conv, lookupErr = s.store.GetConversationByParticipants(ctx, a, b, jobID)
			return lookupErr
		})
		if err != nil {
			return nil, err
		}
		return conv, nil
	}
	if err != nil {
		return nil, err
	}

	s.logger.Debug("conversation created", "conversation_id", conv.ID)
	return conv, nil
}

// Send appends a message to a conversation and notifies the live feeds.
// Content is trimmed; the sender must be a participant. Once Send returns
// nil-error the message is durable and ordered after every previously
// acknowledged message in the conversation.
func (s *Service) Send(ctx context.Context, conversationID, senderID, content string) (*store.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(senderID) {
		return nil, ErrNotParticipant
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	err = s.withRetry(ctx, "append message", func() error {
		return s.store.AppendMessage(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	event := &Event{
		Kind:           EventMessageAppended,
		ConversationID: conv.ID,
		Message:        msg,
	}
	s.convFeed.Publish(conv.ID, event)
	s.userFeed.Publish(conv.ParticipantA, event)
	s.userFeed.Publish(conv.ParticipantB, event)

	s.logger.Debug("message sent",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"sender_id", senderID)
	return msg, nil
}

// History returns the most recent `limit` messages of a conversation in
// ascending order. Callers re-invoke it to refresh; incremental deltas come
// from SubscribeConversation instead. The reader must be a participant.
func (s *Service) History(ctx context.Context, conversationID, readerID string, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(readerID) {
		return nil, ErrNotParticipant
	}

	var messages []*store.Message
	err = s.withRetry(ctx, "fetch history", func() error {
		var err error
		messages, err = s.store.GetConversationMessages(ctx, conversationID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// MarkRead flips every message in the conversation not sent by the reader to
// read. Idempotent and monotonic, so it is safe to call optimistically before
// the UI confirms, and safe from multiple sessions of the same user at once.
// Other sessions of the reader are notified through the inbox feed when
// anything actually changed.
func (s *Service) MarkRead(ctx context.Context, conversationID, readerID string) error {
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(readerID) {
		return ErrNotParticipant
	}

	var changed int64
	err = s.withRetry(ctx, "mark read", func() error {
		var err error
		changed, err = s.store.MarkConversationRead(ctx, conversationID, readerID)
		return err
	})
	if err != nil {
		return err
	}

	if changed > 0 {
		s.userFeed.Publish(readerID, &Event{
			Kind:           EventReadStateChanged,
			ConversationID: conversationID,
		})
	}
	return nil
}

// UnreadCount returns the unread message count of one conversation from the
// reader's perspective.
func (s *Service) UnreadCount(ctx context.Context, conversationID, readerID string) (int, error) {
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(readerID) {
		return 0, ErrNotParticipant
	}

	var count int
	err = s.withRetry(ctx, "unread count", func() error {
		var err error
		count, err = s.store.UnreadCount(ctx, conversationID, readerID)
		return err
	})
	return count, err
}

// Inbox returns one entry per conversation the user participates in, most
// recently active first.
func (s *Service) Inbox(ctx context.Context, userID string) ([]*store.InboxEntry, error) {
	var entries []*store.InboxEntry
	err := s.withRetry(ctx, "inbox", func() error {
		var err error
		entries, err = s.store.InboxEntries(ctx, userID)
		return err
	})
	return entries, err
}

// TotalUnread returns the unread count summed across all the user's
// conversations, for the persistent badge.
func (s *Service) TotalUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.withRetry(ctx, "total unread", func() error {
		var err error
		count, err = s.store.TotalUnread(ctx, userID)
		return err
	})
	return count, err
}

// Conversation loads a conversation and verifies the caller participates in
// it. Feed attachment goes through this before subscribing.
func (s *Service) Conversation(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	conv, err := s.getConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

// Subscription is a handle on a live feed. The channel delivers events until
// Close is called or the subscribing context is cancelled; whoever attaches
// a feed owns detaching it before attaching elsewhere.
type Subscription struct {
	C <-chan *Event

	topic string
	id    string
	b     *Broadcaster
}

// Close detaches the subscription and closes its channel. Safe to call more
// than once.
func (sub *Subscription) Close() {
	sub.b.Unsubscribe(sub.topic, sub.id)
}

// SubscribeConversation attaches a live feed of new messages in one
// conversation. Attach only while the conversation is open.
func (s *Service) SubscribeConversation(ctx context.Context, conversationID string) *Subscription {
	ch, subID := s.convFeed.Subscribe(ctx, conversationID)
	return &Subscription{C: ch, topic: conversationID, id: subID, b: s.convFeed}
}

// SubscribeInbox attaches a user-scoped feed of inbox-affecting changes
// (message appends in any of the user's conversations, read-state changes).
// Events are a signal to re-fetch the inbox and badge, not deltas.
func (s *Service) SubscribeInbox(ctx context.Context, userID string) *Subscription {
	ch, subID := s.userFeed.Subscribe(ctx, userID)
	return &Subscription{C: ch, topic: userID, id: subID, b: s.userFeed}
}

// getConversation loads a conversation, mapping ErrNotFound to
// ErrConversationNotFound.
func (s *Service) getConversation(ctx context.Context, conversationID string) (*store.Conversation, error) {
	var conv *store.Conversation
	err := s.withRetry(ctx, "get conversation", func() error {
		var err error
		conv, err = s.store.GetConversation(ctx, conversationID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// checkUserExists maps a missing user row to ErrUnknownUser.
func (s *Service) checkUserExists(ctx context.Context, id string) error {
	err := s.withRetry(ctx, "get user", func() error {
		_, err := s.store.GetUser(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownUser, id)
	}
	return err
}

// withRetry runs fn, retrying transient failures with doubling backoff before
// wrapping the last error in ErrStoreUnavailable. Sentinel domain errors pass
// through untouched so callers can branch on them.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := s.backoff
	var err error
	for attempt := 1; attempt <= s.retries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			// A timed-out or cancelled call counts as store unavailability
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			return err
		}
		if attempt == s.retries {
			break
		}
		s.logger.Warn("transient store error, retrying",
			"op", op,
			"attempt", attempt,
			"error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, ctx.Err())
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// isTransient reports whether an error is worth retrying. Sentinel results
// (not found, duplicate) are definitive answers, not failures.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrDuplicateConversation),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

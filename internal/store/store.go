// ABOUTME: Store interface and data types for masar-messaging persistence
// ABOUTME: Defines User, Conversation, Message, InboxEntry and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when trying to create a conversation
// that already exists for the same participant pair and job context
var ErrDuplicateConversation = errors.New("conversation already exists")

// User holds the display attributes for an account. Users are owned by the
// marketplace application; this service only reads them for identity checks
// and inbox display.
type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
	CreatedAt   time.Time
}

// Conversation is the unique message channel between two users, optionally
// scoped to a job posting. Participants are stored in canonical order
// (ParticipantA < ParticipantB) so the pair is unordered. JobID is "" when
// the conversation has no job context. Rows are never mutated or deleted.
type Conversation struct {
	ID           string
	ParticipantA string
	ParticipantB string
	JobID        string
	CreatedAt    time.Time
}

// HasParticipant reports whether the given user is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// OtherParticipant returns the participant that is not the given user.
// Returns "" if the user is not a participant.
func (c *Conversation) OtherParticipant(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	default:
		return ""
	}
}

// CanonicalPair orders two user IDs so that any unordered pair maps to the
// same (ParticipantA, ParticipantB) tuple.
func CanonicalPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Message is a single message within a conversation. Immutable once created
// except for the Read flag, which transitions false -> true via
// MarkConversationRead only.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      time.Time
	Read           bool
}

// InboxEntry is the derived per-(user, conversation) projection backing the
// inbox list: the other participant's display info, the most recent message,
// and the unread count from the viewing user's perspective. It is computed
// on demand and never stored.
type InboxEntry struct {
	ConversationID string
	JobID          string
	PeerID         string
	PeerName       string
	PeerAvatarURL  string
	LastMessage    *Message // nil when the conversation has no messages yet
	Unread         int
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetConversationByParticipants(ctx context.Context, userA, userB, jobID string) (*Conversation, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Read state
	MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error)
	UnreadCount(ctx context.Context, conversationID, readerID string) (int, error)
	TotalUnread(ctx context.Context, userID string) (int, error)
	InboxEntries(ctx context.Context, userID string) ([]*InboxEntry, error)

	// Close releases any resources held by the store
	Close() error
}

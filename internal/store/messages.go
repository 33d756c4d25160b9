// ABOUTME: Message persistence: append-only log per conversation plus read state
// ABOUTME: Ordering is (created_at, rowid) so ties resolve to insertion order

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AppendMessage saves a message to the database. Messages are append-only;
// nothing updates them afterwards except the read flag.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at, read)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.Content,
		msg.CreatedAt.UTC().Format(time.RFC3339),
		boolToInt(msg.Read),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("appended message",
		"id", msg.ID,
		"conversation_id", msg.ConversationID,
		"sender_id", msg.SenderID)
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// GetConversationMessages retrieves the most recent `limit` messages for a
// conversation, returned in chronological order (oldest first). The inner
// query selects the newest N by (created_at, rowid) descending, the outer
// re-orders them ascending. If limit is 0 or negative, all messages are
// returned.
func (s *SQLiteStore) GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT id, conversation_id, sender_id, content, created_at, read
			FROM (
				SELECT rowid AS rid, id, conversation_id, sender_id, content, created_at, read
				FROM messages
				WHERE conversation_id = ?
				ORDER BY created_at DESC, rid DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, rid ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT id, conversation_id, sender_id, content, created_at, read
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC, rowid ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAtStr string
		var read int

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &createdAtStr, &read); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		msg.Read = read != 0

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// MarkConversationRead flips read=true on every message in the conversation
// not sent by the reader. Idempotent: already-read messages are untouched, so
// repeated calls (including concurrent ones from multiple sessions of the
// same user) are no-ops. Returns the number of messages newly marked read.
func (s *SQLiteStore) MarkConversationRead(ctx context.Context, conversationID, readerID string) (int64, error) {
	query := `
		UPDATE messages
		SET read = 1
		WHERE conversation_id = ? AND sender_id != ? AND read = 0
	`

	result, err := s.db.ExecContext(ctx, query, conversationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("marking conversation read: %w", err)
	}

	changed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if changed > 0 {
		s.logger.Debug("marked conversation read",
			"conversation_id", conversationID,
			"reader_id", readerID,
			"count", changed)
	}
	return changed, nil
}

// UnreadCount returns the number of unread messages in a conversation from
// the reader's perspective (messages sent by the other participant that have
// not been marked read).
func (s *SQLiteStore) UnreadCount(ctx context.Context, conversationID, readerID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND read = 0
	`

	var count int
	if err := s.db.QueryRowContext(ctx, query, conversationID, readerID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return count, nil
}

// TotalUnread returns the unread message count summed across every
// conversation the user participates in. Backs the persistent badge.
func (s *SQLiteStore) TotalUnread(ctx context.Context, userID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.participant_a = ? OR c.participant_b = ?)
		  AND m.sender_id != ?
		  AND m.read = 0
	`

	var count int
	if err := s.db.QueryRowContext(ctx, query, userID, userID, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting total unread: %w", err)
	}
	return count, nil
}

// InboxEntries computes the inbox projection for a user: one entry per
// conversation with the other participant's display info, the latest message,
// and the unread count. Ordered by most recent activity, conversations with
// no messages last. This is the fan-out query behind the inbox view; it is
// recomputed per call rather than cached.
func (s *SQLiteStore) InboxEntries(ctx context.Context, userID string) ([]*InboxEntry, error) {
	query := `
		SELECT c.id, c.job_id,
		       CASE WHEN c.participant_a = ? THEN c.participant_b ELSE c.participant_a END AS peer_id,
		       u.display_name, u.avatar_url,
		       m.id, m.sender_id, m.content, m.created_at, m.read,
		       (SELECT COUNT(*) FROM messages um
		        WHERE um.conversation_id = c.id AND um.sender_id != ? AND um.read = 0) AS unread
		FROM conversations c
		JOIN users u
		  ON u.id = CASE WHEN c.participant_a = ? THEN c.participant_b ELSE c.participant_a END
		LEFT JOIN messages m
		  ON m.rowid = (SELECT rowid FROM messages
		                WHERE conversation_id = c.id
		                ORDER BY created_at DESC, rowid DESC
		                LIMIT 1)
		WHERE c.participant_a = ? OR c.participant_b = ?
		ORDER BY CASE WHEN m.id IS NULL THEN 1 ELSE 0 END,
		         m.created_at DESC, m.rowid DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID, userID, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("querying inbox: %w", err)
	}
	defer rows.Close()

	var entries []*InboxEntry
	for rows.Next() {
		var entry InboxEntry
		var msgID, msgSender, msgContent, msgCreatedAt sql.NullString
		var msgRead sql.NullInt64

		if err := rows.Scan(
			&entry.ConversationID,
			&entry.JobID,
			&entry.PeerID,
			&entry.PeerName,
			&entry.PeerAvatarURL,
			&msgID,
			&msgSender,
			&msgContent,
			&msgCreatedAt,
			&msgRead,
			&entry.Unread,
		); err != nil {
			return nil, fmt.Errorf("scanning inbox row: %w", err)
		}

		if msgID.Valid {
			msg := &Message{
				ID:             msgID.String,
				ConversationID: entry.ConversationID,
				SenderID:       msgSender.String,
				Content:        msgContent.String,
				Read:           msgRead.Int64 != 0,
			}
			msg.CreatedAt, err = time.Parse(time.RFC3339, msgCreatedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing last message created_at: %w", err)
			}
			entry.LastMessage = msg
		}

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating inbox rows: %w", err)
	}

	return entries, nil
}

// ABOUTME: Conversation persistence: atomic find-or-create backing for the resolver
// ABOUTME: The UNIQUE(participant_a, participant_b, job_id) index serializes first contact

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateConversation inserts a new conversation row. Participants must already
// be in canonical order (ParticipantA < ParticipantB); the schema CHECK rejects
// anything else. If a conversation for the same pair and job context already
// exists, it returns ErrDuplicateConversation so callers can re-read the row
// the concurrent winner created.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, participant_a, participant_b, job_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.ParticipantA,
		conv.ParticipantB,
		conv.JobID,
		conv.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation",
		"id", conv.ID,
		"participant_a", conv.ParticipantA,
		"participant_b", conv.ParticipantB,
		"job_id", conv.JobID)
	return nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `
		SELECT id, participant_a, participant_b, job_id, created_at
		FROM conversations
		WHERE id = ?
	`

	return s.scanConversation(s.db.QueryRowContext(ctx, query, id))
}

// GetConversationByParticipants retrieves the conversation for an unordered
// user pair and job context. The pair is canonicalized before lookup, so
// argument order does not matter. Returns ErrNotFound if no conversation
// exists yet.
func (s *SQLiteStore) GetConversationByParticipants(ctx context.Context, userA, userB, jobID string) (*Conversation, error) {
	a, b := CanonicalPair(userA, userB)

	query := `
		SELECT id, participant_a, participant_b, job_id, created_at
		FROM conversations
		WHERE participant_a = ? AND participant_b = ? AND job_id = ?
	`

	return s.scanConversation(s.db.QueryRowContext(ctx, query, a, b, jobID))
}

func (s *SQLiteStore) scanConversation(row *sql.Row) (*Conversation, error) {
	var conv Conversation
	var createdAtStr string

	err := row.Scan(
		&conv.ID,
		&conv.ParticipantA,
		&conv.ParticipantB,
		&conv.JobID,
		&createdAtStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &conv, nil
}

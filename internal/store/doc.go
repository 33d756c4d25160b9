// Package store provides persistent storage for masar-messaging using SQLite.
//
// # Data Models
//
//   - User: display attributes for an account, owned by the marketplace
//   - Conversation: the unique channel between two users, optionally scoped to a job
//   - Message: append-only log entries per conversation with a monotonic read flag
//   - InboxEntry: derived per-user projection (peer info, last message, unread count)
//
// # Invariants
//
// A conversation's participant pair is stored in canonical order and covered by
// UNIQUE(participant_a, participant_b, job_id), so concurrent first contact
// results in exactly one row; the loser of the race gets
// ErrDuplicateConversation and re-reads. Messages are totally ordered per
// conversation by (created_at, rowid). The read flag only ever transitions
// false -> true, and only for messages the reader did not send.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use NewSQLiteStore(":memory:") for tests.
package store

// Package presence tracks which connection currently represents a user.
//
// Records are hints with bounded staleness, not locks: a record is
// authoritative for at most the store TTL past the last SetOnline, and
// consumers must tolerate a record that names an already-dead
// connection up to that bound.
package presence

import (
	"context"
	"time"
)

// Record maps a user to the connection that most recently claimed them.
type Record struct {
	ConnID    string    `json:"socketId"`
	Timestamp time.Time `json:"timestamp"`
}

// Store answers "which connection, if any, represents user U right now".
// Implementations are safe for concurrent use; writes are keyed
// per-user and last-writer-wins.
type Store interface {
	// SetOnline upserts the record for userID. Idempotent.
	SetOnline(ctx context.Context, userID, connID string) error
	// SetOffline deletes the record for userID. Deleting an absent
	// record is a no-op, not an error.
	SetOffline(ctx context.Context, userID string) error
	// Get returns the record for userID and whether one exists.
	Get(ctx context.Context, userID string) (Record, bool, error)
}

// Key is the cache key holding a user's presence record.
func Key(userID string) string { return "user:" + userID + ":online" }

// Package auditlog is the append-only record of every registration,
// anchoring and verification attempt.
//
// Entries form a SHA-256 hash chain starting at a genesis entry whose Hash is
// GenesisHash, so any edit to a stored row is detectable with Verify. Entries
// are never updated or deleted.
//
// Two implementations of Log are provided:
//   - MemoryLog: in-process, for tests and single-node deployments.
//   - PostgresLog: durable.
package auditlog

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no entry matches a lookup.
var ErrNotFound = errors.New("audit entry not found")

// Log is the append-only audit log.
type Log interface {
	// Append validates d, chains it to the tail and stores it.
	Append(ctx context.Context, d Draft) (*Entry, error)

	// Get returns the entry at the given zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// Len returns the number of entries, genesis included.
	Len(ctx context.Context) (int, error)

	// List returns up to limit entries starting at offset, oldest first.
	List(ctx context.Context, offset, limit int) ([]*Entry, error)

	// ListByProduction returns every entry for a production, oldest first.
	ListByProduction(ctx context.Context, productionID int64) ([]*Entry, error)

	// LatestConfirmed returns the most recent confirmed anchor entry for a
	// production, or ErrNotFound.
	LatestConfirmed(ctx context.Context, productionID int64) (*Entry, error)

	// Verify walks the chain and returns nil if it is intact.
	Verify(ctx context.Context) error

	// Root returns the hash of the newest entry.
	Root(ctx context.Context) (string, error)
}

// now is the entry clock. Postgres keeps microseconds, so entries are
// truncated to match and hashes survive a round trip.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Package pending stores in-flight anchoring attempts.
//
// A Submission exists from the first attempt until the production reaches a
// terminal state, at which point it is deleted and the AuditLog holds the
// permanent record. Submissions left behind by a crash, an unresolved
// transaction or a funds halt are what the reconciler works through.
package pending

import (
	"context"
	"errors"
	"time"

	"github.com/jmerrifield20/carbonanchor/internal/record"
)

// Status of a pending submission.
type Status string

const (
	// StatusInFlight is an attempt sequence currently owned by a caller.
	StatusInFlight Status = "in_flight"
	// StatusUnknown is a dispatched transaction whose outcome was not
	// observed and still needs reconciliation.
	StatusUnknown Status = "unknown"
	// StatusQueued is waiting for a funds halt to be lifted.
	StatusQueued Status = "queued"
)

// ErrNotFound is returned when no submission exists for a production.
var ErrNotFound = errors.New("pending submission not found")

// Submission is the transient state of one production's anchoring.
type Submission struct {
	ProductionID  int64                `json:"production_id"`
	ProducerID    int64                `json:"producer_id"`
	RecordHash    string               `json:"record_hash"`
	Status        Status               `json:"status"`
	Attempt       int                  `json:"attempt"`
	LastError     string               `json:"last_error,omitempty"`
	LastErrorKind string               `json:"last_error_kind,omitempty"`
	TxHash        string               `json:"tx_hash,omitempty"`
	NextRetryAt   time.Time            `json:"next_retry_at,omitempty"`
	Summary       record.CarbonSummary `json:"summary"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Store persists submissions keyed by production id.
type Store interface {
	// Put inserts or replaces the submission for s.ProductionID.
	Put(ctx context.Context, s *Submission) error
	Get(ctx context.Context, productionID int64) (*Submission, error)
	Delete(ctx context.Context, productionID int64) error
	// ListByStatus returns up to limit submissions in status, oldest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Submission, error)
	Count(ctx context.Context, status Status) (int, error)
}
